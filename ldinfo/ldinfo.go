// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ldinfo reports the images loaded into the current process and
// the library search path in effect when the process was started.
//
// The queries are provided by the AIX loader and are only available on
// AIX builds with cgo enabled. Other builds return [dl.ErrNotImplemented].
package ldinfo

import (
	"strings"

	"github.com/kortschak/ardl/member"
)

// Info describes a loaded image.
type Info struct {
	// Filename is the path of the loaded file.
	Filename string `json:"filename"`
	// Member is the archive member name, empty
	// for a standalone object.
	Member string `json:"member,omitempty"`

	TextSize  uint64 `json:"text_size"`
	DataSize  uint64 `json:"data_size"`
	TDataSize uint64 `json:"tdata_size"`
	// TDataOffset is the offset of the thread-local
	// data within the TLS region.
	TDataOffset uint64 `json:"tdata_offset"`
	// TLSRegion is the TLS region number.
	TLSRegion uint32 `json:"tls_region"`
}

// Path returns the path of the image in the form used to open it, with
// the member name in parentheses for archive members.
func (i Info) Path() string {
	if i.Member == "" {
		return i.Filename
	}
	return member.Spec{Path: i.Filename, Members: []string{i.Member}}.String()
}

// splitLibPath splits a colon-separated library path as reported by the
// loader. An empty path has no elements and a trailing colon does not add
// an empty element.
func splitLibPath(s string) []string {
	if s == "" {
		return nil
	}
	path := strings.Split(s, ":")
	if path[len(path)-1] == "" {
		path = path[:len(path)-1]
	}
	return path
}
