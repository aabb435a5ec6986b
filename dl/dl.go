// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dl implements dlopen and related functionality.
//
// The functions in this package are thin wrappers around the platform's
// dynamic loader. They do not interpret archive member specifications;
// see the loader package for that.
package dl

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotImplemented is returned by all functions on platforms without a
// dynamic loader binding.
var ErrNotImplemented = errors.New("not implemented")

// Image is a native image handle as returned by dlopen.
type Image uintptr

// Scope is a reserved search scope.
type Scope int

const (
	// Default searches the global set of already loaded images.
	Default Scope = iota
	// Myself searches starting from the image that makes the lookup.
	Myself
	// Next searches the images loaded after the image making the lookup.
	Next
)

func (s Scope) String() string {
	switch s {
	case Default:
		return "default"
	case Myself:
		return "myself"
	case Next:
		return "next"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// Error is a dlerror error message.
type Error string

func (e Error) Error() string { return string(e) }

// System is the platform's native dynamic loader.
type System struct{}

// Open calls dlopen with the provided path and mode.
func (System) Open(path string, mode int) (Image, error) { return Open(path, mode) }

// Sym calls dlsym on img.
func (System) Sym(img Image, symbol string) (uintptr, error) { return Sym(img, symbol) }

// Close calls dlclose on img.
func (System) Close(img Image) error { return CloseImage(img) }

// Reserved returns the native handle value for the reserved scope.
func (System) Reserved(s Scope) Image { return Reserved(s) }

// MemberFlag returns the mode flag required to open an archive member.
func (System) MemberFlag() int { return RTLD_MEMBER }

// ParseMode returns the mode corresponding to a comma-separated list of
// flag names. Valid names are lazy, now, global, local, nodelete, noload,
// deepbind and member. Flags that are not supported by the platform have
// the value zero.
func ParseMode(s string) (int, error) {
	var mode int
	if strings.TrimSpace(s) == "" {
		return mode, nil
	}
	for _, f := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "lazy":
			mode |= RTLD_LAZY
		case "now":
			mode |= RTLD_NOW
		case "global":
			mode |= RTLD_GLOBAL
		case "local":
			mode |= RTLD_LOCAL
		case "nodelete":
			mode |= RTLD_NODELETE
		case "noload":
			mode |= RTLD_NOLOAD
		case "deepbind":
			mode |= RTLD_DEEPBIND
		case "member":
			mode |= RTLD_MEMBER
		default:
			return 0, fmt.Errorf("invalid mode flag: %q", f)
		}
	}
	return mode, nil
}
