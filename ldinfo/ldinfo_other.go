// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !aix || !cgo

package ldinfo

import "github.com/kortschak/ardl/dl"

// Loaded returns the images currently loaded into the process.
// It is not implemented on this platform.
func Loaded() ([]Info, error) {
	return nil, dl.ErrNotImplemented
}

// LibPath returns the library search path that was used when the process
// was started. It is not implemented on this platform.
func LibPath() ([]string, error) {
	return nil, dl.ErrNotImplemented
}

// Messages returns the loader's error messages from the most recent
// failed load. It is not implemented on this platform.
func Messages() ([]string, error) {
	return nil, dl.ErrNotImplemented
}
