// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !(unix && cgo) && !(!cgo && (linux || darwin || freebsd))

package dl

const (
	RTLD_LAZY     = 0
	RTLD_NOW      = 0
	RTLD_GLOBAL   = 0
	RTLD_LOCAL    = 0
	RTLD_NODELETE = 0
	RTLD_NOLOAD   = 0
	RTLD_DEEPBIND = 0
	RTLD_MEMBER   = 0
)

// Reserved returns zero on this platform.
func Reserved(Scope) Image { return 0 }

// Open is not implemented on this platform.
func Open(string, int) (Image, error) {
	return 0, ErrNotImplemented
}

// Sym is not implemented on this platform.
func Sym(Image, string) (uintptr, error) {
	return 0, ErrNotImplemented
}

// CloseImage is not implemented on this platform.
func CloseImage(Image) error {
	return ErrNotImplemented
}
