// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !cgo && (linux || darwin || freebsd)

package dl

import (
	"runtime"

	"github.com/ebitengine/purego"
)

// purego does not expose the extended flags, so they are unsupported
// in non-cgo builds.
const (
	RTLD_LAZY     = purego.RTLD_LAZY
	RTLD_NOW      = purego.RTLD_NOW
	RTLD_GLOBAL   = purego.RTLD_GLOBAL
	RTLD_LOCAL    = purego.RTLD_LOCAL
	RTLD_NODELETE = 0
	RTLD_NOLOAD   = 0
	RTLD_DEEPBIND = 0
	RTLD_MEMBER   = 0
)

const (
	rtldNext = ^uintptr(0)     // (void *)-1
	rtldSelf = ^uintptr(0) - 2 // (void *)-3
)

// Reserved returns the native handle value for the reserved scope.
func Reserved(s Scope) Image {
	switch s {
	case Myself:
		if runtime.GOOS == "linux" {
			return Image(purego.RTLD_DEFAULT)
		}
		return Image(rtldSelf)
	case Next:
		return Image(rtldNext)
	default:
		return Image(purego.RTLD_DEFAULT)
	}
}

// Open opens the dynamic library at path. See man 3 dlopen for details.
func Open(path string, mode int) (Image, error) {
	h, err := purego.Dlopen(path, mode)
	if err != nil {
		return 0, err
	}
	return Image(h), nil
}

// Sym takes a symbol name and returns the address of the symbol in img.
// purego reports every failed lookup with an error, so a missing symbol
// always carries the loader's error message in non-cgo builds.
func Sym(img Image, name string) (uintptr, error) {
	return purego.Dlsym(uintptr(img), name)
}

// CloseImage closes img, unloading the library if no other references
// remain. Symbols obtained from img must not be used after CloseImage has
// been called.
func CloseImage(img Image) error {
	return purego.Dlclose(uintptr(img))
}
