// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix && cgo

package dl

/*
#cgo linux LDFLAGS: -ldl
#ifndef _GNU_SOURCE
#define _GNU_SOURCE
#endif
#include <stdlib.h>
#include <stdint.h>
#include <errno.h>
#include <dlfcn.h>

#ifndef RTLD_NODELETE
#define RTLD_NODELETE 0
#endif
#ifndef RTLD_NOLOAD
#define RTLD_NOLOAD 0
#endif
#ifndef RTLD_DEEPBIND
#define RTLD_DEEPBIND 0
#endif
#ifndef RTLD_MEMBER
#define RTLD_MEMBER 0
#endif

#if defined(RTLD_MYSELF)
#define ARDL_RTLD_MYSELF RTLD_MYSELF
#elif defined(RTLD_SELF)
#define ARDL_RTLD_MYSELF RTLD_SELF
#else
#define ARDL_RTLD_MYSELF RTLD_DEFAULT
#endif

static uintptr_t ardl_reserved(int scope) {
	switch (scope) {
	case 1:
		return (uintptr_t)ARDL_RTLD_MYSELF;
	case 2:
		return (uintptr_t)RTLD_NEXT;
	default:
		return (uintptr_t)RTLD_DEFAULT;
	}
}

static uintptr_t ardl_dlopen(const char *path, int mode) {
	return (uintptr_t)dlopen(path, mode);
}

// ardl_dlsym reports the errno state left by dlsym so that a missing
// symbol can be distinguished from a failed lookup.
static uintptr_t ardl_dlsym(uintptr_t handle, const char *symbol, int *err) {
	void *sym;
	errno = 0;
	sym = dlsym((void *)handle, symbol);
	*err = errno;
	return (uintptr_t)sym;
}

static int ardl_dlclose(uintptr_t handle) {
	return dlclose((void *)handle);
}
*/
import "C"

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	RTLD_LAZY     = int(C.RTLD_LAZY)
	RTLD_NOW      = int(C.RTLD_NOW)
	RTLD_GLOBAL   = int(C.RTLD_GLOBAL)
	RTLD_LOCAL    = int(C.RTLD_LOCAL)
	RTLD_NODELETE = int(C.RTLD_NODELETE)
	RTLD_NOLOAD   = int(C.RTLD_NOLOAD)
	RTLD_DEEPBIND = int(C.RTLD_DEEPBIND)
	RTLD_MEMBER   = int(C.RTLD_MEMBER)
)

// Reserved returns the native handle value for the reserved scope.
func Reserved(s Scope) Image {
	return Image(C.ardl_reserved(C.int(s)))
}

// Open opens the dynamic library at path. See man 3 dlopen for details.
func Open(path string, mode int) (Image, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	C.dlerror()
	h := C.ardl_dlopen(cpath, C.int(mode))
	if h == 0 {
		return 0, lastError("dlopen failed: " + path)
	}
	return Image(h), nil
}

// Sym takes a symbol name and returns the address of the symbol in img.
// If the symbol is not found and the loader did not raise an error
// condition, Sym returns a zero address and a nil error.
func Sym(img Image, name string) (uintptr, error) {
	csym := C.CString(name)
	defer C.free(unsafe.Pointer(csym))

	C.dlerror()
	var errno C.int
	s := C.ardl_dlsym(C.uintptr_t(img), csym, &errno)
	if s != 0 {
		return uintptr(s), nil
	}
	if errno == 0 {
		return 0, nil
	}
	msg := C.dlerror()
	if msg != nil {
		return 0, Error(C.GoString(msg))
	}
	return 0, unix.Errno(errno)
}

// CloseImage closes img, unloading the library if no other references
// remain. Symbols obtained from img must not be used after CloseImage has
// been called.
func CloseImage(img Image) error {
	C.dlerror()
	if C.ardl_dlclose(C.uintptr_t(img)) != 0 {
		return lastError("dlclose failed")
	}
	return nil
}

func lastError(fallback string) error {
	msg := C.dlerror()
	if msg == nil {
		return Error(fallback)
	}
	return Error(C.GoString(msg))
}
