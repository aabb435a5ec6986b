// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build aix && cgo

package ldinfo

/*
#include <errno.h>
#include <stdlib.h>
#include <string.h>
#include <sys/ldr.h>

static int ardl_loadquery(int flags, void *buf, unsigned int size, int *err) {
	int r;
	errno = 0;
	r = loadquery(flags, buf, size);
	*err = errno;
	return r;
}

typedef struct {
	const char *filename;
	const char *member;
	unsigned long long textsize;
	unsigned long long datasize;
	unsigned long long tdatasize;
	unsigned long long tdataoff;
	unsigned int tls_rnum;
	unsigned int next;
} ardl_xinfo;

static void ardl_xinfo_at(void *p, ardl_xinfo *out) {
	struct ld_xinfo *ldxi = (struct ld_xinfo *)p;
	out->filename = (const char *)ldxi + ldxi->ldinfo_filename;
	out->member = out->filename + strlen(out->filename) + 1;
	out->textsize = (unsigned long long)ldxi->ldinfo_textsize;
	out->datasize = (unsigned long long)ldxi->ldinfo_datasize;
	out->tdatasize = (unsigned long long)ldxi->ldinfo_tdatasize;
	out->tdataoff = (unsigned long long)ldxi->ldinfo_tdataoff;
	out->tls_rnum = (unsigned int)ldxi->ldinfo_tls_rnum;
	out->next = (unsigned int)ldxi->ldinfo_next;
}

static const char *ardl_message_at(void *buf, int i) {
	return ((const char **)buf)[i];
}
*/
import "C"

import (
	"fmt"
	"syscall"
	"unsafe"
)

// bufStep is the initial buffer size and the amount it is grown by when
// the loader reports that the buffer is too small.
const bufStep = 1024

// query calls loadquery with the given flags, growing the result buffer
// until the result fits. The caller must free the returned buffer with
// C.free.
func query(flags C.int) (unsafe.Pointer, error) {
	size := bufStep
	for {
		buf := C.malloc(C.size_t(size))
		if buf == nil {
			return nil, syscall.ENOMEM
		}
		var errno C.int
		r := C.ardl_loadquery(flags, buf, C.uint(size), &errno)
		if r != -1 {
			return buf, nil
		}
		C.free(buf)
		if syscall.Errno(errno) != syscall.ENOMEM {
			return nil, fmt.Errorf("loadquery: %w", syscall.Errno(errno))
		}
		size += bufStep
	}
}

// Loaded returns the images currently loaded into the process.
func Loaded() ([]Info, error) {
	buf, err := query(C.L_GETXINFO)
	if err != nil {
		return nil, err
	}
	defer C.free(buf)

	var infos []Info
	p := buf
	for {
		var x C.ardl_xinfo
		C.ardl_xinfo_at(p, &x)
		infos = append(infos, Info{
			Filename:    C.GoString(x.filename),
			Member:      C.GoString(x.member),
			TextSize:    uint64(x.textsize),
			DataSize:    uint64(x.datasize),
			TDataSize:   uint64(x.tdatasize),
			TDataOffset: uint64(x.tdataoff),
			TLSRegion:   uint32(x.tls_rnum),
		})
		if x.next == 0 {
			return infos, nil
		}
		p = unsafe.Add(p, uintptr(x.next))
	}
}

// LibPath returns the library search path that was used when the process
// was started.
func LibPath() ([]string, error) {
	buf, err := query(C.L_GETLIBPATH)
	if err != nil {
		return nil, err
	}
	defer C.free(buf)
	return splitLibPath(C.GoString((*C.char)(buf))), nil
}

// Messages returns the loader's error messages from the most recent
// failed load.
func Messages() ([]string, error) {
	buf, err := query(C.L_GETMESSAGES)
	if err != nil {
		return nil, err
	}
	defer C.free(buf)

	var msgs []string
	for i := C.int(0); ; i++ {
		m := C.ardl_message_at(buf, i)
		if m == nil {
			return msgs, nil
		}
		msgs = append(msgs, C.GoString(m))
	}
}
