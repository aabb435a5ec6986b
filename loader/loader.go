// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loader provides dynamic library loading that understands archive
// member specifications.
//
// A path of the form "file(member,member,...)" is opened as a single
// logical library made up of each named archive member. Symbol lookup
// searches the members in the order they were named and Close releases
// every member. Any other path is passed to the native loader unaltered.
//
// The reserved handles Default, Myself and Next are never opened or owned.
// Passing them to Lookup or Close forwards the call directly to the native
// loader with the corresponding reserved scope.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"

	"github.com/kortschak/ardl/dl"
	"github.com/kortschak/ardl/member"
)

// Native is a platform dynamic loader.
type Native interface {
	// Open opens the image at path with the given mode.
	Open(path string, mode int) (dl.Image, error)
	// Sym looks up symbol in img. A zero address with a nil error
	// indicates the symbol was not found and no error was raised.
	Sym(img dl.Image, symbol string) (uintptr, error)
	// Close closes img.
	Close(img dl.Image) error
	// Reserved returns the native value for a reserved scope.
	Reserved(dl.Scope) dl.Image
	// MemberFlag returns the mode flag needed to open archive members.
	MemberFlag() int
}

// ErrInvalidHandle is returned when a nil handle is passed to Lookup or
// Close. It matches syscall.EINVAL.
var ErrInvalidHandle = fmt.Errorf("invalid handle: %w", syscall.EINVAL)

// Reserved handles.
var (
	Default = &Handle{variant: reserved, scope: dl.Default}
	Myself  = &Handle{variant: reserved, scope: dl.Myself}
	Next    = &Handle{variant: reserved, scope: dl.Next}
)

// Loader opens, searches and closes libraries using a Native loader.
// A Loader holds no state other than its Native loader and logger, but
// the Handles it returns are not safe for concurrent use.
type Loader struct {
	native Native
	log    *slog.Logger
}

// New returns a new Loader using the provided native loader. If log is
// nil, no logging is performed.
func New(native Native, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Loader{
		native: native,
		log:    log.With(slog.String("component", "loader")),
	}
}

var std = New(dl.System{}, nil)

// Open opens path using the system's dynamic loader.
// See [Loader.Open] for details.
func Open(path string, mode int) (*Handle, error) {
	return std.Open(path, mode)
}

// Lookup looks up symbol in h using the system's dynamic loader.
// See [Loader.Lookup] for details.
func Lookup(h *Handle, symbol string) (uintptr, error) {
	return std.Lookup(h, symbol)
}

// Close closes h using the system's dynamic loader.
// See [Loader.Close] for details.
func Close(h *Handle) error {
	return std.Close(h)
}

// Open opens the library at path with the given mode. If path is an archive
// member specification, the native member flag is added to mode. When the
// specification names more than one member, each member is opened in turn
// and the returned Handle owns all of them. If any member fails to open,
// all the members already opened are closed and the failing member's error
// is returned. Open with any other path opens a single native image.
func (l *Loader) Open(path string, mode int) (*Handle, error) {
	ctx := context.Background()
	spec, ok := member.Parse(path)
	if ok {
		mode |= l.native.MemberFlag()
		if spec.IsMultiple() {
			return l.openMulti(ctx, spec, mode)
		}
	}
	return l.openSingle(ctx, path, mode)
}

func (l *Loader) openSingle(ctx context.Context, path string, mode int) (*Handle, error) {
	img, err := l.native.Open(path, mode)
	if err != nil {
		l.log.LogAttrs(ctx, slog.LevelDebug, "open", slog.String("path", path), slog.Any("error", err))
		return nil, err
	}
	l.log.LogAttrs(ctx, slog.LevelDebug, "open", slog.String("path", path), slog.Any("image", img))
	return &Handle{variant: single, name: path, image: img}, nil
}

func (l *Loader) openMulti(ctx context.Context, spec member.Spec, mode int) (*Handle, error) {
	images := make([]dl.Image, 0, len(spec.Members))
	for _, m := range spec.Members {
		path := spec.MemberPath(m)
		img, err := l.native.Open(path, mode)
		if err != nil {
			l.log.LogAttrs(ctx, slog.LevelDebug, "open member", slog.String("path", path), slog.Any("error", err))
			l.rollback(ctx, spec, images)
			return nil, err
		}
		l.log.LogAttrs(ctx, slog.LevelDebug, "open member", slog.String("path", path), slog.Any("image", img))
		images = append(images, img)
	}
	return &Handle{variant: multi, name: spec.String(), images: images}, nil
}

// rollback closes images opened during a failed multiple member open.
func (l *Loader) rollback(ctx context.Context, spec member.Spec, images []dl.Image) {
	for i, img := range images {
		err := l.native.Close(img)
		if err != nil {
			l.log.LogAttrs(ctx, slog.LevelWarn, "rollback close", slog.String("path", spec.MemberPath(spec.Members[i])), slog.Any("error", err))
		}
	}
}

// Lookup returns the address of symbol in h. If h is a reserved handle,
// the lookup is made directly by the native loader in the reserved scope.
// For a handle holding multiple archive members, the members are searched
// in order and the search stops at the first member that either provides
// the symbol or raises an error. A zero address and nil error indicates
// that no image provides the symbol.
func (l *Loader) Lookup(h *Handle, symbol string) (uintptr, error) {
	if s, ok := h.reservedScope(); ok {
		return l.native.Sym(l.native.Reserved(s), symbol)
	}
	if h == nil {
		return 0, ErrInvalidHandle
	}
	switch h.variant {
	case closed:
		return 0, ErrInvalidHandle
	case single:
		return l.native.Sym(h.image, symbol)
	case multi:
		for _, img := range h.images {
			addr, err := l.native.Sym(img, symbol)
			if addr != 0 || err != nil {
				return addr, err
			}
		}
		return 0, nil
	default:
		panic(fmt.Sprintf("invalid handle variant: %d", h.variant))
	}
}

// Close closes h. If h is a reserved handle, the native loader is asked
// to close the reserved value. For a handle holding multiple archive
// members, every member is closed even if some fail, and the errors from
// all failing members are joined. h must not be used after Close returns.
func (l *Loader) Close(h *Handle) error {
	if s, ok := h.reservedScope(); ok {
		return l.native.Close(l.native.Reserved(s))
	}
	if h == nil {
		return ErrInvalidHandle
	}
	ctx := context.Background()
	switch h.variant {
	case closed:
		return ErrInvalidHandle
	case single:
		err := l.native.Close(h.image)
		if err != nil {
			l.log.LogAttrs(ctx, slog.LevelWarn, "close", slog.String("path", h.name), slog.Any("error", err))
		}
		h.release()
		return err
	case multi:
		var errs []error
		for i, img := range h.images {
			err := l.native.Close(img)
			if err != nil {
				l.log.LogAttrs(ctx, slog.LevelWarn, "close member", slog.String("path", h.name), slog.Int("index", i), slog.Any("error", err))
				errs = append(errs, err)
			}
		}
		h.release()
		return errors.Join(errs...)
	default:
		panic(fmt.Sprintf("invalid handle variant: %d", h.variant))
	}
}
