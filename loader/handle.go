// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"log/slog"

	"github.com/kortschak/ardl/dl"
)

// variant is the Handle variant tag.
type variant int

const (
	closed variant = iota
	single
	multi
	reserved
)

func (v variant) String() string {
	switch v {
	case closed:
		return "closed"
	case single:
		return "single"
	case multi:
		return "multiple"
	case reserved:
		return "reserved"
	default:
		return "invalid"
	}
}

// Handle is a loaded library. A Handle either owns a single native image
// or an ordered list of native images, one for each archive member named
// when it was opened. Handles are only created by Open and are released
// by Close.
type Handle struct {
	variant variant
	name    string

	// image is the owned image of a single handle.
	image dl.Image
	// images are the owned images of a multiple
	// member handle, in member order.
	images []dl.Image

	// scope is the scope of a reserved handle.
	scope dl.Scope
}

// reservedScope returns the native scope of h if h is one of the
// reserved handles. The check is by identity.
func (h *Handle) reservedScope() (dl.Scope, bool) {
	switch h {
	case Default, Myself, Next:
		return h.scope, true
	default:
		return 0, false
	}
}

// release drops the images owned by h.
func (h *Handle) release() {
	h.variant = closed
	h.image = 0
	h.images = nil
}

// Name returns the path the handle was opened with, or the reserved scope
// name for reserved handles.
func (h *Handle) Name() string {
	if h == nil {
		return "<nil>"
	}
	if s, ok := h.reservedScope(); ok {
		return s.String()
	}
	return h.name
}

// Len returns the number of native images owned by h.
func (h *Handle) Len() int {
	if h == nil {
		return 0
	}
	switch h.variant {
	case single:
		return 1
	case multi:
		return len(h.images)
	default:
		return 0
	}
}

// IsReserved returns whether h is one of the reserved handles.
func (h *Handle) IsReserved() bool {
	_, ok := h.reservedScope()
	return ok
}

func (h *Handle) LogValue() slog.Value {
	if h == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("name", h.Name()),
		slog.String("variant", h.variant.String()),
		slog.Int("images", h.Len()),
	)
}
