// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dl

import (
	"errors"
	"testing"
)

var parseModeTests = []struct {
	in      string
	want    int
	wantErr bool
}{
	{in: "", want: 0},
	{in: "now", want: RTLD_NOW},
	{in: "lazy,global", want: RTLD_LAZY | RTLD_GLOBAL},
	{in: " NOW , Local ", want: RTLD_NOW | RTLD_LOCAL},
	{in: "now,member", want: RTLD_NOW | RTLD_MEMBER},
	{in: "now,eventually", wantErr: true},
	{in: "now,", wantErr: true},
}

func TestParseMode(t *testing.T) {
	for _, test := range parseModeTests {
		got, err := ParseMode(test.in)
		if (err != nil) != test.wantErr {
			t.Errorf("unexpected error for %q: got:%v want error:%t", test.in, err, test.wantErr)
			continue
		}
		if got != test.want {
			t.Errorf("unexpected mode for %q: got:%#x want:%#x", test.in, got, test.want)
		}
	}
}

func TestOpenMissing(t *testing.T) {
	_, err := Open("testdata/no_such_library.so", RTLD_NOW)
	if errors.Is(err, ErrNotImplemented) {
		t.Skip("no dynamic loader binding")
	}
	if err == nil {
		t.Fatal("expected error opening missing library")
	}
}

func TestReservedLookup(t *testing.T) {
	sys := System{}
	addr, err := sys.Sym(sys.Reserved(Default), "malloc")
	if errors.Is(err, ErrNotImplemented) {
		t.Skip("no dynamic loader binding")
	}
	if err != nil {
		t.Fatalf("unexpected error looking up malloc: %v", err)
	}
	if addr == 0 {
		t.Error("expected non-zero address for malloc")
	}

	addr, _ = sys.Sym(sys.Reserved(Default), "ardl_no_such_symbol_for_testing")
	if addr != 0 {
		t.Errorf("unexpected address for missing symbol: %#x", addr)
	}
}

func TestScopeString(t *testing.T) {
	for s, want := range map[Scope]string{
		Default:  "default",
		Myself:   "myself",
		Next:     "next",
		Scope(7): "Scope(7)",
	} {
		if got := s.String(); got != want {
			t.Errorf("unexpected scope string: got:%s want:%s", got, want)
		}
	}
}
