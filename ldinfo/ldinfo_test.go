// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ldinfo

import (
	"errors"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kortschak/ardl/dl"
)

var splitLibPathTests = []struct {
	path string
	want []string
}{
	{path: "", want: nil},
	{path: "/usr/lib", want: []string{"/usr/lib"}},
	{path: "/usr/lib:/lib", want: []string{"/usr/lib", "/lib"}},
	{path: "/usr/lib:/lib:", want: []string{"/usr/lib", "/lib"}},
	{path: "/usr/lib::/lib", want: []string{"/usr/lib", "", "/lib"}},
	{path: ":", want: []string{""}},
}

func TestSplitLibPath(t *testing.T) {
	for _, test := range splitLibPathTests {
		got := splitLibPath(test.path)
		if !cmp.Equal(got, test.want) {
			t.Errorf("unexpected result for %q:\n--- want:\n+++ got:\n%s", test.path, cmp.Diff(test.want, got))
		}
	}
}

func TestInfoPath(t *testing.T) {
	for _, test := range []struct {
		info Info
		want string
	}{
		{info: Info{Filename: "/usr/lib/libc.a", Member: "shr_64.o"}, want: "/usr/lib/libc.a(shr_64.o)"},
		{info: Info{Filename: "/usr/bin/ardl"}, want: "/usr/bin/ardl"},
	} {
		got := test.info.Path()
		if got != test.want {
			t.Errorf("unexpected path: got:%q want:%q", got, test.want)
		}
	}
}

func TestLoaded(t *testing.T) {
	infos, err := Loaded()
	if errors.Is(err, dl.ErrNotImplemented) {
		t.Skipf("loaded image query not available on %s", runtime.GOOS)
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) == 0 {
		t.Fatal("expected at least the executable to be loaded")
	}
	if infos[0].Filename == "" {
		t.Error("unexpected empty filename for first loaded image")
	}
}
