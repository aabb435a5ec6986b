// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package member

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var parseTests = []struct {
	path   string
	want   Spec
	wantOK bool
}{
	{
		path:   "f(a,b,c)",
		want:   Spec{Path: "f", Members: []string{"a", "b", "c"}},
		wantOK: true,
	},
	{
		path:   "/usr/lib/libc.a(shr_64.o)",
		want:   Spec{Path: "/usr/lib/libc.a", Members: []string{"shr_64.o"}},
		wantOK: true,
	},
	{
		path:   "/usr/lib/libc.a(shr_64.o,posix_64.o)",
		want:   Spec{Path: "/usr/lib/libc.a", Members: []string{"shr_64.o", "posix_64.o"}},
		wantOK: true,
	},
	{
		// Members are not trimmed.
		path:   "lib.a( a , b)",
		want:   Spec{Path: "lib.a", Members: []string{" a ", " b"}},
		wantOK: true,
	},
	{
		// Empty segments are retained.
		path:   "lib.a(a,,b)",
		want:   Spec{Path: "lib.a", Members: []string{"a", "", "b"}},
		wantOK: true,
	},
	{
		// The last opening parenthesis is used.
		path:   "lib(1).a(m)",
		want:   Spec{Path: "lib(1).a", Members: []string{"m"}},
		wantOK: true,
	},
	{
		// Permissive: a literal parenthesized suffix is a spec.
		path:   "/opt/lib/libfoo(x86)",
		want:   Spec{Path: "/opt/lib/libfoo", Members: []string{"x86"}},
		wantOK: true,
	},
	{
		// Closing parentheses within the member text are retained.
		path:   "f(a)b)",
		want:   Spec{Path: "f", Members: []string{"a)b"}},
		wantOK: true,
	},
	{path: "", wantOK: false},
	{path: "libc.so", wantOK: false},
	{path: "f(a,b", wantOK: false},
	{path: "f(a)b", wantOK: false},
	{path: "f(a) ", wantOK: false},
	{path: "(a)", wantOK: false},
	{path: "f()", wantOK: false},
	{path: ")", wantOK: false},
	{path: "f)", wantOK: false},
	{path: "f(a/b)", wantOK: false},
	{path: "/usr/lib(x)/lib.so", wantOK: false},
	{path: "lib.a(dir/m.o,n.o)", wantOK: false},
}

func TestParse(t *testing.T) {
	for _, test := range parseTests {
		got, ok := Parse(test.path)
		if ok != test.wantOK {
			t.Errorf("unexpected ok for %q: got:%t want:%t", test.path, ok, test.wantOK)
			continue
		}
		if !cmp.Equal(got, test.want) {
			t.Errorf("unexpected spec for %q:\n--- want:\n+++ got:\n%s", test.path, cmp.Diff(test.want, got))
		}
		if !ok {
			continue
		}
		if got.String() != test.path {
			t.Errorf("unexpected round trip: got:%q want:%q", got.String(), test.path)
		}
		if got.IsMultiple() != (len(test.want.Members) > 1) {
			t.Errorf("unexpected multiple state for %q: got:%t", test.path, got.IsMultiple())
		}
	}
}

func TestMemberPath(t *testing.T) {
	spec, ok := Parse("/usr/lib/libc.a(shr_64.o,posix_64.o)")
	if !ok {
		t.Fatal("failed to parse spec")
	}
	var got []string
	for _, m := range spec.Members {
		got = append(got, spec.MemberPath(m))
	}
	want := []string{
		"/usr/lib/libc.a(shr_64.o)",
		"/usr/lib/libc.a(posix_64.o)",
	}
	if !cmp.Equal(got, want) {
		t.Errorf("unexpected member paths:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
	}
	// The source spec must be unaltered.
	if spec.String() != "/usr/lib/libc.a(shr_64.o,posix_64.o)" {
		t.Errorf("spec altered: %s", spec)
	}
}

var splitTests = []struct {
	libname    string
	wantFile   string
	wantMember string
	wantOK     bool
}{
	{libname: "libc.a(shr.o)", wantFile: "libc.a", wantMember: "shr.o", wantOK: true},
	{libname: "libc.a", wantFile: "libc.a"},
	{libname: "libc.a(shr.o", wantFile: "libc.a(shr.o"},
	{libname: "libc.a(shr.o)x", wantFile: "libc.a(shr.o)x"},
	{libname: "(shr.o)", wantFile: "(shr.o)"},
	{libname: "libc.a()", wantFile: "libc.a()"},
	{libname: "lib(1).a(shr.o)", wantFile: "lib(1).a(shr.o)"},
	{libname: "libc.a(a,b)", wantFile: "libc.a", wantMember: "a,b", wantOK: true},
}

func TestSplit(t *testing.T) {
	for _, test := range splitTests {
		file, member, ok := Split(test.libname)
		if file != test.wantFile || member != test.wantMember || ok != test.wantOK {
			t.Errorf("unexpected split of %q: got:(%q, %q, %t) want:(%q, %q, %t)",
				test.libname, file, member, ok, test.wantFile, test.wantMember, test.wantOK)
		}
	}
}
