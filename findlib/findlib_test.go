// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package findlib

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/tools/txtar"

	"github.com/kortschak/ardl/internal/locked"
	"github.com/kortschak/ardl/internal/slogext"
)

var (
	verbose = flag.Bool("verbose_log", false, "print full logging")
	lines   = flag.Bool("show_lines", false, "log source code position")
)

func TestParseDump(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "dump", "*.txtar"))
	if err != nil {
		t.Fatalf("failed to glob fixtures: %v", err)
	}
	if len(paths) == 0 {
		t.Fatal("no fixtures")
	}
	for _, path := range paths {
		t.Run(strings.TrimSuffix(filepath.Base(path), ".txtar"), func(t *testing.T) {
			a, err := txtar.ParseFile(path)
			if err != nil {
				t.Fatalf("failed to parse fixture: %v", err)
			}
			comment, _, _ := bytes.Cut(a.Comment, []byte{'\n'})
			filename, ok := strings.CutPrefix(string(comment), "filename: ")
			if !ok {
				t.Fatalf("missing filename in fixture comment: %q", comment)
			}
			files := make(map[string][]byte)
			for _, f := range a.Files {
				files[f.Name] = f.Data
			}

			got, err := ParseDump(bytes.NewReader(files["stdout"]), filename)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var want []Object
			err = json.Unmarshal(files["want.json"], &want)
			if err != nil {
				t.Fatalf("failed to unmarshal want: %v", err)
			}
			if !cmp.Equal(want, got) {
				t.Errorf("unexpected objects:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
			}
		})
	}
}

func TestHasFlag(t *testing.T) {
	o := Object{Flags: []string{"DYNLOAD", "EXEC", "LOADONLY", "SHROBJ"}}
	for _, flag := range o.Flags {
		if !o.HasFlag(flag) {
			t.Errorf("missing flag %s", flag)
		}
	}
	if o.HasFlag("DEP_SYSTEM") {
		t.Error("unexpected flag DEP_SYSTEM")
	}
}

var searchNamesTests = []struct {
	base, member string
	want         []Candidate
}{
	{
		base: "libc.so",
		want: []Candidate{
			{Name: "libc.so", Members: []string{""}},
			{Name: "libc.a", Members: []string{""}},
		},
	},
	{
		base: "libc.a", member: "shr.o",
		want: []Candidate{
			{Name: "libc.a", Members: []string{"shr.o"}},
			{Name: "libc.so", Members: []string{"shr.o"}},
		},
	},
	{
		base: "libssl.so.1.0.2",
		want: []Candidate{
			{Name: "libssl.so.1.0.2", Members: []string{""}},
			{Name: "libssl.a.1.0.2", Members: []string{"libssl.so.1.0.2", ""}},
			{Name: "libssl.a", Members: []string{"libssl.so.1.0.2"}},
		},
	},
	{
		base: "libssl.so.1.0.2", member: "shr.o",
		want: []Candidate{
			{Name: "libssl.so.1.0.2", Members: []string{"shr.o"}},
			{Name: "libssl.a.1.0.2", Members: []string{"shr.o"}},
		},
	},
	{
		base: "libz.a.1",
		want: []Candidate{
			{Name: "libz.a.1", Members: []string{""}},
			{Name: "libz.so.1", Members: []string{""}},
		},
	},
	{
		base: "c",
		want: []Candidate{
			{Name: "libc.so", Members: []string{""}},
			{Name: "libc.a", Members: []string{""}},
			{Name: "c", Members: []string{""}},
		},
	},
	{
		base: "libcrypt",
		want: []Candidate{
			{Name: "liblibcrypt.so", Members: []string{""}},
			{Name: "libcrypt.so", Members: []string{""}},
			{Name: "liblibcrypt.a", Members: []string{""}},
			{Name: "libcrypt.a", Members: []string{""}},
			{Name: "libcrypt", Members: []string{""}},
		},
	},
}

func TestSearchNames(t *testing.T) {
	for _, test := range searchNamesTests {
		got := SearchNames(test.base, test.member)
		if !cmp.Equal(test.want, got) {
			t.Errorf("unexpected candidates for %q %q:\n--- want:\n+++ got:\n%s",
				test.base, test.member, cmp.Diff(test.want, got))
		}
	}
}

func TestLibPath(t *testing.T) {
	t.Setenv("LIBPATH", "")
	t.Setenv("LD_LIBRARY_PATH", "/opt/lib:/usr/local/lib")
	got := LibPath()
	want := []string{"/opt/lib", "/usr/local/lib"}
	if len(got) < len(want) || !cmp.Equal(got[:len(want)], want) {
		t.Errorf("unexpected library path with LD_LIBRARY_PATH: got:%q want prefix:%q", got, want)
	}

	t.Setenv("LIBPATH", "/aix/lib")
	got = LibPath()
	want = []string{"/aix/lib"}
	if len(got) < len(want) || !cmp.Equal(got[:len(want)], want) {
		t.Errorf("unexpected library path with LIBPATH: got:%q want prefix:%q", got, want)
	}
}

// fakeDumper is a Dumper that returns fixed objects for each path.
type fakeDumper struct {
	objects map[string][]Object
	calls   []string
}

func (d *fakeDumper) Dump(_ context.Context, path string, symbols bool) ([]Object, error) {
	call := filepath.Base(path)
	if symbols {
		call += " symbols"
	}
	d.calls = append(d.calls, call)
	o, ok := d.objects[filepath.Base(path)]
	if !ok {
		return nil, os.ErrNotExist
	}
	return o, nil
}

// mapCache is an in-memory Cache.
type mapCache map[CacheKey][]Object

func (c mapCache) Objects(key CacheKey) ([]Object, bool, error) {
	o, ok := c[key]
	return o, ok, nil
}

func (c mapCache) SetObjects(key CacheKey, objects []Object) error {
	c[key] = objects
	return nil
}

var (
	shared   = []string{"DYNLOAD", "SHROBJ"}
	loadOnly = []string{"DYNLOAD", "LOADONLY", "SHROBJ"}
)

func testObjects() map[string][]Object {
	return map[string][]Object{
		"libc.a": {
			{Member: "shr_compat.o", Flags: loadOnly, Symbols: []string{"old_malloc"}},
			{Member: "shr.o", Flags: shared, Symbols: []string{"free"}},
			{Member: "shr_64.o", Flags: shared, Symbols: []string{"free", "malloc"}},
		},
		"libssl.a": {
			{Member: "libssl.so.1.0.0", Flags: shared},
			{Member: "libssl.so.1.0.2", Flags: shared},
		},
		"libfoo.so": {
			{Flags: shared},
		},
		"libonly.a": {
			{Member: "shr.o", Flags: loadOnly},
		},
	}
}

var findTests = []struct {
	name   string
	filter string
	want   string
	err    error
}{
	{name: "c", want: "libc.a(shr.o)"},
	{name: "libc.a", want: "libc.a(shr.o)"},
	{name: "libc.a(shr_64.o)", want: "libc.a(shr_64.o)"},
	{name: "libc.a(shr_compat.o)", want: "libc.a(shr_compat.o)"},
	{name: "libc.a(missing.o)", err: ErrNotFound},
	{name: "c", filter: `"malloc" in symbols`, want: "libc.a(shr_64.o)"},
	{name: "c", filter: `member.glob("*compat*")`, err: ErrNotFound},
	{name: "libssl.so.1.0.2", want: "libssl.a(libssl.so.1.0.2)"},
	{name: "foo", want: "libfoo.so"},
	{name: "only", want: "libonly.a(shr.o)"},
	{name: "nothere", err: ErrNotFound},
	{name: "", err: ErrNotFound},
}

func newTestFinder(t *testing.T, dir string, dumper Dumper) *Finder {
	t.Helper()
	var logBuf locked.BytesBuffer
	log := slog.New(slogext.NewJSONHandler(&logBuf, &slogext.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: slogext.NewAtomicBool(*lines),
	}))
	t.Cleanup(func() {
		if *verbose {
			t.Logf("log:\n%s\n", &logBuf)
		}
	})
	return &Finder{
		Dumper:  dumper,
		LibPath: func() []string { return []string{filepath.Join(dir, "empty"), dir} },
		Log:     log,
	}
}

func makeLibs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	err := os.Mkdir(filepath.Join(dir, "empty"), 0o755)
	if err != nil {
		t.Fatalf("failed to make dir: %v", err)
	}
	for name := range testObjects() {
		err := os.WriteFile(filepath.Join(dir, name), []byte("!<bigaf>\n"), 0o644)
		if err != nil {
			t.Fatalf("failed to write library: %v", err)
		}
	}
	return dir
}

func TestFind(t *testing.T) {
	dir := makeLibs(t)
	ctx := context.Background()
	for _, test := range findTests {
		t.Run(test.name+test.filter, func(t *testing.T) {
			f := newTestFinder(t, dir, &fakeDumper{objects: testObjects()})
			if test.filter != "" {
				var err error
				f.Filter, err = NewFilter(test.filter, f.Log)
				if err != nil {
					t.Fatalf("unexpected error compiling filter: %v", err)
				}
			}
			got, err := f.Find(ctx, test.name)
			if !errors.Is(err, test.err) {
				t.Fatalf("unexpected error: got:%v want:%v", err, test.err)
			}
			if err != nil {
				return
			}
			want := filepath.Join(dir, test.want)
			if got != want {
				t.Errorf("unexpected result: got:%q want:%q", got, want)
			}
		})
	}
}

func TestFindExplicitPath(t *testing.T) {
	dir := makeLibs(t)
	f := newTestFinder(t, dir, &fakeDumper{objects: testObjects()})
	f.LibPath = func() []string {
		t.Error("unexpected library path search")
		return nil
	}
	got, err := f.Find(context.Background(), filepath.Join(dir, "libc.a(shr_64.o)"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join(dir, "libc.a(shr_64.o)")
	if got != want {
		t.Errorf("unexpected result: got:%q want:%q", got, want)
	}
}

func TestFindCache(t *testing.T) {
	dir := makeLibs(t)
	dumper := &fakeDumper{objects: testObjects()}
	f := newTestFinder(t, dir, dumper)
	cache := make(mapCache)
	f.Cache = cache

	ctx := context.Background()
	for range 3 {
		got, err := f.Find(ctx, "c")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := filepath.Join(dir, "libc.a(shr.o)")
		if got != want {
			t.Errorf("unexpected result: got:%q want:%q", got, want)
		}
	}
	wantCalls := []string{"libc.a"}
	if !cmp.Equal(dumper.calls, wantCalls) {
		t.Errorf("unexpected dump calls:\n--- want:\n+++ got:\n%s", cmp.Diff(wantCalls, dumper.calls))
	}

	// Symbol tables are requested for filters and
	// are cached separately.
	f.Filter, _ = NewFilter(`"malloc" in symbols`, nil)
	_, err := f.Find(ctx, "c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantCalls = append(wantCalls, "libc.a symbols")
	if !cmp.Equal(dumper.calls, wantCalls) {
		t.Errorf("unexpected dump calls:\n--- want:\n+++ got:\n%s", cmp.Diff(wantCalls, dumper.calls))
	}
	if len(cache) != 2 {
		t.Errorf("unexpected number of cache entries: got:%d want:2", len(cache))
	}
}

func TestNewFilterErrors(t *testing.T) {
	for _, src := range []string{
		`member +`,
		`member`,
		`unknown == 1`,
	} {
		_, err := NewFilter(src, nil)
		if err == nil {
			t.Errorf("expected error for %q", src)
		}
	}
}
