// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package state

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kortschak/ardl/findlib"
	"github.com/kortschak/ardl/internal/locked"
	"github.com/kortschak/ardl/internal/slogext"
)

var (
	verbose = flag.Bool("verbose_log", false, "print full logging")
	lines   = flag.Bool("show_lines", false, "log source code position")
)

func Test(t *testing.T) {
	t.Run("db", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.db")

		var logBuf locked.BytesBuffer
		log := slog.New(slogext.NewJSONHandler(&logBuf, &slogext.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: slogext.NewAtomicBool(*lines),
		}))
		defer func() {
			if *verbose {
				t.Logf("log:\n%s\n", &logBuf)
			}
		}()

		db, err := Open(path, log)
		if err != nil {
			t.Fatalf("failed to create db: %v", err)
		}

		mod := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
		libc := findlib.CacheKey{Path: "/usr/lib/libc.a", Size: 1024, ModTime: mod}
		libcSyms := libc
		libcSyms.Symbols = true
		libfoo := findlib.CacheKey{Path: "/opt/lib/libfoo.so", Size: 64, ModTime: mod}

		libcObjects := []findlib.Object{
			{Member: "shr.o", Flags: []string{"DYNLOAD", "SHROBJ"}},
			{Member: "shr_64.o", Flags: []string{"DYNLOAD", "SHROBJ"}},
		}
		libcSymObjects := []findlib.Object{
			{Member: "shr.o", Flags: []string{"DYNLOAD", "SHROBJ"}, Symbols: []string{"free"}},
			{Member: "shr_64.o", Flags: []string{"DYNLOAD", "SHROBJ"}, Symbols: []string{"free", "malloc"}},
		}
		libfooObjects := []findlib.Object{
			{Flags: []string{"DYNLOAD", "SHROBJ"}},
		}

		testGet(t, db, libc, nil, false)
		testSet(t, db, libc, libcObjects)
		testSet(t, db, libcSyms, libcSymObjects)
		testSet(t, db, libfoo, libfooObjects)
		testGet(t, db, libc, libcObjects, true)
		testGet(t, db, libcSyms, libcSymObjects, true)
		testGet(t, db, libfoo, libfooObjects, true)

		// Changes to the file invalidate the result.
		stale := libc
		stale.Size++
		testGet(t, db, stale, nil, false)
		stale = libc
		stale.ModTime = mod.Add(time.Second)
		testGet(t, db, stale, nil, false)

		// Storing a new result replaces the old.
		testSet(t, db, stale, libcObjects[1:])
		testGet(t, db, stale, libcObjects[1:], true)
		testGet(t, db, libc, nil, false)

		err = db.SetObjects(findlib.CacheKey{}, libcObjects)
		if err == nil {
			t.Error("expected error for empty path")
		}

		gotDump, err := db.Dump()
		if err != nil {
			t.Errorf("failed to dump db: %v", err)
		}
		wantDump := []Entry{
			{Path: "/opt/lib/libfoo.so", Size: 64, ModTime: mod, Objects: libfooObjects},
			{Path: "/usr/lib/libc.a", Size: 1024, ModTime: mod.Add(time.Second), Objects: libcObjects[1:]},
			{Path: "/usr/lib/libc.a", Symbols: true, Size: 1024, ModTime: mod, Objects: libcSymObjects},
		}
		if !cmp.Equal(gotDump, wantDump) {
			t.Errorf("unexpected dump result:\n--- want:\n+++ got:\n%s",
				cmp.Diff(wantDump, gotDump))
		}

		err = db.Delete("/usr/lib/libc.a")
		if err != nil {
			t.Errorf("failed to delete: %v", err)
		}
		testGet(t, db, libcSyms, nil, false)

		err = db.Close()
		if err != nil {
			t.Errorf("failed to close db: %v", err)
		}

		db, err = Open(path, log)
		if err != nil {
			t.Fatalf("failed to reopen db: %v", err)
		}
		t.Cleanup(func() {
			err = db.Close()
			if err != nil {
				t.Errorf("failed to close db: %v", err)
			}
		})
		testGet(t, db, libfoo, libfooObjects, true)
	})

	t.Run("concurrent_access", func(t *testing.T) {
		log := slog.New(slogext.NewJSONHandler(io.Discard, &slogext.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: slogext.NewAtomicBool(*lines),
		}))

		db, err := Open(filepath.Join(t.TempDir(), "test-concurrent.db"), log)
		if err != nil {
			t.Fatalf("failed to create db: %v", err)
		}
		t.Cleanup(func() {
			err = db.Close()
			if err != nil {
				t.Errorf("failed to close db: %v", err)
			}
		})

		const n = 200
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				key := findlib.CacheKey{Path: fmt.Sprintf("/lib/lib%03d.a", i), Size: int64(i)}
				err := db.SetObjects(key, []findlib.Object{{Member: "shr.o"}})
				if err != nil {
					t.Errorf("failed during iteration %d: %v", i, err)
				}
			}()
		}
		wg.Wait()
		d, err := db.Dump()
		if err != nil {
			t.Errorf("failed to dump db: %v", err)
		}
		if got := len(d); got != n {
			t.Errorf("unexpected number of items: got:%d want:%d", got, n)
		}
	})
}

func testSet(t *testing.T, db *DB, key findlib.CacheKey, objects []findlib.Object) {
	t.Helper()
	err := db.SetObjects(key, objects)
	if err != nil {
		t.Errorf("failed to set %s: %v", key.Path, err)
	}
}

func testGet(t *testing.T, db *DB, key findlib.CacheKey, want []findlib.Object, wantOK bool) {
	t.Helper()
	got, ok, err := db.Objects(key)
	if err != nil {
		t.Errorf("failed to get %s: %v", key.Path, err)
		return
	}
	if ok != wantOK {
		t.Errorf("unexpected ok for %s: got:%t want:%t", key.Path, ok, wantOK)
	}
	if !cmp.Equal(got, want) {
		t.Errorf("unexpected objects for %s:\n--- want:\n+++ got:\n%s", key.Path, cmp.Diff(want, got))
	}
}
