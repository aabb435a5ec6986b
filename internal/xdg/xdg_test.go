// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xdg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

var envOrDefaultTests = []struct {
	set map[string]string

	key, def, home string

	want   string
	wantOK bool
}{
	0: {
		set: map[string]string{
			"test_HOME": "testdata/home",
			"testkey":   "testdata/home/dir",
		},
		key:  "testkey",
		def:  "testdata/global_dir",
		home: "test_HOME",

		want:   "testdata/home/dir",
		wantOK: true,
	},
	1: {
		set: map[string]string{
			"test_HOME": "testdata/home",
		},
		key:  "testkey",
		def:  "testdata/global_dir",
		home: "test_HOME",

		want:   "testdata/home/testdata/global_dir",
		wantOK: true,
	},
	2: {
		set: map[string]string{
			"test_HOME": "testdata/home",
		},
		key:  "testkey",
		def:  "",
		home: "test_HOME",

		want:   "",
		wantOK: false,
	},
	3: {
		set: map[string]string{
			"test_HOME": "testdata/home",
		},
		key:  "testkey",
		def:  "testdata/global_dir",
		home: "",

		want:   "testdata/global_dir",
		wantOK: true,
	},
	4: {
		set: map[string]string{
			"test_HOME": "testdata/home",
		},
		key:  "testkey",
		def:  "testdata/global_dir",
		home: "invalid",

		want:   "",
		wantOK: false,
	},
}

func TestEnvOrDefault(t *testing.T) {

	for i, test := range envOrDefaultTests {
		for k, v := range test.set {
			if _, ok := os.LookupEnv(k); ok {
				panic(fmt.Sprintf("already set in env: %s", k))
			}
			if k == "test_HOME" && test.home == "" {
				continue
			}
			os.Setenv(k, v)
		}

		got, gotOK := envOrDefault(test.key, test.def, test.home)
		if gotOK != test.wantOK {
			t.Errorf("unexpected ok for %d: got:%t want:%t", i, gotOK, test.wantOK)
		}
		if got != test.want {
			t.Errorf("unexpected result for %d: got:%q want:%q", i, got, test.want)
		}

		for k := range test.set {
			os.Unsetenv(k)
		}
	}
}

func TestConfigFind(t *testing.T) {
	local := t.TempDir()
	global := t.TempDir()
	err := os.WriteFile(filepath.Join(global, "ardl.toml"), nil, 0o644)
	if err != nil {
		t.Fatalf("failed to write global config: %v", err)
	}

	const (
		keyLocal  = "test_ARDL_CONFIG_HOME"
		keyGlobal = "test_ARDL_CONFIG_DIRS"
	)
	t.Setenv(keyLocal, local)
	t.Setenv(keyGlobal, global)

	_, err = find("ardl.toml", keyLocal, "", keyGlobal, "", "", true)
	if !errors.Is(err, syscall.ENOENT) {
		t.Errorf("unexpected error for local only search: got:%v want:%v", err, syscall.ENOENT)
	}
	got, err := find("ardl.toml", keyLocal, "", keyGlobal, "", "", false)
	if err != nil {
		t.Fatalf("unexpected error for global search: %v", err)
	}
	want := filepath.Join(global, "ardl.toml")
	if got != want {
		t.Errorf("unexpected path: got:%q want:%q", got, want)
	}

	err = os.WriteFile(filepath.Join(local, "ardl.toml"), nil, 0o644)
	if err != nil {
		t.Fatalf("failed to write local config: %v", err)
	}
	got, err = find("ardl.toml", keyLocal, "", keyGlobal, "", "", false)
	if err != nil {
		t.Fatalf("unexpected error for local search: %v", err)
	}
	want = filepath.Join(local, "ardl.toml")
	if got != want {
		t.Errorf("unexpected path: got:%q want:%q", got, want)
	}
}
