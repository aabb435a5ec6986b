// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"log/slog"
	"os"
	"slices"

	"github.com/kortschak/ardl/findlib"
)

// NewFinder returns a library finder configured by cfg. Directories in
// cfg.LibPath are searched before the system library path. A nil cfg
// returns a finder with the default configuration.
func NewFinder(cfg *Find, cache findlib.Cache, log *slog.Logger) (*findlib.Finder, error) {
	f := &findlib.Finder{
		Dumper: &findlib.ExecDumper{Stderr: os.Stderr},
		Cache:  cache,
		Log:    log,
	}
	if cfg == nil {
		return f, nil
	}
	f.Dumper = &findlib.ExecDumper{
		Path:   cfg.Dump,
		Bits:   cfg.Bits,
		Stderr: os.Stderr,
	}
	if len(cfg.LibPath) != 0 {
		dirs := slices.Clone(cfg.LibPath)
		f.LibPath = func() []string {
			return append(slices.Clip(dirs), findlib.LibPath()...)
		}
	}
	if cfg.Filter != "" {
		filter, err := findlib.NewFilter(cfg.Filter, log)
		if err != nil {
			return nil, err
		}
		f.Filter = filter
	}
	return f, nil
}
