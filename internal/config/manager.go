// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"hash"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/encoding/gocode/gocodec"
	"github.com/fsnotify/fsnotify"

	"github.com/kortschak/ardl/config"
	"github.com/kortschak/ardl/dl"
	"github.com/kortschak/ardl/findlib"
	"github.com/kortschak/ardl/internal/slogext"
)

// Manager is a configurations stream manager. It holds a progressive
// configuration state constructed from applying a sequence of configuration
// changes.
type Manager struct {
	fragments map[string]*Config
	hash      hash.Hash
	log       *slog.Logger
}

// NewManager returns a new Manager.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{
		fragments: make(map[string]*Config),
		hash:      sha1.New(),
		log:       log.With(slog.String("component", "config_manager")),
	}
}

// Apply applies the provided change to the current configuration state. Any
// error returned will be fs.PathError.
func (m *Manager) Apply(c Change) error {
	ctx := context.Background()
	m.log.LogAttrs(ctx, slog.LevelDebug, "apply", slog.Any("op", slogext.Stringer{Stringer: c.Op()}))
	for _, ev := range c.Event {
		switch {
		case ev.Has(fsnotify.Write):
			m.log.LogAttrs(ctx, slog.LevelDebug, "apply write", slog.Any("change", changeValue{c}))
			_, ok := m.fragments[ev.Name]
			m.log.LogAttrs(ctx, slog.LevelInfo, "apply write", slog.Bool("exists", ok))
			m.fragments[ev.Name] = c.Config

		case ev.Has(fsnotify.Rename):
			m.log.LogAttrs(ctx, slog.LevelDebug, "apply rename", slog.Any("change", changeValue{c}))
			if _, ok := m.fragments[ev.Name]; !ok {
				return &fs.PathError{Op: "rename", Path: ev.Name, Err: fs.ErrNotExist}
			}
			delete(m.fragments, ev.Name)

		case ev.Has(fsnotify.Create):
			m.log.LogAttrs(ctx, slog.LevelDebug, "apply create", slog.Any("change", changeValue{c}))
			if _, ok := m.fragments[ev.Name]; ok {
				return &fs.PathError{Op: "create", Path: ev.Name, Err: fs.ErrExist}
			}
			m.fragments[ev.Name] = c.Config

		case ev.Has(fsnotify.Remove):
			m.log.LogAttrs(ctx, slog.LevelDebug, "apply remove", slog.Any("change", changeValue{c}))
			if _, ok := m.fragments[ev.Name]; ok {
				delete(m.fragments, ev.Name)
				continue
			}
			// Removing the configuration directory
			// removes everything held.
			if len(c.Event) == 1 && c.Config == nil && len(m.fragments) != 0 && filepath.Ext(ev.Name) != ".toml" {
				clear(m.fragments)
				continue
			}
			return &fs.PathError{Op: "remove", Path: ev.Name, Err: fs.ErrNotExist}
		}
	}
	return nil
}

// Unify returns a complete unified configuration validated against the provided
// CUE schema. The configuration is returned as both a *Config and a cue.Value
// to allow inspection of incomplete unification. The names of files that are
// included and those that remain to be included is also returned.
func (m *Manager) Unify(schema string) (cfg *Config, val cue.Value, included, remain []string, err error) {
	ctx := cuecontext.New()

	u := ctx.CompileString(schema)
	codec := gocodec.New(ctx, nil)

	paths := make([]string, 0, len(m.fragments))
	for p := range m.fragments {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for i, p := range paths {
		if m.fragments[p] == nil {
			continue
		}
		w, err := codec.Decode(desum(m.fragments[p]))
		if err != nil {
			return nil, u, paths[:i], paths[i:], err
		}
		u = u.Unify(w)
		err = u.Validate()
		if err != nil {
			return nil, u, paths[:i], paths[i:], err
		}
	}
	var c Config
	err = codec.Encode(u, &c)
	if err != nil {
		return nil, u, paths, nil, err
	}
	sum, err := resum(m.hash, &c)
	if err != nil {
		return nil, u, paths, nil, err
	}
	u, err = codec.Decode(&c)
	if err != nil {
		panic(fmt.Errorf("internal inconsistency: %v", err))
	}
	m.log.LogAttrs(context.Background(), slog.LevelDebug, "unified config", slog.Any("sum", slogext.Stringer{Stringer: &sum}))
	return &c, u, paths, nil, nil
}

// desum returns a copy of c with all section sums zeroed so that
// fragments holding identical sections unify.
func desum(c *Config) *Config {
	var dst Config
	if c.Server != nil {
		s := *c.Server
		s.Sum = nil
		dst.Server = &s
	}
	if c.Find != nil {
		f := *c.Find
		f.Sum = nil
		dst.Find = &f
	}
	if c.Preload != nil {
		dst.Preload = make(map[string]*Preload)
	}
	for name, p := range c.Preload {
		if p == nil {
			dst.Preload[name] = nil
			continue
		}
		l := *p
		l.Sum = nil
		dst.Preload[name] = &l
	}
	return &dst
}

// Fragments returns the currently held configuration fragments. It is intended
// only for debugging.
func (m *Manager) Fragments() map[string]*Config { return m.fragments }

// Vet performs a validation of the provided configuration, returning a list
// of invalid paths and a CUE errors.Error explaining the issues found if
// the configuration is invalid. Vet uses Validate with the config.Schema
// schema and then checks that the find filter compiles and that each
// preload mode is valid.
func Vet(cfg *Config) (paths [][]string, err error) {
	p, err := Validate(config.Schema, cfg)
	if err != nil {
		return p, err
	}

	var deferredError error
	if cfg.Find != nil && cfg.Find.Filter != "" {
		_, err = findlib.NewFilter(cfg.Find.Filter, nil)
		if err != nil {
			paths = append(paths, []string{findName, "filter"})
			deferredError = appendErr(deferredError, fmt.Errorf("%s.filter: %w", findName, err))
		}
	}
	for name, c := range cfg.Preload {
		_, err = dl.ParseMode(c.Mode)
		if err != nil {
			paths = append(paths, []string{preloadName, name, "mode"})
			deferredError = appendErr(deferredError, fmt.Errorf("%s.%s.mode: %w", preloadName, name, err))
		}
	}
	return unique(paths), deferredError
}

// Repair removes find and preload sections in cfg that correspond to invalid
// field paths identified by Vet until no invalid fields are found, and
// returning the result. Paths referring to invalid fields in the server
// configuration will result in an error. The final result may have no
// configured find or preload section.
func Repair(cfg *Config, paths [][]string) (*Config, error) {
	for {
		cfg, err := remove(cfg, paths, true)
		if err != nil {
			return cfg, err
		}
		paths, err = Vet(cfg)
		if err == nil {
			return cfg, nil
		}
		if len(paths) == 0 {
			return cfg, errors.New("cannot repair: no invalid path identified")
		}
	}
}

func appendErr(dst, next error) error {
	if dst == nil {
		return next
	}
	return cerrors.Append(
		cerrors.Promote(dst, ""),
		cerrors.Promote(next, ""),
	)
}
