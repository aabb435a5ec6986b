// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/kortschak/ardl/config"
)

// Load returns the unified and vetted configuration held in path. If path
// is a directory, all the toml files it contains are unified. Fragment
// sections that are invalid are removed as they would be by Watcher, but
// an invalid unified configuration is an error.
func Load(path string, log *slog.Logger) (*Config, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if fi.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.toml"))
		if err != nil {
			return nil, err
		}
	}

	m := NewManager(log)
	h := sha1.New()
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		cfg, _, err := unmarshalConfigs(h, b)
		if cfg == nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		if err != nil {
			log.LogAttrs(context.Background(), slog.LevelWarn, "invalid config fragment", slog.String("path", f), slog.Any("error", err))
		}
		err = m.Apply(Change{
			Event:  []fsnotify.Event{{Name: f, Op: fsnotify.Create}},
			Config: cfg,
		})
		if err != nil {
			return nil, err
		}
	}
	cfg, _, _, _, err := m.Unify(config.Schema)
	if err != nil {
		return nil, err
	}
	_, err = Vet(cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
