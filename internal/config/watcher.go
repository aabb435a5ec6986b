// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"hash"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// FileDebounce is the default duration we wait for the contents to have
// stabilised to work around some editors writing an empty file and then the
// buffer.
const FileDebounce = 10 * time.Millisecond

// Change is a set of related configuration changes identified by Watch.
type Change struct {
	Event  []fsnotify.Event
	Config *Config
	Err    error
}

// Op returns an aggregated fsnotify.Op for all elements of the receivers'
// Event field.
func (c Change) Op() fsnotify.Op {
	switch len(c.Event) {
	case 0:
		return 0
	case 1:
		return c.Event[0].Op
	default:
		var op fsnotify.Op
		for _, o := range c.Event {
			op |= o.Op
		}
		return op
	}
}

// NewWatcher starts an fsnotify.Watcher for the provided directory, sending change
// events on the changes channel. If dir is deleted, it is recreated as a new
// directory and a new watcher is set. The debounce parameter specifies how
// long to wait after an fsnotify.Event before reading the file to ensure that
// writes will be reflected in the state checksum. If it is less than zero,
// FileDebounce is used.
//
// If the platform does not support file notification, the returned Watcher
// only reports the initial state of the directory.
func NewWatcher(ctx context.Context, dir string, changes chan<- Change, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	_, err := os.Stat(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		err = os.MkdirAll(dir, 0o755)
		if err != nil {
			return nil, err
		}
	}

	w := newWatcher(changes, dir, debounce, log)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.LogAttrs(ctx, slog.LevelWarn, "no config notification", slog.Any("error", err))
	} else {
		err = watcher.Add(dir)
		if err != nil {
			watcher.Close()
			return nil, err
		}
		w.watcher = watcher
	}
	return w.init(ctx)
}

// Watcher collects raw fsnotify.Events and aggregates and filters for
// semantically meaningful configuration changes.
type Watcher struct {
	dir      string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	done     chan struct{}
	changes  chan<- Change
	hash     hash.Hash
	hashes   map[string]Sum
	log      *slog.Logger
}

// newWatcher returns a new Watcher.
func newWatcher(changes chan<- Change, dir string, debounce time.Duration, log *slog.Logger) *Watcher {
	if debounce < 0 {
		debounce = FileDebounce
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		changes:  changes,
		log:      log.With(slog.String("component", "config_watcher")),
		hash:     sha1.New(),
		hashes:   make(map[string]Sum),
	}
}

// init performs an initial scan of the Watcher's directory, sending
// create events for all toml files found in the directory.
func (w *Watcher) init(ctx context.Context) (*Watcher, error) {
	de, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		for _, e := range de {
			name := e.Name()
			if filepath.Ext(name) != ".toml" {
				continue
			}

			path := filepath.Join(w.dir, name)
			fi, err := os.Stat(path)
			if err != nil {
				w.send(ctx, Change{Err: err})
				continue
			}
			if fi.IsDir() {
				continue
			}
			b, err := os.ReadFile(path)
			if err != nil {
				w.log.LogAttrs(ctx, slog.LevelError, "read file", slog.Any("error", err))
				w.send(ctx, Change{Err: err})
				continue
			}
			cfg, sum, err := unmarshalConfigs(w.hash, b)
			if cfg == nil {
				sum = Sum{}
			}
			w.hashes[path] = sum
			w.send(ctx, Change{
				Event:  []fsnotify.Event{{Name: path, Op: fsnotify.Create}},
				Config: cfg,
				Err:    err,
			})
		}
	}()
	return w, nil
}

// Watch sends semantically meaningful changes to the Watcher's
// configuration directory until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-w.done:
	}
	if w.watcher == nil {
		<-ctx.Done()
		return nil
	}
	return w.process(ctx, w.watcher.Events, w.watcher.Errors, func() error {
		return w.watcher.Add(w.dir)
	})
}

// Close releases the Watcher's notification resources.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}

func (w *Watcher) send(ctx context.Context, c Change) {
	select {
	case <-ctx.Done():
	case w.changes <- c:
	}
}

// process watches the provided fsnotify.Watcher event streams performing
// aggregation and semantic filtering. If the configuration directory is
// removed, it is recreated and rewatch is called.
func (w *Watcher) process(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, rewatch func() error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".toml" {
				if ev.Has(fsnotify.Remove) && filepath.Clean(ev.Name) == filepath.Clean(w.dir) {
					w.log.LogAttrs(ctx, slog.LevelDebug, "remove config directory", slog.String("name", ev.Name))
					clear(w.hashes)
					err := os.MkdirAll(w.dir, 0o755)
					if err != nil {
						w.log.LogAttrs(ctx, slog.LevelError, "replace config dir", slog.String("path", w.dir), slog.Any("error", err))
					} else {
						err = rewatch()
						if err != nil {
							w.log.LogAttrs(ctx, slog.LevelError, "replace watch", slog.Any("error", err))
						}
					}
					w.send(ctx, Change{Event: []fsnotify.Event{ev}})
				}
				continue
			}

			switch {
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				op := "write"
				if ev.Has(fsnotify.Create) {
					op = "create"
				}
				w.log.LogAttrs(ctx, slog.LevelDebug, op, slog.String("name", ev.Name))
				fi, err := os.Stat(ev.Name)
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						// Removed before we got here. The
						// removal will be reported separately.
						continue
					}
					w.send(ctx, Change{Err: err})
					continue
				}
				if fi.IsDir() {
					continue
				}
				time.Sleep(w.debounce)

				b, err := os.ReadFile(ev.Name)
				if err != nil {
					w.log.LogAttrs(ctx, slog.LevelError, "read file", slog.Any("error", err))
					w.send(ctx, Change{Err: err})
					continue
				}
				cfg, sum, err := unmarshalConfigs(w.hash, b)
				prev, known := w.hashes[ev.Name]
				if known && prev == sum {
					w.log.LogAttrs(ctx, slog.LevelDebug, "no change", slog.Any("sum", sumValue{sum}), slog.Any("existing_hashes", hashesValue{w.hashes}))
					continue
				}
				if cfg == nil {
					// Mark the file as known but invalid
					// so that the next valid content is
					// always reported.
					sum = Sum{}
				}
				w.log.LogAttrs(ctx, slog.LevelDebug, "set hash", slog.Any("sum", sumValue{sum}), slog.Any("existing_hashes", hashesValue{w.hashes}))
				w.hashes[ev.Name] = sum
				// Editors that save by replacing a file
				// produce a create for a known file, and
				// new files may be reported with a write.
				if known {
					ev.Op = fsnotify.Write
				} else {
					ev.Op = fsnotify.Create
				}
				w.send(ctx, Change{
					Event:  []fsnotify.Event{ev},
					Config: cfg,
					Err:    err,
				})

			case ev.Has(fsnotify.Rename), ev.Has(fsnotify.Remove):
				if _, ok := w.hashes[ev.Name]; !ok {
					w.log.LogAttrs(ctx, slog.LevelDebug, "unknown file", slog.String("name", ev.Name))
					continue
				}
				w.log.LogAttrs(ctx, slog.LevelDebug, "remove", slog.String("name", ev.Name))
				delete(w.hashes, ev.Name)
				w.send(ctx, Change{Event: []fsnotify.Event{ev}})
			}

		case err, ok := <-errs:
			if !ok {
				return nil
			}
			w.send(ctx, Change{Err: err})
		}
	}
}

// unmarshalConfigs returns a, potentially partial, configuration and its
// semantic hash from the provided raw data.
func unmarshalConfigs(h hash.Hash, b []byte) (cfg *Config, sum Sum, _ error) {
	c := &Config{}
	err := toml.Unmarshal(b, c)
	if err != nil {
		return nil, sum, err
	}

	paths, deferredErr := Validate(fragmentSchema, c)
	if deferredErr != nil {
		c, err = remove(c, paths, false)
		if err != nil {
			panic(err)
		}
	}

	sum, err = resum(h, c)
	if err != nil {
		return nil, sum, err
	}
	return c, sum, deferredErr
}

// resum sets the semantic hash of each section of c and returns
// the hash of the complete configuration.
func resum(h hash.Hash, c *Config) (sum Sum, err error) {
	enc := json.NewEncoder(h)
	if c.Server != nil {
		err = enc.Encode(c.Server)
		if err != nil {
			return sum, err
		}
		c.Server.Sum = (*Sum)(h.Sum(nil))
		h.Reset()
	}
	if c.Find != nil {
		err = enc.Encode(c.Find)
		if err != nil {
			return sum, err
		}
		c.Find.Sum = (*Sum)(h.Sum(nil))
		h.Reset()
	}
	for _, p := range c.Preload {
		if p == nil {
			continue
		}
		err = enc.Encode(p)
		if err != nil {
			return sum, err
		}
		p.Sum = (*Sum)(h.Sum(nil))
		h.Reset()
	}

	err = enc.Encode(c)
	if err != nil {
		return sum, err
	}
	sum = ([sha1.Size]byte)(h.Sum(nil))
	h.Reset()
	return sum, nil
}

// remove removes sections in cfg that correspond to invalid field paths
// identified by Vet, returning the result. If safe is true, paths referring
// to invalid fields in the server configuration will result in an error.
// Paths referring to the server otherwise remove it. The final result may
// have no configured section.
func remove(cfg *Config, paths [][]string, safe bool) (*Config, error) {
	if safe {
		for _, p := range paths {
			if len(p) == 0 {
				// Not all cue Errors will have a path,
				// so we may have an empty path here.
				return cfg, errors.New("cannot remove: empty path")
			}
			if p[0] == serverName {
				return cfg, errors.New("cannot repair server config")
			}
		}
	}
	for _, p := range paths {
		if len(p) == 0 {
			continue
		}
		switch p[0] {
		case serverName:
			cfg.Server = nil
		case findName:
			cfg.Find = nil
		case preloadName:
			if len(p) < 2 {
				cfg.Preload = nil
				continue
			}
			delete(cfg.Preload, p[1])
		}
	}
	return cfg, nil
}
