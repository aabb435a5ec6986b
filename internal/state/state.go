// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package state provides persistence for library dump results.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kortschak/ardl/findlib"

	// For sql.DB registration.
	_ "modernc.org/sqlite"
)

// DB is a persistent store of dump results. It implements [findlib.Cache].
type DB struct {
	mu    sync.Mutex
	store *sql.DB
	log   *slog.Logger
}

var _ findlib.Cache = (*DB)(nil)

// Schema is the DB schema. A dump result is identified by the dumped
// file's path and whether symbols were requested. The size and modtime
// columns record the state of the file when it was dumped.
const Schema = `
create table if not exists dumps(
	path    TEXT    NOT NULL,
	symbols INTEGER NOT NULL,
	size    INTEGER NOT NULL,
	modtime INTEGER NOT NULL,
	objects BLOB    NOT NULL,
	PRIMARY KEY(path, symbols)
);
`

const (
	upsert = `
insert into dumps values(?, ?, ?, ?, ?)
  on conflict do update set size=?, modtime=?, objects=?;
`

	get = `
select size, modtime, objects from dumps where path is ? and symbols is ?;
`

	delet = `
delete from dumps where path is ?;
`

	dump = `
select path, symbols, size, modtime, objects from dumps order by path, symbols;
`
)

// Open opens a DB, creating the tables if required.
// See https://pkg.go.dev/modernc.org/sqlite#Driver.Open for name handling
// details.
func Open(name string, log *slog.Logger) (*DB, error) {
	db, err := sql.Open("sqlite", name)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(Schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{store: db, log: log.With(slog.String("component", "state"))}, nil
}

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
}

// SetObjects stores the objects for key, replacing any earlier result
// for the same path.
func (db *DB) SetObjects(key findlib.CacheKey, objects []findlib.Object) error {
	ctx := context.Background()
	db.log.LogAttrs(ctx, slog.LevelDebug, "set", slog.Any("key", key), slog.Int("objects", len(objects)))
	val, err := json.Marshal(objects)
	if err != nil {
		return err
	}
	db.mu.Lock()
	err = db.set(db.store, key, val)
	db.mu.Unlock()
	if err != nil {
		db.log.LogAttrs(ctx, slog.LevelError, "set", slog.Any("key", key), slog.Any("error", err))
	}
	return err
}

func (*DB) set(db querier, key findlib.CacheKey, val []byte) error {
	if key.Path == "" {
		return errors.New("empty path")
	}
	mod := key.ModTime.UnixNano()
	_, err := db.Exec(upsert, key.Path, key.Symbols, key.Size, mod, val, key.Size, mod, val)
	return err
}

// Objects returns the objects stored for key. If no result is stored or
// the stored result was obtained from a file with a different size or
// modification time, ok is false.
func (db *DB) Objects(key findlib.CacheKey) (objects []findlib.Object, ok bool, err error) {
	ctx := context.Background()
	db.log.LogAttrs(ctx, slog.LevelDebug, "get", slog.Any("key", key))
	db.mu.Lock()
	objects, ok, err = db.get(db.store, key)
	db.mu.Unlock()
	if err != nil {
		db.log.LogAttrs(ctx, slog.LevelError, "get", slog.Any("key", key), slog.Any("error", err))
	}
	return objects, ok, err
}

func (*DB) get(db querier, key findlib.CacheKey) ([]findlib.Object, bool, error) {
	rows, err := db.Query(get, key.Path, key.Symbols)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	var (
		size, mod int64
		val       []byte
	)
	err = rows.Scan(&size, &mod, &val)
	if err != nil {
		return nil, false, err
	}
	if size != key.Size || mod != key.ModTime.UnixNano() {
		return nil, false, nil
	}
	var objects []findlib.Object
	err = json.Unmarshal(val, &objects)
	if err != nil {
		return nil, false, err
	}
	return objects, true, rows.Err()
}

// Delete removes all the results stored for path.
func (db *DB) Delete(path string) error {
	ctx := context.Background()
	db.log.LogAttrs(ctx, slog.LevelDebug, "delete", slog.String("path", path))
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.store.Exec(delet, path)
	if err != nil {
		db.log.LogAttrs(ctx, slog.LevelError, "delete", slog.String("path", path), slog.Any("error", err))
	}
	return err
}

// Entry is a stored dump result.
type Entry struct {
	Path    string           `json:"path"`
	Symbols bool             `json:"symbols"`
	Size    int64            `json:"size"`
	ModTime time.Time        `json:"modtime"`
	Objects []findlib.Object `json:"objects"`
}

// Dump returns all the stored results ordered by path.
func (db *DB) Dump() ([]Entry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rows, err := db.store.Query(dump)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			e   Entry
			mod int64
			val []byte
		)
		err = rows.Scan(&e.Path, &e.Symbols, &e.Size, &mod, &val)
		if err != nil {
			return nil, err
		}
		e.ModTime = time.Unix(0, mod)
		err = json.Unmarshal(val, &e.Objects)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (db *DB) Close() error {
	return db.store.Close()
}
