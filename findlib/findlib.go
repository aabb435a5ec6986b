// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package findlib locates shared libraries and archive members the way the
// AIX runtime linker does.
//
// An archive found along the library search path is examined with the
// system dump tool and the first loadable member that matches the
// requested name is returned as a member specification suitable for
// [github.com/kortschak/ardl/loader.Open].
package findlib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/kortschak/ardl/internal/celext"
	"github.com/kortschak/ardl/member"
)

// ErrNotFound is returned by Find when no usable library is found.
var ErrNotFound = errors.New("library not found")

// Cache is a store of dump results.
type Cache interface {
	// Objects returns the objects previously stored for key.
	Objects(key CacheKey) (objects []Object, ok bool, err error)
	// SetObjects stores objects for key.
	SetObjects(key CacheKey, objects []Object) error
}

// CacheKey identifies a dump result. A change to the size or modification
// time of the dumped file invalidates earlier results.
type CacheKey struct {
	Path    string
	Size    int64
	ModTime time.Time
	Symbols bool
}

// Finder finds libraries.
type Finder struct {
	// Dumper is used to list the loadable
	// objects in a file.
	Dumper Dumper
	// Cache holds dump results if not nil.
	Cache Cache
	// LibPath returns the directories to search.
	// If nil, the package LibPath function is used.
	LibPath func() []string
	// Filter is an optional additional condition
	// that candidate members must satisfy.
	Filter *Filter
	// Log is used for debug logging if not nil.
	Log *slog.Logger
}

// Find returns the path to the library with the given name, or ErrNotFound
// if no usable library is found. The name may be a path, a file name or a
// linker-style library name, and may name an archive member in the form
// "file(member)".
//
// When the library found is an archive, the returned path is a member
// specification naming the first usable member. Members that match the
// requested member name are preferred, and when more than one member
// remains, members that are flagged as load-only are dropped.
func (f *Finder) Find(ctx context.Context, name string) (string, error) {
	log := f.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	libPath := f.LibPath
	if libPath == nil {
		libPath = LibPath
	}

	dirs, libname := SearchPath(name, libPath)
	if libname == "" {
		return "", ErrNotFound
	}
	base, mem, ok := member.Split(libname)
	if !ok {
		base, mem = libname, ""
	}
	candidates := SearchNames(base, mem)
	path, c, ok := SearchFile(dirs, candidates)
	if !ok {
		log.LogAttrs(ctx, slog.LevelDebug, "no file", slog.String("name", name), slog.Any("dirs", dirs))
		return "", ErrNotFound
	}
	log.LogAttrs(ctx, slog.LevelDebug, "found file", slog.String("path", path), slog.Any("members", c.Members))

	objects, err := f.dump(ctx, path)
	if err != nil {
		return "", err
	}
	remaining := matchMembers(objects, c)
	if len(remaining) > 1 {
		remaining = activeMembers(remaining)
	}
	if f.Filter != nil {
		remaining, err = f.Filter.Select(remaining)
		if err != nil {
			return "", err
		}
	}
	if len(remaining) == 0 {
		log.LogAttrs(ctx, slog.LevelDebug, "no usable member", slog.String("path", path))
		return "", ErrNotFound
	}
	// Only the first usable member is returned,
	// even when more than one remains.
	if m := remaining[0].Member; m != "" {
		return member.Spec{Path: path, Members: []string{m}}.String(), nil
	}
	return path, nil
}

func (f *Finder) dump(ctx context.Context, path string) ([]Object, error) {
	symbols := f.Filter != nil
	if f.Cache == nil {
		return f.Dumper.Dump(ctx, path, symbols)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := CacheKey{
		Path:    path,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		Symbols: symbols,
	}
	objects, ok, err := f.Cache.Objects(key)
	if err == nil && ok {
		return objects, nil
	}
	if err != nil && f.Log != nil {
		f.Log.LogAttrs(ctx, slog.LevelWarn, "dump cache", slog.String("path", path), slog.Any("error", err))
	}
	objects, err = f.Dumper.Dump(ctx, path, symbols)
	if err != nil {
		return nil, err
	}
	err = f.Cache.SetObjects(key, objects)
	if err != nil && f.Log != nil {
		f.Log.LogAttrs(ctx, slog.LevelWarn, "dump cache", slog.String("path", path), slog.Any("error", err))
	}
	return objects, nil
}

// matchMembers returns the objects whose member name is acceptable to c.
// If none match and c accepts any member, all the objects are returned.
func matchMembers(objects []Object, c Candidate) []Object {
	var matching []Object
	for _, o := range objects {
		if c.accepts(o.Member) {
			matching = append(matching, o)
		}
	}
	if len(matching) == 0 && c.accepts("") {
		return objects
	}
	return matching
}

// activeMembers returns the objects that are not load-only.
func activeMembers(objects []Object) []Object {
	var active []Object
	for _, o := range objects {
		if !o.HasFlag(FlagLoadOnly) {
			active = append(active, o)
		}
	}
	return active
}

// Filter is a compiled CEL member selection expression. The expression
// must evaluate to a bool and has access to the variables member (string),
// flags (list(string)) and symbols (list(string)), as well as the
// functions provided by the celext library.
type Filter struct {
	src string
	prg cel.Program
}

// NewFilter returns a new Filter compiled from src.
func NewFilter(src string, log *slog.Logger) (*Filter, error) {
	env, err := cel.NewEnv(
		celext.Lib(log),
		cel.Variable("member", cel.StringType),
		cel.Variable("flags", cel.ListType(cel.StringType)),
		cel.Variable("symbols", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create env: %v", err)
	}

	ast, iss := env.Compile(src)
	if iss.Err() != nil {
		return nil, fmt.Errorf("failed compilation: %v", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter must be a bool expression: got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed program instantiation: %v", err)
	}
	return &Filter{src: src, prg: prg}, nil
}

func (f *Filter) String() string {
	return f.src
}

// Match returns whether o satisfies the filter.
func (f *Filter) Match(o Object) (bool, error) {
	out, _, err := f.prg.Eval(map[string]any{
		"member":  o.Member,
		"flags":   nonNil(o.Flags),
		"symbols": nonNil(o.Symbols),
	})
	if err != nil {
		return false, fmt.Errorf("failed eval: %v", err)
	}
	ok, _ := out.Value().(bool)
	return ok, nil
}

// Select returns the objects that satisfy the filter, in order.
func (f *Filter) Select(objects []Object) ([]Object, error) {
	var selected []Object
	for _, o := range objects {
		ok, err := f.Match(o)
		if err != nil {
			return nil, err
		}
		if ok {
			selected = append(selected, o)
		}
	}
	return selected, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
