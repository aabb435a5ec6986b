// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package celext provides CEL extensions for selecting archive members.
package celext

import (
	"context"
	"log/slog"
	"path"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"google.golang.org/protobuf/types/known/structpb"
)

// Lib returns a cel.EnvOption to configure extended functions to ease
// selection of archive members by name, flag and exported symbol.
//
// # Glob
//
// Returns whether the receiver matches the shell file name pattern
// parameter. Pattern syntax is that of [path.Match]:
//
//	<string>.glob(<string>) -> <bool>
//
// Examples:
//
//	"shr_64.o".glob("shr*.o")  // return true
//	"libc.so".glob("*.a")      // return false
//
// # Has Any
//
// Returns whether any element of the parameter is present in the receiver:
//
//	<list<string>>.has_any(<list<string>>) -> <bool>
//
// Examples:
//
//	["SHROBJ", "DYNLOAD"].has_any(["LOADONLY", "SHROBJ"])  // return true
//	["SHROBJ", "DYNLOAD"].has_any(["LOADONLY"])            // return false
//
// # Debug
//
// The second parameter is returned unaltered and the value is logged to the
// lib's logger:
//
//	debug(<string>, <dyn>) -> <dyn>
//
// Examples:
//
//	debug("tag", expr) // return expr even if it is an error and logs with "tag".
func Lib(log *slog.Logger) cel.EnvOption {
	return cel.Lib(lib{log: log})
}

type lib struct {
	log *slog.Logger
}

func (l lib) CompileOptions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function("glob",
			cel.MemberOverload(
				"string_glob_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(glob),
			),
		),
		cel.Function("has_any",
			cel.MemberOverload(
				"list_string_has_any_list_string",
				[]*cel.Type{listString, listString},
				cel.BoolType,
				cel.BinaryBinding(hasAny),
			),
		),
		cel.Function("debug",
			cel.Overload(
				"debug_string_dyn",
				[]*cel.Type{cel.StringType, cel.DynType},
				cel.DynType,
				cel.BinaryBinding(l.logDebug),
				cel.OverloadIsNonStrict(),
			),
		),
	}
}

var listString = cel.ListType(cel.StringType)

func (lib) ProgramOptions() []cel.ProgramOption { return nil }

func glob(arg0, arg1 ref.Val) ref.Val {
	name, ok := arg0.(types.String)
	if !ok {
		return types.ValOrErr(name, "no such overload")
	}
	pattern, ok := arg1.(types.String)
	if !ok {
		return types.ValOrErr(pattern, "no such overload")
	}
	match, err := path.Match(string(pattern), string(name))
	if err != nil {
		return types.NewErr("invalid pattern %q: %v", pattern, err)
	}
	return types.Bool(match)
}

func hasAny(arg0, arg1 ref.Val) ref.Val {
	set, ok := arg0.(traits.Lister)
	if !ok {
		return types.ValOrErr(arg0, "no such overload")
	}
	want, ok := arg1.(traits.Lister)
	if !ok {
		return types.ValOrErr(arg1, "no such overload")
	}
	it := want.Iterator()
	for it.HasNext() == types.True {
		if set.Contains(it.Next()) == types.True {
			return types.True
		}
	}
	return types.False
}

func (l lib) logDebug(arg0, arg1 ref.Val) ref.Val {
	tag, ok := arg0.(types.String)
	if !ok {
		return types.ValOrErr(tag, "no such overload")
	}
	if l.log == nil {
		return arg1
	}
	val, err := arg1.ConvertToNative(reflect.TypeOf((*structpb.Value)(nil)))
	if err != nil {
		l.log.LogAttrs(context.Background(), slog.LevelError, "cel debug log error", slog.String("tag", string(tag)), slog.Any("error", err))
	} else {
		l.log.LogAttrs(context.Background(), slog.LevelDebug, "cel debug log", slog.String("tag", string(tag)), slog.Any("value", val))
	}
	return arg1
}
