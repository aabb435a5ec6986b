// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package findlib

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sys/execabs"
)

// Object is a dynamically loadable object file, either a standalone file
// or a member of an archive.
type Object struct {
	// Member is the archive member name. It is
	// empty for a standalone object file.
	Member string `json:"member,omitempty"`
	// Flags is the sorted set of object header flags.
	Flags []string `json:"flags"`
	// Symbols is the sorted set of symbols exported
	// by the object's loader section.
	Symbols []string `json:"symbols,omitempty"`
}

// HasFlag returns whether o has the provided header flag.
func (o Object) HasFlag(flag string) bool {
	_, found := slices.BinarySearch(o.Flags, flag)
	return found
}

// Object header flags used for member selection.
const (
	FlagDynLoad  = "DYNLOAD"
	FlagLoadOnly = "LOADONLY"
)

// ParseDump parses the output of "dump -X{32|64} -pvo[T]" run on filename.
// Only objects with the DYNLOAD flag are returned, in the order they appear
// in the output.
func ParseDump(r io.Reader, filename string) ([]Object, error) {
	var (
		objects []Object
		obj     *Object
		symbols map[string]bool
	)
	flush := func() {
		if obj == nil {
			return
		}
		for s := range symbols {
			obj.Symbols = append(obj.Symbols, s)
		}
		slices.Sort(obj.Symbols)
		objects = append(objects, *obj)
		obj = nil
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")

		// "/path/to/standalone/filename:"
		if line == filename+":" {
			flush()
			obj = &Object{}
			symbols = make(map[string]bool)
			continue
		}

		// "/path/to/archive/filename[member]:"
		if strings.HasPrefix(line, filename+"[") && strings.HasSuffix(line, "]:") {
			flush()
			obj = &Object{Member: line[len(filename)+1 : len(line)-2]}
			symbols = make(map[string]bool)
			continue
		}

		if obj == nil {
			continue
		}

		// "Flags=( EXEC DYNLOAD SHROBJ )"
		if strings.HasPrefix(line, "Flags=(") && strings.HasSuffix(line, ")") {
			flags := strings.Fields(strings.TrimSuffix(strings.TrimPrefix(line, "Flags=("), ")"))
			slices.Sort(flags)
			flags = slices.Compact(flags)
			if _, ok := slices.BinarySearch(flags, FlagDynLoad); !ok {
				obj = nil
				continue
			}
			obj.Flags = flags
			continue
		}

		// "[0]   0x00000000 undef ImpExp UA EXTref /unix    _environ"
		// "[748] 0x0006b0f0 .data    EXP DS SECdef [noIMid] malloc"
		if strings.HasPrefix(line, "[") && !strings.HasPrefix(line, "[Index]") {
			f := strings.Fields(line)
			if len(f) > 7 && (f[3] == "EXP" || f[3] == "ImpExp") {
				symbols[f[7]] = true
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return objects, nil
}

// Dumper returns the loadable objects within a file.
type Dumper interface {
	Dump(ctx context.Context, path string, symbols bool) ([]Object, error)
}

// DefaultDumpPath is the path of the system object dump tool.
const DefaultDumpPath = "/usr/bin/dump"

// ExecDumper is a Dumper that runs the system object dump tool.
type ExecDumper struct {
	// Path is the dump executable. If empty,
	// DefaultDumpPath is used.
	Path string
	// Bits is the object mode passed to dump.
	// If zero, the word size of the running
	// program is used.
	Bits int
	// Stderr receives the standard error
	// output of dump if not nil.
	Stderr io.Writer
}

// Dump runs dump on the file at path and returns its dynamically loadable
// objects. If symbols is true, the exported symbols of each object are
// included.
func (d ExecDumper) Dump(ctx context.Context, path string, symbols bool) ([]Object, error) {
	name := d.Path
	if name == "" {
		name = DefaultDumpPath
	}
	bits := d.Bits
	if bits == 0 {
		bits = strconv.IntSize
	}
	opts := "-pvo"
	if symbols {
		opts += "T"
	}
	cmd := execabs.CommandContext(ctx, name, "-X"+strconv.Itoa(bits), opts, path)
	cmd.Stderr = d.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	err = cmd.Start()
	if err != nil {
		return nil, err
	}
	objects, perr := ParseDump(stdout, path)
	if perr != nil {
		// Drain so that dump is not blocked on write.
		io.Copy(io.Discard, stdout)
	}
	err = cmd.Wait()
	if err != nil {
		var exitErr *execabs.ExitError
		// dump exits non-zero for files it only partly
		// understands, so only fail if nothing was found.
		if !errors.As(err, &exitErr) || len(objects) == 0 {
			return nil, fmt.Errorf("%s: %w", cmd, err)
		}
	}
	return objects, perr
}
