// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package findlib

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/kortschak/ardl/ldinfo"
)

// Candidate is a file name to search for and the archive members that
// are acceptable within it.
type Candidate struct {
	// Name is the file name.
	Name string
	// Members is the set of acceptable member names.
	// An empty member name accepts a standalone object
	// or, when no named member matches, any member.
	Members []string
}

// accepts returns whether member is in the candidate's acceptable set.
func (c Candidate) accepts(member string) bool {
	for _, m := range c.Members {
		if m == member {
			return true
		}
	}
	return false
}

// SearchNames returns the file names to search for when looking for the
// library base with the optional archive member, in order of preference.
// The candidates follow the system linker's naming conventions. A base
// with a ".so" or ".a" extension, optionally versioned, is taken as an
// explicit file name and is also tried with the other extension. Any
// other base is searched for as the linker does for "-lNAME".
func SearchNames(base, member string) []Candidate {
	switch {
	case strings.HasSuffix(base, ".so"):
		return []Candidate{
			{Name: base, Members: []string{member}},
			{Name: strings.TrimSuffix(base, ".so") + ".a", Members: []string{member}},
		}

	case strings.Contains(base, ".so."):
		i := strings.LastIndex(base, ".so.")
		nameA := base[:i] + ".a"
		nameAV := nameA + base[i+len(".so"):]
		c := []Candidate{{Name: base, Members: []string{member}}}
		if member != "" {
			return append(c, Candidate{Name: nameAV, Members: []string{member}})
		}
		return append(c,
			// The versioned archive with the versioned
			// shared object as the member, or any active
			// member.
			Candidate{Name: nameAV, Members: []string{base, ""}},
			// The unversioned archive with the versioned
			// shared object as the member, as libtool
			// installs them.
			Candidate{Name: nameA, Members: []string{base}},
		)

	case strings.HasSuffix(base, ".a"):
		return []Candidate{
			{Name: base, Members: []string{member}},
			{Name: strings.TrimSuffix(base, ".a") + ".so", Members: []string{member}},
		}

	case strings.Contains(base, ".a."):
		i := strings.LastIndex(base, ".a.")
		nameSOV := base[:i] + ".so" + base[i+len(".a"):]
		return []Candidate{
			{Name: base, Members: []string{member}},
			{Name: nameSOV, Members: []string{member}},
		}

	default:
		c := []Candidate{{Name: "lib" + base + ".so", Members: []string{member}}}
		if strings.HasPrefix(base, "lib") {
			c = append(c, Candidate{Name: base + ".so", Members: []string{member}})
		}
		c = append(c, Candidate{Name: "lib" + base + ".a", Members: []string{member}})
		if strings.HasPrefix(base, "lib") {
			c = append(c, Candidate{Name: base + ".a", Members: []string{member}})
		}
		return append(c, Candidate{Name: base, Members: []string{member}})
	}
}

// LibPath returns the directories to search for runtime libraries. These
// are the elements of LIBPATH, or LD_LIBRARY_PATH if LIBPATH is unset or
// empty, followed by the library path that was used when the process was
// started if the platform can report it. An empty element refers to the
// current directory.
func LibPath() []string {
	env := os.Getenv("LIBPATH")
	if env == "" {
		env = os.Getenv("LD_LIBRARY_PATH")
	}
	path := strings.Split(env, ":")
	sys, err := ldinfo.LibPath()
	if err == nil {
		path = append(path, sys...)
	}
	return path
}

// SearchPath returns the directories to search for name and the library
// name to search for. If name has a directory part, that is the only
// directory searched, otherwise the directories are obtained from libPath.
func SearchPath(name string, libPath func() []string) (dirs []string, libname string) {
	dir, libname := filepath.Split(name)
	if dir != "" {
		return []string{dir}, libname
	}
	return libPath(), libname
}

// SearchFile searches dirs in order for the first existing file named by
// any of the candidates, returning the path to the file and the candidate
// that named it.
func SearchFile(dirs []string, candidates []Candidate) (path string, c Candidate, ok bool) {
	for _, dir := range dirs {
		for _, c := range candidates {
			path := filepath.Join(dir, c.Name)
			_, err := os.Stat(path)
			if err == nil {
				// The first file found is used even if
				// it turns out to have no usable member.
				return path, c, true
			}
		}
	}
	return "", Candidate{}, false
}
