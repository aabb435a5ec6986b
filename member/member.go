// Copyright ©2026 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package member parses archive member specifications.
//
// An archive member specification names one or more independently loadable
// shared objects held in a single archive file:
//
//	/usr/lib/libc.a(shr_64.o)
//	/usr/lib/libc.a(shr_64.o,posix_64.o)
//
// Parse follows the permissive rule used by the system's dynamic loader
// shims: a filename that happens to end in a parenthesized string without
// a path separator is treated as a member specification.
package member

import "strings"

// Separator is the path separator that may not appear in a member name.
const Separator = '/'

// Spec is a parsed archive member specification.
type Spec struct {
	// Path is the archive file path.
	Path string
	// Members is the ordered list of member names. It is
	// never empty for a Spec returned by Parse.
	Members []string
}

// Parse returns the archive member specification encoded in path and
// whether path is a member specification. Path is a member specification
// when it ends with ')', the last '(' in path is not the first character,
// at least one character lies between the parentheses and no Separator
// appears between them. Member names are split on ',' and are not trimmed.
func Parse(path string) (spec Spec, ok bool) {
	if !strings.HasSuffix(path, ")") {
		return Spec{}, false
	}
	open := strings.LastIndexByte(path, '(')
	if open < 1 {
		return Spec{}, false
	}
	list := path[open+1 : len(path)-1]
	if list == "" || strings.IndexByte(list, Separator) >= 0 {
		return Spec{}, false
	}
	return Spec{Path: path[:open], Members: strings.Split(list, ",")}, true
}

// IsMultiple returns whether the specification names more than one member.
func (s Spec) IsMultiple() bool {
	return len(s.Members) > 1
}

// MemberPath returns the path naming only the provided member in the
// receiver's archive.
func (s Spec) MemberPath(member string) string {
	return s.Path + "(" + member + ")"
}

// String returns the specification in path(member,...) form.
func (s Spec) String() string {
	return s.Path + "(" + strings.Join(s.Members, ",") + ")"
}

// Split splits a "file(member)" library name into its file and member
// parts. Unlike Parse, Split requires exactly one opening and one closing
// parenthesis, so it is suitable for separating a single member name from
// a library name that is to be searched for. If libname is not of this
// form, Split returns libname, "" and false.
func Split(libname string) (file, member string, ok bool) {
	if strings.Count(libname, ")") != 1 || !strings.HasSuffix(libname, ")") {
		return libname, "", false
	}
	file, member, _ = strings.Cut(strings.TrimSuffix(libname, ")"), "(")
	if strings.Count(libname, "(") != 1 || file == "" || member == "" {
		return libname, "", false
	}
	return file, member, true
}
