// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"flag"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var (
	verbose = flag.Bool("verbose_log", false, "print full logging")
	lines   = flag.Bool("show_lines", false, "log source code position")
)

func ptr[T any](v T) *T { return &v }

// ignoreSums ignores the semantic hashes of configuration sections.
var ignoreSums = cmp.Options{
	cmpopts.IgnoreFields(Server{}, "Sum"),
	cmpopts.IgnoreFields(Find{}, "Sum"),
	cmpopts.IgnoreFields(Preload{}, "Sum"),
}
