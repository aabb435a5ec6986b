// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides live configuration reloading and unification
// functions.
package config

import "github.com/kortschak/ardl/config"

// Alias the publicly visible types.
type (
	Config  = config.Config
	Server  = config.Server
	Find    = config.Find
	Preload = config.Preload
	Sum     = config.Sum
)

const (
	serverName  = "server"
	findName    = "find"
	preloadName = "preload"
)

// fragmentSchema is the schema for a valid configuration fragment. This
// does not guarantee a valid schema, but is relaxed to allow incomplete
// configurations to be vetted. See [config.Schema] for the complete schema.
const fragmentSchema = `
{
	server?:  _#server
	find?:    _#find
	preload?: {[string]: _#preload}
}

_#server: {
	log_level?:      _#log_level
	log_add_source?: bool
}

_#find: {
	libpath?: [... string]
	dump?:    string // !="" test done at unification.
	bits?:    32 | 64
	filter?:  string // compiled when vetted.
}

_#preload: {
	path?: string // !="" test done at unification.
	mode?: string // validated at unification.
}

_#log_level: =~"(?i)^(?:debug|info|warn|error)$"
`
