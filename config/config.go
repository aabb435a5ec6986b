// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides ardl server configuration types and schemas.
package config

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Config is a complete configuration.
type Config struct {
	Server *Server `json:"server,omitempty" toml:"server"`
	Find   *Find   `json:"find,omitempty" toml:"find"`
	// Preload is the set of libraries to hold open
	// while the server is running, keyed by the name
	// clients use to refer to them.
	Preload map[string]*Preload `json:"preload,omitempty" toml:"preload"`
}

// Server is the loader server configuration.
type Server struct {
	LogLevel  *slog.Level `json:"log_level,omitempty" toml:"log_level"`
	AddSource *bool       `json:"log_add_source,omitempty" toml:"log_add_source"`

	Sum *Sum `json:"sum,omitempty"`
}

// Find is the library finder configuration.
type Find struct {
	// LibPath is a list of directories searched
	// before the system library path.
	LibPath []string `json:"libpath,omitempty" toml:"libpath"`
	// Dump is the path to the object dump tool.
	Dump string `json:"dump,omitempty" toml:"dump"`
	// Bits is the object mode to dump, 32 or 64.
	Bits int `json:"bits,omitempty" toml:"bits"`
	// Filter is a CEL expression that members
	// must satisfy to be selected.
	Filter string `json:"filter,omitempty" toml:"filter"`

	Sum *Sum `json:"sum,omitempty"`
}

// Preload is a library held open by the server.
type Preload struct {
	// Path is the library path, which may be
	// an archive member specification.
	Path string `json:"path,omitempty" toml:"path"`
	// Mode is a comma-separated list of open
	// mode flags.
	Mode string `json:"mode,omitempty" toml:"mode"`

	Sum *Sum `json:"sum,omitempty"`
}

// Schema is the schema for a valid configuration.
const Schema = `
{
	server?:  _#server
	find?:    _#find
	preload?: {[string]: _#preload}
}

_#server: {
	log_level?:      _#log_level
	log_add_source?: bool
	sum?:            string
}

_#find: {
	libpath?: [... string]
	dump?:    !=""
	bits?:    32 | 64
	filter?:  string
	sum?:     string
}

_#preload: {
	path:  !=""
	mode?: _#mode
	sum?:  string
}

_#mode: =~"^(?:lazy|now|global|local|nodelete|noload|deepbind|member)(?:,(?:lazy|now|global|local|nodelete|noload|deepbind|member))*$"

_#log_level: =~"(?i)^(?:debug|info|warn|error)$"
`

// Sum is a comparable optional SHA-1 sum.
type Sum [sha1.Size]byte

// Equal returns whether s is equal to other.
func (s *Sum) Equal(other *Sum) bool {
	switch {
	case s == other:
		return true
	case s != nil && other != nil:
		return *s == *other
	default:
		return false
	}
}

func (s *Sum) String() string {
	if s == nil {
		return ""
	}
	return hex.EncodeToString(s[:])
}

func (s *Sum) UnmarshalText(text []byte) error {
	if len(text) != hex.EncodedLen(len(s)) {
		return fmt.Errorf("invalid length: %d != %d", len(text), hex.EncodedLen(len(s)))
	}
	_, err := hex.Decode(s[:], text)
	if err != nil {
		return err
	}
	return nil
}

func (s *Sum) MarshalText() (text []byte, err error) {
	if s == nil {
		return nil, nil
	}
	text = make([]byte, hex.EncodedLen(len(s)))
	hex.Encode(text, s[:])
	return text, nil
}
