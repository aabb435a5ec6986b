// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rpc provides the ardl loader service and its client.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kortschak/jsonrpc2"

	"github.com/kortschak/ardl/ldinfo"
)

// RuntimeDir is the path within XDG_RUNTIME_DIR that unix sockets
// are created in if the unix network is used for communication.
const RuntimeDir = "ardl"

// Service methods.
const (
	Who    = "who"    // call Message[None] → Message[string] (version)
	State  = "state"  // call Message[None] → Message[ServerState]
	Stop   = "stop"   // notify Message[None] → nil
	Open   = "open"   // call Message[OpenParams] → Message[HandleResult]
	Sym    = "sym"    // call Message[SymParams] → Message[SymResult]
	Close  = "close"  // call Message[HandleParams] → Message[string]
	Find   = "find"   // call Message[FindParams] → Message[FindResult]
	Loaded = "loaded" // call Message[None] → Message[[]ldinfo.Info]
)

// JSON RPC error codes.
const (
	ErrCodeInvalidMessage = 1 // an RPC message is invalid
	// Invalid message sub-codes:
	ErrCodeMessageSyntax       = 11 // syntax
	ErrCodeMessageUnknownField = 12 // unknown field
	ErrCodeShortMessage        = 13 // truncation
	ErrCodeMessageType         = 14 // type mismatch
	ErrCodeMethod              = 15 // method mismatch
	ErrCodeParameters          = 16 // invalid parameters

	ErrCodeLoader = 2 // an error was returned by the native loader

	ErrCodeInvalidData = 3 // data sent in a call was invalid
	// Invalid data sub-codes:
	ErrCodeNoHandle = 31 // unknown handle
	ErrCodeReserved = 32 // operation on a reserved handle
	ErrCodeMode     = 33 // invalid open mode

	ErrCodeInternal       = 4  // an internal error happened
	ErrCodeNotImplemented = 41 // not available on this platform
	ErrCodeFinder         = 42 // library search error

	ErrCodeNotFound = 5 // a library or symbol was not found
)

// Message is the message passing container.
type Message[T any] struct {
	Time time.Time `json:"time"`
	Body T         `json:"body,omitempty"`
}

// NewMessage is a convenience Message constructor. It populates the Time
// field.
func NewMessage[T any](body T) *Message[T] {
	return &Message[T]{
		Time: time.Now(),
		Body: body,
	}
}

// Reserved handle names.
const (
	DefaultHandle = "default"
	MyselfHandle  = "myself"
	NextHandle    = "next"
)

// OpenParams is the body of an open call. Mode is a comma-separated
// list of mode flag names.
type OpenParams struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
}

// HandleParams is the body of calls that refer to a handle. Handle is
// a handle ID returned by open, the name of a preloaded library or one
// of the reserved handle names.
type HandleParams struct {
	Handle string `json:"handle"`
}

// HandleResult is the result of an open call.
type HandleResult struct {
	Handle string `json:"handle"`
}

// SymParams is the body of a sym call.
type SymParams struct {
	Handle string `json:"handle"`
	Symbol string `json:"symbol"`
}

// SymResult is the result of a sym call. Found is false and Addr is
// zero when the symbol was not found without an error being raised.
type SymResult struct {
	Addr  uint64 `json:"addr"`
	Found bool   `json:"found"`
}

// FindParams is the body of a find call.
type FindParams struct {
	Name string `json:"name"`
}

// FindResult is the result of a find call.
type FindResult struct {
	Path string `json:"path"`
}

// ServerState is the server state returned by a state call.
type ServerState struct {
	Network string                 `json:"network"`
	Addr    string                 `json:"addr"`
	Sock    *string                `json:"sock,omitempty"`
	Handles map[string]HandleState `json:"handles,omitempty"`
}

// HandleState is the state of an open handle.
type HandleState struct {
	Name    string    `json:"name"`
	Images  int       `json:"images"`
	Mode    string    `json:"mode,omitempty"`
	Preload bool      `json:"preload,omitempty"`
	Opened  time.Time `json:"opened"`
}

// Info is a loaded image record.
type Info = ldinfo.Info

// UnmarshalMessage is a strict equivalent of [json.Unmarshal].
func UnmarshalMessage[T any](data []byte, v *Message[T]) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err != nil {
		return &jsonrpc2.WireError{
			Code:    ErrCodeInvalidMessage,
			Message: err.Error(),
			Data:    encodeErrData(err, data),
		}
	}
	if dec.More() {
		off := dec.InputOffset()
		return &jsonrpc2.WireError{
			Code:    ErrCodeInvalidMessage,
			Message: fmt.Sprintf("invalid character "+quoteChar(data[off])+" after top-level value at offset %d", off),
			Data:    encodeErrData(&json.SyntaxError{Offset: off}, data),
		}
	}
	return nil
}

// encodeErrData return the JSON encoding for an error's extra data.
func encodeErrData(err error, data []byte) json.RawMessage {
	type extra struct {
		Type    int    `json:"type,omitempty"`
		Offset  int64  `json:"offset,omitempty"`
		Message []byte `json:"msg"`
	}
	e := extra{
		Message: data,
	}
	switch err := err.(type) {
	case nil:
		return nil
	case *json.SyntaxError:
		e.Type = ErrCodeMessageSyntax
		e.Offset = err.Offset
	case *json.UnmarshalTypeError:
		e.Type = ErrCodeMessageType
		e.Offset = err.Offset
	default:
		switch {
		case err == io.EOF, err == io.ErrUnexpectedEOF:
			e.Type = ErrCodeShortMessage
		case strings.HasPrefix(err.Error(), "json: unknown field"):
			e.Type = ErrCodeMessageUnknownField
		}
	}
	var buf bytes.Buffer
	dec := json.NewEncoder(&buf)
	dec.SetEscapeHTML(false)
	dec.Encode(e)
	return bytes.TrimSpace(buf.Bytes())
}

// NewError returns an error that will be encoded correctly in the RPC protocol.
func NewError(code int64, message string, data any) error {
	e := &jsonrpc2.WireError{
		Code:    code,
		Message: message,
	}
	e.Data = wireErrorData(data)
	return e
}

// AddWireErrorDetail updates the Data field of a [jsonrpc2.WireError] with the
// fields in details, overwriting fields if they already exist. If err is not a
// [jsonrpc2.WireError] or the Data field does not encode a map, the error  is
// returned unmodified.
func AddWireErrorDetail(err error, details map[string]any) error {
	if err, ok := err.(*jsonrpc2.WireError); ok {
		var data map[string]any
		if json.Unmarshal(err.Data, &data) != nil {
			return err
		}
		for k, v := range details {
			data[k] = v
		}
		err.Data = wireErrorData(data)
		return err
	}
	return err
}

func wireErrorData(data any) json.RawMessage {
	if data == nil {
		return nil
	}
	var buf bytes.Buffer
	dec := json.NewEncoder(&buf)
	dec.SetEscapeHTML(false)
	err := dec.Encode(data)
	if err != nil {
		b, _ := json.Marshal("!" + err.Error())
		return b
	}
	return bytes.TrimSpace(buf.Bytes())
}

// quoteChar formats c as a quoted character literal.
func quoteChar(c byte) string {
	// special cases - different from quoted strings
	if c == '\'' {
		return `'\''`
	}
	if c == '"' {
		return `'"'`
	}

	// use quoted string with different quotation marks
	s := strconv.Quote(string(c))
	return "'" + s[1:len(s)-1] + "'"
}

// None is an empty parameter or response slot.
type None struct{}
