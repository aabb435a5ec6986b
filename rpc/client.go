// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"net"

	"github.com/kortschak/jsonrpc2"
)

// Client is a connection to a loader Server.
type Client struct {
	conn *jsonrpc2.Connection
}

// Dial returns a new Client connected to the server at the given network
// address.
func Dial(ctx context.Context, network, addr string, dialer net.Dialer) (*Client, error) {
	conn, err := jsonrpc2.Dial(ctx, jsonrpc2.NetDialer(network, addr, dialer), jsonrpc2.ConnectionOptions{})
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// call invokes method with body and returns the body of the response.
func call[R, T any](ctx context.Context, c *Client, method string, body T) (R, error) {
	var resp Message[R]
	err := c.conn.Call(ctx, method, NewMessage(body)).Await(ctx, &resp)
	return resp.Body, err
}

// Who returns the server's version.
func (c *Client) Who(ctx context.Context) (string, error) {
	return call[string](ctx, c, Who, None{})
}

// State returns the server's state.
func (c *Client) State(ctx context.Context) (ServerState, error) {
	return call[ServerState](ctx, c, State, None{})
}

// Open opens the library at path with the given mode, returning the
// handle ID.
func (c *Client) Open(ctx context.Context, path, mode string) (string, error) {
	res, err := call[HandleResult](ctx, c, Open, OpenParams{Path: path, Mode: mode})
	return res.Handle, err
}

// Sym looks up symbol in the library referred to by handle.
func (c *Client) Sym(ctx context.Context, handle, symbol string) (SymResult, error) {
	return call[SymResult](ctx, c, Sym, SymParams{Handle: handle, Symbol: symbol})
}

// CloseHandle closes the library referred to by handle.
func (c *Client) CloseHandle(ctx context.Context, handle string) error {
	_, err := call[string](ctx, c, Close, HandleParams{Handle: handle})
	return err
}

// Find returns the path to the named library as found by the server.
func (c *Client) Find(ctx context.Context, name string) (string, error) {
	res, err := call[FindResult](ctx, c, Find, FindParams{Name: name})
	return res.Path, err
}

// Loaded returns the images loaded in the server process.
func (c *Client) Loaded(ctx context.Context) ([]Info, error) {
	return call[[]Info](ctx, c, Loaded, None{})
}

// Stop asks the server to stop.
func (c *Client) Stop(ctx context.Context) error {
	return c.conn.Notify(ctx, Stop, NewMessage(None{}))
}

// Close closes the client's connection.
// See [jsonrpc2.Connection.Close].
func (c *Client) Close() error {
	return c.conn.Close()
}
