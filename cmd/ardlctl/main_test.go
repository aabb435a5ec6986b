// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/kortschak/jsonrpc2"

	"github.com/kortschak/ardl/dl"
	"github.com/kortschak/ardl/internal/locked"
	"github.com/kortschak/ardl/internal/slogext"
	"github.com/kortschak/ardl/loader"
	"github.com/kortschak/ardl/rpc"
)

var (
	verbose = flag.Bool("verbose_log", false, "print full logging")
	lines   = flag.Bool("show_lines", false, "log source code position")
)

type native struct {
	mu   sync.Mutex
	next dl.Image
	open map[dl.Image]string
}

func (n *native) Open(path string, mode int) (dl.Image, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if path != "libc.so" {
		return 0, dl.Error(path + ": cannot open shared object file")
	}
	n.next++
	n.open[n.next] = path
	return n.next, nil
}

func (n *native) Sym(img dl.Image, symbol string) (uintptr, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.open[img]; !ok {
		return 0, dl.Error("invalid image")
	}
	if symbol == "printf" {
		return 0x1000, nil
	}
	return 0, nil
}

func (n *native) Close(img dl.Image) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.open[img]; !ok {
		return dl.Error("invalid image")
	}
	delete(n.open, img)
	return nil
}

func (n *native) Reserved(s dl.Scope) dl.Image { return 0xf0 + dl.Image(s) }

func (n *native) MemberFlag() int { return 0x40000 }

func TestRun(t *testing.T) {
	var logBuf locked.BytesBuffer
	log := slog.New(slogext.NewJSONHandler(&logBuf, &slogext.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: slogext.NewAtomicBool(*lines),
	}))
	defer func() {
		if *verbose {
			t.Logf("log:\n%s\n", &logBuf)
		}
	}()

	ctx := context.Background()
	ld := loader.New(&native{next: 0x100, open: make(map[dl.Image]string)}, log)
	srv, err := rpc.NewServer(ctx, "tcp", "", ld, nil, jsonrpc2.NetListenOptions{}, log)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer srv.Close()

	c, err := rpc.Dial(ctx, "tcp", srv.Addr().String(), net.Dialer{})
	if err != nil {
		t.Fatalf("failed to dial server: %v", err)
	}
	defer c.Close()

	tests := []struct {
		args    []string
		want    string
		wantErr error
	}{
		{args: []string{"open", "libc.so", "now"}, want: "{\n\t\"handle\": \"1\"\n}\n"},
		{args: []string{"sym", "1", "printf"}, want: "{\n\t\"addr\": 4096,\n\t\"found\": true\n}\n"},
		{args: []string{"sym", "1", "puts"}, want: "{\n\t\"addr\": 0,\n\t\"found\": false\n}\n"},
		{args: []string{"close", "1"}, want: ""},
		{args: []string{"sym", "1", "printf"}, wantErr: &jsonrpc2.WireError{}},
		{args: []string{"open", "libm.so"}, wantErr: &jsonrpc2.WireError{}},
		{args: []string{"sym", "1"}, wantErr: errUsage},
		{args: []string{"dance"}, wantErr: errUsage},
	}
	for _, test := range tests {
		var buf bytes.Buffer
		err := run(ctx, c, test.args, &buf)
		switch want := test.wantErr.(type) {
		case nil:
			if err != nil {
				t.Errorf("unexpected error for %q: %v", test.args, err)
			}
		case *jsonrpc2.WireError:
			if !errors.As(err, &want) {
				t.Errorf("unexpected error for %q: got:%v want wire error", test.args, err)
			}
		default:
			if !errors.Is(err, want) {
				t.Errorf("unexpected error for %q: got:%v want:%v", test.args, err, want)
			}
		}
		if got := buf.String(); got != test.want {
			t.Errorf("unexpected output for %q:\ngot: %q\nwant:%q", test.args, got, test.want)
		}
	}
}
