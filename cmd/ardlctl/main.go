// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The ardlctl executable is a client for the ardl loader service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/bbrks/wrap/v2"

	"github.com/kortschak/ardl/internal/version"
	"github.com/kortschak/ardl/rpc"
)

// Exit status codes.
const (
	success       = 0
	internalError = 1 << (iota - 1)
	invocationError
)

const usageText = `ardlctl sends a command to a running ardl loader service. Commands are: who, state, open <path> [<mode>], sym <handle> <symbol>, close <handle>, find <name>, loaded and stop. Handles are the IDs returned by open, the names of preloaded libraries, or one of default, myself and next.`

func main() { os.Exit(Main()) }

func Main() int {
	network := flag.String("network", "unix", "network for communication (unix or tcp)")
	addr := flag.String("addr", "", "address for communication (default is the ardl socket in the runtime directory)")
	timeout := flag.Duration("timeout", 10*time.Second, "time allowed for the command to complete")
	v := flag.Bool("version", false, "print version and exit")
	flag.Usage = usage
	flag.Parse()
	if *v {
		err := version.Print()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		return success
	}
	if flag.NArg() == 0 {
		flag.Usage()
		return invocationError
	}

	switch *network {
	case "unix":
		if *addr == "" {
			sock, err := rpc.Socket()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return internalError
			}
			*addr = sock
		}
	case "tcp":
		if *addr == "" {
			flag.Usage()
			return invocationError
		}
	default:
		flag.Usage()
		return invocationError
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c, err := rpc.Dial(ctx, *network, *addr, net.Dialer{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to ardl: %v\n", err)
		return internalError
	}
	defer c.Close()

	err = run(ctx, c, flag.Args(), os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			flag.Usage()
			return invocationError
		}
		return internalError
	}
	return success
}

func usage() {
	w := wrap.NewWrapper()
	w.StripTrailingNewline = true
	fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n\n%s\n\n", filepath.Base(os.Args[0]), w.Wrap(usageText, 80))
	flag.PrintDefaults()
}

var errUsage = errors.New("invalid command")

// run sends the command in args to the service using c and writes the
// JSON encoded result to w.
func run(ctx context.Context, c *rpc.Client, args []string, w io.Writer) error {
	var (
		res any
		err error
	)
	switch cmd := args[0]; {
	case cmd == "who" && len(args) == 1:
		res, err = c.Who(ctx)
	case cmd == "state" && len(args) == 1:
		res, err = c.State(ctx)
	case cmd == "open" && (len(args) == 2 || len(args) == 3):
		var mode string
		if len(args) == 3 {
			mode = args[2]
		}
		var h string
		h, err = c.Open(ctx, args[1], mode)
		res = rpc.HandleResult{Handle: h}
	case cmd == "sym" && len(args) == 3:
		res, err = c.Sym(ctx, args[1], args[2])
	case cmd == "close" && len(args) == 2:
		err = c.CloseHandle(ctx, args[1])
		if err == nil {
			return nil
		}
	case cmd == "find" && len(args) == 2:
		var path string
		path, err = c.Find(ctx, args[1])
		res = rpc.FindResult{Path: path}
	case cmd == "loaded" && len(args) == 1:
		res, err = c.Loaded(ctx)
	case cmd == "stop" && len(args) == 1:
		err = c.Stop(ctx)
		if err == nil {
			return nil
		}
	default:
		return fmt.Errorf("%w: %q", errUsage, args)
	}
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(res, "", "\t")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}
