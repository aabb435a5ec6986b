// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/kortschak/jsonrpc2"

	"github.com/kortschak/ardl/config"
	"github.com/kortschak/ardl/dl"
	"github.com/kortschak/ardl/findlib"
	internal "github.com/kortschak/ardl/internal/config"
	"github.com/kortschak/ardl/internal/slogext"
	"github.com/kortschak/ardl/internal/version"
	"github.com/kortschak/ardl/internal/xdg"
	"github.com/kortschak/ardl/ldinfo"
	"github.com/kortschak/ardl/loader"
)

// Runtime returns the ardl runtime directory, creating it if necessary.
// The directory is within XDG_RUNTIME_DIR if it is set and the system
// temporary directory otherwise.
func Runtime() (string, error) {
	base, ok := xdg.RuntimeDir()
	if !ok || base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, RuntimeDir)
	err := os.MkdirAll(dir, 0o700)
	if err != nil {
		return "", fmt.Errorf("failed to create runtime directory: %w", err)
	}
	return dir, nil
}

// Socket returns the default unix socket path for the server.
func Socket() (string, error) {
	dir, err := Runtime()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sock"), nil
}

// Server is a JSON RPC 2 based loader service. It holds a table of open
// library handles that clients refer to by ID.
type Server struct {
	listener *netListener
	server   *jsonrpc2.Server
	network  string
	sock     string

	loader *loader.Loader
	cache  findlib.Cache

	log *slog.Logger

	fMu    sync.Mutex
	finder *findlib.Finder

	// hMu serializes all access to handles.
	hMu     sync.Mutex
	handles map[string]*entry
	lastID  uint64

	stopOnce sync.Once
	done     chan struct{}
}

type entry struct {
	handle *loader.Handle
	mode   string
	opened time.Time

	// preload is the configuration that
	// opened the handle if it is preloaded.
	preload *config.Preload
}

// NewServer returns a new Server listening on the provided network which
// may be either "unix" or "tcp". If addr is empty, a unix socket is created
// in the runtime directory and a tcp listener uses a random local port.
// Libraries are opened with ld and dump results are stored in cache if it
// is not nil.
func NewServer(ctx context.Context, network, addr string, ld *loader.Loader, cache findlib.Cache, options jsonrpc2.NetListenOptions, log *slog.Logger) (*Server, error) {
	if ld == nil {
		ld = loader.New(dl.System{}, log)
	}
	s := Server{
		network: network,
		loader:  ld,
		cache:   cache,
		handles: make(map[string]*entry),
		done:    make(chan struct{}),
		log:     log.With(slog.String("component", "ardl.server")),
	}
	var err error
	s.finder, err = internal.NewFinder(nil, cache, log)
	if err != nil {
		return nil, err
	}

	switch network {
	case "unix":
		if addr == "" {
			addr, err = Socket()
			if err != nil {
				return nil, err
			}
		}
		s.sock = addr
		s.log.LogAttrs(ctx, slog.LevelDebug, "server socket", slog.String("path", addr))
	case "tcp":
		if addr == "" {
			addr = "localhost:0"
		}
	default:
		return nil, fmt.Errorf("invalid network: %q", network)
	}

	s.listener, err = newNetListener(ctx, s.network, addr, options)
	if err != nil {
		return nil, err
	}
	s.server = jsonrpc2.NewServer(ctx, s.listener, &s)

	s.log.LogAttrs(ctx, slog.LevelDebug, "new server", slog.String("network", s.network), slog.Any("addr", slogext.Stringer{Stringer: s.listener.Addr()}))
	return &s, nil
}

// Addr returns the listener address of the server.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Done returns a channel that is closed when a client requests that the
// server stop.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Bind binds the server's handler to a connection.
func (s *Server) Bind(ctx context.Context, conn *jsonrpc2.Connection) jsonrpc2.ConnectionOptions {
	s.log.LogAttrs(ctx, slog.LevelDebug, "binding")
	return jsonrpc2.ConnectionOptions{
		Handler: s,
	}
}

// Handle is the server's message handler.
func (s *Server) Handle(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	s.log.LogAttrs(ctx, slog.LevelDebug, "handle", slog.Any("req", slogext.Request{Request: req}))

	switch req.Method {
	case Who:
		var m Message[None]
		err := UnmarshalMessage(req.Params, &m)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		v, err := version.String()
		if err != nil {
			v = err.Error()
		}
		return NewMessage(v), nil

	case State:
		var m Message[None]
		err := UnmarshalMessage(req.Params, &m)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		return s.state(ctx, req)

	case Stop:
		s.log.LogAttrs(ctx, slog.LevelInfo, "stop requested")
		s.stopOnce.Do(func() { close(s.done) })
		if req.IsCall() {
			return NewMessage("ok"), nil
		}
		return nil, nil

	case Open:
		var m Message[OpenParams]
		err := UnmarshalMessage(req.Params, &m)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		return s.open(ctx, m.Body)

	case Sym:
		var m Message[SymParams]
		err := UnmarshalMessage(req.Params, &m)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		return s.sym(ctx, m.Body)

	case Close:
		var m Message[HandleParams]
		err := UnmarshalMessage(req.Params, &m)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		return s.close(ctx, m.Body)

	case Find:
		var m Message[FindParams]
		err := UnmarshalMessage(req.Params, &m)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		return s.find(ctx, m.Body)

	case Loaded:
		var m Message[None]
		err := UnmarshalMessage(req.Params, &m)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		info, err := ldinfo.Loaded()
		if err != nil {
			if errors.Is(err, dl.ErrNotImplemented) {
				return nil, NewError(ErrCodeInternal, err.Error(), map[string]any{
					"type": ErrCodeNotImplemented,
				})
			}
			return nil, NewError(ErrCodeLoader, err.Error(), nil)
		}
		return NewMessage(info), nil

	default:
		return nil, jsonrpc2.ErrNotHandled
	}
}

func (s *Server) open(ctx context.Context, p OpenParams) (any, error) {
	mode, err := dl.ParseMode(p.Mode)
	if err != nil {
		return nil, NewError(ErrCodeInvalidData, err.Error(), map[string]any{
			"type": ErrCodeMode,
			"mode": p.Mode,
		})
	}

	s.hMu.Lock()
	defer s.hMu.Unlock()
	h, err := s.loader.Open(p.Path, mode)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "open", slog.String("path", p.Path), slog.Any("error", err))
		return nil, NewError(ErrCodeLoader, err.Error(), map[string]any{
			"path": p.Path,
		})
	}
	s.lastID++
	id := strconv.FormatUint(s.lastID, 10)
	s.handles[id] = &entry{handle: h, mode: p.Mode, opened: time.Now()}
	s.log.LogAttrs(ctx, slog.LevelInfo, "open", slog.String("id", id), slog.Any("handle", h))
	return NewMessage(HandleResult{Handle: id}), nil
}

func (s *Server) sym(ctx context.Context, p SymParams) (any, error) {
	s.hMu.Lock()
	defer s.hMu.Unlock()
	h, _, err := s.lookupHandle(p.Handle)
	if err != nil {
		return nil, err
	}
	addr, err := s.loader.Lookup(h, p.Symbol)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "sym", slog.String("handle", p.Handle), slog.String("symbol", p.Symbol), slog.Any("error", err))
		return nil, NewError(ErrCodeLoader, err.Error(), map[string]any{
			"handle": p.Handle,
			"symbol": p.Symbol,
		})
	}
	s.log.LogAttrs(ctx, slog.LevelDebug, "sym", slog.String("handle", p.Handle), slog.String("symbol", p.Symbol), slog.Any("addr", slogext.Addr(addr)))
	return NewMessage(SymResult{Addr: uint64(addr), Found: addr != 0}), nil
}

func (s *Server) close(ctx context.Context, p HandleParams) (any, error) {
	s.hMu.Lock()
	defer s.hMu.Unlock()
	h, e, err := s.lookupHandle(p.Handle)
	if err != nil {
		return nil, err
	}
	if e == nil || e.preload != nil {
		msg := "cannot close reserved handle"
		if e != nil {
			msg = "cannot close preloaded handle"
		}
		return nil, NewError(ErrCodeInvalidData, msg, map[string]any{
			"type":   ErrCodeReserved,
			"handle": p.Handle,
		})
	}
	delete(s.handles, p.Handle)
	err = s.loader.Close(h)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "close", slog.String("handle", p.Handle), slog.Any("error", err))
		return nil, NewError(ErrCodeLoader, err.Error(), map[string]any{
			"handle": p.Handle,
		})
	}
	s.log.LogAttrs(ctx, slog.LevelInfo, "close", slog.String("handle", p.Handle))
	return NewMessage("ok"), nil
}

// lookupHandle returns the handle corresponding to name and its table
// entry. The entry is nil for reserved handles. s.hMu must be held.
func (s *Server) lookupHandle(name string) (*loader.Handle, *entry, error) {
	switch name {
	case DefaultHandle:
		return loader.Default, nil, nil
	case MyselfHandle:
		return loader.Myself, nil, nil
	case NextHandle:
		return loader.Next, nil, nil
	}
	e, ok := s.handles[name]
	if !ok {
		return nil, nil, NewError(ErrCodeInvalidData, fmt.Sprintf("no handle %s", name), map[string]any{
			"type":   ErrCodeNoHandle,
			"handle": name,
		})
	}
	return e.handle, e, nil
}

func (s *Server) find(ctx context.Context, p FindParams) (any, error) {
	s.fMu.Lock()
	f := s.finder
	s.fMu.Unlock()
	path, err := f.Find(ctx, p.Name)
	if err != nil {
		if errors.Is(err, findlib.ErrNotFound) {
			return nil, NewError(ErrCodeNotFound, err.Error(), map[string]any{
				"name": p.Name,
			})
		}
		return nil, NewError(ErrCodeInternal, err.Error(), map[string]any{
			"type": ErrCodeFinder,
			"name": p.Name,
		})
	}
	return NewMessage(FindResult{Path: path}), nil
}

func (s *Server) state(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	state := ServerState{
		Network: s.network,
		Addr:    s.listener.Addr().String(),
	}
	if s.sock != "" {
		sock := s.sock
		state.Sock = &sock
	}
	s.hMu.Lock()
	if len(s.handles) != 0 {
		state.Handles = make(map[string]HandleState)
	}
	for id, e := range s.handles {
		state.Handles[id] = HandleState{
			Name:    e.handle.Name(),
			Images:  e.handle.Len(),
			Mode:    e.mode,
			Preload: e.preload != nil,
			Opened:  e.opened,
		}
	}
	s.hMu.Unlock()
	if req.IsCall() {
		return NewMessage(state), nil
	}
	s.log.LogAttrs(ctx, slog.LevelInfo, "state request", slog.Any("state", state))
	return nil, nil
}

// Configure applies the finder and preload configurations in cfg to the
// server. Preloaded libraries that are no longer configured or whose
// configuration has changed are closed, and new preloads are opened.
// Failures are logged and returned as a single joined error, but do not
// prevent the rest of the configuration from being applied.
func (s *Server) Configure(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		cfg = &config.Config{}
	}
	var errs []error

	f, err := internal.NewFinder(cfg.Find, s.cache, s.log)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, "configure finder", slog.Any("error", err))
		errs = append(errs, err)
	} else {
		s.fMu.Lock()
		s.finder = f
		s.fMu.Unlock()
	}

	s.hMu.Lock()
	defer s.hMu.Unlock()
	for name, e := range s.handles {
		if e.preload == nil {
			continue
		}
		p, ok := cfg.Preload[name]
		if ok && samePreload(p, e.preload) {
			continue
		}
		s.log.LogAttrs(ctx, slog.LevelInfo, "close preload", slog.String("name", name))
		delete(s.handles, name)
		err := s.loader.Close(e.handle)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelWarn, "close preload", slog.String("name", name), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	names := make([]string, 0, len(cfg.Preload))
	for name := range cfg.Preload {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := s.handles[name]; ok {
			continue
		}
		p := cfg.Preload[name]
		if p == nil {
			continue
		}
		if !isPreloadName(name) {
			err := fmt.Errorf("invalid preload name: %q", name)
			s.log.LogAttrs(ctx, slog.LevelError, "open preload", slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		mode, err := dl.ParseMode(p.Mode)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelError, "open preload", slog.String("name", name), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		h, err := s.loader.Open(p.Path, mode)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelError, "open preload", slog.String("name", name), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		s.log.LogAttrs(ctx, slog.LevelInfo, "open preload", slog.String("name", name), slog.Any("handle", h))
		s.handles[name] = &entry{handle: h, mode: p.Mode, opened: time.Now(), preload: p}
	}
	return errors.Join(errs...)
}

// samePreload returns whether a and b are the same preload configuration.
func samePreload(a, b *config.Preload) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Sum != nil && b.Sum != nil {
		return a.Sum.Equal(b.Sum)
	}
	return a.Path == b.Path && a.Mode == b.Mode
}

// isPreloadName returns whether name can be used as a preload handle
// name without hiding a reserved handle or an opened handle ID.
func isPreloadName(name string) bool {
	switch name {
	case "", DefaultHandle, MyselfHandle, NextHandle:
		return false
	}
	_, err := strconv.ParseUint(name, 10, 64)
	return err != nil
}

// Close closes the server and all the handles it holds.
func (s *Server) Close() error {
	ctx := context.Background()
	s.log.LogAttrs(ctx, slog.LevelDebug, "close")
	s.hMu.Lock()
	for id, e := range s.handles {
		err := s.loader.Close(e.handle)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelWarn, "close handle", slog.String("handle", id), slog.Any("error", err))
		}
		delete(s.handles, id)
	}
	s.hMu.Unlock()

	s.server.Shutdown()
	return s.server.Wait()
}
