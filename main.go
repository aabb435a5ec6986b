// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The ardl command finds, inspects and opens dynamic libraries, including
// libraries held as members of archives, and can run a loader service
// that holds libraries open on behalf of its clients.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/bbrks/wrap/v2"
	"github.com/gofrs/flock"
	"github.com/kortschak/jsonrpc2"

	public "github.com/kortschak/ardl/config"
	"github.com/kortschak/ardl/dl"
	"github.com/kortschak/ardl/findlib"
	"github.com/kortschak/ardl/internal/config"
	"github.com/kortschak/ardl/internal/slogext"
	"github.com/kortschak/ardl/internal/state"
	"github.com/kortschak/ardl/internal/version"
	"github.com/kortschak/ardl/internal/xdg"
	"github.com/kortschak/ardl/ldinfo"
	"github.com/kortschak/ardl/loader"
	"github.com/kortschak/ardl/member"
	"github.com/kortschak/ardl/rpc"
)

// Exit status codes.
const (
	success       = 0
	internalError = 1 << (iota - 1)
	invocationError
)

const usageText = `ardl finds, inspects and opens dynamic libraries. Library paths may name archive members in the form "archive(member)" or "archive(member1,member2,...)". Exactly one of -parse, -find, -dump, -cache, -loaded, -open, -sym, -serve or -config must be given. When -config is given with another action, the find section of the configuration is used as the default for the find flags. When it is given alone, the unified configuration is printed.`

func main() { os.Exit(Main()) }

func Main() int {
	logging := flag.String("log", "info", "logging level (debug, info, warn or error)")
	lines := flag.Bool("lines", false, "display source line details in logs")
	v := flag.Bool("version", false, "print version and exit")
	parse := flag.String("parse", "", "print the archive member specification of a library path")
	find := flag.String("find", "", "find the named library")
	dump := flag.String("dump", "", "print the loadable objects in the named file")
	symbols := flag.Bool("symbols", false, "include exported symbols in -dump output")
	dumpTool := flag.String("dumptool", "", "object dump tool (default "+findlib.DefaultDumpPath+")")
	bits := flag.Int("bits", 0, "object mode to dump, 32 or 64 (default is the program word size)")
	filter := flag.String("filter", "", "CEL expression that usable archive members must satisfy")
	libPath := flag.String("libpath", "", "list of directories searched before the system library path")
	showCache := flag.Bool("cache", false, "print the contents of the dump cache")
	noCache := flag.Bool("nocache", false, "do not use the dump cache")
	loaded := flag.Bool("loaded", false, "print the images loaded in the process")
	open := flag.String("open", "", "open the library and report its images")
	mode := flag.String("mode", "", "comma-separated open mode flags")
	sym := flag.String("sym", "", "comma-separated symbols to look up in the -open library or the default scope")
	serve := flag.Bool("serve", false, "run the loader service")
	network := flag.String("network", "unix", "network for the loader service (unix or tcp)")
	addr := flag.String("addr", "", "address for the loader service (default is a socket in the runtime directory)")
	cfgPath := flag.String("config", "", "configuration file or directory")
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
	if flag.NArg() != 0 {
		flag.Usage()
		return invocationError
	}

	var actions int
	for _, set := range []bool{
		*parse != "",
		*find != "",
		*dump != "",
		*showCache,
		*loaded,
		*open != "" || *sym != "",
		*serve,
	} {
		if set {
			actions++
		}
	}
	if actions > 1 || (actions == 0 && *cfgPath == "") {
		flag.Usage()
		return invocationError
	}

	var level slog.LevelVar
	err := level.UnmarshalText([]byte(*logging))
	if err != nil {
		flag.Usage()
		return invocationError
	}
	addSource := slogext.NewAtomicBool(*lines)
	log := slog.New(slogext.GoID{Handler: slogext.NewJSONHandler(os.Stderr, &slogext.HandlerOptions{
		Level:     &level,
		AddSource: addSource,
	})})
	mlog := log.With(slog.String("component", "ardl.main"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		mlog.LogAttrs(ctx, slog.LevelInfo, "terminating")
		cancel()
	}()

	switch {
	case *parse != "":
		return printJSON(parseSpec(*parse))

	case *loaded:
		info, err := ldinfo.Loaded()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		return printJSON(info)

	case *open != "" || *sym != "":
		return openLib(loader.New(dl.System{}, log), *open, *mode, *sym)

	case *serve:
		if *cfgPath != "" {
			fi, err := os.Stat(*cfgPath)
			if err == nil && !fi.IsDir() {
				fmt.Fprintln(os.Stderr, "-config must be a directory for -serve")
				return invocationError
			}
		}
		return runServer(ctx, *network, *addr, *cfgPath, *noCache, &level, addSource, log)
	}

	var cfg *public.Config
	if *cfgPath != "" {
		cfg, err = config.Load(*cfgPath, log)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		if actions == 0 {
			return printJSON(cfg)
		}
		applyLogging(cfg, &level, addSource)
	}

	var cache *state.DB
	if !*noCache || *showCache {
		cache, err = openCache(log)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		defer cache.Close()
	}

	if *showCache {
		entries, err := cache.Dump()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		return printJSON(entries)
	}

	var findCfg public.Find
	if cfg != nil && cfg.Find != nil {
		findCfg = *cfg.Find
	}
	if *dumpTool != "" {
		findCfg.Dump = *dumpTool
	}
	if *bits != 0 {
		if *bits != 32 && *bits != 64 {
			flag.Usage()
			return invocationError
		}
		findCfg.Bits = *bits
	}
	if *filter != "" {
		findCfg.Filter = *filter
	}
	if *libPath != "" {
		findCfg.LibPath = append(filepath.SplitList(*libPath), findCfg.LibPath...)
	}

	switch {
	case *dump != "":
		d := findlib.ExecDumper{Path: findCfg.Dump, Bits: findCfg.Bits, Stderr: os.Stderr}
		objects, err := d.Dump(ctx, *dump, *symbols)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		return printJSON(objects)

	case *find != "":
		var c findlib.Cache
		if cache != nil {
			c = cache
		}
		f, err := config.NewFinder(&findCfg, c, log)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return invocationError
		}
		path, err := f.Find(ctx, *find)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		fmt.Println(path)
		return success
	}
	return success
}

func usage() {
	w := wrap.NewWrapper()
	w.StripTrailingNewline = true
	fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n\n%s\n\n", filepath.Base(os.Args[0]), w.Wrap(usageText, 80))
	flag.PrintDefaults()
}

func printJSON(v any) int {
	b, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internalError
	}
	fmt.Printf("%s\n", b)
	return success
}

type specResult struct {
	Path     string   `json:"path"`
	IsMember bool     `json:"is_member"`
	Members  []string `json:"members,omitempty"`
	Multiple bool     `json:"multiple,omitempty"`
}

func parseSpec(path string) specResult {
	spec, ok := member.Parse(path)
	if !ok {
		return specResult{Path: path}
	}
	return specResult{
		Path:     spec.Path,
		IsMember: true,
		Members:  spec.Members,
		Multiple: spec.IsMultiple(),
	}
}

type openResult struct {
	Handle  string      `json:"handle"`
	Images  int         `json:"images"`
	Symbols []symResult `json:"symbols,omitempty"`
}

type symResult struct {
	Name  string `json:"name"`
	Addr  string `json:"addr,omitempty"`
	Found bool   `json:"found"`
	Err   string `json:"error,omitempty"`
}

// openLib opens path, or uses the default scope if path is empty, and
// reports the result of looking up each of the comma-separated symbols.
func openLib(ld *loader.Loader, path, mode, symbols string) int {
	flags, err := dl.ParseMode(mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		return invocationError
	}
	h := loader.Default
	if path != "" {
		h, err = ld.Open(path, flags)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		defer ld.Close(h)
	}
	res := openResult{Handle: h.Name(), Images: h.Len()}
	status := success
	if symbols != "" {
		for _, s := range strings.Split(symbols, ",") {
			addr, err := ld.Lookup(h, s)
			r := symResult{Name: s, Found: addr != 0}
			if addr != 0 {
				r.Addr = fmt.Sprintf("%#x", addr)
			}
			if err != nil {
				r.Err = err.Error()
				status = internalError
			}
			res.Symbols = append(res.Symbols, r)
		}
	}
	if printJSON(res) != success {
		return internalError
	}
	return status
}

// openCache opens the dump cache in the user's cache directory.
func openCache(log *slog.Logger) (*state.DB, error) {
	dir, ok := xdg.CacheHome()
	if !ok {
		return nil, errors.New("no xdg cache directory")
	}
	dir = filepath.Join(dir, "ardl")
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, err
	}
	return state.Open(filepath.Join(dir, "dump.sqlite3"), log)
}

// applyLogging sets the logging options held in cfg.
func applyLogging(cfg *public.Config, level *slog.LevelVar, addSource *atomic.Bool) {
	if cfg == nil || cfg.Server == nil {
		return
	}
	if cfg.Server.LogLevel != nil {
		level.Set(*cfg.Server.LogLevel)
	}
	if cfg.Server.AddSource != nil {
		addSource.Store(*cfg.Server.AddSource)
	}
}

// runServer runs the loader service until it is asked to stop or ctx is
// cancelled, applying configuration changes from cfgdir as they happen.
func runServer(ctx context.Context, network, addr, cfgdir string, noCache bool, level *slog.LevelVar, addSource *atomic.Bool, log *slog.Logger) int {
	mlog := log.With(slog.String("component", "ardl.main"))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runtimeDir, err := rpc.Runtime()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internalError
	}
	pidFile := filepath.Join(runtimeDir, "pid")
	if network != "unix" || addr != "" {
		pidFile = filepath.Join(runtimeDir, network+"-"+strings.NewReplacer("/", "_", ":", "_").Replace(addr)+".pid")
	}
	fl := flock.New(pidFile)
	ok, err := fl.TryLock()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internalError
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "ardl is already running")
		return internalError
	}
	defer func() {
		fl.Unlock()
		os.Remove(pidFile)
	}()
	pid := fmt.Sprintln(os.Getpid())
	err = os.WriteFile(pidFile, []byte(pid), 0o600)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internalError
	}

	if cfgdir == "" {
		cfgdir, err = xdg.Config("ardl", true)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintln(os.Stderr, err)
				return internalError
			}
			home, ok := xdg.ConfigHome()
			if !ok {
				fmt.Fprintln(os.Stderr, "no xdg config directory")
				return internalError
			}
			cfgdir = filepath.Join(home, "ardl")
		}
	}
	mlog.LogAttrs(ctx, slog.LevelInfo, "config dir", slog.String("path", cfgdir))

	var cache findlib.Cache
	if !noCache {
		db, err := openCache(log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open dump cache: %v\n", err)
			return internalError
		}
		defer db.Close()
		cache = db
	}

	srv, err := rpc.NewServer(ctx, network, addr, nil, cache, jsonrpc2.NetListenOptions{}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		return internalError
	}
	defer func() {
		err := srv.Close()
		if err != nil {
			mlog.LogAttrs(ctx, slog.LevelWarn, "server close", slog.Any("error", err))
		}
	}()
	mlog.LogAttrs(ctx, slog.LevelInfo, "serving", slog.String("network", network), slog.String("addr", srv.Addr().String()))

	changes := make(chan config.Change)
	watcher, err := config.NewWatcher(ctx, cfgdir, changes, config.FileDebounce, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to watch config: %v\n", err)
		return internalError
	}
	defer watcher.Close()
	go func() {
		err := watcher.Watch(ctx)
		if err != nil {
			mlog.LogAttrs(ctx, slog.LevelError, "config watcher", slog.Any("error", err))
			cancel()
		}
	}()

	cfgman := config.NewManager(log)
	for {
		var change config.Change
		select {
		case <-ctx.Done():
			return success
		case <-srv.Done():
			return success
		case change = <-changes:
		}
		if change.Err != nil {
			mlog.LogAttrs(ctx, slog.LevelWarn, "config stream error", slog.Any("error", change.Err))
			if change.Config == nil {
				continue
			}
		}
		mlog.LogAttrs(ctx, slog.LevelDebug, "config stream element", slog.Any("config", change.Config), slog.Any("events", change.Event))
		err = cfgman.Apply(change)
		if err != nil {
			mlog.LogAttrs(ctx, slog.LevelWarn, "config manager apply error", slog.Any("error", err))
			continue
		}
		unified, cue, included, remain, err := cfgman.Unify(public.Schema)
		if err != nil {
			mlog.LogAttrs(ctx, slog.LevelWarn, "config manager unify error", slog.Any("error", err), slog.Any("cue", cue))
			continue
		}
		mlog.LogAttrs(ctx, slog.LevelDebug, "config manager files", slog.Any("included", included), slog.Any("remain", remain))
		paths, err := config.Vet(unified)
		if err != nil {
			mlog.LogAttrs(ctx, slog.LevelWarn, "invalid config", slog.Any("error", err), slog.Any("paths", paths))
			unified, err = config.Repair(unified, paths)
			if err != nil {
				mlog.LogAttrs(ctx, slog.LevelError, "cannot repair config", slog.Any("error", err))
				continue
			}
		}
		applyLogging(unified, level, addSource)
		err = srv.Configure(ctx, unified)
		if err != nil {
			mlog.LogAttrs(ctx, slog.LevelWarn, "server configure error", slog.Any("error", err))
		}
	}
}
