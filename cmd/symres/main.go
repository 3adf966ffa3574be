// Command symres resolves code addresses in a native binary or debug file
// to symbol names and source lines.
//
// Given a PDB, ELF, or PE file it answers lookups directly. Given a PE
// binary with -fetch, it locates the matching PDB in local symbol
// directories or on a symbol server first.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/symres/pkg/symmap"
	"github.com/grafana/symres/pkg/symres"
	"github.com/grafana/symres/pkg/symsrv"
)

type config struct {
	symsrv symsrv.Config

	fetch     bool
	localDirs string
	list      bool
	kind      string
	logLevel  string
}

func (cfg *config) registerFlags(f *flag.FlagSet) {
	cfg.symsrv.RegisterFlags(f)
	f.BoolVar(&cfg.fetch, "fetch", false, "Treat the file as a PE binary and fetch its companion PDB.")
	f.StringVar(&cfg.localDirs, "local-dirs", "", "Comma-separated local symbol directories, searched before the server.")
	f.BoolVar(&cfg.list, "list", false, "Enumerate all known symbols instead of looking up addresses.")
	f.StringVar(&cfg.kind, "kind", "relative", "How to interpret addresses: relative, virtual, or fileoffset.")
	f.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug, info, warn, error.")
}

func main() {
	var cfg config
	fs := flag.NewFlagSet("symres", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: symres [flags] <file> [address...]\n\nAddresses are hex (0x1234) or decimal.\n\n")
		fs.PrintDefaults()
	}
	cfg.registerFlags(fs)
	_ = fs.Parse(os.Args[1:])

	if err := run(&cfg, fs.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "symres: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("no input file (see -help)")
	}
	logger := newLogger(cfg.logLevel)

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	var m *symmap.SymbolMap
	if cfg.fetch {
		helper, err := newHelper(cfg, logger)
		if err != nil {
			return err
		}
		m, err = symres.LoadSymbolMapForBinary(ctx, data, args[0], helper)
		if err != nil {
			return err
		}
	} else {
		m, err = symres.OpenSymbolMap(data, args[0])
		if err != nil {
			return err
		}
	}
	level.Debug(logger).Log("msg", "symbol map ready", "debug_id", m.DebugID(), "symbols", m.SymbolCount())

	fmt.Printf("debug id: %s\n", m.DebugID())
	if cfg.list {
		for _, s := range m.Symbols() {
			fmt.Printf("%#010x %s\n", s.Address, s.Name)
		}
		return nil
	}

	// Backends are safe for concurrent queries; resolve in parallel and
	// print in input order.
	results := make([]*symmap.AddressInfo, len(args[1:]))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, arg := range args[1:] {
		addr, err := parseAddress(cfg.kind, arg)
		if err != nil {
			return err
		}
		i := i
		g.Go(func() error {
			results[i] = m.Lookup(addr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, arg := range args[1:] {
		printLookup(arg, results[i])
	}
	return nil
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	return level.NewFilter(logger, opt)
}

// newHelper picks where companion debug files come from: local symbol
// directories when given, the symbol server otherwise.
func newHelper(cfg *config, logger log.Logger) (symmap.FileHelper, error) {
	if cfg.localDirs != "" {
		dirs := strings.Split(cfg.localDirs, ",")
		return symsrv.NewLocalStore(logger, dirs...), nil
	}
	return symsrv.NewClient(cfg.symsrv, logger, prometheus.NewRegistry())
}

func parseAddress(kind, arg string) (symmap.LookupAddress, error) {
	v, err := strconv.ParseUint(arg, 0, 64)
	if err != nil {
		return symmap.LookupAddress{}, fmt.Errorf("bad address %q: %w", arg, err)
	}
	switch kind {
	case "relative":
		if v > 0xFFFFFFFF {
			return symmap.LookupAddress{}, fmt.Errorf("relative address %q exceeds 32 bits", arg)
		}
		return symmap.RelativeAddress(uint32(v)), nil
	case "virtual":
		return symmap.VirtualAddress(v), nil
	case "fileoffset":
		return symmap.FileOffsetAddress(v), nil
	}
	return symmap.LookupAddress{}, fmt.Errorf("unknown address kind %q", kind)
}

func printLookup(arg string, info *symmap.AddressInfo) {
	if info == nil {
		fmt.Printf("%s: no symbol\n", arg)
		return
	}
	fmt.Printf("%s: %s", arg, info.Symbol.Name)
	if info.Symbol.Size != nil {
		fmt.Printf(" [%#x, %#x)", info.Symbol.Address, info.Symbol.Address+*info.Symbol.Size)
	} else {
		fmt.Printf(" [%#x, ?)", info.Symbol.Address)
	}
	fmt.Println()
	for _, f := range info.Frames {
		fmt.Printf("  %s", f.Function)
		if f.File != nil {
			path := f.File.Raw
			if f.File.Mapped != nil {
				path = f.File.Mapped.String()
			}
			fmt.Printf(" at %s:%d", path, f.Line)
		}
		fmt.Println()
	}
}
