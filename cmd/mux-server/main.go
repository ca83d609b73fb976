// Command mux-server answers mux requests from mux-client and hands out
// stable tunnel ports from a durable identity store (spec.md §4.5, §6).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/northbridge-labs/sshrmux/internal/identstore"
	"github.com/northbridge-labs/sshrmux/internal/muxserver"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var opt struct {
	Help bool

	AuthSecret string
	IdentDB    string
	IdentList  bool
	IdentRemove string

	MuxPort         uint16
	SSHPort         uint16
	TunnelPortRange string
	Attempts        int
	Timeout         float64

	Debug   bool
	Version bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")

	pflag.StringVarP(&opt.AuthSecret, "auth-secret", "s", "", "Shared secret (required)")
	pflag.StringVarP(&opt.IdentDB, "ident-db", "i", "ssh-reverse-mux-ident.db", "Path to the identity store")
	pflag.BoolVarP(&opt.IdentList, "ident-list", "l", false, "Dump the identity store and exit")
	pflag.StringVar(&opt.IdentRemove, "ident-remove", "", "Remove IDENT-B64 from the identity store and exit")

	pflag.Uint16VarP(&opt.MuxPort, "mux-port", "m", 8739, "UDP port to listen on")
	pflag.Uint16VarP(&opt.SSHPort, "ssh-port", "p", 22, "ssh port advertised to clients")
	pflag.StringVarP(&opt.TunnelPortRange, "tunnel-port-range", "r", "22000:22100", "Inclusive A:B tunnel port range")
	pflag.IntVarP(&opt.Attempts, "attempts", "n", 4, "Number of response sends per request")
	pflag.Float64VarP(&opt.Timeout, "timeout", "t", 5.0, "Response retry budget, in seconds")

	pflag.BoolVarP(&opt.Debug, "debug", "d", false, "Log at debug level")
	pflag.BoolVarP(&opt.Version, "version", "V", false, "Print the version and exit")
}

func main() {
	pflag.Parse()

	if opt.Help || pflag.NArg() > 1 {
		fmt.Printf("usage: %s [options] [bind]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if opt.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if opt.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	store, err := identstore.Open(opt.IdentDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open identity store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if opt.IdentList {
		if err := printIdentList(store); err != nil {
			fmt.Fprintf(os.Stderr, "error: list identities: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	if opt.IdentRemove != "" {
		if err := store.Remove(opt.IdentRemove); err != nil {
			fmt.Fprintf(os.Stderr, "error: remove identity: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if opt.AuthSecret == "" {
		fmt.Fprintln(os.Stderr, "error: -s/--auth-secret is required")
		os.Exit(2)
	}

	rangeA, rangeB, err := parsePortRange(opt.TunnelPortRange)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --tunnel-port-range: %v\n", err)
		os.Exit(2)
	}

	bind := "::"
	if pflag.NArg() == 1 {
		bind = pflag.Arg(0)
	}
	addr, err := resolveBind(bind, opt.MuxPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: resolve bind address %q: %v\n", bind, err)
		os.Exit(1)
	}

	srv := muxserver.New(muxserver.Config{
		Secret:   []byte(opt.AuthSecret),
		Store:    store,
		SSHPort:  opt.SSHPort,
		RangeA:   rangeA,
		RangeB:   rangeB,
		Attempts: opt.Attempts,
		Timeout:  time.Duration(opt.Timeout * float64(time.Second)),
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("addr", addr.String()).Msg("listening")
	if err := srv.ListenAndServe(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: run server: %v\n", err)
		os.Exit(1)
	}

	if opt.Debug {
		srv.Metrics().WritePrometheus(os.Stderr)
	}
}

func printIdentList(store *identstore.DB) error {
	entries, err := store.Items()
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s\t%d\n", e.IdentB64, e.Port)
	}
	return nil
}

func parsePortRange(s string) (a, b int, err error) {
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("expected A:B, got %q", s)
	}
	a64, err := strconv.ParseUint(lo, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start %q: %w", lo, err)
	}
	b64, err := strconv.ParseUint(hi, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end %q: %w", hi, err)
	}
	if b64 < a64 {
		return 0, 0, fmt.Errorf("range end %d is before range start %d", b64, a64)
	}
	return int(a64), int(b64), nil
}

func resolveBind(bind string, port uint16) (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(bind)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ip, port), nil
}
