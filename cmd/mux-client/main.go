// Command mux-client negotiates a tunnel port with a mux-server and execs
// ssh to open the reverse tunnel (spec.md §4.4, §6).
package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/northbridge-labs/sshrmux/internal/identsource"
	"github.com/northbridge-labs/sshrmux/internal/identstore"
	"github.com/northbridge-labs/sshrmux/internal/muxclient"
	"github.com/northbridge-labs/sshrmux/internal/sshexec"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var opt struct {
	Help bool

	AuthSecret  string
	IdentString string
	IdentRPi    bool
	IdentCmd    string

	MuxPort  uint16
	SSHPort  uint16
	Attempts int
	Timeout  float64

	MuxHook  []string
	Debug    bool
	DebugSSH bool
	DryRun   bool
	Version  bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")

	pflag.StringVarP(&opt.AuthSecret, "auth-secret", "s", "", "Shared secret (required)")
	pflag.StringVarP(&opt.IdentString, "ident-string", "i", "", "Literal identity string, overrides --ident-rpi/--ident-cmd/the default")
	pflag.BoolVar(&opt.IdentRPi, "ident-rpi", false, "Derive identity from the Serial: line of /proc/cpuinfo")
	pflag.StringVar(&opt.IdentCmd, "ident-cmd", "", "Run this shell command and use its trimmed stdout as the identity")

	pflag.Uint16VarP(&opt.MuxPort, "mux-port", "m", 8739, "mux-server UDP port")
	pflag.Uint16VarP(&opt.SSHPort, "ssh-port", "p", 0, "Override the server-supplied ssh port")
	pflag.IntVarP(&opt.Attempts, "attempts", "n", 6, "Number of negotiation requests to send")
	pflag.Float64VarP(&opt.Timeout, "timeout", "t", 10.0, "Negotiation timeout budget, in seconds")

	pflag.StringArrayVarP(&opt.MuxHook, "mux-hook", "c", nil, "Command run after negotiation, before exec, with ssh_port and tun_port appended")
	pflag.BoolVarP(&opt.Debug, "debug", "d", false, "Log at debug level to stderr")
	pflag.BoolVar(&opt.DebugSSH, "debug-ssh", false, "Pass -vvv to ssh")
	pflag.BoolVar(&opt.DryRun, "dry-run", false, "Print the derived identity and exit without negotiating")
	pflag.BoolVarP(&opt.Version, "version", "V", false, "Print the version and exit")
}

func main() {
	pflag.Parse()

	if opt.Help || (pflag.NArg() != 1 && !opt.Version) {
		fmt.Printf("usage: %s [options] [user@]host[:port]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if opt.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: false}).With().Timestamp().Logger()
	if opt.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	login, hostname, muxPort, err := parseHost(pflag.Arg(0), opt.MuxPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if opt.AuthSecret == "" {
		fmt.Fprintln(os.Stderr, "error: -s/--auth-secret is required")
		os.Exit(2)
	}

	ident, err := resolveIdent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: resolve identity: %v\n", err)
		os.Exit(1)
	}

	if opt.DryRun {
		fmt.Printf("%s\n", identstore.IdentKey(ident))
		os.Exit(0)
	}

	addr, err := resolveMuxAddr(hostname, muxPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: resolve %s: %v\n", hostname, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sshPort, tunPort, err := muxclient.Negotiate(ctx, muxclient.Config{
		Secret:   []byte(opt.AuthSecret),
		Ident:    ident,
		Addr:     addr,
		Attempts: opt.Attempts,
		Timeout:  time.Duration(opt.Timeout * float64(time.Second)),
		Logger:   logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("negotiation failed")
		os.Exit(1)
	}
	if opt.SSHPort != 0 {
		sshPort = opt.SSHPort
	}
	logger.Info().Uint16("ssh_port", sshPort).Uint16("tun_port", tunPort).Msg("negotiated tunnel")

	sshexec.RunHook(hookArgv(opt.MuxHook), sshPort, tunPort, logger)

	sshArgs := sshexec.Args(sshexec.Options{
		SSHPort:  sshPort,
		TunPort:  tunPort,
		Login:    login,
		DebugSSH: opt.DebugSSH,
	})
	logger.Debug().Strs("argv", sshArgs).Msg("exec ssh")

	if err := sshexec.Exec("ssh", sshArgs); err != nil {
		logger.Error().Err(err).Msg("exec ssh failed")
		os.Exit(1)
	}
}

// parseHost splits the positional host argument into an ssh login
// ("user@hostname" or "hostname"), a bare hostname for DNS resolution, and
// the effective mux port, per spec.md §6's [user@]hostname[:port] grammar.
func parseHost(host string, defaultMuxPort uint16) (login, hostname string, muxPort uint16, err error) {
	muxPort = defaultMuxPort

	userPrefix := ""
	hostPart := host
	if at := strings.IndexByte(hostPart, '@'); at >= 0 {
		userPrefix = hostPart[:at+1]
		hostPart = hostPart[at+1:]
	}

	hostname = hostPart
	if h, p, splitErr := net.SplitHostPort(hostPart); splitErr == nil {
		hostname = h
		n, perr := strconv.ParseUint(p, 10, 16)
		if perr != nil {
			return "", "", 0, fmt.Errorf("invalid port %q", p)
		}
		muxPort = uint16(n)
	}
	return userPrefix + hostname, hostname, muxPort, nil
}

func resolveMuxAddr(hostname string, port uint16) (netip.AddrPort, error) {
	if ip, err := netip.ParseAddr(hostname); err == nil {
		return netip.AddrPortFrom(ip, port), nil
	}
	ips, err := net.LookupIP(hostname)
	if err != nil || len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("lookup %s: %w", hostname, err)
	}
	ip, ok := netip.AddrFromSlice(ips[0])
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("unrepresentable address %v", ips[0])
	}
	return netip.AddrPortFrom(ip.Unmap(), port), nil
}

func resolveIdent() ([]byte, error) {
	var src identsource.Source
	switch {
	case opt.IdentString != "":
		src = identsource.Literal(opt.IdentString)
	case opt.IdentRPi:
		src = identsource.RaspberryPiSerial{Secret: []byte(opt.AuthSecret)}
	case opt.IdentCmd != "":
		src = identsource.Command{Command: opt.IdentCmd}
	default:
		src = identsource.MachineID{Secret: []byte(opt.AuthSecret)}
	}
	return src.Ident()
}

// hookArgv turns the --mux-hook flag's value(s) into an argv: each
// occurrence of the flag is one argv element, except a single occurrence
// containing spaces or tabs, which is split on whitespace, per spec.md §6's
// "repeated or single-string command". Quotes and escapes in that single
// string are not interpreted.
func hookArgv(hook []string) []string {
	if len(hook) == 1 && strings.ContainsAny(hook[0], " \t") {
		return strings.Fields(hook[0])
	}
	return hook
}
