// Package cmd wires up the CLI flags and runs the netcat front end
// through the interception layer.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"tether/config"
	"tether/internal/bridge"
	"tether/internal/metrics"
	"tether/internal/transport"
	"tether/layer"
	"tether/netcat"
	"tether/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X tether/cmd.version=2.0.0"
var version = "0.3.0" //nolint:gochecknoglobals

// Execute parses args and runs the selected mode.
func Execute(ctx context.Context, args []string) error {
	cfg, opts, err := load(args)
	if err != nil {
		return err
	}
	switch {
	case opts.help || len(args) == 0:
		printUsage(opts.fs)
		return nil
	case opts.version:
		fmt.Printf("tether %s\n", version)
		return nil
	}

	if err := parsePositional(cfg, opts.fs.Args()); err != nil {
		return err
	}
	if err := cfg.ApplyTunnelSpec(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if opts.dryRun {
		printSummary(os.Stdout, cfg)
		return nil
	}
	return run(ctx, cfg)
}

// load builds the configuration in precedence order: defaults, config
// file, TETHER_* environment, flags.
func load(args []string) (*config.Config, *cliOptions, error) {
	cfg := config.Default()
	if path := configPath(args); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, nil, err
		}
		cfg.ConfigFile = path
	}
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("tether", flag.ContinueOnError)
	opts := registerFlags(fs, cfg)
	fs.Usage = func() { printUsage(fs) }
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.Changed("timeout") {
		cfg.Timeout = time.Duration(opts.timeoutSec) * time.Second
	}
	return cfg, opts, nil
}

type cliOptions struct {
	fs         *flag.FlagSet
	timeoutSec int
	dryRun     bool
	version    bool
	help       bool
}

func registerFlags(fs *flag.FlagSet, cfg *config.Config) *cliOptions {
	opts := &cliOptions{fs: fs, timeoutSec: int(cfg.Timeout / time.Second)}

	// ── connection ───────────────────────────────────────────────
	fs.BoolVarP(&cfg.Listen, "listen", "l", false, "Listen mode")
	fs.IntVarP(&cfg.LocalPort, "port", "p", 0, "Local port number")
	fs.BoolVarP(&cfg.UDP, "udp", "u", false, "UDP mode")
	fs.BoolVarP(&cfg.NoDNS, "no-dns", "n", cfg.NoDNS, "Numeric-only, no DNS resolution")
	fs.BoolVarP(&cfg.KeepOpen, "keep-open", "k", false, "Accept multiple connections (with -l)")
	fs.BoolVarP(&cfg.ZeroIO, "zero-io", "z", false, "Zero-I/O mode (port scanning)")
	fs.IntVarP(&opts.timeoutSec, "timeout", "w", opts.timeoutSec, "Connect and idle timeout in seconds")

	// ── execution ────────────────────────────────────────────────
	fs.StringVarP(&cfg.Execute, "exec", "e", "", "Execute program after connect")
	fs.StringVarP(&cfg.Command, "command", "c", "", "Execute shell command after connect")

	// ── agent session ────────────────────────────────────────────
	fs.StringVar(&cfg.AgentAddr, "agent", cfg.AgentAddr, "Agent address host:port (enables redirection)")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Wait for each agent response")
	fs.DurationVar(&cfg.KeepAlive, "keep-alive", cfg.KeepAlive, "Agent session ping interval (0 disables)")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Reach the agent via SSH gateway [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── redirection ──────────────────────────────────────────────
	fs.StringVar(&cfg.IncomingMode, "incoming", cfg.IncomingMode, "Remote traffic on listened ports: off, mirror, steal")
	fs.IntSliceVar(&cfg.IncomingPorts, "incoming-port", cfg.IncomingPorts, "Only subscribe these ports (repeatable)")
	fs.IntSliceVar(&cfg.IgnorePorts, "ignore-port", cfg.IgnorePorts, "Never subscribe these ports (repeatable)")
	fs.StringVar(&cfg.HTTPFilter, "http-filter", cfg.HTTPFilter, "Steal only HTTP requests with a header matching this regexp")
	fs.BoolVar(&cfg.OutgoingTCP, "outgoing-tcp", cfg.OutgoingTCP, "Redirect outgoing TCP connects")
	fs.BoolVar(&cfg.OutgoingUDP, "outgoing-udp", cfg.OutgoingUDP, "Redirect outgoing UDP connects")
	fs.StringArrayVar(&cfg.Rules, "rule", cfg.Rules, `Outgoing rule "<remote|local|deny> [proto] [prefix] [ports]" (repeatable)`)
	fs.BoolVar(&cfg.RemoteDNS, "remote-dns", cfg.RemoteDNS, "Resolve host names through the agent")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Validate the configuration and print it")
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")
	fs.BoolVarP(&opts.help, "help", "h", false, "Show this help")
	return opts
}

// configPath finds --config before the full flag set exists, so the
// file can seed the flag defaults.  TETHER_CONFIG is the fallback.
func configPath(args []string) string {
	fs := flag.NewFlagSet("tether", flag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	path := fs.String("config", "", "")
	fs.Parse(args) //nolint:errcheck
	if *path != "" {
		return *path
	}
	return os.Getenv("TETHER_CONFIG")
}

// run builds the layer, connecting to the agent when one is
// configured, and hands it to the netcat front end.
func run(ctx context.Context, cfg *config.Config) error {
	logger := util.NewLogger(cfg.Verbose)
	m := metrics.New()

	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.MetricsAddr, m, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	opts := layer.Options{Logger: logger.Named("layer"), Metrics: m}
	if cfg.Remote() {
		filters, err := cfg.Filters()
		if err != nil {
			return err
		}
		dialer := newDialer(cfg, logger)
		defer dialer.Close()

		conn, err := transport.Open(ctx, dialer, cfg.AgentAddr, nil, logger)
		if err != nil {
			return fmt.Errorf("agent: %w", err)
		}
		b := bridge.New(conn, bridge.Options{
			Timeout:      cfg.RequestTimeout,
			WriteTimeout: cfg.WriteTimeout,
			KeepAlive:    cfg.KeepAlive,
			Logger:       logger.Named("bridge"),
			Metrics:      m,
		})
		logger.Verbose("agent session %s via %s", b.Session(), cfg.AgentAddr)
		opts.Filters = filters
		opts.Bridge = b
	}

	l := layer.New(opts)
	defer l.CloseSession() //nolint:errcheck
	layer.Install(l)

	err := netcat.New(cfg, l, logger).Run(ctx)
	logger.Debug("session stats: %s", m.JSON())
	return err
}

func newDialer(cfg *config.Config, logger *util.Logger) transport.Dialer {
	if !cfg.TunnelEnabled {
		return &transport.TCPDialer{Timeout: config.DefaultConnTimeout, KeepAlive: cfg.KeepAlive}
	}
	user := cfg.TunnelUser
	if user == "" {
		user = os.Getenv("USER")
	}
	return transport.NewSSHDialer(&transport.SSHConfig{
		User:          user,
		Host:          cfg.TunnelHost,
		Port:          cfg.TunnelPort,
		KeyPath:       cfg.SSHKeyPath,
		PromptPass:    cfg.SSHPassword,
		UseAgent:      cfg.UseSSHAgent,
		StrictHostKey: cfg.StrictHostKey,
		KnownHosts:    cfg.KnownHostsPath,
		ConnTimeout:   config.DefaultConnTimeout,
		KeepAlive:     cfg.KeepAlive,
	}, logger)
}

// ── helpers ──────────────────────────────────────────────────────────

func parsePositional(cfg *config.Config, remaining []string) error {
	if cfg.Listen {
		if len(remaining) > 0 {
			return fmt.Errorf("listen mode takes no positional arguments (use -p PORT)")
		}
		return nil
	}

	// Connect / scan mode: host port [port …]
	if len(remaining) < 1 {
		return fmt.Errorf("hostname required (use --help for usage)")
	}
	cfg.Host = remaining[0]
	if len(remaining) < 2 {
		return fmt.Errorf("port required")
	}
	for _, arg := range remaining[1:] {
		pr, err := config.ParsePortSpec(arg)
		if err != nil {
			return fmt.Errorf("port %q: %w", arg, err)
		}
		cfg.Ports = append(cfg.Ports, pr)
	}
	cfg.Port = cfg.Ports[0].Start
	return nil
}

func printSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "configuration OK")
	if !cfg.Remote() {
		fmt.Fprintln(w, "  agent:    none (everything runs locally)")
		return
	}
	fmt.Fprintf(w, "  agent:    %s\n", cfg.AgentAddr)
	if cfg.TunnelEnabled {
		fmt.Fprintf(w, "  tunnel:   %s@%s:%d\n", cfg.TunnelUser, cfg.TunnelHost, cfg.TunnelPort)
	}
	fmt.Fprintf(w, "  incoming: %s ports=%v ignore=%v\n", cfg.IncomingMode, cfg.IncomingPorts, cfg.IgnorePorts)
	if cfg.HTTPFilter != "" {
		fmt.Fprintf(w, "  http filter: %s\n", cfg.HTTPFilter)
	}
	fmt.Fprintf(w, "  outgoing: tcp=%v udp=%v rules=%d\n", cfg.OutgoingTCP, cfg.OutgoingUDP, len(cfg.Rules))
	fmt.Fprintf(w, "  dns:      remote=%v\n", cfg.RemoteDNS)
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `tether - netcat through a remote agent v%s

Socket calls are classified and run locally, redirected through the
agent, or refused.  Without --agent everything runs locally.

Usage:
  tether [options] <host> <port>              Connect
  tether -l -p <port> [options]               Listen
  tether -z [options] <host> <ports...>       Scan

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  tether --agent 10.0.0.5:61337 db.internal 5432
  tether --agent pod:61337 --incoming steal -l -p 8080
  tether -T ops@bastion --agent 10.0.0.5:61337 -vz api.internal 80 443
  tether --agent a:61337 --rule "local tcp 10.1.0.0/16" --rule "deny any * 25" mail 587
`)
}
