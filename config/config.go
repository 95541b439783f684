// Package config defines the runtime configuration for tether and
// turns it into the immutable filter set the interception layer reads.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ncerr "tether/internal/errors"
	"tether/internal/policy"
)

// Config holds every tuneable for one tether run.
type Config struct {
	// ── Netcat front end ─────────────────────────────────────────────
	Host      string
	Port      int         // primary destination port
	Ports     []PortRange // all destination port specs (scanning)
	LocalPort int         // -p: local bind port
	Listen    bool
	UDP       bool
	Timeout   time.Duration
	KeepOpen  bool
	NoDNS     bool
	ZeroIO    bool
	Execute   string // -e: program path
	Command   string // -c: shell command

	// ── Agent session ────────────────────────────────────────────────
	AgentAddr      string // host:port the agent listens on; empty runs everything locally
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	KeepAlive      time.Duration

	TunnelSpec     string // raw user@host[:port] from --tunnel
	TunnelEnabled  bool
	TunnelUser     string
	TunnelHost     string
	TunnelPort     int
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Redirection filters ──────────────────────────────────────────
	IncomingMode  string // off, mirror, steal
	IncomingPorts []int  // empty = every port
	IgnorePorts   []int
	HTTPFilter    string // header regexp narrowing a steal
	OutgoingTCP   bool
	OutgoingUDP   bool
	Rules         []string // "remote tcp 10.0.0.0/8 *", first match wins
	RemoteDNS     bool

	// ── Output ───────────────────────────────────────────────────────
	Verbose     int
	MetricsAddr string
	ConfigFile  string
}

// Default returns a configuration populated from defaults.go.
func Default() *Config {
	return &Config{
		RequestTimeout: DefaultRequestTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		KeepAlive:      DefaultKeepAlive,
		TunnelPort:     DefaultSSHPort,
		IncomingMode:   DefaultIncomingMode,
		OutgoingTCP:    true,
		OutgoingUDP:    true,
		RemoteDNS:      true,
	}
}

// Remote reports whether an agent session is configured.
func (c *Config) Remote() bool { return c.AgentAddr != "" }

// ── Port helpers ─────────────────────────────────────────────────────

// PortRange is an inclusive start–end pair.
type PortRange struct {
	Start int
	End   int
}

// Expand returns every port in the range.
func (pr PortRange) Expand() []int {
	out := make([]int, 0, pr.End-pr.Start+1)
	for p := pr.Start; p <= pr.End; p++ {
		out = append(out, p)
	}
	return out
}

// AllPorts flattens every PortRange into a single slice.
func (c *Config) AllPorts() []int {
	var out []int
	for _, pr := range c.Ports {
		out = append(out, pr.Expand()...)
	}
	return out
}

// ParsePortSpec accepts "80" or "80-90".
func ParsePortSpec(spec string) (PortRange, error) {
	if lo, hi, ok := strings.Cut(spec, "-"); ok {
		start, err := strconv.Atoi(lo)
		if err != nil {
			return PortRange{}, fmt.Errorf("invalid port range start %q", lo)
		}
		end, err := strconv.Atoi(hi)
		if err != nil {
			return PortRange{}, fmt.Errorf("invalid port range end %q", hi)
		}
		if start < 1 || end > 65535 || start > end {
			return PortRange{}, fmt.Errorf("invalid port range %d-%d", start, end)
		}
		return PortRange{Start: start, End: end}, nil
	}

	port, err := strconv.Atoi(spec)
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q", spec)
	}
	if port < 1 || port > 65535 {
		return PortRange{}, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return PortRange{Start: port, End: port}, nil
}

// ParsePortList parses a comma-separated list of ports and ranges, as
// used for --incoming-port and TETHER_INCOMING_PORTS.
func ParsePortList(list string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(list, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		pr, err := ParsePortSpec(f)
		if err != nil {
			return nil, err
		}
		out = append(out, pr.Expand()...)
	}
	return out, nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ApplyTunnelSpec parses TunnelSpec into the tunnel fields.
func (c *Config) ApplyTunnelSpec() error {
	if c.TunnelSpec == "" {
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return err
	}
	c.TunnelEnabled = true
	c.TunnelUser = user
	c.TunnelHost = host
	c.TunnelPort = port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Listen {
		if c.LocalPort == 0 {
			return &ncerr.ConfigError{
				Field:   "port",
				Message: "listen mode requires a local port",
				Hint:    "tether -l -p 8080",
			}
		}
		if c.ZeroIO {
			return fmt.Errorf("listen mode and zero-I/O mode are mutually exclusive")
		}
		if c.UDP {
			return fmt.Errorf("listen mode supports TCP only")
		}
	} else {
		if c.Host == "" {
			return fmt.Errorf("hostname is required (use --help for usage)")
		}
		if c.Port == 0 && len(c.Ports) == 0 {
			return fmt.Errorf("destination port is required")
		}
	}

	if c.Execute != "" && c.Command != "" {
		return fmt.Errorf("-e and -c are mutually exclusive")
	}

	if c.TunnelEnabled {
		if c.TunnelHost == "" {
			return fmt.Errorf("tunnel host is required")
		}
		if c.AgentAddr == "" {
			return &ncerr.ConfigError{
				Field:   "tunnel",
				Value:   c.TunnelSpec,
				Message: "the tunnel only carries the agent session",
				Hint:    "add --agent host:port as seen from the gateway",
			}
		}
	}

	if !c.Remote() {
		return nil
	}
	if c.RequestTimeout <= 0 {
		return &ncerr.ConfigError{Field: "request-timeout", Value: c.RequestTimeout, Message: "must be positive"}
	}
	if !c.Listen && c.LocalPort > 0 {
		// The bind would be taken for a remote port subscription.
		if mode, _ := ParseIncomingMode(c.IncomingMode); mode != policy.IncomingOff {
			return &ncerr.ConfigError{
				Field:   "port",
				Value:   c.LocalPort,
				Message: "a client source port conflicts with incoming redirection",
				Hint:    "add --incoming off",
			}
		}
	}
	_, err := c.Filters()
	return err
}

// Filters builds the immutable filter set from the redirection fields.
func (c *Config) Filters() (*policy.Filters, error) {
	mode, err := ParseIncomingMode(c.IncomingMode)
	if err != nil {
		return nil, &ncerr.ConfigError{Field: "incoming", Value: c.IncomingMode, Message: err.Error(), Hint: "one of off, mirror, steal"}
	}
	in, err := portList("incoming-port", c.IncomingPorts)
	if err != nil {
		return nil, err
	}
	ignore, err := portList("ignore-port", c.IgnorePorts)
	if err != nil {
		return nil, err
	}
	if c.HTTPFilter != "" {
		if mode != policy.IncomingSteal {
			return nil, &ncerr.ConfigError{Field: "http-filter", Value: c.HTTPFilter, Message: "only applies to stolen traffic", Hint: "add --incoming steal"}
		}
		if _, err := regexp.Compile(c.HTTPFilter); err != nil {
			return nil, &ncerr.ConfigError{Field: "http-filter", Value: c.HTTPFilter, Message: err.Error(), Hint: `match a header line, e.g. "^X-Debug: 1$"`}
		}
	}

	f := &policy.Filters{
		Incoming:  policy.Incoming{Mode: mode, Ports: in, IgnorePorts: ignore, HTTPFilter: c.HTTPFilter},
		Outgoing:  policy.Outgoing{TCP: c.OutgoingTCP, UDP: c.OutgoingUDP},
		RemoteDNS: c.RemoteDNS,
	}
	for _, spec := range c.Rules {
		r, err := ParseRule(spec)
		if err != nil {
			return nil, &ncerr.ConfigError{Field: "rule", Value: spec, Message: err.Error(),
				Hint: `"remote tcp 10.0.0.0/8 *" or "deny any 198.51.100.7 1-1024"`}
		}
		f.Outgoing.Rules = append(f.Outgoing.Rules, r)
	}
	return f, nil
}

func portList(field string, ports []int) ([]uint16, error) {
	out := make([]uint16, 0, len(ports))
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return nil, &ncerr.ConfigError{Field: field, Value: p, Message: "port out of range 1-65535"}
		}
		out = append(out, uint16(p))
	}
	return out, nil
}
