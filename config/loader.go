package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the TETHER_ prefix.  Boolean values
// accept "1", "true", "yes" and "0", "false", "no" (case-insensitive).
// Durations accept Go syntax ("750ms") or whole seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty,
// well-formed env vars override the existing value.  This should be
// called BEFORE CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TETHER_CONFIG"); v != "" {
		cfg.ConfigFile = v
	}

	// Agent session
	if v := os.Getenv("TETHER_AGENT"); v != "" {
		cfg.AgentAddr = v
	}
	envDuration("TETHER_REQUEST_TIMEOUT", &cfg.RequestTimeout)
	envDuration("TETHER_WRITE_TIMEOUT", &cfg.WriteTimeout)
	envDuration("TETHER_KEEP_ALIVE", &cfg.KeepAlive)

	// SSH tunnel
	if v := os.Getenv("TETHER_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("TETHER_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	envBool("TETHER_SSH_PASSWORD", &cfg.SSHPassword)
	envBool("TETHER_SSH_AGENT", &cfg.UseSSHAgent)
	envBool("TETHER_STRICT_HOSTKEY", &cfg.StrictHostKey)
	if v := os.Getenv("TETHER_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Redirection
	if v := os.Getenv("TETHER_INCOMING"); v != "" {
		cfg.IncomingMode = v
	}
	envPorts("TETHER_INCOMING_PORTS", &cfg.IncomingPorts)
	envPorts("TETHER_IGNORE_PORTS", &cfg.IgnorePorts)
	if v := os.Getenv("TETHER_HTTP_FILTER"); v != "" {
		cfg.HTTPFilter = v
	}
	envBool("TETHER_OUTGOING_TCP", &cfg.OutgoingTCP)
	envBool("TETHER_OUTGOING_UDP", &cfg.OutgoingUDP)
	if v := os.Getenv("TETHER_RULES"); v != "" {
		cfg.Rules = nil
		for _, r := range strings.Split(v, ";") {
			if r = strings.TrimSpace(r); r != "" {
				cfg.Rules = append(cfg.Rules, r)
			}
		}
	}
	envBool("TETHER_REMOTE_DNS", &cfg.RemoteDNS)

	// Netcat front end
	envDuration("TETHER_TIMEOUT", &cfg.Timeout)
	envBool("TETHER_NO_DNS", &cfg.NoDNS)

	// Output
	if v := os.Getenv("TETHER_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := envInt("TETHER_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string, dst *bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		*dst = true
	case "0", "false", "no":
		*dst = false
	}
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = time.Duration(n) * time.Second
	}
}

func envPorts(key string, dst *[]int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if ports, err := ParsePortList(v); err == nil {
		*dst = ports
	}
}
