package config

import (
	"testing"
	"time"
)

func TestLoadFromEnv_Agent(t *testing.T) {
	t.Setenv("TETHER_AGENT", "10.0.0.5:7000")
	t.Setenv("TETHER_REQUEST_TIMEOUT", "750ms")
	t.Setenv("TETHER_KEEP_ALIVE", "15")
	cfg := Default()
	LoadFromEnv(cfg)
	if cfg.AgentAddr != "10.0.0.5:7000" {
		t.Errorf("AgentAddr = %q", cfg.AgentAddr)
	}
	if cfg.RequestTimeout != 750*time.Millisecond {
		t.Errorf("RequestTimeout = %v, want 750ms", cfg.RequestTimeout)
	}
	if cfg.KeepAlive != 15*time.Second {
		t.Errorf("KeepAlive = %v, want 15s", cfg.KeepAlive)
	}
}

func TestLoadFromEnv_Booleans(t *testing.T) {
	tests := []struct {
		key   string
		value string
		get   func(*Config) bool
		want  bool
	}{
		{"TETHER_OUTGOING_TCP", "0", func(c *Config) bool { return c.OutgoingTCP }, false},
		{"TETHER_OUTGOING_UDP", "no", func(c *Config) bool { return c.OutgoingUDP }, false},
		{"TETHER_REMOTE_DNS", "FALSE", func(c *Config) bool { return c.RemoteDNS }, false},
		{"TETHER_SSH_AGENT", "1", func(c *Config) bool { return c.UseSSHAgent }, true},
		{"TETHER_STRICT_HOSTKEY", "Yes", func(c *Config) bool { return c.StrictHostKey }, true},
		{"TETHER_NO_DNS", "true", func(c *Config) bool { return c.NoDNS }, true},
		{"TETHER_OUTGOING_TCP", "maybe", func(c *Config) bool { return c.OutgoingTCP }, true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			cfg := Default()
			LoadFromEnv(cfg)
			if got := tt.get(cfg); got != tt.want {
				t.Errorf("%s=%s -> %v, want %v", tt.key, tt.value, got, tt.want)
			}
		})
	}
}

func TestLoadFromEnv_Filters(t *testing.T) {
	t.Setenv("TETHER_INCOMING", "steal")
	t.Setenv("TETHER_INCOMING_PORTS", "80,8000-8001")
	t.Setenv("TETHER_IGNORE_PORTS", "9999")
	t.Setenv("TETHER_RULES", "local tcp 10.0.0.0/8 22; remote ;")

	cfg := Default()
	LoadFromEnv(cfg)

	if cfg.IncomingMode != "steal" {
		t.Errorf("IncomingMode = %q", cfg.IncomingMode)
	}
	if len(cfg.IncomingPorts) != 3 || cfg.IncomingPorts[2] != 8001 {
		t.Errorf("IncomingPorts = %v", cfg.IncomingPorts)
	}
	if len(cfg.IgnorePorts) != 1 || cfg.IgnorePorts[0] != 9999 {
		t.Errorf("IgnorePorts = %v", cfg.IgnorePorts)
	}
	if len(cfg.Rules) != 2 || cfg.Rules[1] != "remote" {
		t.Errorf("Rules = %q", cfg.Rules)
	}
}

func TestLoadFromEnv_SSHFields(t *testing.T) {
	t.Setenv("TETHER_TUNNEL", "admin@bastion:2222")
	t.Setenv("TETHER_SSH_KEY", "/home/user/.ssh/id_ed25519")
	t.Setenv("TETHER_SSH_PASSWORD", "true")
	t.Setenv("TETHER_KNOWN_HOSTS", "/custom/known_hosts")

	cfg := Default()
	LoadFromEnv(cfg)

	if cfg.TunnelSpec != "admin@bastion:2222" {
		t.Errorf("TunnelSpec = %q", cfg.TunnelSpec)
	}
	if cfg.SSHKeyPath != "/home/user/.ssh/id_ed25519" {
		t.Errorf("SSHKeyPath = %q", cfg.SSHKeyPath)
	}
	if !cfg.SSHPassword {
		t.Error("SSHPassword should be true")
	}
	if cfg.KnownHostsPath != "/custom/known_hosts" {
		t.Errorf("KnownHostsPath = %q", cfg.KnownHostsPath)
	}
}

func TestLoadFromEnv_InvalidValuesIgnored(t *testing.T) {
	t.Setenv("TETHER_REQUEST_TIMEOUT", "soon")
	t.Setenv("TETHER_INCOMING_PORTS", "80,http")
	t.Setenv("TETHER_VERBOSE", "loud")

	cfg := Default()
	cfg.IncomingPorts = []int{443}
	LoadFromEnv(cfg)

	if cfg.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if len(cfg.IncomingPorts) != 1 || cfg.IncomingPorts[0] != 443 {
		t.Errorf("IncomingPorts = %v", cfg.IncomingPorts)
	}
	if cfg.Verbose != 0 {
		t.Errorf("Verbose = %d", cfg.Verbose)
	}
}

func TestLoadFromEnv_NoOverrideWhenEmpty(t *testing.T) {
	t.Setenv("TETHER_AGENT", "")
	t.Setenv("TETHER_METRICS_ADDR", "")

	cfg := &Config{AgentAddr: "original:1", MetricsAddr: ":9100"}
	LoadFromEnv(cfg)

	if cfg.AgentAddr != "original:1" {
		t.Errorf("AgentAddr was overridden: %q", cfg.AgentAddr)
	}
	if cfg.MetricsAddr != ":9100" {
		t.Errorf("MetricsAddr was overridden: %q", cfg.MetricsAddr)
	}
}

func TestLoadFromEnv_Verbose(t *testing.T) {
	t.Setenv("TETHER_VERBOSE", "3")
	cfg := &Config{}
	LoadFromEnv(cfg)
	if cfg.Verbose != 3 {
		t.Errorf("Verbose = %d, want 3", cfg.Verbose)
	}
}
