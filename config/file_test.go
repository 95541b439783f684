package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleFile = `
agent:
  address: 10.0.0.5:7000
  tunnel: ops@bastion:2222
  strict_host_key: true
  request_timeout: 2s
  keep_alive: 1m
incoming:
  mode: steal
  ports: [80, 8080]
  ignore_ports: [9090]
outgoing:
  udp: false
  rules:
    - local tcp 10.0.0.0/8 22
    - remote tcp 10.0.0.0/8 *
dns:
  remote: false
metrics:
  address: 127.0.0.1:9100
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.yaml")
	if err := os.WriteFile(path, []byte(sampleFile), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	if err := LoadFile(path, cfg); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.AgentAddr != "10.0.0.5:7000" || cfg.TunnelSpec != "ops@bastion:2222" || !cfg.StrictHostKey {
		t.Errorf("agent = %q %q strict=%v", cfg.AgentAddr, cfg.TunnelSpec, cfg.StrictHostKey)
	}
	if cfg.RequestTimeout != 2*time.Second || cfg.KeepAlive != time.Minute {
		t.Errorf("timeouts = %v %v", cfg.RequestTimeout, cfg.KeepAlive)
	}
	if cfg.WriteTimeout != DefaultWriteTimeout {
		t.Errorf("absent write_timeout changed to %v", cfg.WriteTimeout)
	}
	if cfg.IncomingMode != "steal" || len(cfg.IncomingPorts) != 2 || cfg.IgnorePorts[0] != 9090 {
		t.Errorf("incoming = %q %v %v", cfg.IncomingMode, cfg.IncomingPorts, cfg.IgnorePorts)
	}
	if !cfg.OutgoingTCP || cfg.OutgoingUDP {
		t.Errorf("outgoing tcp=%v udp=%v", cfg.OutgoingTCP, cfg.OutgoingUDP)
	}
	if len(cfg.Rules) != 2 || cfg.RemoteDNS {
		t.Errorf("rules = %q dns=%v", cfg.Rules, cfg.RemoteDNS)
	}
	if cfg.MetricsAddr != "127.0.0.1:9100" {
		t.Errorf("MetricsAddr = %q", cfg.MetricsAddr)
	}

	cfg.Host, cfg.Port = "db", 5432
	if err := cfg.ApplyTunnelSpec(); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestDecode_Empty(t *testing.T) {
	cfg := Default()
	if err := Decode(nil, cfg); err != nil {
		t.Fatalf("Decode(empty): %v", err)
	}
	if cfg.IncomingMode != DefaultIncomingMode {
		t.Errorf("IncomingMode = %q", cfg.IncomingMode)
	}
}

func TestDecode_UnknownKey(t *testing.T) {
	err := Decode([]byte("agent:\n  adress: typo:1\n"), Default())
	if err == nil || !strings.Contains(err.Error(), "adress") {
		t.Errorf("err = %v, want unknown field error", err)
	}
}

func TestDecode_BadDuration(t *testing.T) {
	if err := Decode([]byte("agent:\n  request_timeout: soon\n"), Default()); err == nil {
		t.Error("expected error for malformed duration")
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"), Default()); err == nil {
		t.Error("expected error for missing file")
	}
}
