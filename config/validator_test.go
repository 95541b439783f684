package config

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	ncerr "tether/internal/errors"
	"tether/internal/policy"
)

// TestValidate_ErrorMessages verifies that Validate returns actionable
// error messages with hints.
func TestValidate_ErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantSub string // substring expected in error
	}{
		{
			name:    "listen no port has hint",
			cfg:     Config{Listen: true},
			wantSub: "hint:",
		},
		{
			name:    "tunnel without agent has hint",
			cfg:     Config{Host: "x", Port: 80, TunnelEnabled: true, TunnelHost: "gw", TunnelSpec: "gw"},
			wantSub: "--agent",
		},
		{
			name:    "bad rule names the rule",
			cfg:     Config{Host: "x", Port: 80, AgentAddr: "a:1", RequestTimeout: 1, Rules: []string{"remote sctp"}},
			wantSub: "remote sctp",
		},
		{
			name:    "source port under incoming redirection",
			cfg:     Config{Host: "x", Port: 80, LocalPort: 4000, AgentAddr: "a:1", RequestTimeout: 1, IncomingMode: "mirror"},
			wantSub: "--incoming off",
		},
		{
			name:    "exec conflict",
			cfg:     Config{Host: "x", Port: 80, Execute: "a", Command: "b"},
			wantSub: "-e and -c are mutually exclusive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestValidate_ConfigErrorType(t *testing.T) {
	err := (&Config{Listen: true}).Validate()
	var ce *ncerr.ConfigError
	if !errors.As(err, &ce) || ce.Field != "port" {
		t.Errorf("err = %v, want ConfigError on port", err)
	}
}

// TestParsePortSpec_Fuzz covers edge-case port specs.
func TestParsePortSpec_Fuzz(t *testing.T) {
	edgeCases := []string{
		"1", "65535", "1-1", "1-65535",
		"-1", "65536", "abc-def", "-", "1-",
		"0", "99999", "1-0",
	}
	for _, s := range edgeCases {
		t.Run(s, func(t *testing.T) {
			pr, err := ParsePortSpec(s)
			if err == nil {
				if pr.Start < 1 || pr.End > 65535 || pr.Start > pr.End {
					t.Errorf("invalid range: %+v", pr)
				}
			}
		})
	}
}

// ── Rules ────────────────────────────────────────────────────────────

func TestParseRule(t *testing.T) {
	tests := []struct {
		spec    string
		want    policy.Rule
		wantErr bool
	}{
		{"remote", policy.Rule{Action: policy.Remote}, false},
		{"deny udp", policy.Rule{Action: policy.Deny, Protocol: policy.ProtoUDP}, false},
		{"remote tcp 10.0.0.0/8 *", policy.Rule{
			Action: policy.Remote, Protocol: policy.ProtoTCP, Prefix: netip.MustParsePrefix("10.0.0.0/8"),
		}, false},
		{"LOCAL any 192.168.1.77/16 5432", policy.Rule{
			Action: policy.Local, Prefix: netip.MustParsePrefix("192.168.0.0/16"),
			Ports: policy.PortRange{Start: 5432, End: 5432},
		}, false},
		{"deny * 198.51.100.7 1-1024", policy.Rule{
			Action: policy.Deny, Prefix: netip.MustParsePrefix("198.51.100.7/32"),
			Ports: policy.PortRange{Start: 1, End: 1024},
		}, false},
		{"remote tcp fd00::1", policy.Rule{
			Action: policy.Remote, Protocol: policy.ProtoTCP, Prefix: netip.MustParsePrefix("fd00::1/128"),
		}, false},
		{"", policy.Rule{}, true},
		{"forward", policy.Rule{}, true},
		{"remote sctp", policy.Rule{}, true},
		{"remote tcp 10.0.0.0/33", policy.Rule{}, true},
		{"remote tcp example.com", policy.Rule{}, true},
		{"remote tcp * 0", policy.Rule{}, true},
		{"remote tcp * * extra", policy.Rule{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := ParseRule(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRule(%q) error = %v, wantErr = %v", tt.spec, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseRule(%q) = %+v, want %+v", tt.spec, got, tt.want)
			}
		})
	}
}

func TestParseIncomingMode(t *testing.T) {
	tests := []struct {
		in      string
		want    policy.IncomingMode
		wantErr bool
	}{
		{"", policy.IncomingOff, false},
		{"off", policy.IncomingOff, false},
		{"Mirror", policy.IncomingMirror, false},
		{" steal ", policy.IncomingSteal, false},
		{"copy", policy.IncomingOff, true},
	}
	for _, tt := range tests {
		got, err := ParseIncomingMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseIncomingMode(%q) = %v, %v", tt.in, got, err)
		}
	}
}
