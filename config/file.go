package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout read by LoadFile.  Pointer fields
// distinguish "absent" from the zero value so a file only overrides
// what it names.
type File struct {
	Agent    AgentFile    `yaml:"agent"`
	Incoming IncomingFile `yaml:"incoming"`
	Outgoing OutgoingFile `yaml:"outgoing"`
	DNS      DNSFile      `yaml:"dns"`
	Metrics  MetricsFile  `yaml:"metrics"`
}

// AgentFile configures the session to the agent.
type AgentFile struct {
	Address        string         `yaml:"address"`
	Tunnel         string         `yaml:"tunnel"`
	SSHKey         string         `yaml:"ssh_key"`
	SSHAgent       *bool          `yaml:"ssh_agent"`
	StrictHostKey  *bool          `yaml:"strict_host_key"`
	KnownHosts     string         `yaml:"known_hosts"`
	RequestTimeout *time.Duration `yaml:"request_timeout"`
	WriteTimeout   *time.Duration `yaml:"write_timeout"`
	KeepAlive      *time.Duration `yaml:"keep_alive"`
}

// IncomingFile configures port subscriptions.
type IncomingFile struct {
	Mode        string `yaml:"mode"`
	Ports       []int  `yaml:"ports"`
	IgnorePorts []int  `yaml:"ignore_ports"`
	HTTPFilter  string `yaml:"http_filter"`
}

// OutgoingFile configures connect redirection.
type OutgoingFile struct {
	TCP   *bool    `yaml:"tcp"`
	UDP   *bool    `yaml:"udp"`
	Rules []string `yaml:"rules"`
}

// DNSFile configures name resolution.
type DNSFile struct {
	Remote *bool `yaml:"remote"`
}

// MetricsFile configures the Prometheus endpoint.
type MetricsFile struct {
	Address string `yaml:"address"`
}

// LoadFile reads the YAML file at path and overlays it onto cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := Decode(data, cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Decode parses YAML and overlays it onto cfg.  Unknown keys are
// rejected.
func Decode(data []byte, cfg *Config) error {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return err
	}
	f.apply(cfg)
	return nil
}

func (f *File) apply(cfg *Config) {
	a := f.Agent
	setString(&cfg.AgentAddr, a.Address)
	setString(&cfg.TunnelSpec, a.Tunnel)
	setString(&cfg.SSHKeyPath, a.SSHKey)
	setString(&cfg.KnownHostsPath, a.KnownHosts)
	setBool(&cfg.UseSSHAgent, a.SSHAgent)
	setBool(&cfg.StrictHostKey, a.StrictHostKey)
	setDuration(&cfg.RequestTimeout, a.RequestTimeout)
	setDuration(&cfg.WriteTimeout, a.WriteTimeout)
	setDuration(&cfg.KeepAlive, a.KeepAlive)

	setString(&cfg.IncomingMode, f.Incoming.Mode)
	if f.Incoming.Ports != nil {
		cfg.IncomingPorts = f.Incoming.Ports
	}
	if f.Incoming.IgnorePorts != nil {
		cfg.IgnorePorts = f.Incoming.IgnorePorts
	}
	setString(&cfg.HTTPFilter, f.Incoming.HTTPFilter)

	setBool(&cfg.OutgoingTCP, f.Outgoing.TCP)
	setBool(&cfg.OutgoingUDP, f.Outgoing.UDP)
	if f.Outgoing.Rules != nil {
		cfg.Rules = f.Outgoing.Rules
	}

	setBool(&cfg.RemoteDNS, f.DNS.Remote)
	setString(&cfg.MetricsAddr, f.Metrics.Address)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}
