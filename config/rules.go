package config

import (
	"fmt"
	"net/netip"
	"strings"

	"tether/internal/policy"
)

// ParseIncomingMode parses off, mirror or steal.  Empty means off.
func ParseIncomingMode(s string) (policy.IncomingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off":
		return policy.IncomingOff, nil
	case "mirror":
		return policy.IncomingMirror, nil
	case "steal":
		return policy.IncomingSteal, nil
	}
	return policy.IncomingOff, fmt.Errorf("unknown incoming mode %q", s)
}

// ParseRule parses one outgoing rule:
//
//	<remote|local|deny> [tcp|udp|any] [<prefix>|<ip>|*] [<port>|<lo-hi>|*]
//
// Omitted trailing fields match everything.  A bare address is a
// single-host prefix.
func ParseRule(spec string) (policy.Rule, error) {
	fields := strings.Fields(spec)
	if len(fields) == 0 || len(fields) > 4 {
		return policy.Rule{}, fmt.Errorf("expected 1-4 fields, got %d", len(fields))
	}

	var r policy.Rule
	switch strings.ToLower(fields[0]) {
	case "remote":
		r.Action = policy.Remote
	case "local":
		r.Action = policy.Local
	case "deny":
		r.Action = policy.Deny
	default:
		return r, fmt.Errorf("unknown action %q", fields[0])
	}

	if len(fields) > 1 {
		switch strings.ToLower(fields[1]) {
		case "tcp":
			r.Protocol = policy.ProtoTCP
		case "udp":
			r.Protocol = policy.ProtoUDP
		case "any", "*":
			r.Protocol = policy.ProtoAny
		default:
			return r, fmt.Errorf("unknown protocol %q", fields[1])
		}
	}

	if len(fields) > 2 && fields[2] != "*" {
		p, err := parsePrefix(fields[2])
		if err != nil {
			return r, err
		}
		r.Prefix = p
	}

	if len(fields) > 3 && fields[3] != "*" {
		pr, err := ParsePortSpec(fields[3])
		if err != nil {
			return r, err
		}
		r.Ports = policy.PortRange{Start: uint16(pr.Start), End: uint16(pr.End)}
	}
	return r, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q", s)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q", s)
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}
