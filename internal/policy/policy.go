// Package policy decides, per intercepted call, whether the call runs
// against the local kernel, is redirected to the remote agent, or is
// refused outright.
//
// Classify is a pure function of its inputs: it holds no locks, reads
// no globals and never mutates the Filters it is given.
package policy

import (
	"net/netip"
	"strings"
)

// Decision is the outcome of classifying one call.
type Decision int

const (
	Local Decision = iota
	Remote
	Deny
)

func (d Decision) String() string {
	switch d {
	case Local:
		return "local"
	case Remote:
		return "remote"
	case Deny:
		return "deny"
	default:
		return "unknown"
	}
}

// CallKind identifies the intercepted operation being classified.
type CallKind int

const (
	CallBind CallKind = iota
	CallListen
	CallConnect
	CallResolve
)

func (k CallKind) String() string {
	switch k {
	case CallBind:
		return "bind"
	case CallListen:
		return "listen"
	case CallConnect:
		return "connect"
	case CallResolve:
		return "resolve"
	default:
		return "unknown"
	}
}

// Protocol narrows a rule to one transport.  ProtoAny matches both.
type Protocol int

const (
	ProtoAny Protocol = iota
	ProtoTCP
	ProtoUDP
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return "any"
	}
}

// IncomingMode selects how remote traffic reaching a subscribed port is
// delivered to the local listener.
type IncomingMode int

const (
	IncomingOff IncomingMode = iota
	// IncomingMirror copies remote traffic; local replies are dropped.
	IncomingMirror
	// IncomingSteal takes over remote traffic; local replies go back.
	IncomingSteal
)

func (m IncomingMode) String() string {
	switch m {
	case IncomingMirror:
		return "mirror"
	case IncomingSteal:
		return "steal"
	default:
		return "off"
	}
}

// PortRange is an inclusive range.  The zero value matches every port.
type PortRange struct {
	Start uint16
	End   uint16
}

// Any reports whether the range is the match-all zero value.
func (r PortRange) Any() bool { return r.Start == 0 && r.End == 0 }

// Contains reports whether port falls inside the range.
func (r PortRange) Contains(port uint16) bool {
	if r.Any() {
		return true
	}
	return port >= r.Start && port <= r.End
}

// Rule is one outgoing-traffic rule.  Zero-valued fields match
// everything, so Rule{Action: Remote} redirects all outgoing traffic.
type Rule struct {
	Action   Decision
	Protocol Protocol
	Prefix   netip.Prefix // invalid (zero) prefix matches every address
	Ports    PortRange
}

// matches reports whether the rule covers addr over proto.
func (r Rule) matches(addr netip.AddrPort, proto Protocol) bool {
	if r.Protocol != ProtoAny && proto != ProtoAny && r.Protocol != proto {
		return false
	}
	if r.Prefix.IsValid() && !r.Prefix.Contains(addr.Addr().Unmap()) {
		return false
	}
	return r.Ports.Contains(addr.Port())
}

// targets reports whether the rule names addr explicitly, i.e. carries
// an address prefix containing it and redirects or denies it.
func (r Rule) targets(addr netip.AddrPort, proto Protocol) bool {
	return r.Action != Local && r.Prefix.IsValid() && r.matches(addr, proto)
}

// Incoming configures port subscriptions for bind/listen.
type Incoming struct {
	Mode        IncomingMode
	Ports       []uint16 // empty = every port
	IgnorePorts []uint16

	// HTTPFilter, when set, narrows a steal to HTTP requests with a
	// header matching this regular expression.  The agent applies it;
	// unmatched requests continue to the remote application.
	HTTPFilter string
}

// Outgoing configures redirection of connect calls.
type Outgoing struct {
	TCP   bool
	UDP   bool
	Rules []Rule // evaluated in order, first match wins
}

// Filters is the immutable, already validated redirection filter set.
type Filters struct {
	Incoming  Incoming
	Outgoing  Outgoing
	RemoteDNS bool
}

// Call is the semantic view of one intercepted call.
type Call struct {
	Kind     CallKind
	Addr     netip.AddrPort // bind/connect target; unused for resolve
	Protocol Protocol
	Node     string // resolve: host name being looked up
	Bypassed bool   // descriptor already marked Bypassed in the registry
}

// Classify returns the decision for call under f.  A nil f classifies
// everything Local.
func Classify(call Call, f *Filters) Decision {
	if f == nil {
		return Local
	}
	if call.Kind == CallResolve {
		return classifyResolve(call.Node, f)
	}

	addr := call.Addr.Addr().Unmap()
	if isHostLocal(addr) && !explicitlyTargeted(call, f) {
		return Local
	}
	if call.Bypassed {
		return Local
	}

	switch call.Kind {
	case CallBind, CallListen:
		return classifyIncoming(call, f)
	case CallConnect:
		return classifyOutgoing(call, f)
	}
	return Local
}

func classifyIncoming(call Call, f *Filters) Decision {
	in := f.Incoming
	if in.Mode == IncomingOff || call.Protocol == ProtoUDP {
		return Local
	}
	port := call.Addr.Port()
	if port == 0 {
		return Local
	}
	for _, p := range in.IgnorePorts {
		if p == port {
			return Local
		}
	}
	if len(in.Ports) == 0 {
		return Remote
	}
	for _, p := range in.Ports {
		if p == port {
			return Remote
		}
	}
	return Local
}

func classifyOutgoing(call Call, f *Filters) Decision {
	for _, r := range f.Outgoing.Rules {
		if r.matches(call.Addr, call.Protocol) {
			return r.Action
		}
	}
	switch call.Protocol {
	case ProtoTCP:
		if f.Outgoing.TCP {
			return Remote
		}
	case ProtoUDP:
		if f.Outgoing.UDP {
			return Remote
		}
	}
	return Local
}

func classifyResolve(node string, f *Filters) Decision {
	if !f.RemoteDNS || node == "" {
		return Local
	}
	if _, err := netip.ParseAddr(node); err == nil {
		return Local
	}
	name := strings.TrimSuffix(strings.ToLower(node), ".")
	if name == "localhost" || strings.HasSuffix(name, ".localhost") {
		return Local
	}
	return Remote
}

// explicitlyTargeted reports whether an outgoing rule names the
// host-local address of call by prefix.  Incoming subscriptions never
// target host-local addresses.
func explicitlyTargeted(call Call, f *Filters) bool {
	if call.Kind != CallConnect {
		return false
	}
	for _, r := range f.Outgoing.Rules {
		if r.targets(call.Addr, call.Protocol) {
			return true
		}
	}
	return false
}

func isHostLocal(addr netip.Addr) bool {
	return addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()
}
