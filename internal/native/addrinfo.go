package native

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Flags accepted in AddrInfo.Flags (glibc values).
const (
	AIPassive     = 0x0001
	AICanonName   = 0x0002
	AINumericHost = 0x0004
	AINumericServ = 0x0400
)

// AddrInfo is one node of a resolution result list.  Addr and
// CanonName are separate allocations so ownership of every nested
// structure is explicit.
type AddrInfo struct {
	Flags     int
	Family    int
	SockType  int
	Protocol  int
	Addr      *netip.AddrPort
	CanonName *string
	Next      *AddrInfo
}

// Nodes flattens the list.
func (ai *AddrInfo) Nodes() []*AddrInfo {
	var out []*AddrInfo
	for n := ai; n != nil; n = n.Next {
		out = append(out, n)
	}
	return out
}

// AddrInfoError is a getaddrinfo status code.
type AddrInfoError int

// glibc status codes.
const (
	EAIBadFlags AddrInfoError = -1
	EAINoName   AddrInfoError = -2
	EAIAgain    AddrInfoError = -3
	EAIFail     AddrInfoError = -4
	EAIFamily   AddrInfoError = -6
	EAISockType AddrInfoError = -7
	EAIService  AddrInfoError = -8
	EAIMemory   AddrInfoError = -10
	EAISystem   AddrInfoError = -11
)

var eaiText = map[AddrInfoError]string{
	EAIBadFlags: "bad value for ai_flags",
	EAINoName:   "name or service not known",
	EAIAgain:    "temporary failure in name resolution",
	EAIFail:     "non-recoverable failure in name resolution",
	EAIFamily:   "ai_family not supported",
	EAISockType: "ai_socktype not supported",
	EAIService:  "servname not supported for ai_socktype",
	EAIMemory:   "memory allocation failure",
	EAISystem:   "system error",
}

func (e AddrInfoError) Error() string {
	if s, ok := eaiText[e]; ok {
		return s
	}
	return fmt.Sprintf("getaddrinfo error %d", int(e))
}

// Build assembles a result list for addrs the way the system resolver
// lays it out: one node per address and socket type allowed by hints,
// with the canonical name on the first node only.
func Build(addrs []netip.Addr, port uint16, hints *AddrInfo, canon string) (*AddrInfo, error) {
	var h AddrInfo
	if hints != nil {
		h = *hints
	}
	switch h.Family {
	case unix.AF_UNSPEC, unix.AF_INET, unix.AF_INET6:
	default:
		return nil, EAIFamily
	}

	types := []struct{ sock, proto int }{
		{unix.SOCK_STREAM, unix.IPPROTO_TCP},
		{unix.SOCK_DGRAM, unix.IPPROTO_UDP},
	}
	switch h.SockType {
	case 0:
	case unix.SOCK_STREAM:
		types = types[:1]
	case unix.SOCK_DGRAM:
		types = types[1:]
	default:
		return nil, EAISockType
	}

	var head, tail *AddrInfo
	for _, a := range addrs {
		fam := Family(a)
		if h.Family != unix.AF_UNSPEC && h.Family != fam {
			continue
		}
		if fam == unix.AF_INET {
			a = a.Unmap()
		}
		for _, t := range types {
			ap := netip.AddrPortFrom(a, port)
			n := &AddrInfo{
				Flags:    h.Flags,
				Family:   fam,
				SockType: t.sock,
				Protocol: t.proto,
				Addr:     &ap,
			}
			if head == nil {
				head = n
				if h.Flags&AICanonName != 0 && canon != "" {
					name := canon
					n.CanonName = &name
				}
			} else {
				tail.Next = n
			}
			tail = n
		}
	}
	if head == nil {
		return nil, EAINoName
	}
	return head, nil
}

// ServicePort resolves a numeric or named service for the socket type
// in hints.  An empty service is port zero.
func ServicePort(service string, hints *AddrInfo) (uint16, error) {
	if service == "" {
		return 0, nil
	}
	if p, err := strconv.ParseUint(service, 10, 16); err == nil {
		return uint16(p), nil
	}
	if hints != nil && hints.Flags&AINumericServ != 0 {
		return 0, EAINoName
	}
	network := "tcp"
	if hints != nil && hints.SockType == unix.SOCK_DGRAM {
		network = "udp"
	}
	p, err := net.LookupPort(network, service)
	if err != nil {
		return 0, EAIService
	}
	return uint16(p), nil
}

// Numeric reports whether node is an address literal.
func Numeric(node string) bool {
	_, err := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(node, "["), "]"))
	return err == nil
}

func systemGetaddrinfo(node, service string, hints *AddrInfo) (*AddrInfo, error) {
	if node == "" && service == "" {
		return nil, EAINoName
	}
	port, err := ServicePort(service, hints)
	if err != nil {
		return nil, err
	}

	var addrs []netip.Addr
	switch {
	case node == "":
		if hints != nil && hints.Flags&AIPassive != 0 {
			addrs = []netip.Addr{netip.IPv4Unspecified(), netip.IPv6Unspecified()}
		} else {
			addrs = []netip.Addr{netip.MustParseAddr("127.0.0.1"), netip.IPv6Loopback()}
		}
	case Numeric(node):
		addrs = []netip.Addr{netip.MustParseAddr(strings.Trim(node, "[]"))}
	case hints != nil && hints.Flags&AINumericHost != 0:
		return nil, EAINoName
	default:
		addrs, err = net.DefaultResolver.LookupNetIP(context.Background(), "ip", node)
		if err != nil {
			return nil, ResolveError(err)
		}
	}
	return Build(addrs, port, hints, node)
}

// ResolveError maps a Go resolver error onto a getaddrinfo status.
func ResolveError(err error) AddrInfoError {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return EAINoName
		case dnsErr.IsTimeout, dnsErr.IsTemporary:
			return EAIAgain
		}
		return EAIFail
	}
	return EAISystem
}
