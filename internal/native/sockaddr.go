package native

import (
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// AddrPort converts an IPv4 or IPv6 socket address.  Other families
// report false.
func AddrPort(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), true
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 {
			addr = addr.WithZone(zoneName(sa.ZoneId))
		}
		return netip.AddrPortFrom(addr, uint16(sa.Port)), true
	}
	return netip.AddrPort{}, false
}

// Sockaddr builds the socket address for ap in the given family.  IPv4
// addresses are mapped into ::ffff:0:0/96 for AF_INET6 sockets; an IPv6
// address cannot be expressed for AF_INET and yields nil.
func Sockaddr(ap netip.AddrPort, family int) unix.Sockaddr {
	addr := ap.Addr()
	switch family {
	case unix.AF_INET:
		addr = addr.Unmap()
		if !addr.Is4() {
			return nil
		}
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
		if z := addr.Zone(); z != "" {
			sa.ZoneId = zoneIndex(z)
		}
		return sa
	}
	return nil
}

// Family returns the address family that naturally carries addr.
func Family(addr netip.Addr) int {
	if addr.Is4() || addr.Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// Loopback returns the loopback address usable by a socket of family.
func Loopback(family int) netip.Addr {
	if family == unix.AF_INET6 {
		// v4-mapped loopback; dual-stack sockets reach the IPv4
		// loopback listeners the layer provisions.
		return netip.AddrFrom16(netip.MustParseAddr("127.0.0.1").As16())
	}
	return netip.MustParseAddr("127.0.0.1")
}

func zoneName(index uint32) string {
	if ifi, err := net.InterfaceByIndex(int(index)); err == nil {
		return ifi.Name
	}
	return strconv.FormatUint(uint64(index), 10)
}

func zoneIndex(zone string) uint32 {
	if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(n)
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index)
	}
	return 0
}
