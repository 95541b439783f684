package util

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// FormatAddr returns "host:port", bracketing IPv6 literals.
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// CheckNumeric rejects host names when DNS is disabled.
func CheckNumeric(host string, noDNS bool) error {
	if !noDNS {
		return nil
	}
	if _, err := netip.ParseAddr(host); err != nil {
		return fmt.Errorf("cannot parse %q as an IP address (DNS disabled with -n)", host)
	}
	return nil
}
