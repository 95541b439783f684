// Package native holds the table of original socket entry points the
// interception layer falls back to.
//
// The table is a struct of function values rather than an interface so
// that a single entry can be swapped in tests while the rest keep
// reaching the kernel.  [Capture] returns the table backed by
// golang.org/x/sys/unix; it is taken once when a layer is constructed
// and never mutated afterwards.
package native

import (
	"golang.org/x/sys/unix"
)

// Calls is the captured set of original functions.
type Calls struct {
	Socket        func(domain, typ, proto int) (int, error)
	Bind          func(fd int, sa unix.Sockaddr) error
	Listen        func(fd, backlog int) error
	Connect       func(fd int, sa unix.Sockaddr) error
	Accept        func(fd, flags int) (int, unix.Sockaddr, error)
	Getsockname   func(fd int) (unix.Sockaddr, error)
	Getpeername   func(fd int) (unix.Sockaddr, error)
	GetsockoptInt func(fd, level, opt int) (int, error)
	SetsockoptInt func(fd, level, opt, value int) error
	// SetsockoptTimeval sets SO_RCVTIMEO and SO_SNDTIMEO style options.
	SetsockoptTimeval func(fd, level, opt int, tv *unix.Timeval) error
	Dup               func(fd int) (int, error)
	Dup3              func(oldfd, newfd, flags int) error
	Close             func(fd int) error

	Read     func(fd int, p []byte) (int, error)
	Write    func(fd int, p []byte) (int, error)
	Shutdown func(fd, how int) error

	Getaddrinfo  func(node, service string, hints *AddrInfo) (*AddrInfo, error)
	Freeaddrinfo func(ai *AddrInfo)
}

// Capture returns the kernel-backed call table.
func Capture() Calls {
	return Calls{
		Socket:            unix.Socket,
		Bind:              unix.Bind,
		Listen:            unix.Listen,
		Connect:           unix.Connect,
		Accept:            unix.Accept4,
		Getsockname:       unix.Getsockname,
		Getpeername:       unix.Getpeername,
		GetsockoptInt:     unix.GetsockoptInt,
		SetsockoptInt:     unix.SetsockoptInt,
		SetsockoptTimeval: unix.SetsockoptTimeval,
		Dup:               unix.Dup,
		Dup3:              unix.Dup3,
		Close:             unix.Close,
		Read:              unix.Read,
		Write:             unix.Write,
		Shutdown:          unix.Shutdown,
		Getaddrinfo:       systemGetaddrinfo,
		// Results of the system resolver are ordinary Go values; the
		// garbage collector reclaims them.
		Freeaddrinfo: func(*AddrInfo) {},
	}
}

// Complete reports whether every entry of the table is set.
func (c *Calls) Complete() bool {
	return c.Socket != nil && c.Bind != nil && c.Listen != nil &&
		c.Connect != nil && c.Accept != nil && c.Getsockname != nil &&
		c.Getpeername != nil && c.GetsockoptInt != nil &&
		c.SetsockoptInt != nil && c.SetsockoptTimeval != nil && c.Dup != nil && c.Dup3 != nil &&
		c.Close != nil && c.Read != nil && c.Write != nil &&
		c.Shutdown != nil && c.Getaddrinfo != nil && c.Freeaddrinfo != nil
}

// BaseType strips SOCK_NONBLOCK and SOCK_CLOEXEC from a socket type.
func BaseType(typ int) int {
	return typ &^ (unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC)
}
