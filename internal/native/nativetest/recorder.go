// Package nativetest wraps a native call table so tests can observe
// which originals the layer invoked and with what arguments.
package nativetest

import (
	"sync"

	"golang.org/x/sys/unix"

	"tether/internal/native"
)

// Call is one recorded invocation.
type Call struct {
	Name string
	FD   int
	Addr unix.Sockaddr
	Node string
}

// Recorder logs every call passing through a wrapped table.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	freed []*native.AddrInfo
}

func (r *Recorder) add(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

// Calls returns a copy of the recorded invocations.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many times name was invoked.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

// Freed returns the lists handed to the original Freeaddrinfo.
func (r *Recorder) Freed() []*native.AddrInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*native.AddrInfo(nil), r.freed...)
}

// Wrap returns a table that records into a new Recorder before
// delegating to c.  Data-plane calls are not recorded.
func Wrap(c native.Calls) (native.Calls, *Recorder) {
	r := &Recorder{}
	w := c

	w.Socket = func(domain, typ, proto int) (int, error) {
		fd, err := c.Socket(domain, typ, proto)
		r.add(Call{Name: "socket", FD: fd})
		return fd, err
	}
	w.Bind = func(fd int, sa unix.Sockaddr) error {
		r.add(Call{Name: "bind", FD: fd, Addr: sa})
		return c.Bind(fd, sa)
	}
	w.Listen = func(fd, backlog int) error {
		r.add(Call{Name: "listen", FD: fd})
		return c.Listen(fd, backlog)
	}
	w.Connect = func(fd int, sa unix.Sockaddr) error {
		r.add(Call{Name: "connect", FD: fd, Addr: sa})
		return c.Connect(fd, sa)
	}
	w.Accept = func(fd, flags int) (int, unix.Sockaddr, error) {
		r.add(Call{Name: "accept", FD: fd})
		return c.Accept(fd, flags)
	}
	w.Getsockname = func(fd int) (unix.Sockaddr, error) {
		r.add(Call{Name: "getsockname", FD: fd})
		return c.Getsockname(fd)
	}
	w.Getpeername = func(fd int) (unix.Sockaddr, error) {
		r.add(Call{Name: "getpeername", FD: fd})
		return c.Getpeername(fd)
	}
	w.GetsockoptInt = func(fd, level, opt int) (int, error) {
		r.add(Call{Name: "getsockopt", FD: fd})
		return c.GetsockoptInt(fd, level, opt)
	}
	w.SetsockoptInt = func(fd, level, opt, value int) error {
		r.add(Call{Name: "setsockopt", FD: fd})
		return c.SetsockoptInt(fd, level, opt, value)
	}
	w.SetsockoptTimeval = func(fd, level, opt int, tv *unix.Timeval) error {
		r.add(Call{Name: "setsockopt", FD: fd})
		return c.SetsockoptTimeval(fd, level, opt, tv)
	}
	w.Dup = func(fd int) (int, error) {
		r.add(Call{Name: "dup", FD: fd})
		return c.Dup(fd)
	}
	w.Dup3 = func(oldfd, newfd, flags int) error {
		r.add(Call{Name: "dup3", FD: oldfd})
		return c.Dup3(oldfd, newfd, flags)
	}
	w.Close = func(fd int) error {
		r.add(Call{Name: "close", FD: fd})
		return c.Close(fd)
	}
	w.Getaddrinfo = func(node, service string, hints *native.AddrInfo) (*native.AddrInfo, error) {
		r.add(Call{Name: "getaddrinfo", Node: node})
		return c.Getaddrinfo(node, service, hints)
	}
	w.Freeaddrinfo = func(ai *native.AddrInfo) {
		r.add(Call{Name: "freeaddrinfo"})
		r.mu.Lock()
		r.freed = append(r.freed, ai)
		r.mu.Unlock()
		c.Freeaddrinfo(ai)
	}
	return w, r
}
