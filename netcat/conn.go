package netcat

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	ncerr "tether/internal/errors"
	"tether/internal/native"
	"tether/layer"
	"tether/util"
)

// fdConn is a blocking socket owned by the layer.  It satisfies
// io.ReadWriteCloser and supports half-close.
type fdConn struct {
	l      *layer.Layer
	fd     int
	closed atomic.Bool
	once   sync.Once
	err    error
}

func newFDConn(l *layer.Layer, fd int) *fdConn { return &fdConn{l: l, fd: fd} }

func (c *fdConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	for {
		n, err := c.l.Read(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, fmt.Errorf("read: %w", ncerr.ErrTimeout)
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	written := 0
	for written < len(p) {
		n, err := c.l.Write(c.fd, p[written:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// CloseWrite half-closes the connection.
func (c *fdConn) CloseWrite() error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	return c.l.Shutdown(c.fd, unix.SHUT_WR)
}

// CloseRead ends the read side; a blocked Read returns io.EOF.
func (c *fdConn) CloseRead() error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	return c.l.Shutdown(c.fd, unix.SHUT_RD)
}

// Close wakes any blocked reader and releases the descriptor.  Only
// the first call has an effect.
func (c *fdConn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.l.Shutdown(c.fd, unix.SHUT_RDWR) //nolint:errcheck
		c.err = c.l.Close(c.fd)
	})
	return c.err
}

// setIdleTimeout bounds every blocking read.  Zero leaves reads
// unbounded.
func (c *fdConn) setIdleTimeout(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return c.l.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

// ── Dialling ─────────────────────────────────────────────────────────

// dial resolves host through the layer and connects to the first
// address that answers.
func (nc *NetCat) dial(ctx context.Context, network, host string, port int) (*fdConn, error) {
	addr := util.FormatAddr(host, port)
	hints := &native.AddrInfo{SockType: unix.SOCK_STREAM}
	if network == "udp" {
		hints.SockType = unix.SOCK_DGRAM
	}
	if nc.Config.NoDNS {
		hints.Flags |= native.AINumericHost
	}

	ai, err := nc.Layer.Getaddrinfo(host, strconv.Itoa(port), hints)
	if err != nil {
		return nil, ncerr.Wrap("resolve", addr, err)
	}
	defer nc.Layer.Freeaddrinfo(ai)

	var lastErr error
	for _, n := range ai.Nodes() {
		if n.Addr == nil {
			continue
		}
		c, err := nc.connect(ctx, n)
		if err == nil {
			return c, nil
		}
		nc.Logger.Debug("connect %s: %v", *n.Addr, err)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = native.EAINoName
	}
	return nil, ncerr.Wrap("dial", addr, lastErr)
}

// connect opens one socket for n and connects it, honouring the
// configured timeout for connections the kernel completes.  The
// returned connection is in blocking mode.
func (nc *NetCat) connect(ctx context.Context, n *native.AddrInfo) (*fdConn, error) {
	l := nc.Layer
	fd, err := l.Socket(n.Family, n.SockType|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, n.Protocol)
	if err != nil {
		return nil, err
	}
	c := newFDConn(l, fd)

	if nc.Config.LocalPort > 0 {
		if err := nc.bindSource(fd, n.Family); err != nil {
			c.Close()
			return nil, err
		}
	}

	err = l.Connect(fd, native.Sockaddr(*n.Addr, n.Family))
	if err == unix.EINPROGRESS {
		err = nc.awaitConnect(ctx, fd)
	}
	if err == nil {
		err = unix.SetNonblock(fd, false)
	}
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (nc *NetCat) bindSource(fd, family int) error {
	if err := nc.Layer.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	var sa unix.Sockaddr = &unix.SockaddrInet4{Port: nc.Config.LocalPort}
	if family == unix.AF_INET6 {
		sa = &unix.SockaddrInet6{Port: nc.Config.LocalPort}
	}
	return nc.Layer.Bind(fd, sa)
}

// awaitConnect waits for a nonblocking connect to finish and returns
// its outcome.
func (nc *NetCat) awaitConnect(ctx context.Context, fd int) error {
	var deadline time.Time
	if nc.Config.Timeout > 0 {
		deadline = time.Now().Add(nc.Config.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := pollSlice
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return ncerr.ErrTimeout
			}
			if left < wait {
				wait = left
			}
		}
		n, err := unix.Poll(pfd, int(wait.Milliseconds())+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			break
		}
	}

	soErr, err := nc.Layer.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// pollSlice bounds a single poll so cancellation is noticed promptly.
const pollSlice = 100 * time.Millisecond
