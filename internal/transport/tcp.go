package transport

import (
	"context"
	"net"
	"time"

	ncerr "tether/internal/errors"
)

// TCPDialer reaches the agent directly over TCP.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration // 0 = Go default, negative disables
}

// Dial connects to the agent at address.  The session stream is made
// of small frames, so Nagle stays off.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, ncerr.Wrap("dial", address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true) //nolint:errcheck
	}
	return conn, nil
}

// Close is a no-op; the dialer holds no state.
func (d *TCPDialer) Close() error { return nil }
