// Package transport opens the session channel to the agent.  The
// channel is a plain TCP connection or one forwarded through an SSH
// gateway; either way the bridge only sees an ordered byte stream.
package transport

import (
	"context"
	"errors"
	"net"

	"golang.org/x/sys/unix"

	ncerr "tether/internal/errors"
	"tether/internal/retry"
	"tether/util"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}

// Open connects to the agent at addr through d.  Refused connections
// and timeouts are retried with b; anything else fails at once.  A nil
// b uses retry.DefaultBackoff.
func Open(ctx context.Context, d Dialer, addr string, b *retry.Backoff, logger *util.Logger) (net.Conn, error) {
	if b == nil {
		b = retry.DefaultBackoff()
	}
	var conn net.Conn
	err := b.Do(ctx, func(attempt int) error {
		c, err := d.Dial(ctx, "tcp", addr)
		if err != nil {
			if !transient(err) {
				return retry.Permanent(err)
			}
			logger.Verbose("agent %s: attempt %d failed: %v", addr, attempt, err)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, ncerr.Wrap("open", addr, err)
	}
	logger.Verbose("agent session open: %s -> %s", conn.LocalAddr(), conn.RemoteAddr())
	return conn, nil
}

// transient reports whether dialling the agent again may succeed: the
// agent may still be starting, or the network may be briefly slow.
func transient(err error) bool {
	return ncerr.IsRetryable(err) ||
		errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.ECONNRESET)
}
