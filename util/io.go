package util

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultBufSize is the standard buffer size for network I/O (32 KiB).
const DefaultBufSize = 32 * 1024

// closeWriter is implemented by connections that support half-close.
type closeWriter interface {
	CloseWrite() error
}

// BidirectionalCopy shuffles data between a connection and an
// arbitrary reader/writer pair (typically stdin/stdout) until the
// connection reaches EOF or the context is cancelled.
//
// When r is exhausted the connection's write side is half-closed if it
// supports CloseWrite, and the copy keeps draining the peer.  Once the
// peer side ends, the connection is closed and any read still blocked
// on r is abandoned.
func BidirectionalCopy(ctx context.Context, conn io.ReadWriteCloser, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		firstErr error
	)
	record := func(err error) {
		if err == nil || isHarmless(err) {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	// conn → writer
	inbound := make(chan struct{})
	go func() {
		defer close(inbound)
		record(copyPooled(w, conn))
		cancel()
	}()

	// reader → conn
	go func() {
		err := copyPooled(conn, r)
		if cw, ok := conn.(closeWriter); ok {
			cw.CloseWrite() //nolint:errcheck
		}
		record(err)
		// A clean EOF from the reader must not tear the connection
		// down before the peer finishes sending.
		if err != nil {
			cancel()
		}
	}()

	<-ctx.Done()
	conn.Close() // unblock any pending reads/writes
	<-inbound

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

func copyPooled(dst io.Writer, src io.Reader) error {
	buf := GetBuf()
	defer PutBuf(buf)
	_, err := io.CopyBuffer(dst, src, *buf)
	return err
}

// isHarmless returns true for errors that are expected during shutdown:
// EOF, use of a closed connection, and the peer resetting or going away.
func isHarmless(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.EBADF)
}
