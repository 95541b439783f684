package netcat

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"tether/internal/native"
	"tether/util"
)

const listenBacklog = 16

// handleServer runs the listen (server) mode.  When the layer
// subscribes the port, connections made to it on the remote side are
// delivered here too.
func (nc *NetCat) handleServer(ctx context.Context) error {
	fd, err := nc.listen()
	if err != nil {
		return err
	}
	ln := newFDConn(nc.Layer, fd)
	defer ln.Close()

	if d, ok := nc.Layer.Descriptor(fd); ok && d.Remote() {
		nc.Logger.Verbose("listening on port %d (local and remote)", nc.Config.LocalPort)
	} else {
		nc.Logger.Verbose("listening on port %d", nc.Config.LocalPort)
	}

	// Shutting the listener down wakes a blocked accept.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			nc.Layer.Shutdown(fd, unix.SHUT_RDWR) //nolint:errcheck
		case <-stop:
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		cfd, sa, err := nc.Layer.Accept(fd, unix.SOCK_CLOEXEC)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		peer, _ := native.AddrPort(sa)
		nc.Logger.Verbose("connection from %s", peer)
		conn := newFDConn(nc.Layer, cfd)

		if !nc.Config.KeepOpen {
			return nc.serveConn(ctx, conn)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := nc.serveConn(ctx, conn); err != nil {
				nc.Logger.Warn("connection from %s: %v", peer, err)
			}
		}()
	}
}

// listen opens the listening socket on every IPv4 address.
func (nc *NetCat) listen() (int, error) {
	l := nc.Layer
	fd, err := l.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	fail := func(op string, err error) (int, error) {
		l.Close(fd)
		return -1, fmt.Errorf("%s on port %d: %w", op, nc.Config.LocalPort, err)
	}
	if err := l.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := l.Bind(fd, &unix.SockaddrInet4{Port: nc.Config.LocalPort}); err != nil {
		return fail("bind", err)
	}
	if err := l.Listen(fd, listenBacklog); err != nil {
		return fail("listen", err)
	}
	return fd, nil
}

func (nc *NetCat) serveConn(ctx context.Context, conn *fdConn) error {
	defer conn.Close()

	if err := conn.setIdleTimeout(nc.Config.Timeout); err != nil {
		return err
	}
	if nc.Config.Execute != "" || nc.Config.Command != "" {
		return nc.handleExec(ctx, conn)
	}
	return util.BidirectionalCopy(ctx, conn, nc.Stdin, nc.Stdout)
}
