package layer

import (
	"context"
	"net/netip"

	"golang.org/x/sys/unix"

	"tether/internal/bridge"
	"tether/internal/native"
	"tether/internal/policy"
	"tether/internal/registry"
)

// ── Creation ─────────────────────────────────────────────────────────

// Socket creates a socket and registers it.  Only IPv4 and IPv6
// sockets are candidates for redirection; others start Bypassed.
func (l *Layer) Socket(domain, typ, proto int) (int, error) {
	fd, err := l.calls.Socket(domain, typ, proto)
	if err != nil {
		return fd, err
	}
	l.reg.Register(fd, domain, native.BaseType(typ), proto)
	if domain != unix.AF_INET && domain != unix.AF_INET6 {
		l.reg.Transition(fd, registry.EventBypass) //nolint:errcheck
	}
	return fd, nil
}

// ── Incoming ─────────────────────────────────────────────────────────

// Bind binds fd.  A bind to a subscribed port is held on a loopback
// ephemeral port while the caller keeps seeing the address it asked
// for.
func (l *Layer) Bind(fd int, sa unix.Sockaddr) error {
	d, ok := l.reg.Lookup(fd)
	ap, inet := native.AddrPort(sa)
	if !ok || !inet || d.State == registry.Bypassed {
		return l.calls.Bind(fd, sa)
	}

	switch l.decide(policy.Call{Kind: policy.CallBind, Addr: ap, Protocol: protocolOf(d)}) {
	case policy.Deny:
		return unix.EACCES
	case policy.Remote:
		if _, err := l.reg.Check(fd, registry.EventBind); err != nil {
			return toErrno(err)
		}
		hold := netip.AddrPortFrom(native.Loopback(d.Family), 0)
		if err := l.calls.Bind(fd, native.Sockaddr(hold, d.Family)); err != nil {
			return err
		}
		l.reg.Transition(fd, registry.EventBind) //nolint:errcheck
		l.reg.Update(fd, func(d *registry.Descriptor) { d.Local = ap })
		l.log.Debug("bind fd=%d %s held on loopback for the remote port", fd, ap)
		return nil
	}

	if err := l.calls.Bind(fd, sa); err != nil {
		return err
	}
	if _, err := l.reg.Transition(fd, registry.EventBind); err != nil {
		l.log.Debug("bind fd=%d: kernel accepted what the registry did not: %v", fd, err)
	}
	return nil
}

// Listen starts listening.  On a socket bound to a subscribed port it
// also subscribes the remote port, delivering remote connections to
// the loopback socket.
func (l *Layer) Listen(fd, backlog int) error {
	d, ok := l.reg.Lookup(fd)
	if !ok || d.State == registry.Bypassed || !d.Local.IsValid() {
		err := l.calls.Listen(fd, backlog)
		if err == nil && ok {
			if d.State == registry.Uninitialized {
				// The kernel bound an ephemeral port.
				l.reg.Transition(fd, registry.EventBind) //nolint:errcheck
			}
			l.reg.Transition(fd, registry.EventListen) //nolint:errcheck
		}
		return err
	}

	if _, err := l.reg.Check(fd, registry.EventListen); err != nil {
		return toErrno(err)
	}
	switch l.decide(policy.Call{Kind: policy.CallListen, Addr: d.Local, Protocol: protocolOf(d)}) {
	case policy.Deny:
		return unix.EACCES
	case policy.Local:
		// The socket is held on loopback and the requested port was
		// never bound; listening now would expose the wrong address.
		l.log.Debug("listen fd=%d %s: no agent session for the held bind", fd, d.Local)
		return unix.EADDRINUSE
	}
	if err := l.calls.Listen(fd, backlog); err != nil {
		return err
	}
	l.reg.Transition(fd, registry.EventListen) //nolint:errcheck

	sa, err := l.calls.Getsockname(fd)
	if err != nil {
		return err
	}
	target, _ := native.AddrPort(sa)
	target = netip.AddrPortFrom(target.Addr().Unmap(), target.Port())

	err = l.bridge.Subscribe(context.Background(), d.Socket, d.Local.Port(), target, l.filters.Incoming)
	switch {
	case err == nil:
		l.log.Verbose("listening fd=%d on remote port %d", fd, d.Local.Port())
		return nil
	case l.sessionClosed(err):
		l.fallback(err)
		return unix.EADDRINUSE
	}
	return toErrno(err)
}

// Accept accepts a connection.  Connections the bridge delivered on a
// subscribed listener report the remote client as their peer.
func (l *Layer) Accept(fd, flags int) (int, unix.Sockaddr, error) {
	nfd, sa, err := l.calls.Accept(fd, flags)
	if err != nil {
		return nfd, sa, err
	}

	d, ok := l.reg.Lookup(fd)
	if !ok {
		return nfd, sa, nil
	}
	nd := l.reg.Register(nfd, d.Family, d.Type, d.Protocol)

	ap, inet := native.AddrPort(sa)
	if !inet || d.State != registry.Listening || !d.Local.IsValid() || l.bridge == nil {
		l.reg.Transition(nfd, registry.EventBypass) //nolint:errcheck
		return nfd, sa, nil
	}
	in, found := l.bridge.Accepted(context.Background(), ap, nd.Socket)
	if !found {
		l.reg.Transition(nfd, registry.EventBypass) //nolint:errcheck
		return nfd, sa, nil
	}

	l.reg.Transition(nfd, registry.EventConnect)     //nolint:errcheck
	l.reg.Transition(nfd, registry.EventEstablished) //nolint:errcheck
	l.reg.Update(nfd, func(nd *registry.Descriptor) {
		nd.Local = in.Local
		nd.Peer = in.Peer
	})
	l.log.Debug("accept fd=%d -> fd=%d remote peer %s", fd, nfd, in.Peer)
	if peer := native.Sockaddr(in.Peer, d.Family); peer != nil {
		return nfd, peer, nil
	}
	return nfd, sa, nil
}

// ── Outgoing ─────────────────────────────────────────────────────────

// Connect connects fd.  A remote connect blocks until the agent has
// opened the stream and the relay is attached, whatever the socket's
// blocking mode.
func (l *Layer) Connect(fd int, sa unix.Sockaddr) error {
	d, ok := l.reg.Lookup(fd)
	ap, inet := native.AddrPort(sa)
	if !ok || !inet || d.State == registry.Bypassed {
		return l.calls.Connect(fd, sa)
	}

	decision := l.decide(policy.Call{Kind: policy.CallConnect, Addr: ap, Protocol: protocolOf(d)})
	if decision == policy.Remote && d.Type != unix.SOCK_STREAM {
		l.log.Debug("connect fd=%d %s: datagram sockets are not relayed, running locally", fd, ap)
		decision = policy.Local
	}
	switch decision {
	case policy.Deny:
		return unix.EACCES
	case policy.Local:
		return l.connectLocal(fd, sa)
	}

	if _, err := l.reg.Transition(fd, registry.EventConnect); err != nil {
		return toErrno(err)
	}
	id := l.bridge.NewID()
	l.reg.Update(fd, func(d *registry.Descriptor) {
		d.InFlight = id
		d.Peer = ap
	})

	relay, err := l.bridge.Connect(context.Background(),
		bridge.Outgoing{ID: id, Owner: d.Socket, Network: "tcp", Addr: ap},
		func(lb netip.AddrPort) (netip.AddrPort, error) {
			h, ok := l.reg.HandleOf(d.Socket, fd)
			if !ok {
				return netip.AddrPort{}, unix.EBADF
			}
			err := l.calls.Connect(h, native.Sockaddr(lb, d.Family))
			if err != nil && err != unix.EINPROGRESS {
				return netip.AddrPort{}, err
			}
			sa, err := l.calls.Getsockname(h)
			if err != nil {
				return netip.AddrPort{}, err
			}
			src, _ := native.AddrPort(sa)
			return src, nil
		})

	// A duplicate may have outlived fd; the socket is what matters.
	h, live := l.reg.HandleOf(d.Socket, fd)
	if !live {
		// Every handle was closed while the request was in flight.
		if relay != nil {
			l.bridge.CloseOwner(d.Socket)
		}
		return unix.EBADF
	}
	if err != nil {
		l.reg.Transition(h, registry.EventAbort) //nolint:errcheck
		if l.sessionClosed(err) {
			l.fallback(err)
			return l.connectLocal(h, sa)
		}
		l.log.Debug("connect fd=%d %s: %v", fd, ap, err)
		return toErrno(err)
	}

	l.reg.Transition(h, registry.EventEstablished) //nolint:errcheck
	l.reg.Update(h, func(d *registry.Descriptor) {
		d.InFlight = 0
		if !d.Local.IsValid() {
			d.Local = relay.Local
		}
	})
	l.log.Verbose("connect fd=%d %s via agent (conn %d)", fd, ap, relay.ID)
	return nil
}

func (l *Layer) connectLocal(fd int, sa unix.Sockaddr) error {
	l.reg.Transition(fd, registry.EventBypass) //nolint:errcheck
	return l.calls.Connect(fd, sa)
}

// ── Addresses ────────────────────────────────────────────────────────

// Getsockname reports the address the caller believes fd is bound to.
func (l *Layer) Getsockname(fd int) (unix.Sockaddr, error) {
	if d, ok := l.reg.Lookup(fd); ok && d.State != registry.Bypassed && d.Local.IsValid() {
		if sa := native.Sockaddr(d.Local, d.Family); sa != nil {
			return sa, nil
		}
	}
	return l.calls.Getsockname(fd)
}

// Getpeername reports the remote peer of a redirected connection.
func (l *Layer) Getpeername(fd int) (unix.Sockaddr, error) {
	if d, ok := l.reg.Lookup(fd); ok && d.State == registry.Connected && d.Peer.IsValid() {
		if sa := native.Sockaddr(d.Peer, d.Family); sa != nil {
			return sa, nil
		}
	}
	return l.calls.Getpeername(fd)
}

// ── Duplication and teardown ─────────────────────────────────────────

// Dup duplicates fd; the new handle shares the registry entry's
// socket identity.
func (l *Layer) Dup(fd int) (int, error) {
	nfd, err := l.calls.Dup(fd)
	if err != nil {
		return nfd, err
	}
	l.reg.Duplicate(fd, nfd)
	return nfd, nil
}

// Dup3 duplicates oldfd onto newfd, implicitly closing newfd first.
func (l *Layer) Dup3(oldfd, newfd, flags int) error {
	if err := l.calls.Dup3(oldfd, newfd, flags); err != nil {
		return err
	}
	if oldfd == newfd {
		return nil
	}
	l.release(newfd)
	l.reg.Duplicate(oldfd, newfd)
	return nil
}

// Close closes fd.  Closing the last handle of a socket cancels its
// in-flight remote request and tears down its relays and
// subscriptions; duplicates keep all of that alive.
func (l *Layer) Close(fd int) error {
	l.release(fd)
	return l.calls.Close(fd)
}

func (l *Layer) release(fd int) {
	d, last, ok := l.reg.Remove(fd)
	if !ok || !last || l.bridge == nil {
		return
	}
	if d.InFlight != 0 {
		l.bridge.Cancel(d.InFlight)
	}
	if d.Local.IsValid() || d.Peer.IsValid() {
		l.bridge.CloseOwner(d.Socket)
		l.log.Debug("fd=%d closed, remote resources released", fd)
	}
}

// Descriptor returns the registry entry for fd.
func (l *Layer) Descriptor(fd int) (registry.Descriptor, bool) {
	return l.reg.Lookup(fd)
}

// ── Options and data plane ───────────────────────────────────────────

// GetsockoptInt answers type, domain, protocol and listening queries
// for redirected sockets from the registry; everything else goes to
// the original.
func (l *Layer) GetsockoptInt(fd, level, opt int) (int, error) {
	d, ok := l.reg.Lookup(fd)
	if !ok || level != unix.SOL_SOCKET || !d.Remote() {
		return l.calls.GetsockoptInt(fd, level, opt)
	}
	switch opt {
	case unix.SO_TYPE:
		return d.Type, nil
	case unix.SO_DOMAIN:
		return d.Family, nil
	case unix.SO_PROTOCOL:
		if d.Protocol != 0 {
			return d.Protocol, nil
		}
		if d.Type == unix.SOCK_DGRAM {
			return unix.IPPROTO_UDP, nil
		}
		return unix.IPPROTO_TCP, nil
	case unix.SO_ACCEPTCONN:
		if d.State == registry.Listening {
			return 1, nil
		}
		return 0, nil
	}
	return l.calls.GetsockoptInt(fd, level, opt)
}

// SetsockoptInt is forwarded unchanged.
func (l *Layer) SetsockoptInt(fd, level, opt, value int) error {
	return l.calls.SetsockoptInt(fd, level, opt, value)
}

// SetsockoptTimeval is forwarded unchanged.
func (l *Layer) SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	return l.calls.SetsockoptTimeval(fd, level, opt, tv)
}

// Read is forwarded unchanged.
func (l *Layer) Read(fd int, p []byte) (int, error) { return l.calls.Read(fd, p) }

// Write is forwarded unchanged.
func (l *Layer) Write(fd int, p []byte) (int, error) { return l.calls.Write(fd, p) }

// Shutdown is forwarded unchanged.
func (l *Layer) Shutdown(fd, how int) error { return l.calls.Shutdown(fd, how) }
