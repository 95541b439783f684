package layer

import (
	"context"
	"unsafe"

	"golang.org/x/sys/unix"

	"tether/internal/alloc"
	lerr "tether/internal/errors"
	"tether/internal/native"
	"tether/internal/policy"
)

// Getaddrinfo resolves node.  Names routed to the agent produce a
// result list laid out like the system resolver's; the list and every
// structure it owns are tracked so Freeaddrinfo can tell them apart.
func (l *Layer) Getaddrinfo(node, service string, hints *native.AddrInfo) (*native.AddrInfo, error) {
	switch l.decide(policy.Call{Kind: policy.CallResolve, Node: node}) {
	case policy.Deny:
		return nil, native.EAIFail
	case policy.Local:
		return l.calls.Getaddrinfo(node, service, hints)
	}

	port, err := native.ServicePort(service, hints)
	if err != nil {
		return nil, err
	}
	addrs, err := l.bridge.Resolve(context.Background(), node)
	if err != nil {
		if l.sessionClosed(err) {
			l.fallback(err)
			return l.calls.Getaddrinfo(node, service, hints)
		}
		l.log.Debug("resolve %q via agent: %v", node, err)
		return nil, resolveStatus(err)
	}

	ai, err := native.Build(addrs, port, hints, node)
	if err != nil {
		return nil, err
	}
	l.track(ai)
	l.log.Debug("resolve %q via agent: %d addresses", node, len(addrs))
	return ai, nil
}

// Freeaddrinfo releases a list.  Lists this layer fabricated are
// released through the tracker; anything else goes to the original.
func (l *Layer) Freeaddrinfo(ai *native.AddrInfo) {
	if ai == nil {
		return
	}
	if err := l.allocs.Release(unsafe.Pointer(ai)); err == nil {
		return
	}
	l.calls.Freeaddrinfo(ai)
}

// Fabricated reports whether ai is a live list produced by the layer.
func (l *Layer) Fabricated(ai *native.AddrInfo) bool {
	return l.allocs.IsTracked(unsafe.Pointer(ai))
}

// track registers every node tail first, so that releasing the head
// releases the following node before the head's own address and name.
func (l *Layer) track(ai *native.AddrInfo) {
	nodes := ai.Nodes()
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		l.allocs.Track(unsafe.Pointer(n.Addr), alloc.KindSockaddr)
		if n.CanonName != nil {
			l.allocs.Track(unsafe.Pointer(n.CanonName), alloc.KindCanonName)
		}
		l.allocs.Track(unsafe.Pointer(n), alloc.KindAddrInfo,
			unsafe.Pointer(n.Addr), unsafe.Pointer(n.CanonName), unsafe.Pointer(n.Next))
	}
}

func resolveStatus(err error) native.AddrInfoError {
	switch {
	case lerr.Is(err, lerr.ErrRemoteTimeout):
		return native.EAIAgain
	case lerr.Is(err, lerr.ErrPolicyDenied):
		return native.EAIFail
	}
	var errno unix.Errno
	if lerr.As(err, &errno) {
		return native.EAINoName
	}
	return native.EAIFail
}
