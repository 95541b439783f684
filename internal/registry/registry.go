// Package registry tracks every socket descriptor the interception
// layer has observed, together with the state machine that governs what
// may legally happen to it next.
//
// The registry is shared by every goroutine of the host process and by
// the layer's background relays, so each operation is atomic with
// respect to the others.  Descriptors are handed out by value; the
// registry is the only owner of the live entries.
package registry

import (
	"fmt"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"

	lerr "tether/internal/errors"
)

// State is the lifecycle state of one descriptor.
//
//	Uninitialized -> Bound -> Listening -> Connected   (server path)
//	Uninitialized -> Connecting -> Connected           (client path)
//	Bound         -> Connecting                        (client that binds first)
//	Connecting    -> Uninitialized | Bound             (aborted connect)
//	any           -> Bypassed | Closed
//
// Closed is terminal.  Bypassed only moves to Closed.
type State int

const (
	Uninitialized State = iota
	Bound
	Listening
	Connecting
	Connected
	Bypassed
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Bound:
		return "bound"
	case Listening:
		return "listening"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Bypassed:
		return "bypassed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event drives a transition.
type Event int

const (
	EventBind Event = iota
	EventListen
	EventConnect
	EventEstablished
	EventAbort
	EventBypass
	EventClose
)

func (e Event) String() string {
	switch e {
	case EventBind:
		return "bind"
	case EventListen:
		return "listen"
	case EventConnect:
		return "connect"
	case EventEstablished:
		return "established"
	case EventAbort:
		return "abort"
	case EventBypass:
		return "bypass"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Descriptor is the metadata kept for one handle.
type Descriptor struct {
	Handle   int
	Family   int
	Type     int
	Protocol int
	State    State

	// Socket identifies the underlying socket.  Handles produced by
	// duplication share it.
	Socket uint64

	// Local is the address the caller believes the socket is bound to;
	// Peer the address it believes it is connected to.  Both are only
	// set for remote-classified sockets.
	Local netip.AddrPort
	Peer  netip.AddrPort

	// InFlight is the correlation id of a remote request currently
	// outstanding for this descriptor, zero when idle.
	InFlight uint64
}

// Remote reports whether the descriptor was redirected to the agent at
// some point (it has layer-established addresses).
func (d Descriptor) Remote() bool {
	return d.State != Bypassed && (d.Local.IsValid() || d.Peer.IsValid())
}

// next computes the state reached from cur on ev, or the errno the
// kernel would report for the nearest equivalent misuse.
func next(cur State, ev Event) (State, unix.Errno) {
	if cur == Closed {
		return cur, unix.EBADF
	}
	switch ev {
	case EventClose:
		return Closed, 0
	case EventBypass:
		return Bypassed, 0
	}
	if cur == Bypassed {
		return cur, unix.EINVAL
	}

	switch ev {
	case EventBind:
		if cur == Uninitialized {
			return Bound, 0
		}
		return cur, unix.EINVAL
	case EventListen:
		if cur == Bound {
			return Listening, 0
		}
		return cur, unix.EINVAL
	case EventConnect:
		switch cur {
		case Uninitialized, Bound:
			return Connecting, 0
		case Connecting:
			return cur, unix.EALREADY
		case Connected, Listening:
			return cur, unix.EISCONN
		}
	case EventEstablished:
		if cur == Connecting {
			return Connected, 0
		}
	case EventAbort:
		if cur == Connecting {
			return Uninitialized, 0
		}
	}
	return cur, unix.EINVAL
}

// Registry is the process-wide descriptor table.
type Registry struct {
	mu         sync.RWMutex
	entries    map[int]*Descriptor
	nextSocket uint64
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[int]*Descriptor)}
}

// Register records a freshly created socket.  A stale entry left under
// the same handle (closed behind the layer's back) is replaced.
func (r *Registry) Register(handle, family, typ, proto int) Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSocket++
	d := &Descriptor{
		Handle:   handle,
		Family:   family,
		Type:     typ,
		Protocol: proto,
		State:    Uninitialized,
		Socket:   r.nextSocket,
	}
	r.entries[handle] = d
	return *d
}

// Check reports the state ev would move handle to without applying it.
func (r *Registry) Check(handle int, ev Event) (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.entries[handle]
	if !ok {
		return Closed, lerr.InvalidState(ev.String(), unix.EBADF)
	}
	to, errno := next(d.State, ev)
	if errno != 0 {
		return d.State, lerr.InvalidState(ev.String(), errno)
	}
	return to, nil
}

// Transition applies ev to handle and every duplicate of it.  Illegal
// transitions leave the state unchanged and return an ErrInvalidState
// LayerError.
func (r *Registry) Transition(handle int, ev Event) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.entries[handle]
	if !ok {
		return Closed, lerr.InvalidState(ev.String(), unix.EBADF)
	}
	to, errno := next(d.State, ev)
	if errno != 0 {
		return d.State, lerr.InvalidState(ev.String(), errno)
	}
	d.State = to
	if to == Bypassed || to == Closed {
		d.InFlight = 0
	}
	if ev == EventAbort {
		d.InFlight = 0
		d.Peer = netip.AddrPort{}
		if d.Local.IsValid() {
			d.State = Bound
		}
	}
	r.share(d)
	return d.State, nil
}

// Lookup returns a copy of the entry for handle.
func (r *Registry) Lookup(handle int) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.entries[handle]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// Update mutates the address and in-flight metadata of handle and its
// duplicates.  The state field cannot be changed through Update.
func (r *Registry) Update(handle int, fn func(d *Descriptor)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.entries[handle]
	if !ok {
		return false
	}
	state, sock := d.State, d.Socket
	fn(d)
	d.Handle, d.State, d.Socket = handle, state, sock
	r.share(d)
	return true
}

// share copies the socket-level fields of d to every other handle of
// the same socket.  Callers hold r.mu.
func (r *Registry) share(d *Descriptor) {
	for _, other := range r.entries {
		if other == d || other.Socket != d.Socket {
			continue
		}
		other.State = d.State
		other.Local = d.Local
		other.Peer = d.Peer
		other.InFlight = d.InFlight
	}
}

// HandleOf returns some live handle of socket, preferring want.
func (r *Registry) HandleOf(socket uint64, want int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.entries[want]; ok && d.Socket == socket {
		return want, true
	}
	for h, d := range r.entries {
		if d.Socket == socket {
			return h, true
		}
	}
	return 0, false
}

// Duplicate copies the entry of oldHandle to newHandle, replacing
// whatever newHandle held.  Both handles share the socket identity.
func (r *Registry) Duplicate(oldHandle, newHandle int) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.entries[oldHandle]
	if !ok {
		return Descriptor{}, false
	}
	dup := *d
	dup.Handle = newHandle
	r.entries[newHandle] = &dup
	return dup, true
}

// Remove deletes handle and reports whether it was the last handle
// referring to its socket.
func (r *Registry) Remove(handle int) (d Descriptor, last, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[handle]
	if !ok {
		return Descriptor{}, false, false
	}
	delete(r.entries, handle)
	d = *e
	d.State = Closed

	last = true
	for _, other := range r.entries {
		if other.Socket == d.Socket {
			last = false
			break
		}
	}
	return d, last, true
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
