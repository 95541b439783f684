// Package alloc records which structures handed back to the host were
// fabricated by the layer, so the matching deallocation call can tell
// them apart from structures produced by the original function.
//
// Bookkeeping lives in a side table keyed by pointer identity; the
// structures themselves keep exactly the layout the native API
// contract expects.  Holding the pointer in the table also keeps the
// structure reachable until it is released.
package alloc

import (
	"fmt"
	"sync"
	"unsafe"

	lerr "tether/internal/errors"
)

// Kind names the type of a tracked structure.
type Kind int

const (
	KindAddrInfo Kind = iota + 1
	KindSockaddr
	KindCanonName
)

func (k Kind) String() string {
	switch k {
	case KindAddrInfo:
		return "addrinfo"
	case KindSockaddr:
		return "sockaddr"
	case KindCanonName:
		return "canonname"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type entry struct {
	kind     Kind
	children []unsafe.Pointer // in registration order
	owned    bool             // true once some parent lists it as a child
}

// Tracker is the managed-allocation side table.
type Tracker struct {
	mu      sync.RWMutex
	entries map[unsafe.Pointer]*entry

	// OnRelease, when set, observes every pointer as it is released.
	// It runs under the tracker lock.
	OnRelease func(ptr unsafe.Pointer, kind Kind)
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[unsafe.Pointer]*entry)}
}

// Track records ptr as layer-owned.  children are nested structures
// ptr owns; they are released with it, last registered first.
// Children are tracked implicitly if they are not already.
func (t *Tracker) Track(ptr unsafe.Pointer, kind Kind, children ...unsafe.Pointer) {
	if ptr == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[ptr]
	if !ok {
		e = &entry{kind: kind}
		t.entries[ptr] = e
	}
	e.kind = kind
	for _, c := range children {
		if c == nil {
			continue
		}
		ce, ok := t.entries[c]
		if !ok {
			ce = &entry{}
			t.entries[c] = ce
		}
		ce.owned = true
		e.children = append(e.children, c)
	}
}

// IsTracked reports whether ptr is a live layer allocation.
func (t *Tracker) IsTracked(ptr unsafe.Pointer) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[ptr]
	return ok
}

// Release frees ptr and, recursively, every child it owns.  Releasing
// an unknown or already released pointer returns ErrUnknownAllocation
// and touches nothing.
func (t *Tracker) Release(ptr unsafe.Pointer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[ptr]; !ok {
		return lerr.Layer(lerr.ErrUnknownAllocation, "release", fmt.Errorf("pointer %p", ptr))
	}
	t.release(ptr)
	return nil
}

func (t *Tracker) release(ptr unsafe.Pointer) {
	e, ok := t.entries[ptr]
	if !ok {
		return
	}
	// Remove first so a cycle through Next pointers cannot recurse forever.
	delete(t.entries, ptr)
	for i := len(e.children) - 1; i >= 0; i-- {
		t.release(e.children[i])
	}
	if t.OnRelease != nil {
		t.OnRelease(ptr, e.kind)
	}
}

// Len returns the number of live tracked pointers, children included.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
