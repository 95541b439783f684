package bridge

import (
	"net"
	"net/netip"
	"sync"

	"tether/internal/proto"
	"tether/util"
)

// RelayState is the lifecycle of a relay.
type RelayState int32

const (
	RelayActive RelayState = iota
	// RelayDraining: the remote side closed; queued data is still being
	// written to the local end, which is then reset.
	RelayDraining
	RelayClosed
)

func (s RelayState) String() string {
	switch s {
	case RelayActive:
		return "active"
	case RelayDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Relay pumps bytes between a local loopback socket and one remote
// stream.
type Relay struct {
	b *Bridge

	// ID is the agent's connection id.
	ID uint64
	// Local and Peer are the remote stream's endpoints as the agent
	// sees them.
	Local netip.AddrPort
	Peer  netip.AddrPort

	mirror bool

	mu    sync.Mutex
	owner uint64
	conn  net.Conn
	state RelayState

	in       *queue
	done     chan struct{}
	doneOnce sync.Once
}

func newRelay(b *Bridge, id, owner uint64, mirror bool) *Relay {
	return &Relay{
		b:      b,
		ID:     id,
		owner:  owner,
		mirror: mirror,
		in:     newQueue(),
		done:   make(chan struct{}),
	}
}

// Owner returns the socket identity the relay belongs to.
func (r *Relay) Owner() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

func (r *Relay) setOwner(owner uint64) {
	r.mu.Lock()
	r.owner = owner
	r.mu.Unlock()
}

// State returns the current lifecycle state.
func (r *Relay) State() RelayState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the relay has released its local socket.
func (r *Relay) Done() <-chan struct{} { return r.done }

// start attaches the local end and launches both pumps.
func (r *Relay) start(c net.Conn) {
	r.mu.Lock()
	if r.state == RelayClosed {
		r.mu.Unlock()
		c.Close()
		return
	}
	r.conn = c
	r.mu.Unlock()

	go r.pumpToLocal(c)
	go r.pumpToRemote(c)
}

// pumpToLocal writes queued remote data to the local end in arrival
// order.  When the queue closes because the remote side went away, the
// local end is reset.
func (r *Relay) pumpToLocal(c net.Conn) {
	for {
		p, ok := r.in.pop()
		if !ok {
			break
		}
		if _, err := c.Write(p); err != nil {
			if r.State() == RelayDraining {
				r.reset()
				return
			}
			r.localGone()
			return
		}
		r.b.metrics.BytesFromRemote(int64(len(p)))
	}
	if r.State() == RelayDraining {
		r.reset()
	}
}

// pumpToRemote forwards what the local end writes.  In mirror mode the
// bytes are read and discarded.
func (r *Relay) pumpToRemote(c net.Conn) {
	buf := util.GetBuf()
	defer util.PutBuf(buf)
	for {
		n, err := c.Read(*buf)
		if n > 0 && !r.mirror {
			payload := append([]byte(nil), (*buf)[:n]...)
			if r.b.send(&proto.Message{Kind: proto.KindData, Connection: r.ID, Payload: payload}) != nil {
				r.sessionGone()
				return
			}
			r.b.metrics.BytesToRemote(int64(n))
		}
		if err != nil {
			r.localGone()
			return
		}
	}
}

func (r *Relay) deliverRemote(p []byte) {
	r.in.push(p)
}

// remoteClosed handles a Close frame from the agent.
func (r *Relay) remoteClosed() {
	r.mu.Lock()
	if r.state != RelayActive {
		r.mu.Unlock()
		return
	}
	r.state = RelayDraining
	r.mu.Unlock()
	r.b.log.Debug("relay %d: remote closed, draining", r.ID)
	r.in.close()
}

// localGone handles EOF or an error on the local end.  A draining
// relay is left to pumpToLocal, which resets it once the queue ends.
func (r *Relay) localGone() {
	r.mu.Lock()
	if r.state != RelayActive {
		r.mu.Unlock()
		return
	}
	r.state = RelayClosed
	c := r.conn
	r.mu.Unlock()

	r.b.send(&proto.Message{Kind: proto.KindClose, Connection: r.ID}) //nolint:errcheck
	r.in.drop()
	if c != nil {
		c.Close()
	}
	r.b.log.Debug("relay %d: local end closed", r.ID)
	r.finish()
}

// reset aborts the local end so its peer sees ECONNRESET.
func (r *Relay) reset() {
	r.mu.Lock()
	r.state = RelayClosed
	c := r.conn
	r.mu.Unlock()

	r.in.drop()
	if c != nil {
		abort(c)
	}
	r.b.log.Debug("relay %d: local end reset", r.ID)
	r.finish()
}

// teardown closes the relay from the host side: the owning socket was
// closed or the relay could not be attached.
func (r *Relay) teardown() {
	r.mu.Lock()
	if r.state == RelayClosed {
		r.mu.Unlock()
		return
	}
	notify := r.state == RelayActive
	r.state = RelayClosed
	c := r.conn
	r.mu.Unlock()

	if notify {
		r.b.send(&proto.Message{Kind: proto.KindClose, Connection: r.ID}) //nolint:errcheck
	}
	r.in.drop()
	if c != nil {
		c.Close()
	}
	r.finish()
}

// sessionGone resets the relay because the whole session ended.
func (r *Relay) sessionGone() {
	r.mu.Lock()
	if r.state == RelayClosed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.reset()
}

func (r *Relay) finish() {
	r.doneOnce.Do(func() {
		r.b.dropRelay(r)
		close(r.done)
	})
}

func abort(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetLinger(0) //nolint:errcheck
	}
	c.Close()
}

// ── Inbound queue ────────────────────────────────────────────────────

// queue is an unbounded FIFO of payloads.  The reader goroutine must
// never block on a slow local consumer, so pushes always succeed.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  [][]byte
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(p []byte) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, p)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// pop blocks for the next payload; false once closed and empty.
func (q *queue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p, true
}

// close stops accepting pushes; queued items can still be popped.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// drop closes the queue and discards what it holds.
func (q *queue) drop() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}
