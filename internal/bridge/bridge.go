// Package bridge adapts blocking socket calls to the asynchronous agent
// session.
//
// One writer goroutine and one reader goroutine own the session
// stream.  Callers park on a one-shot completion slot keyed by a
// correlation id; the reader fulfils slots in whatever order responses
// arrive.  Byte streams (outgoing connects and mirrored or stolen
// incoming connections) are carried by [Relay]s that pump between a
// local loopback socket and Data frames.
//
// When the session ends, for whatever reason, every pending request
// fails with ErrRemoteSessionClosed, every relay is reset, and the
// bridge stays closed.
package bridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	lerr "tether/internal/errors"
	"tether/internal/metrics"
	"tether/internal/policy"
	"tether/internal/proto"
	"tether/internal/retry"
	"tether/util"
)

// Defaults for zero Options fields.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultDialTimeout  = 5 * time.Second
	outboundQueue       = 256
	maxMissedPongs      = 2
)

var errLocalClose = lerr.New("closed locally")

// Options tunes a Bridge.
type Options struct {
	// Timeout bounds the wait for each response.
	Timeout time.Duration
	// WriteTimeout is the per-frame write deadline, applied when the
	// session supports deadlines.  Frames that time out are retried.
	WriteTimeout time.Duration
	// DialTimeout bounds local loopback accepts and dials done for
	// relays.
	DialTimeout time.Duration
	// KeepAlive is the ping interval; zero disables pings.
	KeepAlive time.Duration

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Pending is an outstanding request.
type Pending struct {
	ID   uint64
	Kind proto.Kind

	// onResponse runs on the reader goroutine before the caller is
	// woken, so state the response creates exists before any frame
	// that follows it is processed.
	onResponse func(*proto.Message)
	done       chan result
}

type result struct {
	msg *proto.Message
	err error
}

type subscription struct {
	port   uint16
	target netip.AddrPort
	owner  uint64
	mode   policy.IncomingMode
}

// Incoming describes a remote connection delivered to a local listener.
type Incoming struct {
	Connection uint64
	Port       uint16
	// Peer is the remote client; Local the address it connected to.
	Peer  netip.AddrPort
	Local netip.AddrPort
}

type incomingSlot struct {
	info  Incoming
	relay *Relay
}

// Bridge multiplexes requests and relays over one agent session.
type Bridge struct {
	conn    io.ReadWriteCloser
	opts    Options
	log     *util.Logger
	metrics *metrics.Collector
	session uuid.UUID

	ids      atomic.Uint64
	out      chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	failOnce sync.Once
	failErr  error

	lastPing atomic.Uint64
	missed   atomic.Int32

	mu        sync.Mutex
	pending   map[uint64]*Pending
	relays    map[uint64]*Relay
	subs      map[uint16]*subscription
	incoming  map[netip.AddrPort]*incomingSlot
	dialing   int
	dialEvent chan struct{}

	wg sync.WaitGroup
}

// New starts a bridge over an established session.  The hello frame is
// queued immediately.
func New(conn io.ReadWriteCloser, opts Options) *Bridge {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	log := opts.Logger
	if log == nil {
		log = util.NewLogger(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		conn:      conn,
		opts:      opts,
		log:       log,
		metrics:   opts.Metrics,
		session:   uuid.New(),
		out:       make(chan []byte, outboundQueue),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[uint64]*Pending),
		relays:    make(map[uint64]*Relay),
		subs:      make(map[uint16]*subscription),
		incoming:  make(map[netip.AddrPort]*incomingSlot),
		dialEvent: make(chan struct{}),
	}

	b.wg.Add(2)
	go b.writeLoop()
	go b.readLoop()
	if opts.KeepAlive > 0 {
		b.wg.Add(1)
		go b.keepAlive()
	}

	b.send(&proto.Message{Kind: proto.KindHello, Version: proto.Version, Session: b.session.String()}) //nolint:errcheck
	log.Verbose("agent session %s started", b.session)
	return b
}

// Session returns the id announced in the hello frame.
func (b *Bridge) Session() uuid.UUID { return b.session }

// NewID returns a fresh correlation id.  Ids are never reused.
func (b *Bridge) NewID() uint64 { return b.ids.Add(1) }

// Done is closed once the session has ended.
func (b *Bridge) Done() <-chan struct{} { return b.ctx.Done() }

// Closed reports whether the session has ended.
func (b *Bridge) Closed() bool { return b.ctx.Err() != nil }

// Err returns why the session ended, or nil while it is open.
func (b *Bridge) Err() error {
	if !b.Closed() {
		return nil
	}
	return b.failErr
}

// Close ends the session and waits for the background goroutines.
func (b *Bridge) Close() error {
	b.fail(errLocalClose)
	b.wg.Wait()
	return nil
}

// ── Requests ─────────────────────────────────────────────────────────

// Call sends a request and waits for its response, the per-request
// timeout, ctx, or cancellation through [Bridge.Cancel].  A zero m.ID
// is filled from [Bridge.NewID].  A non-zero errno in the response is
// returned as a unix.Errno.
func (b *Bridge) Call(ctx context.Context, m *proto.Message) (*proto.Message, error) {
	return b.call(ctx, m, nil)
}

func (b *Bridge) call(ctx context.Context, m *proto.Message, onResponse func(*proto.Message)) (*proto.Message, error) {
	if m.ID == 0 {
		m.ID = b.NewID()
	}
	op := m.Kind.String()
	p := &Pending{ID: m.ID, Kind: m.Kind, onResponse: onResponse, done: make(chan result, 1)}

	b.mu.Lock()
	if b.Closed() {
		b.mu.Unlock()
		return nil, lerr.Layer(lerr.ErrRemoteSessionClosed, op, b.failErr)
	}
	if _, dup := b.pending[m.ID]; dup {
		b.mu.Unlock()
		return nil, lerr.InvalidState(op, unix.EALREADY)
	}
	b.pending[m.ID] = p
	b.mu.Unlock()
	b.metrics.RequestSent(op)

	if err := b.send(m); err != nil {
		b.remove(m.ID)
		return nil, err
	}

	timer := time.NewTimer(b.opts.Timeout)
	defer timer.Stop()

	var r result
	select {
	case r = <-p.done:
	case <-timer.C:
		if !b.remove(m.ID) {
			r = <-p.done
			break
		}
		b.metrics.RequestTimeout()
		b.log.Debug("%s id=%d: no response after %v", op, m.ID, b.opts.Timeout)
		return nil, lerr.Layer(lerr.ErrRemoteTimeout, op, nil)
	case <-ctx.Done():
		if !b.remove(m.ID) {
			r = <-p.done
			break
		}
		return nil, lerr.Layer(lerr.ErrCancelled, op, ctx.Err())
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.msg.Errno != 0 {
		return r.msg, fmt.Errorf("%s: %w", op, unix.Errno(r.msg.Errno))
	}
	return r.msg, nil
}

// Cancel abandons the pending request id, if any.  Its caller returns
// ErrCancelled.
func (b *Bridge) Cancel(id uint64) bool {
	return b.complete(id, result{err: lerr.Layer(lerr.ErrCancelled, "cancel", nil)})
}

// PendingCount returns the number of outstanding requests.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// complete hands r to the slot for id.  Each slot is fulfilled at most
// once; false means the id was unknown or already settled.
func (b *Bridge) complete(id uint64, r result) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	b.metrics.RequestDone()
	if r.msg != nil && p.onResponse != nil && r.msg.Errno == 0 {
		p.onResponse(r.msg)
	}
	p.done <- r
	return true
}

func (b *Bridge) remove(id uint64) bool {
	b.mu.Lock()
	_, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if ok {
		b.metrics.RequestDone()
	}
	return ok
}

// Resolve asks the agent to resolve node.
func (b *Bridge) Resolve(ctx context.Context, node string) ([]netip.Addr, error) {
	resp, err := b.Call(ctx, &proto.Message{Kind: proto.KindResolve, Node: node})
	if err != nil {
		return nil, err
	}
	return resp.Addrs, nil
}

// ── Incoming ─────────────────────────────────────────────────────────

// Subscribe asks the agent to deliver connections reaching the remote
// port to target, a local listener.  The subscription belongs to owner.
// in supplies the mode and the optional HTTP header filter.
func (b *Bridge) Subscribe(ctx context.Context, owner uint64, port uint16, target netip.AddrPort, in policy.Incoming) error {
	mode := in.Mode
	sub := &subscription{port: port, target: target, owner: owner, mode: mode}
	req := &proto.Message{Kind: proto.KindSubscribe, Port: port, Mode: mode.String(), Filter: in.HTTPFilter}
	_, err := b.call(ctx, req, func(*proto.Message) {
		b.mu.Lock()
		b.subs[port] = sub
		b.mu.Unlock()
	})
	if err == nil {
		if in.HTTPFilter != "" {
			b.log.Verbose("subscribed to remote port %d (%s, header %q) -> %s", port, mode, in.HTTPFilter, target)
		} else {
			b.log.Verbose("subscribed to remote port %d (%s) -> %s", port, mode, target)
		}
	}
	return err
}

// Unsubscribe drops the subscription for port.  It does not wait for
// the agent.
func (b *Bridge) Unsubscribe(port uint16) {
	b.mu.Lock()
	_, ok := b.subs[port]
	delete(b.subs, port)
	b.mu.Unlock()
	if ok {
		b.send(&proto.Message{Kind: proto.KindUnsubscribe, Port: port}) //nolint:errcheck
		b.log.Verbose("unsubscribed from remote port %d", port)
	}
}

// Subscribed reports whether port currently has a subscription.
func (b *Bridge) Subscribed(port uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[port]
	return ok
}

func (b *Bridge) handleNewConnection(m *proto.Message) {
	b.mu.Lock()
	sub := b.subs[m.Port]
	if sub == nil {
		b.mu.Unlock()
		b.log.Debug("new connection %d for unsubscribed port %d", m.Connection, m.Port)
		b.send(&proto.Message{Kind: proto.KindClose, Connection: m.Connection}) //nolint:errcheck
		return
	}
	r := newRelay(b, m.Connection, sub.owner, sub.mode == policy.IncomingMirror)
	r.Local, r.Peer = m.Local, m.Peer
	b.relays[m.Connection] = r
	b.dialing++
	b.mu.Unlock()
	b.metrics.RelayOpened()

	info := Incoming{Connection: m.Connection, Port: m.Port, Peer: m.Peer, Local: m.Local}
	go b.deliver(sub.target, info, r)
}

// deliver dials the local listener on behalf of the remote client and
// records the dialer's address so Accepted can map it back.
func (b *Bridge) deliver(target netip.AddrPort, info Incoming, r *Relay) {
	d := net.Dialer{Timeout: b.opts.DialTimeout}
	c, err := d.DialContext(b.ctx, "tcp", target.String())

	b.mu.Lock()
	b.dialing--
	if err == nil {
		key := unmapped(c.LocalAddr().(*net.TCPAddr).AddrPort())
		b.incoming[key] = &incomingSlot{info: info, relay: r}
	}
	close(b.dialEvent)
	b.dialEvent = make(chan struct{})
	b.mu.Unlock()

	if err != nil {
		b.log.Debug("delivering connection %d to %s: %v", info.Connection, target, err)
		r.teardown()
		return
	}
	b.log.Debug("connection %d from %s delivered to %s", info.Connection, info.Peer, target)
	r.start(c)
}

// Accepted resolves a connection the host accepted on a subscribed
// listener.  addr is the accepted socket's peer address, i.e. the
// address the bridge dialled from.  If the connection is one the
// bridge delivered, its relay is handed to owner and the remote
// endpoints are returned.
func (b *Bridge) Accepted(ctx context.Context, addr netip.AddrPort, owner uint64) (Incoming, bool) {
	key := unmapped(addr)
	deadline := time.NewTimer(b.opts.DialTimeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		if slot, ok := b.incoming[key]; ok {
			delete(b.incoming, key)
			b.mu.Unlock()
			slot.relay.setOwner(owner)
			return slot.info, true
		}
		if b.dialing == 0 {
			b.mu.Unlock()
			return Incoming{}, false
		}
		ev := b.dialEvent
		b.mu.Unlock()

		select {
		case <-ev:
		case <-deadline.C:
			return Incoming{}, false
		case <-ctx.Done():
			return Incoming{}, false
		}
	}
}

// ── Outgoing ─────────────────────────────────────────────────────────

// Outgoing describes a remote connect.
type Outgoing struct {
	// ID is the correlation id, normally taken from NewID so the
	// caller can cancel it.
	ID      uint64
	Owner   uint64
	Network string
	Addr    netip.AddrPort
}

// Connect asks the agent to open a stream to req.Addr, then provisions
// a loopback listener and calls attach with its address so the host
// socket can be connected to it.  attach returns the host socket's
// source address; only a connection from that address is relayed.
func (b *Bridge) Connect(ctx context.Context, req Outgoing, attach func(loopback netip.AddrPort) (netip.AddrPort, error)) (*Relay, error) {
	var r *Relay
	m := &proto.Message{Kind: proto.KindConnect, ID: req.ID, Network: req.Network, Address: req.Addr}
	resp, err := b.call(ctx, m, func(resp *proto.Message) {
		r = newRelay(b, resp.Connection, req.Owner, false)
		r.Local, r.Peer = resp.Local, req.Addr
		b.mu.Lock()
		b.relays[resp.Connection] = r
		b.mu.Unlock()
		b.metrics.RelayOpened()
	})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, lerr.Layer(lerr.ErrRelayClosed, "connect", fmt.Errorf("agent returned no connection for id %d", resp.ID))
	}

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		r.teardown()
		return nil, err
	}
	defer ln.Close()

	src, err := attach(ln.Addr().(*net.TCPAddr).AddrPort())
	if err != nil {
		r.teardown()
		return nil, err
	}

	ln.SetDeadline(time.Now().Add(b.opts.DialTimeout)) //nolint:errcheck
	c, err := acceptFrom(ln, unmapped(src))
	if err != nil {
		r.teardown()
		return nil, lerr.Layer(lerr.ErrRelayClosed, "connect", err)
	}
	b.log.Debug("relay %d: %s <-> %s", r.ID, c.LocalAddr(), req.Addr)
	r.start(c)
	return r, nil
}

// acceptFrom accepts until a connection from src arrives, closing any
// other local process that raced it to the listener.
func acceptFrom(ln *net.TCPListener, src netip.AddrPort) (*net.TCPConn, error) {
	for {
		c, err := ln.AcceptTCP()
		if err != nil {
			return nil, err
		}
		if unmapped(c.RemoteAddr().(*net.TCPAddr).AddrPort()) == src {
			return c, nil
		}
		abort(c)
	}
}

// CloseOwner tears down every relay and subscription owned by owner.
func (b *Bridge) CloseOwner(owner uint64) {
	b.mu.Lock()
	var relays []*Relay
	for _, r := range b.relays {
		if r.Owner() == owner {
			relays = append(relays, r)
		}
	}
	var ports []uint16
	for port, s := range b.subs {
		if s.owner == owner {
			ports = append(ports, port)
		}
	}
	for key, slot := range b.incoming {
		if slot.relay.Owner() == owner {
			delete(b.incoming, key)
		}
	}
	b.mu.Unlock()

	for _, r := range relays {
		r.teardown()
	}
	for _, p := range ports {
		b.Unsubscribe(p)
	}
}

// Relay returns the live relay for a remote connection id.
func (b *Bridge) Relay(conn uint64) (*Relay, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.relays[conn]
	return r, ok
}

// RelayCount returns the number of live relays.
func (b *Bridge) RelayCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.relays)
}

func (b *Bridge) dropRelay(r *Relay) {
	b.mu.Lock()
	if b.relays[r.ID] == r {
		delete(b.relays, r.ID)
	}
	for key, slot := range b.incoming {
		if slot.relay == r {
			delete(b.incoming, key)
		}
	}
	b.mu.Unlock()
	b.metrics.RelayClosed()
}

// ── Session I/O ──────────────────────────────────────────────────────

// send queues m behind everything queued before it.
func (b *Bridge) send(m *proto.Message) error {
	data, err := proto.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case b.out <- data:
		return nil
	case <-b.ctx.Done():
		return lerr.Layer(lerr.ErrRemoteSessionClosed, m.Kind.String(), b.failErr)
	}
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

func (b *Bridge) writeLoop() {
	defer b.wg.Done()
	bo := retry.WriteBackoff(lerr.IsRetryable)
	dl, canDeadline := b.conn.(writeDeadliner)

	for {
		select {
		case <-b.ctx.Done():
			return
		case data := <-b.out:
			off := 0
			err := bo.Do(b.ctx, func(attempt int) error {
				if canDeadline {
					dl.SetWriteDeadline(time.Now().Add(b.opts.WriteTimeout)) //nolint:errcheck
				}
				n, err := b.conn.Write(data[off:])
				off += n
				if err != nil && attempt > 1 {
					b.log.Debug("session write retry %d: %v", attempt, err)
				}
				return err
			})
			if err != nil {
				b.fail(err)
				return
			}
		}
	}
}

func (b *Bridge) readLoop() {
	defer b.wg.Done()
	dec := proto.NewDecoder(b.conn)
	for {
		m, err := dec.Decode()
		if err != nil {
			b.fail(err)
			return
		}
		b.dispatch(m)
	}
}

func (b *Bridge) dispatch(m *proto.Message) {
	switch m.Kind {
	case proto.KindResponse:
		if !b.complete(m.ID, result{msg: m}) {
			b.metrics.LateResponse()
			b.log.Debug("dropping response for unknown or expired id %d", m.ID)
			if m.Errno == 0 && m.Connection != 0 {
				// Nobody will use the stream the agent opened.
				b.send(&proto.Message{Kind: proto.KindClose, Connection: m.Connection}) //nolint:errcheck
			}
		}
	case proto.KindPing:
		b.send(&proto.Message{Kind: proto.KindPong, ID: m.ID}) //nolint:errcheck
	case proto.KindPong:
		if m.ID == b.lastPing.Load() {
			b.missed.Store(0)
		} else {
			b.log.Debug("unmatched pong id=%d", m.ID)
		}
	case proto.KindNewConnection:
		b.handleNewConnection(m)
	case proto.KindData:
		if r, ok := b.Relay(m.Connection); ok {
			r.deliverRemote(m.Payload)
		} else {
			b.log.Debug("data for unknown connection %d", m.Connection)
		}
	case proto.KindClose:
		if r, ok := b.Relay(m.Connection); ok {
			r.remoteClosed()
		}
	case proto.KindHello:
		b.log.Verbose("agent hello: version %d session %s", m.Version, m.Session)
	case proto.KindShutdown:
		b.fail(fmt.Errorf("agent shutdown: %s", m.Reason))
	default:
		b.log.Debug("ignoring frame %v", m)
	}
}

func (b *Bridge) keepAlive() {
	defer b.wg.Done()
	t := time.NewTicker(b.opts.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-t.C:
			if b.lastPing.Load() != 0 && b.missed.Add(1) > maxMissedPongs {
				b.fail(lerr.Layer(lerr.ErrRemoteTimeout, "keepalive", nil))
				return
			}
			id := b.NewID()
			b.lastPing.Store(id)
			b.send(&proto.Message{Kind: proto.KindPing, ID: id}) //nolint:errcheck
		}
	}
}

// fail ends the session exactly once.
func (b *Bridge) fail(cause error) {
	b.failOnce.Do(func() {
		b.mu.Lock()
		b.failErr = cause
		b.cancel()
		pending := b.pending
		b.pending = make(map[uint64]*Pending)
		relays := make([]*Relay, 0, len(b.relays))
		for _, r := range b.relays {
			relays = append(relays, r)
		}
		b.subs = make(map[uint16]*subscription)
		b.mu.Unlock()

		b.conn.Close()
		if lerr.Is(cause, io.EOF) || lerr.Is(cause, errLocalClose) {
			b.log.Verbose("agent session %s ended: %v", b.session, cause)
		} else {
			b.log.Warn("agent session %s ended: %v", b.session, cause)
		}

		for _, p := range pending {
			b.metrics.RequestDone()
			p.done <- result{err: lerr.Layer(lerr.ErrRemoteSessionClosed, p.Kind.String(), cause)}
		}
		for _, r := range relays {
			r.sessionGone()
		}
	})
}

func unmapped(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
