// Package agenttest runs an in-process agent for tests.  It speaks the
// session protocol over one end of a net.Pipe and serves requests
// against the real loopback network: Connect dials for real, Resolve
// answers from a static host table, Subscribe records the port so the
// test can inject incoming connections.
package agenttest

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"tether/internal/proto"
)

// Agent is a fake remote agent.
type Agent struct {
	t    testing.TB
	conn net.Conn

	encMu sync.Mutex
	enc   *proto.Encoder

	mu       sync.Mutex
	seen     []*proto.Message
	seenCond *sync.Cond
	hosts    map[string][]netip.Addr
	silent   map[proto.Kind]bool
	override func(*proto.Message) *proto.Message
	subs     map[uint16]*proto.Message
	streams  map[uint64]*Stream
	nextConn uint64

	closed chan struct{}
	once   sync.Once
}

// New starts an agent and returns the session end the layer should use.
func New(t testing.TB) (*Agent, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	a := &Agent{
		t:       t,
		conn:    server,
		enc:     proto.NewEncoder(server),
		hosts:   make(map[string][]netip.Addr),
		silent:  make(map[proto.Kind]bool),
		subs:    make(map[uint16]*proto.Message),
		streams: make(map[uint64]*Stream),
		closed:  make(chan struct{}),
	}
	a.seenCond = sync.NewCond(&a.mu)
	go a.serve()
	t.Cleanup(func() { a.Close() })
	return a, client
}

// AddHost makes Resolve answer node with addrs.
func (a *Agent) AddHost(node string, addrs ...netip.Addr) {
	a.mu.Lock()
	a.hosts[node] = addrs
	a.mu.Unlock()
}

// Silence makes the agent swallow requests of kind without answering.
func (a *Agent) Silence(kind proto.Kind) {
	a.mu.Lock()
	a.silent[kind] = true
	a.mu.Unlock()
}

// Override installs fn to answer requests before the built-in
// behaviour.  fn returning nil falls through.
func (a *Agent) Override(fn func(*proto.Message) *proto.Message) {
	a.mu.Lock()
	a.override = fn
	a.mu.Unlock()
}

// Send writes an arbitrary frame to the layer.
func (a *Agent) Send(m *proto.Message) error {
	a.encMu.Lock()
	defer a.encMu.Unlock()
	return a.enc.Encode(m)
}

// Shutdown sends a shutdown frame and closes the session.
func (a *Agent) Shutdown(reason string) {
	a.Send(&proto.Message{Kind: proto.KindShutdown, Reason: reason}) //nolint:errcheck
	a.Close()
}

// Close drops the session.
func (a *Agent) Close() {
	a.once.Do(func() {
		close(a.closed)
		a.conn.Close()
		a.mu.Lock()
		for _, s := range a.streams {
			s.shut()
		}
		a.seenCond.Broadcast()
		a.mu.Unlock()
	})
}

// Count returns how many frames of kind the agent has received.
func (a *Agent) Count(kind proto.Kind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, m := range a.seen {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// WaitFor blocks until a frame of kind matching fn (nil matches any)
// has been received, or fails the test after d.
func (a *Agent) WaitFor(kind proto.Kind, fn func(*proto.Message) bool, d time.Duration) *proto.Message {
	a.t.Helper()
	deadline := time.Now().Add(d)
	timer := time.AfterFunc(d, func() {
		a.mu.Lock()
		a.seenCond.Broadcast()
		a.mu.Unlock()
	})
	defer timer.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		for _, m := range a.seen {
			if m.Kind == kind && (fn == nil || fn(m)) {
				return m
			}
		}
		if time.Now().After(deadline) {
			a.t.Fatalf("agent: no %v frame within %v", kind, d)
			return nil
		}
		a.seenCond.Wait()
	}
}

// Subscribed reports whether the layer currently subscribes port.
func (a *Agent) Subscribed(port uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.subs[port]
	return ok
}

// Subscription returns the subscribe request held for port, or nil.
func (a *Agent) Subscription(port uint16) *proto.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subs[port]
}

func (a *Agent) serve() {
	dec := proto.NewDecoder(a.conn)
	for {
		m, err := dec.Decode()
		if err != nil {
			a.Close()
			return
		}
		a.mu.Lock()
		a.seen = append(a.seen, m)
		a.seenCond.Broadcast()
		silent := a.silent[m.Kind]
		override := a.override
		a.mu.Unlock()

		if silent {
			continue
		}
		if override != nil {
			if resp := override(m); resp != nil {
				a.Send(resp) //nolint:errcheck
				continue
			}
		}
		a.handle(m)
	}
}

func (a *Agent) handle(m *proto.Message) {
	switch m.Kind {
	case proto.KindPing:
		a.Send(&proto.Message{Kind: proto.KindPong, ID: m.ID}) //nolint:errcheck
	case proto.KindResolve:
		a.mu.Lock()
		addrs, ok := a.hosts[m.Node]
		a.mu.Unlock()
		resp := m.Reply(0)
		if ok {
			resp.Addrs = addrs
		} else {
			resp.Errno = int32(unix.ENOENT)
		}
		a.Send(resp) //nolint:errcheck
	case proto.KindSubscribe:
		a.mu.Lock()
		a.subs[m.Port] = m
		a.mu.Unlock()
		a.Send(m.Reply(0)) //nolint:errcheck
	case proto.KindUnsubscribe:
		a.mu.Lock()
		delete(a.subs, m.Port)
		a.mu.Unlock()
	case proto.KindConnect:
		go a.connect(m)
	case proto.KindData:
		if s := a.stream(m.Connection); s != nil {
			s.fromLayer(m.Payload)
		}
	case proto.KindClose:
		if s := a.stream(m.Connection); s != nil {
			s.layerClosed()
		}
	}
}

func (a *Agent) connect(m *proto.Message) {
	c, err := net.DialTimeout(m.Network, m.Address.String(), 2*time.Second)
	if err != nil {
		resp := m.Reply(int32(unix.ECONNREFUSED))
		var errno unix.Errno
		if errors.As(err, &errno) {
			resp.Errno = int32(errno)
		}
		a.Send(resp) //nolint:errcheck
		return
	}
	s := a.newStream(c)
	resp := m.Reply(0)
	resp.Connection = s.ID
	resp.Local = c.LocalAddr().(*net.TCPAddr).AddrPort()
	a.Send(resp) //nolint:errcheck
	go s.pumpUpstream()
}

// Inject simulates a remote client connecting to a subscribed port.
func (a *Agent) Inject(port uint16, peer netip.AddrPort) *Stream {
	s := a.newStream(nil)
	a.Send(&proto.Message{ //nolint:errcheck
		Kind:       proto.KindNewConnection,
		Connection: s.ID,
		Port:       port,
		Peer:       peer,
		Local:      netip.AddrPortFrom(netip.MustParseAddr("10.0.0.2"), port),
	})
	return s
}

func (a *Agent) newStream(upstream net.Conn) *Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextConn++
	s := &Stream{ID: a.nextConn, a: a, upstream: upstream, data: make(chan []byte, 64), closed: make(chan struct{})}
	a.streams[s.ID] = s
	return s
}

func (a *Agent) stream(id uint64) *Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streams[id]
}

// ── Streams ──────────────────────────────────────────────────────────

// Stream is one remote connection as seen by the agent.  Streams
// created by Connect are wired to a real upstream socket; injected
// ones are driven by the test.
type Stream struct {
	ID       uint64
	a        *Agent
	upstream net.Conn

	data   chan []byte
	closed chan struct{}
	once   sync.Once
}

// Write sends payload to the layer.
func (s *Stream) Write(p []byte) error {
	return s.a.Send(&proto.Message{Kind: proto.KindData, Connection: s.ID, Payload: p})
}

// Close sends a Close frame to the layer.
func (s *Stream) Close() error {
	return s.a.Send(&proto.Message{Kind: proto.KindClose, Connection: s.ID})
}

// Read returns the next payload the layer wrote on this stream, or
// io.EOF once the layer closed it.
func (s *Stream) Read(d time.Duration) ([]byte, error) {
	select {
	case p := <-s.data:
		return p, nil
	case <-s.closed:
		select {
		case p := <-s.data:
			return p, nil
		default:
		}
		return nil, io.EOF
	case <-time.After(d):
		return nil, errors.New("agenttest: read timed out")
	}
}

// ClosedByLayer is closed once the layer sent Close for this stream.
func (s *Stream) ClosedByLayer() <-chan struct{} { return s.closed }

func (s *Stream) fromLayer(p []byte) {
	if s.upstream != nil {
		s.upstream.Write(p) //nolint:errcheck
		return
	}
	select {
	case s.data <- p:
	case <-s.closed:
	}
}

func (s *Stream) layerClosed() {
	s.shut()
}

func (s *Stream) shut() {
	s.once.Do(func() {
		close(s.closed)
		if s.upstream != nil {
			s.upstream.Close()
		}
	})
}

func (s *Stream) pumpUpstream() {
	buf := make([]byte, 16*1024)
	for {
		n, err := s.upstream.Read(buf)
		if n > 0 {
			s.Write(append([]byte(nil), buf[:n]...)) //nolint:errcheck
		}
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.Close() //nolint:errcheck
			}
			return
		}
	}
}
