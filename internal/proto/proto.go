// Package proto defines the frames exchanged with the remote agent and
// their stream codec.
//
// A session is an ordered byte stream carrying a sequence of CBOR data
// items, one [Message] each.  Requests carry a correlation id chosen by
// the layer; the agent echoes it on the matching [KindResponse].
// Stream frames (NewConnection, Data, Close) are keyed by a connection
// id chosen by the agent instead.
package proto

import (
	"fmt"
	"net/netip"
)

// Version is the protocol revision announced in the hello frame.
const Version = 1

// Kind identifies a frame.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindPing
	KindPong

	// Requests, except Unsubscribe which is fire-and-forget.
	KindSubscribe
	KindUnsubscribe
	KindConnect
	KindResolve

	KindResponse

	// Stream frames.
	KindNewConnection
	KindData
	KindClose

	// KindShutdown is sent by the agent before it ends the session.
	KindShutdown
)

var kindNames = map[Kind]string{
	KindHello:         "hello",
	KindPing:          "ping",
	KindPong:          "pong",
	KindSubscribe:     "subscribe",
	KindUnsubscribe:   "unsubscribe",
	KindConnect:       "connect",
	KindResolve:       "resolve",
	KindResponse:      "response",
	KindNewConnection: "new-connection",
	KindData:          "data",
	KindClose:         "close",
	KindShutdown:      "shutdown",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsRequest reports whether frames of kind expect a KindResponse.
func (k Kind) IsRequest() bool {
	switch k {
	case KindSubscribe, KindConnect, KindResolve:
		return true
	}
	return false
}

// Message is the single frame type.  Which fields are meaningful
// depends on Kind:
//
//	Hello          Version, Session
//	Ping/Pong      ID
//	Subscribe      ID, Port, Mode, Filter
//	Unsubscribe    Port
//	Connect        ID, Network, Address
//	Resolve        ID, Node
//	Response       ID, Errno, Connection, Addrs, Local
//	NewConnection  Connection, Port, Peer, Local
//	Data           Connection, Payload
//	Close          Connection, Errno
//	Shutdown       Reason
type Message struct {
	Kind Kind   `cbor:"kind"`
	ID   uint64 `cbor:"id,omitempty"`

	// Errno is zero on success, otherwise the remote errno.
	Errno int32 `cbor:"errno,omitempty"`

	Connection uint64 `cbor:"conn,omitempty"`
	Port       uint16 `cbor:"port,omitempty"`
	Mode       string `cbor:"mode,omitempty"`
	Filter     string `cbor:"filter,omitempty"`
	Network    string `cbor:"network,omitempty"`
	Node       string `cbor:"node,omitempty"`

	Address netip.AddrPort `cbor:"addr"`
	Local   netip.AddrPort `cbor:"local"`
	Peer    netip.AddrPort `cbor:"peer"`
	Addrs   []netip.Addr   `cbor:"addrs,omitempty"`

	Payload []byte `cbor:"payload,omitempty"`
	Reason  string `cbor:"reason,omitempty"`

	Session string `cbor:"session,omitempty"`
	Version uint16 `cbor:"version,omitempty"`
}

// Reply returns the response frame for a request.
func (m *Message) Reply(errno int32) *Message {
	return &Message{Kind: KindResponse, ID: m.ID, Errno: errno}
}

func (m *Message) String() string {
	switch m.Kind {
	case KindData:
		return fmt.Sprintf("%s conn=%d len=%d", m.Kind, m.Connection, len(m.Payload))
	case KindNewConnection, KindClose:
		return fmt.Sprintf("%s conn=%d", m.Kind, m.Connection)
	case KindShutdown:
		return fmt.Sprintf("%s reason=%q", m.Kind, m.Reason)
	}
	return fmt.Sprintf("%s id=%d", m.Kind, m.ID)
}
