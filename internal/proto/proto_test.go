package proto

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"testing"
)

func TestStream_PreservesOrderAndFields(t *testing.T) {
	frames := []*Message{
		{Kind: KindHello, Version: Version, Session: "7f1c"},
		{Kind: KindConnect, ID: 1, Network: "tcp", Address: netip.MustParseAddrPort("10.0.0.9:5432")},
		{Kind: KindResponse, ID: 1, Connection: 77, Local: netip.MustParseAddrPort("10.0.0.2:40112")},
		{Kind: KindData, Connection: 77, Payload: []byte("hello")},
		{Kind: KindResolve, ID: 2, Node: "db.internal"},
		{Kind: KindResponse, ID: 2, Addrs: []netip.Addr{netip.MustParseAddr("10.0.0.9"), netip.MustParseAddr("2001:db8::9")}},
		{Kind: KindClose, Connection: 77, Errno: 104},
		{Kind: KindShutdown, Reason: "agent terminating"},
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, f := range frames {
		if err := enc.Encode(f); err != nil {
			t.Fatalf("encode %v: %v", f, err)
		}
	}

	dec := NewDecoder(&buf)
	for i, want := range frames {
		got, err := dec.Decode()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got.Kind != want.Kind || got.ID != want.ID || got.Connection != want.Connection {
			t.Errorf("frame %d: header %v, want %v", i, got, want)
		}
		if got.Address != want.Address || got.Local != want.Local || got.Node != want.Node {
			t.Errorf("frame %d: addresses differ: %+v", i, got)
		}
		if !bytes.Equal(got.Payload, want.Payload) || got.Reason != want.Reason || got.Errno != want.Errno {
			t.Errorf("frame %d: body differs: %+v", i, got)
		}
		if len(got.Addrs) != len(want.Addrs) {
			t.Errorf("frame %d: %d addrs, want %d", i, len(got.Addrs), len(want.Addrs))
		}
	}
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("after last frame: %v, want EOF", err)
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	m := &Message{Kind: KindSubscribe, ID: 9, Port: 8080, Mode: "steal", Filter: "^X-Debug: 1$"}
	a, err := Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Marshal(m)
	if !bytes.Equal(a, b) {
		t.Error("encoding is not deterministic")
	}

	var back Message
	if err := Unmarshal(a, &back); err != nil {
		t.Fatal(err)
	}
	if back.Port != 8080 || back.Mode != "steal" || back.Filter != "^X-Debug: 1$" || back.Address.IsValid() {
		t.Errorf("decoded %+v", back)
	}
}

func TestKind(t *testing.T) {
	for _, k := range []Kind{KindSubscribe, KindConnect, KindResolve} {
		if !k.IsRequest() {
			t.Errorf("%v should be a request", k)
		}
	}
	for _, k := range []Kind{KindPing, KindUnsubscribe, KindResponse, KindData, KindShutdown} {
		if k.IsRequest() {
			t.Errorf("%v should not be a request", k)
		}
	}
	if Kind(200).String() != "kind(200)" {
		t.Error("unknown kind name")
	}
	reply := (&Message{Kind: KindConnect, ID: 4}).Reply(111)
	if reply.Kind != KindResponse || reply.ID != 4 || reply.Errno != 111 {
		t.Errorf("Reply = %+v", reply)
	}
}

func TestDecode_Truncated(t *testing.T) {
	data, _ := Marshal(&Message{Kind: KindData, Connection: 1, Payload: []byte("abcdef")})
	dec := NewDecoder(bytes.NewReader(data[:len(data)-2]))
	if _, err := dec.Decode(); err == nil {
		t.Error("truncated frame decoded without error")
	}
}
