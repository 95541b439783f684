package util

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
)

// BenchmarkBidirectionalCopy pushes one pooled buffer's worth of stdin
// through an in-memory peer that echoes and then hangs up.
func BenchmarkBidirectionalCopy(b *testing.B) {
	payload := bytes.Repeat([]byte("t"), DefaultBufSize)
	b.SetBytes(int64(len(payload)))

	for i := 0; i < b.N; i++ {
		client, peer := net.Pipe()
		go func() {
			defer peer.Close()
			buf := make([]byte, len(payload))
			if _, err := io.ReadFull(peer, buf); err == nil {
				peer.Write(buf) //nolint:errcheck
			}
		}()
		BidirectionalCopy(context.Background(), client, bytes.NewReader(payload), io.Discard) //nolint:errcheck
	}
}

func BenchmarkBufPool(b *testing.B) {
	b.Run("pool", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := GetBuf()
			(*buf)[0] = 1
			PutBuf(buf)
		}
	})
	b.Run("alloc", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := make([]byte, DefaultBufSize)
			buf[0] = 1
		}
	})
}
