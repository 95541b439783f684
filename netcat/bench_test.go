package netcat

import (
	"context"
	"io"
	"testing"
	"time"
)

func BenchmarkScanPorts(b *testing.B) {
	dial := func(context.Context, string, string, int) (io.Closer, error) {
		return nopCloser{}, nil
	}
	ports := make([]int, 1024)
	for i := range ports {
		ports[i] = i + 1
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ScanPorts(context.Background(), "127.0.0.1", ports, 500*time.Millisecond, dial)
	}
}
