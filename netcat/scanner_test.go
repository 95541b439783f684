package netcat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"tether/config"
	"tether/util"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func TestScanPorts(t *testing.T) {
	open := map[int]bool{22: true, 443: true}
	dial := func(_ context.Context, network, host string, port int) (io.Closer, error) {
		if network != "tcp" || host != "10.1.2.3" {
			return nil, fmt.Errorf("unexpected dial %s %s", network, host)
		}
		if open[port] {
			return nopCloser{}, nil
		}
		return nil, unix.ECONNREFUSED
	}

	ports := []int{21, 22, 80, 443}
	results := ScanPorts(context.Background(), "10.1.2.3", ports, time.Second, dial)
	if len(results) != len(ports) {
		t.Fatalf("got %d results, want %d", len(results), len(ports))
	}
	for i, r := range results {
		if r.Port != ports[i] {
			t.Errorf("results[%d].Port = %d, want %d", i, r.Port, ports[i])
		}
		if r.Open != open[r.Port] {
			t.Errorf("port %d open = %v", r.Port, r.Open)
		}
		if !r.Open && r.Err == nil {
			t.Errorf("port %d closed without an error", r.Port)
		}
	}
}

func TestScanPorts_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	dial := func(ctx context.Context, _, _ string, _ int) (io.Closer, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		return nopCloser{}, nil
	}

	ports := make([]int, 3*maxConcurrentScans)
	for i := range ports {
		ports[i] = i + 1
	}
	ScanPorts(context.Background(), "h", ports, time.Second, dial)
	if p := peak.Load(); p > maxConcurrentScans {
		t.Errorf("peak concurrency %d exceeds %d", p, maxConcurrentScans)
	}
}

func TestScanPorts_Timeout(t *testing.T) {
	dial := func(ctx context.Context, _, _ string, _ int) (io.Closer, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	start := time.Now()
	results := ScanPorts(context.Background(), "h", []int{1}, 100*time.Millisecond, dial)
	if results[0].Open {
		t.Fatal("a dial that never completes reported open")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("scan took %v", elapsed)
	}
}

func TestHandleScan_ThroughLayer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	openPort := ln.Addr().(*net.TCPAddr).Port
	closedPort := freePort(t)

	var logs bytes.Buffer
	logger := util.NewLogger(1)
	logger.SetOutput(&logs)

	cfg := &config.Config{
		Host:    "127.0.0.1",
		NoDNS:   true,
		ZeroIO:  true,
		Timeout: time.Second,
		Ports:   []config.PortRange{{Start: openPort, End: openPort}, {Start: closedPort, End: closedPort}},
	}
	if err := New(cfg, localLayer(), logger).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out := logs.String()
	if want := fmt.Sprintf("127.0.0.1 %d/tcp open", openPort); !strings.Contains(out, want) {
		t.Errorf("log %q missing %q", out, want)
	}
	if strings.Contains(out, fmt.Sprintf("%d/tcp open", closedPort)) {
		t.Errorf("closed port %d reported open", closedPort)
	}
}
