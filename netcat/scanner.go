package netcat

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"tether/config"
)

const (
	defaultScanTimeout = config.DefaultScanTimeout
	maxConcurrentScans = config.DefaultMaxConcurrentScans
)

// DialFunc opens a connection to host:port.
type DialFunc func(ctx context.Context, network, host string, port int) (io.Closer, error)

// ScanResult records whether a single port is open.
type ScanResult struct {
	Port int
	Open bool
	Err  error
}

// handleScan runs the port-scanning (-z) mode.  Probes go through the
// layer like any other connect, so redirected ranges are scanned from
// the agent's side.
func (nc *NetCat) handleScan(ctx context.Context) error {
	ports := nc.Config.AllPorts()
	if len(ports) == 0 && nc.Config.Port > 0 {
		ports = []int{nc.Config.Port}
	}
	if len(ports) == 0 {
		return fmt.Errorf("no ports specified for scanning")
	}

	timeout := nc.Config.Timeout
	if timeout == 0 {
		timeout = defaultScanTimeout
	}
	host := nc.Config.Host
	nc.Logger.Verbose("scanning %s - %d port(s)", host, len(ports))

	dial := func(ctx context.Context, network, host string, port int) (io.Closer, error) {
		return nc.dial(ctx, network, host, port)
	}
	results := ScanPorts(ctx, host, ports, timeout, dial)

	open := 0
	for _, r := range results {
		if r.Open {
			open++
			nc.Logger.Info("%s %d/tcp open", host, r.Port)
		} else {
			nc.Logger.Verbose("%s %d/tcp closed - %v", host, r.Port, r.Err)
		}
	}
	if open == 0 {
		nc.Logger.Info("no open ports found on %s", host)
	}
	return nil
}

// ScanPorts probes every port concurrently and returns results in the
// same order as the input slice.
func ScanPorts(ctx context.Context, host string, ports []int, timeout time.Duration, dial DialFunc) []ScanResult {
	results := make([]ScanResult, len(ports))
	sem := make(chan struct{}, maxConcurrentScans)
	var wg sync.WaitGroup

	for i, port := range ports {
		wg.Add(1)
		go func(idx, p int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			scanCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			conn, err := dial(scanCtx, "tcp", host, p)
			if err != nil {
				results[idx] = ScanResult{Port: p, Err: err}
				return
			}
			conn.Close()
			results[idx] = ScanResult{Port: p, Open: true}
		}(i, port)
	}

	wg.Wait()
	return results
}
