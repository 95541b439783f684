package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the config file, and environment variable loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultRequestTimeout bounds how long an intercepted call waits
	// for the agent's response.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds one write of a frame to the agent.
	DefaultWriteTimeout = 5 * time.Second

	// DefaultKeepAlive is the ping interval on the agent session.
	DefaultKeepAlive = 30 * time.Second

	// DefaultIncomingMode is how subscribed ports are handled when
	// nothing else is configured.
	DefaultIncomingMode = "mirror"

	// DefaultScanTimeout is the per-port timeout for port scanning.
	DefaultScanTimeout = 3 * time.Second

	// DefaultMaxConcurrentScans limits the number of simultaneous scan
	// goroutines to prevent resource exhaustion.
	DefaultMaxConcurrentScans = 100

	// DefaultConnTimeout is the TCP/SSH connection timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultGracePeriod is how long shutdown waits for the metrics
	// endpoint to drain.
	DefaultGracePeriod = 5 * time.Second
)
