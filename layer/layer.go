// Package layer is the dispatch table the host process calls instead of
// the raw socket API.
//
// Every intercepted call is classified by the policy engine.  Local
// calls go to the captured original with their arguments untouched and
// return its result verbatim.  Remote calls update the descriptor
// registry and go through the session bridge; their results are shaped
// exactly like the native ones (output socket addresses, descriptor
// numbers, unix.Errno values).
//
// A process normally builds one Layer and publishes it with [Install];
// the captured originals are never replaced afterwards.
package layer

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"tether/internal/alloc"
	"tether/internal/bridge"
	lerr "tether/internal/errors"
	"tether/internal/metrics"
	"tether/internal/native"
	"tether/internal/policy"
	"tether/internal/registry"
	"tether/util"
)

// Options configures a Layer.
type Options struct {
	// Filters selects what is redirected.  Nil runs everything locally.
	Filters *policy.Filters
	// Bridge is the agent session.  Nil runs everything locally.
	Bridge *bridge.Bridge
	// Calls overrides the captured originals; nil captures the kernel
	// entry points.
	Calls *native.Calls

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Layer routes socket calls.
type Layer struct {
	calls   native.Calls
	filters *policy.Filters
	reg     *registry.Registry
	allocs  *alloc.Tracker
	bridge  *bridge.Bridge
	log     *util.Logger
	metrics *metrics.Collector

	fallbackOnce sync.Once
}

// New captures the original entry points and builds a layer.
func New(opts Options) *Layer {
	calls := native.Capture()
	if opts.Calls != nil {
		calls = *opts.Calls
	}
	log := opts.Logger
	if log == nil {
		log = util.NewLogger(0)
	}
	return &Layer{
		calls:   calls,
		filters: opts.Filters,
		reg:     registry.New(),
		allocs:  alloc.New(),
		bridge:  opts.Bridge,
		log:     log,
		metrics: opts.Metrics,
	}
}

var (
	installOnce sync.Once
	installed   atomic.Pointer[Layer]
)

// Install publishes l as the process-wide layer.  Only the first call
// has any effect; it reports whether l is now installed.
func Install(l *Layer) bool {
	installOnce.Do(func() { installed.Store(l) })
	return installed.Load() == l
}

// Default returns the installed layer, or nil.
func Default() *Layer { return installed.Load() }

// CloseSession ends the agent session.  Descriptors stay usable;
// remote decisions fall back to local execution.
func (l *Layer) CloseSession() error {
	if l.bridge == nil {
		return nil
	}
	return l.bridge.Close()
}

// ── Routing ──────────────────────────────────────────────────────────

func (l *Layer) remoteAvailable() bool {
	return l.bridge != nil && !l.bridge.Closed()
}

// decide classifies call and folds in the session state: with no
// usable session a Remote decision runs locally.
func (l *Layer) decide(call policy.Call) policy.Decision {
	d := policy.Classify(call, l.filters)
	if d == policy.Remote && !l.remoteAvailable() {
		l.fallback(nil)
		d = policy.Local
	}
	l.metrics.Classified(d.String())
	return d
}

// fallback records that a remote decision is being executed locally.
// The switch to local execution is logged once per layer.
func (l *Layer) fallback(cause error) {
	l.metrics.Fallback()
	l.fallbackOnce.Do(func() {
		if cause == nil && l.bridge != nil {
			cause = l.bridge.Err()
		}
		if cause == nil {
			cause = lerr.ErrRemoteSessionClosed
		}
		l.log.Warn("agent session unavailable (%v); remote operations now run locally", cause)
	})
}

func (l *Layer) sessionClosed(err error) bool {
	return lerr.Is(err, lerr.ErrRemoteSessionClosed)
}

func protocolOf(d registry.Descriptor) policy.Protocol {
	switch d.Type {
	case unix.SOCK_STREAM:
		return policy.ProtoTCP
	case unix.SOCK_DGRAM:
		return policy.ProtoUDP
	}
	return policy.ProtoAny
}

// toErrno converts a layer error into what the host sees.
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	return lerr.Errno(err)
}
