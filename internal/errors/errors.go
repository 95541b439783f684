// Package errors provides domain-specific error types for tether.
//
// Two families live here.  Transport-level errors (NetworkError,
// SSHError, ConfigError) describe failures reaching the agent.
// LayerError describes a failure inside the interception layer and
// always knows which native errno the host process should observe.
package errors

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected    = errors.New("not connected")
	ErrTimeout         = errors.New("operation timed out")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrHostKeyMismatch = errors.New("host key mismatch")

	// Layer error kinds.  Match with errors.Is.
	ErrInvalidState        = errors.New("invalid socket state")
	ErrUnknownAllocation   = errors.New("unknown allocation")
	ErrRemoteTimeout       = errors.New("remote request timed out")
	ErrRemoteSessionClosed = errors.New("remote session closed")
	ErrRelayClosed         = errors.New("relay closed")
	ErrPolicyDenied        = errors.New("denied by policy")
	ErrCancelled           = errors.New("request cancelled")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "dial"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// LayerError is a failure inside the interception layer.  Kind is one
// of the Err* layer sentinels; Errno is what the host process sees.
type LayerError struct {
	Kind  error      // ErrInvalidState, ErrRemoteTimeout, ...
	Op    string     // intercepted call: "connect", "listen", ...
	Errno unix.Errno // native error code for the nearest equivalent failure
	Err   error      // optional cause
}

func (e *LayerError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Errno != 0 {
		s += fmt.Sprintf(" (%s)", unix.ErrnoName(e.Errno))
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Is makes errors.Is(err, ErrInvalidState) and friends work.
func (e *LayerError) Is(target error) bool { return e.Kind == target }

func (e *LayerError) Unwrap() error { return e.Err }

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// Layer creates a LayerError whose errno defaults to the canonical one
// for kind.
func Layer(kind error, op string, cause error) *LayerError {
	return &LayerError{Kind: kind, Op: op, Errno: defaultErrno(kind), Err: cause}
}

// InvalidState creates an ErrInvalidState LayerError with an explicit
// errno, for transitions where the kernel is more specific than EINVAL.
func InvalidState(op string, errno unix.Errno) *LayerError {
	return &LayerError{Kind: ErrInvalidState, Op: op, Errno: errno}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// Errno translates any error into the native vocabulary.  unix.Errno
// values pass through; LayerErrors use their Errno; anything else
// becomes EIO.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var le *LayerError
	if errors.As(err, &le) && le.Errno != 0 {
		return le.Errno
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	for _, kind := range []error{
		ErrInvalidState, ErrRemoteTimeout, ErrRelayClosed,
		ErrPolicyDenied, ErrRemoteSessionClosed, ErrCancelled,
	} {
		if errors.Is(err, kind) {
			return defaultErrno(kind)
		}
	}
	return unix.EIO
}

func defaultErrno(kind error) unix.Errno {
	switch kind {
	case ErrInvalidState:
		return unix.EINVAL
	case ErrRemoteTimeout:
		return unix.ETIMEDOUT
	case ErrRelayClosed:
		return unix.ECONNRESET
	case ErrPolicyDenied:
		return unix.EACCES
	case ErrRemoteSessionClosed:
		return unix.ENOTCONN
	case ErrCancelled:
		return unix.EINTR
	case ErrUnknownAllocation:
		return unix.EFAULT
	}
	return unix.EIO
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Timeout()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Timeout() || dnsErr.IsTemporary
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use tether/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
