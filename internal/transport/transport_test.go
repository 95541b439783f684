package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	ncerr "tether/internal/errors"
	"tether/internal/retry"
)

func TestTCPDialer_Connect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("hello from agent\n")) //nolint:errcheck
	}()

	d := &TCPDialer{Timeout: 2 * time.Second}
	conn, err := d.Dial(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello from agent\n" {
		t.Errorf("got %q", got)
	}
}

func TestTCPDialer_ContextCancel(t *testing.T) {
	d := &TCPDialer{Timeout: 5 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Dial(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

// flakyDialer fails with errs in order, then hands out one end of a pipe.
type flakyDialer struct {
	errs  []error
	calls int
}

func (f *flakyDialer) Dial(context.Context, string, string) (net.Conn, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	c, s := net.Pipe()
	s.Close()
	return c, nil
}

func (f *flakyDialer) Close() error { return nil }

func fastBackoff() *retry.Backoff {
	return &retry.Backoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 4}
}

func TestOpen(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: unix.ECONNREFUSED}
	tests := []struct {
		name      string
		errs      []error
		wantErr   bool
		wantCalls int
	}{
		{"first try", nil, false, 1},
		{"agent still starting", []error{refused, refused}, false, 3},
		{"gives up", []error{refused, refused, refused, refused}, true, 4},
		{"permanent", []error{ncerr.ErrAuthFailed}, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &flakyDialer{errs: tt.errs}
			conn, err := Open(context.Background(), d, "agent:61337", fastBackoff(), nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open err = %v, wantErr %v", err, tt.wantErr)
			}
			if conn != nil {
				conn.Close()
			}
			if d.calls != tt.wantCalls {
				t.Errorf("dial calls = %d, want %d", d.calls, tt.wantCalls)
			}
			if err != nil {
				var ne *ncerr.NetworkError
				if !errors.As(err, &ne) || ne.Op != "open" || ne.Addr != "agent:61337" {
					t.Errorf("error %v is not an open NetworkError", err)
				}
			}
		})
	}
}
