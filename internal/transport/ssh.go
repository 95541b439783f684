package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "tether/internal/errors"
	"tether/util"
)

// SSHConfig describes the gateway the agent session is forwarded
// through.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
	KeepAlive     time.Duration // 0 disables keepalive requests
}

// SSHDialer forwards connections through an SSH gateway with
// ssh.Client.Dial.  The gateway is connected lazily on the first Dial
// and torn down on Close.
type SSHDialer struct {
	config *SSHConfig
	logger *util.Logger

	mu     sync.Mutex
	client *ssh.Client
	done   chan struct{}
}

// NewSSHDialer returns a dialer for cfg.  Nothing is dialled until the
// first call to Dial or Connect.
func NewSSHDialer(cfg *SSHConfig, logger *util.Logger) *SSHDialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHDialer{config: cfg, logger: logger.Named("ssh")}
}

// Connect dials the gateway and completes the handshake.  Calling it
// on a live dialer is a no-op.
func (d *SSHDialer) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return nil
	}

	cfg := d.config
	auth, err := BuildAuthMethods(cfg)
	if err != nil {
		return ncerr.WrapSSH("auth", cfg.Host, cfg.Port, err)
	}
	verify, err := hostKeyCallback(cfg)
	if err != nil {
		return ncerr.WrapSSH("hostkey", cfg.Host, cfg.Port, err)
	}

	// knownhosts reports mismatches through the handshake error, which
	// loses the type; keep the original here.
	var hostKeyErr error
	clientCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: auth,
		HostKeyCallback: func(host string, remote net.Addr, key ssh.PublicKey) error {
			if err := verify(host, remote, key); err != nil {
				hostKeyErr = err
				return err
			}
			return nil
		},
		Timeout: cfg.ConnTimeout,
	}

	addr := util.FormatAddr(cfg.Host, cfg.Port)
	d.logger.Debug("dialing %s as %s", addr, cfg.User)

	dialer := net.Dialer{Timeout: cfg.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ncerr.Wrap("dial", addr, err)
	}

	conn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, clientCfg)
	if err != nil {
		tcpConn.Close()
		return ncerr.WrapSSH("handshake", cfg.Host, cfg.Port, classifyHandshake(err, hostKeyErr))
	}

	d.client = ssh.NewClient(conn, chans, reqs)
	d.done = make(chan struct{})
	go d.monitor(d.client, d.done)
	if cfg.KeepAlive > 0 {
		go d.keepAlive(d.client, d.done, cfg.KeepAlive)
	}
	d.logger.Verbose("gateway %s connected", addr)
	return nil
}

// Dial forwards a connection to address through the gateway.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return nil, ncerr.ErrNotConnected
	}

	d.logger.Debug("forwarding %s %s", network, address)
	conn, err := client.Dial(network, address)
	if err != nil {
		return nil, ncerr.Wrap("forward", address, err)
	}
	return conn, nil
}

// Alive reports whether the gateway connection is up.
func (d *SSHDialer) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client != nil
}

// Close shuts down the gateway connection.  Forwarded connections die
// with it.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// monitor blocks until the gateway connection ends and forgets it so
// the next Dial reconnects.
func (d *SSHDialer) monitor(client *ssh.Client, done chan struct{}) {
	err := client.Wait()
	close(done)

	d.mu.Lock()
	if d.client == client {
		d.client = nil
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Debug("gateway closed: %v", err)
	} else {
		d.logger.Debug("gateway closed")
	}
}

func (d *SSHDialer) keepAlive(client *ssh.Client, done <-chan struct{}, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				d.logger.Warn("gateway keepalive failed: %v", err)
				client.Close()
				return
			}
		}
	}
}

// classifyHandshake maps handshake failures onto the sentinel errors
// so callers can tell a bad key from a bad password.
func classifyHandshake(err, hostKeyErr error) error {
	if hostKeyErr != nil {
		return errors.Join(ncerr.ErrHostKeyMismatch, hostKeyErr)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return errors.Join(ncerr.ErrAuthFailed, err)
	}
	return err
}
