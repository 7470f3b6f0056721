package sshx

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/vesper-app/vesper/core/models"
	"github.com/vesper-app/vesper/core/utils"
)

// probeTimeout bounds a single liveness probe. It must be shorter than the
// keepalive interval or probes would pile up on a dead link.
const probeTimeout = 10 * time.Second

// Dialer establishes authenticated sessions against declared endpoints.
type Dialer struct {
	config models.SSHConfig
	logger utils.Logger
}

// NewDialer creates a dialer with the given SSH client configuration.
func NewDialer(config models.SSHConfig, logger utils.Logger) *Dialer {
	return &Dialer{
		config: config,
		logger: logger.WithGroup("ssh"),
	}
}

// Dial validates credentials, opens the TCP transport, performs the SSH
// handshake and authenticates. Failures come back as *ConnectError with a
// stable code; credential validation happens before any socket is opened.
func (d *Dialer) Dial(ctx context.Context, endpoint models.Endpoint, password string) (*Session, error) {
	methods, cerr := authMethods(endpoint, password)
	if cerr != nil {
		return nil, cerr
	}

	hostKey, err := hostKeyCallback(d.config.HostKeyPolicy, d.config.KnownHostsFile)
	if err != nil {
		return nil, connectErr(models.CodeSSHSessionError, "host key policy", err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            endpoint.Username,
		Auth:            methods,
		HostKeyCallback: hostKey,
		ClientVersion:   "SSH-2.0-Vesper",
		Timeout:         d.config.ConnectTimeout,
	}

	addr := endpoint.Addr()

	dialer := &net.Dialer{Timeout: d.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, connectErr(models.CodeTimeout, "connection attempt timed out", ctx.Err())
		}
		return nil, classifyDialError(addr, err)
	}

	// The handshake below observes neither ctx nor clientConfig.Timeout (that
	// field only bounds ssh.Dial's TCP connect); close the transport if the
	// caller gives up so the handshake unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sshConn, channels, requests, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, connectErr(models.CodeTimeout, "connection attempt timed out", ctx.Err())
		}
		return nil, classifyHandshakeError(err)
	}

	client := ssh.NewClient(sshConn, channels, requests)

	d.logger.Info("established SSH session",
		"host", endpoint.Host,
		"user", endpoint.Username)

	return &Session{client: client, logger: d.logger}, nil
}

// Session is a live authenticated SSH connection. It is shared by reference
// across forwarder subtasks; the underlying client multiplexes channels and
// is safe for concurrent use.
type Session struct {
	client *ssh.Client
	logger utils.Logger
}

// OpenDirect opens a direct-tcpip channel to host:port as seen from the
// remote server.
func (s *Session) OpenDirect(host string, port int) (net.Conn, error) {
	return s.client.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
}

// Listen asks the remote peer to listen on port; accepted connections
// arrive as inbound channels through the returned listener.
func (s *Session) Listen(port int) (net.Listener, error) {
	return s.client.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
}

// Probe checks liveness by running a trivial command over an exec channel.
// The request itself is bounded: on a half-open connection the exec would
// otherwise block forever and the probe would never report failure.
func (s *Session) Probe() error {
	errC := make(chan error, 1)
	go func() {
		sess, err := s.client.NewSession()
		if err != nil {
			errC <- err
			return
		}
		defer sess.Close()
		errC <- sess.Run("true")
	}()

	select {
	case err := <-errC:
		return err
	case <-time.After(probeTimeout):
		return fmt.Errorf("liveness probe timed out after %s", probeTimeout)
	}
}

// Close tears down the transport and every channel multiplexed over it.
func (s *Session) Close() error {
	return s.client.Close()
}
