package engine

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/vesper-app/vesper/core/models"
	"github.com/vesper-app/vesper/core/sshx"
	"github.com/vesper-app/vesper/core/utils"
)

// keepaliveFailureLimit is the number of consecutive probe failures after
// which a worker with auto-reconnect gives up and exits, leaving the global
// monitor to rebuild the session on its next tick.
const keepaliveFailureLimit = 3

// activeTunnel pairs a declared tunnel with its live worker. Cancelling the
// context stops the accept loop, the keepalive companion and every
// per-connection subtask; done closes once all of them have unwound.
type activeTunnel struct {
	tunnel models.Tunnel
	cancel context.CancelFunc
	done   chan struct{}
}

// bindTunnel opens the listening side of a tunnel synchronously so start
// failures surface to the caller before any worker exists.
func bindTunnel(session *sshx.Session, tunnel models.Tunnel) (net.Listener, models.ErrorCode, error) {
	switch tunnel.Kind {
	case models.TunnelKindRemote:
		listener, err := session.Listen(tunnel.RemotePort)
		if err != nil {
			return nil, models.CodeForwardListenFailed,
				fmt.Errorf("remote listen on %d failed: %w", tunnel.RemotePort, err)
		}
		return listener, "", nil
	default:
		addr := fmt.Sprintf("0.0.0.0:%d", tunnel.LocalPort)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, models.CodeBindFailed,
				fmt.Errorf("failed to bind %s: %w", addr, err)
		}
		return listener, "", nil
	}
}

// runWorker owns one tunnel's task tree: the accept loop, its
// per-connection relays and the companion keepalive task. It returns only
// after every subtask has released its sockets and channels.
func (e *Engine) runWorker(ctx context.Context, at *activeTunnel, session *sshx.Session, listener net.Listener) {
	defer close(at.done)

	logger := e.logger.With("tunnel_id", at.tunnel.ID, "tunnel", at.tunnel.Description())

	var (
		wg    sync.WaitGroup
		conns sync.Map // open sockets and channels, closed on teardown
	)

	acceptDone := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		acceptDone <- e.acceptLoop(ctx, session, at.tunnel, listener, &wg, &conns, logger)
	}()

	keepaliveDead := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.keepalive(ctx, session, at.tunnel, keepaliveDead, logger)
	}()

	aborted := false
	select {
	case <-ctx.Done():
		aborted = true
	case err := <-acceptDone:
		if err != nil {
			logger.Error("accept loop failed", "error", err)
		}
	case <-keepaliveDead:
		logger.Warn("keepalive gave up, stopping worker for reconnect")
	}

	if ctx.Err() != nil {
		aborted = true
	}

	// Tear down in order: stop accepting, then drop every live relay.
	at.cancel()
	listener.Close()
	conns.Range(func(key, value any) bool {
		if conn, ok := key.(net.Conn); ok {
			conn.Close()
		}
		return true
	})
	wg.Wait()

	if !aborted {
		// The worker died on its own; record that and let the engine forget
		// it. Stop and disconnect handle their own bookkeeping.
		e.dropActive(at.tunnel.ID)
		if err := e.catalog.SetTunnelStatus(at.tunnel.ID, models.TunnelInactive); err != nil {
			logger.Warn("failed to persist tunnel status", "error", err)
		}
		e.publishTunnel(at.tunnel.ID, models.TunnelInactive)
	}

	logger.Info("tunnel worker stopped")
}

// acceptLoop accepts inbound connections and spawns a relay for each.
// Per-connection failures are logged and do not affect the loop; accept
// failures are fatal and terminate the worker.
func (e *Engine) acceptLoop(ctx context.Context, session *sshx.Session, tunnel models.Tunnel,
	listener net.Listener, wg *sync.WaitGroup, conns *sync.Map, logger utils.Logger) error {

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			conns.Store(conn, struct{}{})
			defer conns.Delete(conn)

			peer, err := e.dialPeer(session, tunnel)
			if err != nil {
				logger.Warn("failed to open peer connection", "error", err)
				conn.Close()
				return
			}
			conns.Store(peer, struct{}{})
			defer conns.Delete(peer)

			logger.Debug("relaying connection", "client", conn.RemoteAddr().String())
			relay(conn, peer)
		}()
	}
}

// dialPeer opens the far side of a relayed connection: a direct-tcpip
// channel for local forwards, a loopback dial for remote forwards.
func (e *Engine) dialPeer(session *sshx.Session, tunnel models.Tunnel) (net.Conn, error) {
	if tunnel.Kind == models.TunnelKindRemote {
		return net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(tunnel.LocalPort)))
	}
	return session.OpenDirect(tunnel.RemoteHost, tunnel.RemotePort)
}

// relay shuttles bytes in both directions until either side reaches EOF or
// errors, then closes both ends.
func relay(a, b net.Conn) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		io.Copy(b, a)
		b.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		a.Close()
	}()

	wg.Wait()
}

// keepalive probes the shared session every interval. Three consecutive
// failures close dead when the tunnel wants reconnection, which the worker
// treats as an exit signal; without auto-reconnect it keeps probing so the
// failure stays visible in the logs.
func (e *Engine) keepalive(ctx context.Context, session *sshx.Session, tunnel models.Tunnel,
	dead chan struct{}, logger utils.Logger) {

	ticker := time.NewTicker(e.config.SSH.KeepaliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := session.Probe(); err != nil {
				failures++
				logger.Warn("keepalive probe failed", "failures", failures, "error", err)
				if failures >= keepaliveFailureLimit && tunnel.AutoReconnect {
					close(dead)
					return
				}
			} else {
				failures = 0
				logger.Debug("keepalive probe ok")
			}
		}
	}
}
