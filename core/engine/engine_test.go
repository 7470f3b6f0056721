package engine

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vesper-app/vesper/core/models"
	"github.com/vesper-app/vesper/core/secret"
	"github.com/vesper-app/vesper/core/utils"
)

// newTestEngine builds an engine over a temp data dir with watchdog
// intervals tightened for tests. The monitor is not started unless the test
// calls Initialize.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	config := models.DefaultConfig()
	config.Storage.DataDir = t.TempDir()
	config.SSH.ConnectTimeout = 3 * time.Second
	config.SSH.TestTimeout = 5 * time.Second
	config.SSH.KeepaliveInterval = 100 * time.Millisecond
	config.SSH.MonitorInterval = 200 * time.Millisecond
	config.SSH.ReconnectDelay = 100 * time.Millisecond

	eng := New(config, secret.NewMemoryStore(), utils.Discard())
	if err := eng.catalog.Load(); err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	t.Cleanup(eng.Shutdown)
	return eng
}

// splitAddr breaks host:port into endpoint fields.
func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("bad addr %s: %v", addr, err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func createPasswordEndpoint(t *testing.T, eng *Engine, addr string) string {
	t.Helper()
	host, port := splitAddr(t, addr)
	id, err := eng.CreateEndpoint(models.Endpoint{
		Name:       "test server",
		Host:       host,
		Port:       port,
		Username:   "u",
		AuthMethod: models.AuthMethodPassword,
		Password:   "pw",
	})
	if err != nil {
		t.Fatalf("failed to create endpoint: %v", err)
	}
	return id
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectAndLocalForward(t *testing.T) {
	sshServer := startTestSSHServer(t, "u", "pw")
	echoAddr := startEchoServer(t)
	echoHost, echoPort := splitAddr(t, echoAddr)

	eng := newTestEngine(t)
	endpointID := createPasswordEndpoint(t, eng, sshServer.addr)

	localPort := freePort(t)
	tunnelID, err := eng.CreateTunnel(models.Tunnel{
		Name:       "echo",
		EndpointID: endpointID,
		Kind:       models.TunnelKindLocal,
		LocalPort:  localPort,
		RemoteHost: echoHost,
		RemotePort: echoPort,
	})
	if err != nil {
		t.Fatalf("failed to create tunnel: %v", err)
	}

	result := eng.Connect(endpointID)
	if !result.Success {
		t.Fatalf("connect failed: [%s] %s", result.ErrorCode, result.Message)
	}

	endpoint, err := eng.GetEndpoint(endpointID)
	if err != nil {
		t.Fatalf("endpoint lookup: %v", err)
	}
	if endpoint.Status != models.EndpointConnected {
		t.Errorf("endpoint status = %s, want connected", endpoint.Status)
	}
	if endpoint.LastConnected == nil {
		t.Error("last_connected not stamped")
	}

	tunnel, _ := eng.catalog.GetTunnel(tunnelID)
	if tunnel.Status != models.TunnelActive {
		t.Errorf("tunnel status = %s, want active", tunnel.Status)
	}

	// Round-trip a payload through the forward.
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		t.Fatalf("failed to dial forwarded port: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if strings.TrimSpace(reply) != "ping" {
		t.Errorf("echo reply = %q, want ping", reply)
	}
}

func TestConcurrentForwardedConnections(t *testing.T) {
	sshServer := startTestSSHServer(t, "u", "pw")
	echoAddr := startEchoServer(t)
	echoHost, echoPort := splitAddr(t, echoAddr)

	eng := newTestEngine(t)
	endpointID := createPasswordEndpoint(t, eng, sshServer.addr)

	localPort := freePort(t)
	if _, err := eng.CreateTunnel(models.Tunnel{
		Name:       "echo",
		EndpointID: endpointID,
		Kind:       models.TunnelKindLocal,
		LocalPort:  localPort,
		RemoteHost: echoHost,
		RemotePort: echoPort,
	}); err != nil {
		t.Fatalf("failed to create tunnel: %v", err)
	}
	if result := eng.Connect(endpointID); !result.Success {
		t.Fatalf("connect failed: %s", result.Message)
	}

	// Unrelated client connections must not serialize behind each other.
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func(i int) {
			conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
			if err != nil {
				done <- err
				return
			}
			defer conn.Close()

			payload := fmt.Sprintf("msg-%d\n", i)
			if _, err := conn.Write([]byte(payload)); err != nil {
				done <- err
				return
			}
			reply, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				done <- err
				return
			}
			if reply != payload {
				done <- fmt.Errorf("reply = %q, want %q", reply, payload)
				return
			}
			done <- nil
		}(i)
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Errorf("concurrent connection: %v", err)
		}
	}
}

func TestAdhocRefusedNeverPersists(t *testing.T) {
	eng := newTestEngine(t)

	// A freshly released port refuses immediately.
	port := freePort(t)

	start := time.Now()
	result := eng.TestAdhoc(models.Endpoint{
		Name:       "nope",
		Host:       "127.0.0.1",
		Port:       port,
		Username:   "u",
		AuthMethod: models.AuthMethodPassword,
		Password:   "pw",
	})
	elapsed := time.Since(start)

	if result.Success {
		t.Fatal("expected failure against closed port")
	}
	if result.ErrorCode != models.CodeConnectionRefused {
		t.Errorf("error code = %s, want %s", result.ErrorCode, models.CodeConnectionRefused)
	}
	if elapsed > 5*time.Second {
		t.Errorf("test took %v, want under the 5s budget", elapsed)
	}
	if endpoints := eng.ListEndpoints(); len(endpoints) != 0 {
		t.Errorf("test persisted %d endpoints", len(endpoints))
	}
}

func TestKeyAuthMissingFile(t *testing.T) {
	eng := newTestEngine(t)

	id, err := eng.CreateEndpoint(models.Endpoint{
		Name:       "keyed",
		Host:       "127.0.0.1",
		Port:       22,
		Username:   "u",
		AuthMethod: models.AuthMethodKey,
		KeyPath:    "/does/not/exist",
	})
	if err != nil {
		t.Fatalf("failed to create endpoint: %v", err)
	}

	result, err := eng.TestEndpoint(id)
	if err != nil {
		t.Fatalf("test raised: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure for missing key file")
	}
	if result.ErrorCode != models.CodeKeyFileNotFound {
		t.Errorf("error code = %s, want %s", result.ErrorCode, models.CodeKeyFileNotFound)
	}
}

func TestCascadingDeleteTearsDownLiveState(t *testing.T) {
	sshServer := startTestSSHServer(t, "u", "pw")
	echoAddr := startEchoServer(t)
	echoHost, echoPort := splitAddr(t, echoAddr)

	eng := newTestEngine(t)
	endpointID := createPasswordEndpoint(t, eng, sshServer.addr)

	port1, port2 := freePort(t), freePort(t)
	for i, port := range []int{port1, port2} {
		if _, err := eng.CreateTunnel(models.Tunnel{
			Name:       fmt.Sprintf("t%d", i),
			EndpointID: endpointID,
			Kind:       models.TunnelKindLocal,
			LocalPort:  port,
			RemoteHost: echoHost,
			RemotePort: echoPort,
		}); err != nil {
			t.Fatalf("failed to create tunnel: %v", err)
		}
	}

	if result := eng.Connect(endpointID); !result.Success {
		t.Fatalf("connect failed: %s", result.Message)
	}

	if err := eng.DeleteEndpoint(endpointID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if endpoints := eng.ListEndpoints(); len(endpoints) != 0 {
		t.Errorf("%d endpoints left after delete", len(endpoints))
	}
	if tunnels := eng.ListTunnels(); len(tunnels) != 0 {
		t.Errorf("%d tunnels left after delete", len(tunnels))
	}

	// Both local ports must be released.
	for _, port := range []int{port1, port2} {
		listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
		if err != nil {
			t.Errorf("port %d still bound after delete: %v", port, err)
			continue
		}
		listener.Close()
	}
}

func TestDisconnectStopsWorkers(t *testing.T) {
	sshServer := startTestSSHServer(t, "u", "pw")
	echoAddr := startEchoServer(t)
	echoHost, echoPort := splitAddr(t, echoAddr)

	eng := newTestEngine(t)
	endpointID := createPasswordEndpoint(t, eng, sshServer.addr)

	localPort := freePort(t)
	tunnelID, err := eng.CreateTunnel(models.Tunnel{
		Name:       "echo",
		EndpointID: endpointID,
		Kind:       models.TunnelKindLocal,
		LocalPort:  localPort,
		RemoteHost: echoHost,
		RemotePort: echoPort,
	})
	if err != nil {
		t.Fatalf("failed to create tunnel: %v", err)
	}
	if result := eng.Connect(endpointID); !result.Success {
		t.Fatalf("connect failed: %s", result.Message)
	}

	if result := eng.Disconnect(endpointID); !result.Success {
		t.Fatalf("disconnect failed: %s", result.Message)
	}

	if eng.reg.Get(endpointID) != nil {
		t.Error("session still registered after disconnect")
	}
	if eng.isActive(tunnelID) {
		t.Error("worker still active after disconnect")
	}
	tunnel, _ := eng.catalog.GetTunnel(tunnelID)
	if tunnel.Status != models.TunnelInactive {
		t.Errorf("tunnel status = %s, want inactive", tunnel.Status)
	}
	endpoint, _ := eng.GetEndpoint(endpointID)
	if endpoint.Status != models.EndpointDisconnected {
		t.Errorf("endpoint status = %s, want disconnected", endpoint.Status)
	}

	// The local port must be free again.
	listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", localPort))
	if err != nil {
		t.Fatalf("port %d still bound after disconnect: %v", localPort, err)
	}
	listener.Close()

	// Idempotence: disconnecting again succeeds.
	if result := eng.Disconnect(endpointID); !result.Success {
		t.Errorf("second disconnect failed: %s", result.Message)
	}
}

func TestStartStopTunnelIdempotence(t *testing.T) {
	sshServer := startTestSSHServer(t, "u", "pw")
	echoAddr := startEchoServer(t)
	echoHost, echoPort := splitAddr(t, echoAddr)

	eng := newTestEngine(t)
	endpointID := createPasswordEndpoint(t, eng, sshServer.addr)

	tunnelID, err := eng.CreateTunnel(models.Tunnel{
		Name:       "echo",
		EndpointID: endpointID,
		Kind:       models.TunnelKindLocal,
		LocalPort:  freePort(t),
		RemoteHost: echoHost,
		RemotePort: echoPort,
	})
	if err != nil {
		t.Fatalf("failed to create tunnel: %v", err)
	}

	// Starting without a session fails with a stable code.
	if result := eng.StartTunnel(tunnelID); result.Success {
		t.Fatal("start succeeded without a session")
	} else if result.ErrorCode != models.CodeConnectionNotActive {
		t.Errorf("error code = %s, want %s", result.ErrorCode, models.CodeConnectionNotActive)
	}

	if result := eng.Connect(endpointID); !result.Success {
		t.Fatalf("connect failed: %s", result.Message)
	}

	// Already started by connect; starting again is a no-op success.
	if result := eng.StartTunnel(tunnelID); !result.Success {
		t.Errorf("restart failed: %s", result.Message)
	}

	// Stop twice, then delete twice: all succeed.
	if err := eng.StopTunnel(tunnelID); err != nil {
		t.Errorf("stop failed: %v", err)
	}
	if err := eng.StopTunnel(tunnelID); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
	if err := eng.DeleteTunnel(tunnelID); err != nil {
		t.Errorf("delete failed: %v", err)
	}
	if err := eng.DeleteTunnel(tunnelID); err != nil {
		t.Errorf("second delete failed: %v", err)
	}

	if result := eng.StartTunnel(tunnelID); result.ErrorCode != models.CodeTunnelNotFound {
		t.Errorf("error code = %s, want %s", result.ErrorCode, models.CodeTunnelNotFound)
	}
}

func TestUnknownEndpointOperations(t *testing.T) {
	eng := newTestEngine(t)

	if result := eng.Connect("missing"); result.ErrorCode != models.CodeNotFound {
		t.Errorf("connect code = %s, want %s", result.ErrorCode, models.CodeNotFound)
	}
	if result := eng.Disconnect("missing"); result.ErrorCode != models.CodeNotFound {
		t.Errorf("disconnect code = %s, want %s", result.ErrorCode, models.CodeNotFound)
	}
	if _, err := eng.TestEndpoint("missing"); models.CodeOf(err) != models.CodeNotFound {
		t.Errorf("test error = %v, want NOT_FOUND", err)
	}
	if err := eng.DeleteEndpoint("missing"); models.CodeOf(err) != models.CodeNotFound {
		t.Errorf("delete error = %v, want NOT_FOUND", err)
	}
}

func TestAutoReconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping reconnect test in short mode")
	}

	sshServer := startTestSSHServer(t, "u", "pw")
	echoAddr := startEchoServer(t)
	echoHost, echoPort := splitAddr(t, echoAddr)

	eng := newTestEngine(t)
	if err := eng.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	endpointID := createPasswordEndpoint(t, eng, sshServer.addr)
	tunnelID, err := eng.CreateTunnel(models.Tunnel{
		Name:          "echo",
		EndpointID:    endpointID,
		Kind:          models.TunnelKindLocal,
		LocalPort:     freePort(t),
		RemoteHost:    echoHost,
		RemotePort:    echoPort,
		AutoReconnect: true,
	})
	if err != nil {
		t.Fatalf("failed to create tunnel: %v", err)
	}

	if result := eng.Connect(endpointID); !result.Success {
		t.Fatalf("connect failed: %s", result.Message)
	}

	// Kill the daemon and bring it back on the same port; the monitor must
	// notice the dead session and rebuild endpoint and tunnel.
	sshServer.stop()
	sshServer.start()

	waitFor(t, 10*time.Second, "endpoint to reconnect", func() bool {
		endpoint, err := eng.GetEndpoint(endpointID)
		return err == nil && endpoint.Status == models.EndpointConnected &&
			eng.reg.Get(endpointID) != nil
	})
	waitFor(t, 5*time.Second, "tunnel to reactivate", func() bool {
		tunnel, ok := eng.catalog.GetTunnel(tunnelID)
		return ok && tunnel.Status == models.TunnelActive && eng.isActive(tunnelID)
	})
}

func TestEventStream(t *testing.T) {
	sshServer := startTestSSHServer(t, "u", "pw")

	eng := newTestEngine(t)
	endpointID := createPasswordEndpoint(t, eng, sshServer.addr)

	events := eng.Subscribe()
	defer eng.Unsubscribe(events)

	if result := eng.Connect(endpointID); !result.Success {
		t.Fatalf("connect failed: %s", result.Message)
	}

	var statuses []string
	timeout := time.After(2 * time.Second)
	for len(statuses) < 2 {
		select {
		case event := <-events:
			if event.Kind == "endpoint" && event.ID == endpointID {
				statuses = append(statuses, event.Status)
			}
		case <-timeout:
			t.Fatalf("only saw events %v", statuses)
		}
	}

	if statuses[0] != string(models.EndpointConnecting) || statuses[1] != string(models.EndpointConnected) {
		t.Errorf("event sequence = %v, want [connecting connected]", statuses)
	}
}
