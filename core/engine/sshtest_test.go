package engine

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal in-process SSH server accepting password auth,
// direct-tcpip channels and exec requests, enough to exercise the full
// connect/forward/keepalive path without a real sshd.
type testSSHServer struct {
	t        *testing.T
	addr     string
	config   *ssh.ServerConfig
	listener net.Listener

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

// startTestSSHServer starts a server accepting user/pass on a loopback
// port. Use s.addr to reach it and s.stop() to kill it; start the same
// server again with s.start() to simulate a daemon restart.
func startTestSSHServer(t *testing.T, user, pass string) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == user && string(password) == pass {
				return nil, nil
			}
			return nil, fmt.Errorf("auth rejected for %s", meta.User())
		},
	}
	config.AddHostKey(signer)

	s := &testSSHServer{t: t, config: config}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()
	go s.serve(listener)

	t.Cleanup(s.stop)
	return s
}

// start listens again on the original address after a stop.
func (s *testSSHServer) start() {
	s.t.Helper()
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.t.Fatalf("failed to relisten on %s: %v", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	go s.serve(listener)
}

// stop closes the listener and every live connection.
func (s *testSSHServer) stop() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *testSSHServer) serve(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *testSSHServer) handleConn(conn net.Conn) {
	serverConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	defer serverConn.Close()
	go s.handleGlobalRequests(serverConn, reqs)

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			s.wg.Add(1)
			go func(nc ssh.NewChannel) {
				defer s.wg.Done()
				s.handleSession(nc)
			}(newChan)
		case "direct-tcpip":
			s.wg.Add(1)
			go func(nc ssh.NewChannel) {
				defer s.wg.Done()
				s.handleDirectTCPIP(nc)
			}(newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

// handleSession accepts exec requests and reports success, which is all the
// liveness probe needs.
func (s *testSSHServer) handleSession(newChan ssh.NewChannel) {
	channel, requests, err := newChan.Accept()
	if err != nil {
		return
	}
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		status := make([]byte, 4)
		binary.BigEndian.PutUint32(status, 0)
		channel.SendRequest("exit-status", false, status)
		return
	}
}

// tcpipForwardMsg is the payload of a tcpip-forward global request.
type tcpipForwardMsg struct {
	BindAddr string
	BindPort uint32
}

// forwardedTCPIPMsg is the payload of a forwarded-tcpip channel open.
type forwardedTCPIPMsg struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// handleGlobalRequests implements tcpip-forward: listen locally on the
// requested port and push each accepted connection back to the client as a
// forwarded-tcpip channel.
func (s *testSSHServer) handleGlobalRequests(serverConn *ssh.ServerConn, reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type != "tcpip-forward" {
			req.Reply(false, nil)
			continue
		}

		var msg tcpipForwardMsg
		if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
			req.Reply(false, nil)
			continue
		}

		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", msg.BindPort))
		if err != nil {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		// The forward dies with the connection that requested it.
		go func() {
			serverConn.Wait()
			listener.Close()
		}()

		s.wg.Add(1)
		go func(bind tcpipForwardMsg) {
			defer s.wg.Done()
			defer listener.Close()
			for {
				conn, err := listener.Accept()
				if err != nil {
					return
				}

				payload := ssh.Marshal(&forwardedTCPIPMsg{
					Addr:       bind.BindAddr,
					Port:       bind.BindPort,
					OriginAddr: "127.0.0.1",
					OriginPort: uint32(conn.RemoteAddr().(*net.TCPAddr).Port),
				})
				channel, requests, err := serverConn.OpenChannel("forwarded-tcpip", payload)
				if err != nil {
					conn.Close()
					continue
				}
				go ssh.DiscardRequests(requests)

				go func() {
					io.Copy(channel, conn)
					channel.Close()
				}()
				go func() {
					io.Copy(conn, channel)
					conn.Close()
				}()
			}
		}(msg)
	}
}

// directTCPIPMsg is the payload of a direct-tcpip channel open request.
type directTCPIPMsg struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// handleDirectTCPIP dials the requested destination and relays bytes.
func (s *testSSHServer) handleDirectTCPIP(newChan ssh.NewChannel) {
	var msg directTCPIPMsg
	if err := ssh.Unmarshal(newChan.ExtraData(), &msg); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}

	target, err := net.Dial("tcp", fmt.Sprintf("%s:%d", msg.DestAddr, msg.DestPort))
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	channel, requests, err := newChan.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(requests)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(target, channel)
		target.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(channel, target)
		channel.Close()
	}()
	wg.Wait()
}

// startEchoServer runs a TCP server echoing every byte back, used as the
// origin behind a local forward.
func startEchoServer(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start echo server: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	return listener.Addr().String()
}

// freePort reserves and releases a loopback port for a tunnel to bind.
func freePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to probe for free port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}
