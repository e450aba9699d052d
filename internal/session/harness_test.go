package session

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/picklr-io/ec2-cli/internal/lifecycle"
)

// testServer is an SSH server that runs exec and shell requests with the
// local sh, rooted in a temp home directory.
type testServer struct {
	home   string
	config *ssh.ServerConfig
}

func newTestServer(t *testing.T, client ssh.PublicKey) *testServer {
	t.Helper()
	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), client.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)
	return &testServer{home: t.TempDir(), config: cfg}
}

func (s *testServer) serve(conn net.Conn) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, creqs)
	}
}

func (s *testServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	started := false
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || started {
				_ = req.Reply(false, nil)
				continue
			}
			started = true
			_ = req.Reply(true, nil)
			go s.run(ch, exec.Command("sh", "-c", payload.Command))
		case "shell":
			if started {
				_ = req.Reply(false, nil)
				continue
			}
			started = true
			_ = req.Reply(true, nil)
			go s.run(ch, exec.Command("sh"))
		default:
			_ = req.Reply(true, nil)
		}
	}
}

func (s *testServer) run(ch ssh.Channel, cmd *exec.Cmd) {
	defer ch.Close()
	cmd.Dir = s.home
	cmd.Env = append(os.Environ(), "HOME="+s.home)
	cmd.Stdin = ch
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()

	code := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = 127
		}
	}
	status := struct{ Status uint32 }{uint32(code)}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
}

// memChannel is one end of an in-memory pipe with optional short writes,
// per-send latency, and loss after a number of received bytes.
type memChannel struct {
	conn      net.Conn
	maxWrite  int
	latency   time.Duration
	dropAfter int64

	received atomic.Int64
	sends    atomic.Int64
	closed   atomic.Bool
}

func (c *memChannel) Send(p []byte) (int, error) {
	c.sends.Add(1)
	if c.latency > 0 {
		time.Sleep(c.latency)
	}
	if c.maxWrite > 0 && len(p) > c.maxWrite {
		p = p[:c.maxWrite]
	}
	return c.conn.Write(p)
}

func (c *memChannel) Receive(p []byte) (int, error) {
	if c.dropAfter > 0 {
		left := c.dropAfter - c.received.Load()
		if left <= 0 {
			_ = c.conn.Close()
			return 0, errors.New("broker channel lost")
		}
		if int64(len(p)) > left {
			p = p[:left]
		}
	}
	n, err := c.conn.Read(p)
	c.received.Add(int64(n))
	return n, err
}

func (c *memChannel) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}

type memBroker struct {
	server *testServer
	shape  func(*memChannel)

	mu       sync.Mutex
	opens    int
	channels []*memChannel
	requests []OpenRequest
}

// loopbackPair returns both ends of a loopback TCP connection. Unlike
// net.Pipe its writes are buffered, so both SSH peers can send their
// version banner before either reads.
func loopbackPair() (net.Conn, net.Conn, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		ch <- accepted{c, err}
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, err
	}
	a := <-ch
	if a.err != nil {
		_ = client.Close()
		return nil, nil, a.err
	}
	return client, a.conn, nil
}

func (b *memBroker) Open(_ context.Context, req OpenRequest) (Channel, error) {
	client, server, err := loopbackPair()
	if err != nil {
		return nil, err
	}
	go b.server.serve(server)
	ch := &memChannel{conn: client}
	if b.shape != nil {
		b.shape(ch)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	b.channels = append(b.channels, ch)
	b.requests = append(b.requests, req)
	return ch, nil
}

func (b *memBroker) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

func (b *memBroker) last() *memChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels[len(b.channels)-1]
}

type harness struct {
	broker    *memBroker
	transport *Transport
	env       *lifecycle.Environment
	home      string
}

func newHarness(t *testing.T, shape func(*memChannel)) *harness {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	srv := newTestServer(t, signer.PublicKey())
	b := &memBroker{server: srv, shape: shape}
	tr := New(b, Options{
		Credentials: func(*lifecycle.Environment) (*Credentials, error) {
			return &Credentials{Methods: []ssh.AuthMethod{ssh.PublicKeys(signer)}, Close: func() {}}, nil
		},
		HandshakeTimeout: 10 * time.Second,
	})
	return &harness{broker: b, transport: tr, env: readyEnv(), home: srv.home}
}

func (h *harness) open(t *testing.T, c Capability) *Session {
	t.Helper()
	s, err := h.transport.Open(context.Background(), h.env, c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readyEnv() *lifecycle.Environment {
	return &lifecycle.Environment{
		Name:       "dev",
		InstanceID: "i-0123456789abcdef0",
		Region:     "us-east-1",
		AWSProfile: "sandbox",
		Username:   "dev",
		Status:     lifecycle.Status{Phase: lifecycle.Ready},
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}
