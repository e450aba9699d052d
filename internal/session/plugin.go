package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/cloud"
	"github.com/picklr-io/ec2-cli/internal/logging"
)

const (
	// PluginBinary is the session manager plugin executable.
	PluginBinary = "session-manager-plugin"
	// SSHDocument forwards a broker session to the instance SSH port.
	SSHDocument = "AWS-StartSSHSession"

	pluginExitWait = 3 * time.Second
	releaseTimeout = 10 * time.Second
)

// PluginBroker opens channels by starting a broker session through the
// gateway and handing its token to the session manager plugin, whose
// stdin and stdout carry the stream.
type PluginBroker struct {
	sessions cloud.Broker
	binary   string
	stderr   io.Writer
	command  func(name string, args ...string) *exec.Cmd
}

// NewPluginBroker returns a broker using the plugin found on PATH.
func NewPluginBroker(sessions cloud.Broker) *PluginBroker {
	return &PluginBroker{
		sessions: sessions,
		binary:   PluginBinary,
		stderr:   os.Stderr,
		command:  exec.Command,
	}
}

// WithStderr sends the plugin's diagnostics to w.
func (b *PluginBroker) WithStderr(w io.Writer) *PluginBroker {
	b.stderr = w
	return b
}

// Open starts a broker session and the plugin process bound to it. The
// session is released if the plugin cannot be started.
func (b *PluginBroker) Open(ctx context.Context, req OpenRequest) (Channel, error) {
	path, err := exec.LookPath(b.binary)
	if err != nil {
		return nil, apperr.Newf(apperr.KindConfiguration, "session", b.binary,
			"%s not found on PATH; install the AWS Session Manager plugin", b.binary)
	}

	port := req.Port
	if port == 0 {
		port = DefaultPort
	}
	params := map[string][]string{"portNumber": {strconv.Itoa(port)}}

	token, err := b.sessions.StartSession(ctx, cloud.SessionRequest{
		InstanceID: req.InstanceID,
		Document:   SSHDocument,
		Parameters: params,
	})
	if err != nil {
		return nil, apperr.New(apperr.KindCloudAPI, "session", req.InstanceID, err)
	}

	args, err := pluginArgs(token, req, params)
	if err != nil {
		b.release(token.SessionID)
		return nil, apperr.New(apperr.KindInternal, "session", req.InstanceID, err)
	}

	tail := &stderrTail{}
	cmd := b.command(path, args...)
	cmd.Stderr = io.MultiWriter(b.stderr, tail)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		b.release(token.SessionID)
		return nil, apperr.New(apperr.KindTransport, "session", req.InstanceID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.release(token.SessionID)
		return nil, apperr.New(apperr.KindTransport, "session", req.InstanceID, err)
	}
	if err := cmd.Start(); err != nil {
		b.release(token.SessionID)
		return nil, apperr.New(apperr.KindTransport, "session", req.InstanceID,
			fmt.Errorf("start %s: %w", b.binary, err))
	}

	logging.Debug("broker session opened", "instance", req.InstanceID, "session", token.SessionID)
	return &pluginChannel{
		cmd:      cmd,
		instance: req.InstanceID,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   tail,
		release:  func() { b.release(token.SessionID) },
		done:     make(chan struct{}),
	}, nil
}

func (b *PluginBroker) release(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := b.sessions.TerminateSession(ctx, sessionID); err != nil {
		logging.Warn("failed to release broker session", "session", sessionID, "error", err)
	}
}

func pluginArgs(token cloud.SessionToken, req OpenRequest, params map[string][]string) ([]string, error) {
	sessionJSON, err := json.Marshal(map[string]string{
		"SessionId":  token.SessionID,
		"StreamUrl":  token.StreamURL,
		"TokenValue": token.TokenValue,
	})
	if err != nil {
		return nil, err
	}
	paramsJSON, err := json.Marshal(map[string]any{
		"Target":       req.InstanceID,
		"DocumentName": SSHDocument,
		"Parameters":   params,
	})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("https://ssm.%s.amazonaws.com", req.Region)
	return []string{
		string(sessionJSON),
		req.Region,
		"StartSession",
		req.AWSProfile,
		string(paramsJSON),
		endpoint,
	}, nil
}

type pluginChannel struct {
	cmd      *exec.Cmd
	instance string
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   *stderrTail
	release  func()

	once sync.Once
	done chan struct{}
	// closeErr is the plugin's own failure exit, if any. A plugin killed
	// after the exit wait is not an error.
	closeErr error
}

func (c *pluginChannel) Send(p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, ErrChannelClosed
	default:
	}
	return c.stdin.Write(p)
}

func (c *pluginChannel) Receive(p []byte) (int, error) {
	return c.stdout.Read(p)
}

// Close stops the plugin and releases the broker session. It is safe to
// call more than once.
func (c *pluginChannel) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.stdin.Close()

		exited := make(chan error, 1)
		go func() { exited <- c.cmd.Wait() }()
		select {
		case err := <-exited:
			if err != nil {
				msg := c.stderr.String()
				if msg == "" {
					msg = "no diagnostics"
				}
				c.closeErr = apperr.New(apperr.KindTransport, "session", c.instance,
					fmt.Errorf("session manager plugin exited: %w: %s", err, msg))
			}
		case <-time.After(pluginExitWait):
			_ = c.cmd.Process.Kill()
			<-exited
		}
		c.release()
	})
	return c.closeErr
}

// stderrTail keeps the last bytes written to it for error messages.
type stderrTail struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

const stderrTailSize = 4096

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - stderrTailSize; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf.Bytes()))
}
