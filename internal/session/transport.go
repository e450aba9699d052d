package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
	"github.com/picklr-io/ec2-cli/internal/logging"
)

// Capability selects what a session is opened for.
type Capability int

const (
	// Shell is an interactive terminal or a remote command.
	Shell Capability = iota
	// Copy is a directed file or tree transfer.
	Copy
	// Pipe is an unframed byte stream bound to a remote command.
	Pipe
)

func (c Capability) String() string {
	switch c {
	case Shell:
		return "shell"
	case Copy:
		return "copy"
	case Pipe:
		return "pipe"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

// CredentialSource produces SSH credentials for an environment.
type CredentialSource func(env *lifecycle.Environment) (*Credentials, error)

// Options configures a Transport.
type Options struct {
	Credentials      CredentialSource
	HandshakeTimeout time.Duration
	Port             int
}

// Transport opens sessions to Ready environments.
type Transport struct {
	broker Broker
	opts   Options
}

// New returns a Transport over broker.
func New(broker Broker, opts Options) *Transport {
	if opts.Credentials == nil {
		opts.Credentials = func(env *lifecycle.Environment) (*Credentials, error) {
			return LoadCredentials(env.SSHKeyPath)
		}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	return &Transport{broker: broker, opts: opts}
}

// Session is one open broker channel with an SSH client on top. Close
// releases both on every exit path.
type Session struct {
	Env        *lifecycle.Environment
	Capability Capability

	conn   *channelConn
	client *ssh.Client
	creds  *Credentials

	once     sync.Once
	closeErr error
}

// Open checks readiness, opens a broker channel, and authenticates. A
// non-Ready environment fails with a NotReady error before any broker
// call is made.
func (t *Transport) Open(ctx context.Context, env *lifecycle.Environment, c Capability) (*Session, error) {
	if env == nil {
		return nil, apperr.Newf(apperr.KindNotReady, "session", "", "no environment")
	}
	if !env.Ready() || env.InstanceID == "" {
		return nil, apperr.Newf(apperr.KindNotReady, "session", env.Name,
			"environment is %s; sessions need a ready environment", env.Status)
	}

	creds, err := t.opts.Credentials(env)
	if err != nil {
		return nil, err
	}

	ch, err := t.broker.Open(ctx, OpenRequest{
		InstanceID: env.InstanceID,
		Region:     env.Region,
		AWSProfile: env.AWSProfile,
		Port:       t.opts.Port,
	})
	if err != nil {
		creds.Close()
		return nil, err
	}

	s := &Session{Env: env, Capability: c, conn: newConn(ch, env.InstanceID), creds: creds}
	client, err := t.handshake(ctx, s.conn, env, creds)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.client = client
	logging.Debug("session opened", "environment", env.Name, "capability", c)
	return s, nil
}

func (t *Transport) handshake(ctx context.Context, conn *channelConn, env *lifecycle.Environment, creds *Credentials) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: env.Username,
		Auth: creds.Methods,
		// The broker authenticates the instance by id; there is no stable
		// host key to pin for a throwaway machine.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.opts.HandshakeTimeout,
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, env.InstanceID, cfg)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{client: ssh.NewClient(c, chans, reqs)}
	}()

	timer := time.NewTimer(t.opts.HandshakeTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, apperr.New(apperr.KindTransport, "session", env.Name, fmt.Errorf("ssh handshake: %w", r.err))
		}
		return r.client, nil
	case <-ctx.Done():
		_ = conn.Close()
		return nil, apperr.New(apperr.KindCancelled, "session", env.Name, ctx.Err())
	case <-timer.C:
		_ = conn.Close()
		return nil, apperr.Newf(apperr.KindTransport, "session", env.Name, "ssh handshake timed out after %s", t.opts.HandshakeTimeout)
	}
}

// Close tears down the SSH client and the broker channel.
func (s *Session) Close() error {
	s.once.Do(func() {
		if s.client != nil {
			_ = s.client.Close()
		}
		s.closeErr = s.conn.Close()
		if s.creds != nil {
			s.creds.Close()
		}
	})
	return s.closeErr
}

func (s *Session) require(c Capability) error {
	if s.Capability != c {
		return apperr.Newf(apperr.KindInternal, "session", s.Env.Name,
			"%s operation on a %s session", c, s.Capability)
	}
	return nil
}

// Run executes command remotely and returns its exit status. A channel
// lost before the command reports a status is a Transport error.
func (s *Session) Run(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return -1, s.transportErr(err)
	}
	defer sess.Close()

	sess.Stdin = stdin
	sess.Stdout = stdout
	sess.Stderr = stderr
	if err := sess.Start(command); err != nil {
		return -1, s.transportErr(err)
	}
	return s.wait(ctx, sess)
}

func (s *Session) wait(ctx context.Context, sess *ssh.Session) (int, error) {
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err := <-done:
		return s.exitStatus(err)
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGTERM)
		_ = s.Close()
		<-done
		return -1, apperr.New(apperr.KindCancelled, "session", s.Env.Name, ctx.Err())
	}
}

func (s *Session) exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, s.transportErr(err)
}

func (s *Session) transportErr(err error) error {
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) || errors.Is(err, io.EOF) {
		err = fmt.Errorf("channel closed before the remote command finished: %w", err)
	}
	return apperr.New(apperr.KindTransport, "session", s.Env.Name, err)
}

// Stream is an unframed byte stream bound to one remote command's stdin
// and stdout.
type Stream struct {
	io.Reader
	io.WriteCloser
	sess *ssh.Session
	s    *Session
}

// Wait blocks until the remote command exits and returns its status.
func (p *Stream) Wait(ctx context.Context) (int, error) {
	return p.s.wait(ctx, p.sess)
}

// OpenPipe starts command remotely and hands back its raw stdio. The
// caller owns framing; stderr goes to errOut.
func (s *Session) OpenPipe(command string, errOut io.Writer) (*Stream, error) {
	if err := s.require(Pipe); err != nil {
		return nil, err
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, s.transportErr(err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, s.transportErr(err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, s.transportErr(err)
	}
	sess.Stderr = errOut
	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, s.transportErr(err)
	}
	return &Stream{Reader: stdout, WriteCloser: stdin, sess: sess, s: s}, nil
}

// Forward runs command and copies stdio both ways until the remote side
// exits. It is what the git bridge helper uses.
func (s *Session) Forward(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	stream, err := s.OpenPipe(command, stderr)
	if err != nil {
		return -1, err
	}
	go func() {
		_, _ = io.Copy(stream, stdin)
		_ = stream.Close()
	}()
	copied := make(chan error, 1)
	go func() {
		_, err := io.Copy(stdout, stream)
		copied <- err
	}()

	code, err := stream.Wait(ctx)
	if err != nil {
		return code, err
	}
	if cerr := <-copied; cerr != nil {
		return code, s.transportErr(cerr)
	}
	return code, nil
}
