package gitsync

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
	"github.com/picklr-io/ec2-cli/internal/session"
)

// HelperCommand is the hidden subcommand git runs as its SSH program.
const HelperCommand = "__git-ssh"

// allowedServices are the only remote programs git may ask for.
var allowedServices = []string{"git-receive-pack", "git-upload-pack", "git-upload-archive"}

// HelperRequest is what git asked its SSH program to do.
type HelperRequest struct {
	User    string
	Host    string
	Command string
}

// ParseHelperArgs reads the [user@]host and remote command git passes to
// a "simple" SSH variant. Only git's own services are accepted.
func ParseHelperArgs(args []string) (HelperRequest, error) {
	if len(args) < 2 {
		return HelperRequest{}, apperr.Newf(apperr.KindUserInput, "sync", HelperCommand,
			"expected [user@]host and a command, got %d arguments", len(args))
	}
	var req HelperRequest
	req.Host = args[0]
	if at := strings.LastIndex(req.Host, "@"); at >= 0 {
		req.User, req.Host = req.Host[:at], req.Host[at+1:]
	}
	req.Command = strings.Join(args[1:], " ")

	fields := strings.Fields(req.Command)
	if len(fields) == 0 {
		return HelperRequest{}, apperr.Newf(apperr.KindUserInput, "sync", HelperCommand, "empty remote command")
	}
	service := fields[0]
	for _, s := range allowedServices {
		if service == s {
			return req, nil
		}
	}
	return HelperRequest{}, apperr.Newf(apperr.KindUserInput, "sync", service, "refusing to run %q remotely", service)
}

// Forward opens a pipe session to env and connects git's stdio to the
// remote service.
func Forward(ctx context.Context, t *session.Transport, env *lifecycle.Environment, command string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	s, err := t.Open(ctx, env, session.Pipe)
	if err != nil {
		return -1, err
	}
	defer s.Close()
	return s.Forward(ctx, command, stdin, stdout, stderr)
}

// SessionRunner runs remote setup commands over a shell session.
type SessionRunner struct {
	Transport *session.Transport
}

// RunRemote implements RemoteRunner.
func (r SessionRunner) RunRemote(ctx context.Context, env *lifecycle.Environment, command string) error {
	s, err := r.Transport.Open(ctx, env, session.Shell)
	if err != nil {
		return err
	}
	defer s.Close()

	var errOut bytes.Buffer
	code, err := s.Run(ctx, command, nil, io.Discard, &errOut)
	if err != nil {
		return err
	}
	if code != 0 {
		return apperr.Newf(apperr.KindTransport, "sync", env.Name,
			"remote setup exited %d: %s", code, strings.TrimSpace(errOut.String()))
	}
	return nil
}
