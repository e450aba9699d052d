package session

import (
	"context"
	"io"
	"os"
	"os/signal"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/picklr-io/ec2-cli/internal/logging"
)

// Terminal is the local side of a shell session.
type Terminal struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// StdTerminal is the invoking process's terminal.
func StdTerminal() Terminal {
	return Terminal{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

const defaultTerm = "xterm-256color"

// Shell attaches term to a remote login shell, or to command when it is
// non-empty, and blocks until the remote side exits or ctx is cancelled.
// When In is a terminal it is put in raw mode and its size is forwarded.
func (s *Session) Shell(ctx context.Context, t Terminal, command string) (int, error) {
	if err := s.require(Shell); err != nil {
		return -1, err
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return -1, s.transportErr(err)
	}
	defer sess.Close()

	sess.Stdin = t.In
	sess.Stdout = t.Out
	sess.Stderr = t.Err

	if f, ok := t.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		restore, err := s.attachTTY(sess, f)
		if err != nil {
			return -1, err
		}
		defer restore()
	}

	if command == "" {
		err = sess.Shell()
	} else {
		err = sess.Start(command)
	}
	if err != nil {
		return -1, s.transportErr(err)
	}
	return s.wait(ctx, sess)
}

func (s *Session) attachTTY(sess *ssh.Session, f *os.File) (func(), error) {
	fd := int(f.Fd())
	width, height, err := term.GetSize(fd)
	if err != nil {
		width, height = 80, 24
	}
	termName := os.Getenv("TERM")
	if termName == "" {
		termName = defaultTerm
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(termName, height, width, modes); err != nil {
		return nil, s.transportErr(err)
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, s.transportErr(err)
	}

	resize := make(chan os.Signal, 1)
	signal.Notify(resize, unix.SIGWINCH)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-resize:
				w, h, err := term.GetSize(fd)
				if err != nil {
					continue
				}
				if err := sess.WindowChange(h, w); err != nil {
					logging.Debug("window change failed", "error", err)
				}
			}
		}
	}()

	return func() {
		signal.Stop(resize)
		close(stop)
		_ = term.Restore(fd, state)
	}, nil
}
