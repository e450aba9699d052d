// Package gitsync pushes and pulls a local git repository to and from an
// environment. Git reaches the instance through the session pipe: its
// SSH command is this binary's hidden helper, never a direct network
// connection.
package gitsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Repository runs git against one working tree. Every command targets the
// directory with -C and never prompts for credentials.
type Repository struct {
	dir string
	env []string
}

// NewRepository returns a Repository for dir. extraEnv is appended to the
// process environment of every git command.
func NewRepository(dir string, extraEnv ...string) *Repository {
	return &Repository{dir: dir, env: extraEnv}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Run executes git and returns trimmed stdout. Stderr is folded into the
// error on failure.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := r.Command(ctx, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &GitError{
			Args:   args,
			Dir:    r.dir,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Command returns an unstarted git command for this repository.
func (r *Repository) Command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"-C", r.dir}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, r.env...)
	return cmd
}

// GitError is a failed git or jj invocation.
type GitError struct {
	// Tool is the executable; empty means git.
	Tool   string
	Args   []string
	Dir    string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	tool := e.Tool
	if tool == "" {
		tool = "git"
	}
	return fmt.Sprintf("%s %s in %s: %v (stderr: %s)", tool, strings.Join(e.Args, " "), e.Dir, e.Err, e.Stderr)
}

func (e *GitError) Unwrap() error { return e.Err }

// TopLevel returns the root of the working tree containing dir.
func (r *Repository) TopLevel(ctx context.Context) (string, error) {
	return r.Run(ctx, "rev-parse", "--show-toplevel")
}

// CurrentBranch returns the checked-out branch name, or an error when
// HEAD is detached.
func (r *Repository) CurrentBranch(ctx context.Context) (string, error) {
	name, err := r.Run(ctx, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("HEAD is not on a branch: %w", err)
	}
	return name, nil
}

// ResolveRef returns the commit a ref points at, or "" if it does not
// exist.
func (r *Repository) ResolveRef(ctx context.Context, ref string) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		var gerr *GitError
		if errors.As(err, &gerr) && exitCode(gerr.Err) == 1 {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// AheadBehind counts commits on local missing from remote (ahead) and on
// remote missing from local (behind).
func (r *Repository) AheadBehind(ctx context.Context, local, remote string) (ahead, behind int, err error) {
	out, err := r.Run(ctx, "rev-list", "--left-right", "--count", local+"..."+remote)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", out)
	}
	if ahead, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, err
	}
	if behind, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}

// RemoteURL returns the configured URL of a remote, or "" if the remote
// is not configured.
func (r *Repository) RemoteURL(ctx context.Context, name string) (string, error) {
	out, err := r.Run(ctx, "config", "--get", "remote."+name+".url")
	if err != nil {
		var gerr *GitError
		if errors.As(err, &gerr) && exitCode(gerr.Err) == 1 {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// AddRemote registers a new remote.
func (r *Repository) AddRemote(ctx context.Context, name, url string) error {
	_, err := r.Run(ctx, "remote", "add", name, url)
	return err
}

// SetRemoteURL points an existing remote at url.
func (r *Repository) SetRemoteURL(ctx context.Context, name, url string) error {
	_, err := r.Run(ctx, "remote", "set-url", name, url)
	return err
}

// RemoveRemote deletes a remote and its tracking refs.
func (r *Repository) RemoveRemote(ctx context.Context, name string) error {
	_, err := r.Run(ctx, "remote", "remove", name)
	return err
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
