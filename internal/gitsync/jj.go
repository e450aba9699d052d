package gitsync

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// VCS is the version control system that owns a working tree.
type VCS int

const (
	// VCSAuto detects the system from the working tree.
	VCSAuto VCS = iota
	VCSGit
	VCSJujutsu
)

func (v VCS) String() string {
	switch v {
	case VCSGit:
		return "git"
	case VCSJujutsu:
		return "jj"
	}
	return "auto"
}

// Detect reports Jujutsu when dir or one of its parents holds a .jj
// directory, git otherwise. Colocated repositories count as Jujutsu.
func Detect(dir string) VCS {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return VCSGit
	}
	for {
		if fi, err := os.Stat(filepath.Join(abs, ".jj")); err == nil && fi.IsDir() {
			return VCSJujutsu
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return VCSGit
		}
		abs = parent
	}
}

// Jujutsu runs jj against one workspace. Commands never snapshot the
// working copy, so a push or fetch cannot race an editor writing files.
type Jujutsu struct {
	dir    string
	env    []string
	binary string
}

// NewJujutsu returns a Jujutsu for dir. extraEnv is appended to the
// process environment of every jj command; jj's git backend honours
// GIT_SSH_COMMAND like git does.
func NewJujutsu(dir string, extraEnv ...string) *Jujutsu {
	return &Jujutsu{dir: dir, env: extraEnv, binary: "jj"}
}

// Run executes jj and returns trimmed stdout and stderr. jj reports
// progress such as "Nothing changed." on stderr.
func (j *Jujutsu) Run(ctx context.Context, args ...string) (string, string, error) {
	full := append([]string{"--no-pager", "--color=never", "--ignore-working-copy", "-R", j.dir}, args...)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, j.binary, full...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, j.env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", "", &GitError{
			Tool:   "jj",
			Args:   args,
			Dir:    j.dir,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), nil
}

// TopLevel returns the workspace root.
func (j *Jujutsu) TopLevel(ctx context.Context) (string, error) {
	out, _, err := j.Run(ctx, "root")
	return out, err
}

// RemoteURL returns the URL of a remote, or "" when it is not configured.
func (j *Jujutsu) RemoteURL(ctx context.Context, name string) (string, error) {
	out, _, err := j.Run(ctx, "git", "remote", "list")
	if err != nil {
		return "", err
	}
	return parseRemoteList(out)[name], nil
}

// AddRemote registers a new remote.
func (j *Jujutsu) AddRemote(ctx context.Context, name, url string) error {
	_, _, err := j.Run(ctx, "git", "remote", "add", name, url)
	return err
}

// SetRemoteURL points an existing remote at url.
func (j *Jujutsu) SetRemoteURL(ctx context.Context, name, url string) error {
	_, _, err := j.Run(ctx, "git", "remote", "set-url", name, url)
	return err
}

// RemoveRemote deletes a remote and its remote-tracking bookmarks.
func (j *Jujutsu) RemoveRemote(ctx context.Context, name string) error {
	_, _, err := j.Run(ctx, "git", "remote", "remove", name)
	return err
}

// CurrentBookmark returns the first local bookmark on the working copy's
// parent, or "" when it carries none.
func (j *Jujutsu) CurrentBookmark(ctx context.Context) (string, error) {
	out, _, err := j.Run(ctx, "log", "-r", "@-", "--no-graph", "-T", "bookmarks")
	if err != nil {
		return "", err
	}
	return parseBookmark(out), nil
}

// Push sends a bookmark to remote. jj refuses on its own when the remote
// bookmark moved since it was last fetched.
func (j *Jujutsu) Push(ctx context.Context, remote, bookmark string) (bool, error) {
	_, stderr, err := j.Run(ctx, "git", "push", "--allow-new", "--remote", remote, "--bookmark", bookmark)
	if err != nil {
		return false, err
	}
	return !nothingChanged(stderr), nil
}

// Fetch imports remote's bookmarks. Local changes on top of a moved
// bookmark are rebased by jj itself.
func (j *Jujutsu) Fetch(ctx context.Context, remote string) (bool, error) {
	_, stderr, err := j.Run(ctx, "git", "fetch", "--remote", remote)
	if err != nil {
		return false, err
	}
	return !nothingChanged(stderr), nil
}

// parseRemoteList reads "name url" lines from jj git remote list.
func parseRemoteList(out string) map[string]string {
	remotes := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			remotes[fields[0]] = fields[1]
		}
	}
	return remotes
}

// parseBookmark takes the first local name from a bookmarks template,
// dropping the "*" jj appends to bookmarks ahead of their remote and
// skipping remote-only entries such as "main@origin".
func parseBookmark(out string) string {
	for _, field := range strings.Fields(out) {
		name := strings.TrimSuffix(field, "*")
		if name == "" || strings.Contains(name, "@") {
			continue
		}
		return name
	}
	return ""
}

func nothingChanged(stderr string) bool {
	return strings.Contains(stderr, "Nothing changed")
}

// jjRejected reports a push jj refused because the remote bookmark moved.
func jjRejected(err error) bool {
	var ge *GitError
	if !errors.As(err, &ge) || ge.Tool != "jj" {
		return false
	}
	s := strings.ToLower(ge.Stderr)
	return strings.Contains(s, "unexpectedly") || strings.Contains(s, "rejected") || strings.Contains(s, "conflicted")
}
