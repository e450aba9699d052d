package gitsync

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/bootscript"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
	"github.com/picklr-io/ec2-cli/internal/logging"
)

// Environment variables the bridge sets for git and its SSH helper.
const (
	EnvEnvironment = "EC2_CLI_ENVIRONMENT"
	RemotePrefix   = "ec2-"
)

// RemoteRunner runs a shell command on the environment.
type RemoteRunner interface {
	RunRemote(ctx context.Context, env *lifecycle.Environment, command string) error
}

// Options configures a Bridge.
type Options struct {
	// SSHCommand is exported to git as GIT_SSH_COMMAND.
	SSHCommand string
	// RepoPath locates the remote repository; defaults to
	// /home/<user>/repos/<project>.git.
	RepoPath func(env *lifecycle.Environment, project string) string
	// URL is the git remote URL; defaults to <user>@<instance>:<RepoPath>.
	URL func(env *lifecycle.Environment, repoPath string) string
	// Runner prepares the remote repository. Nil skips that step.
	Runner RemoteRunner
	// VCS forces git or Jujutsu; VCSAuto detects it from the tree.
	VCS VCS
}

// workspace is the remote bookkeeping git and jj share.
type workspace interface {
	TopLevel(ctx context.Context) (string, error)
	RemoteURL(ctx context.Context, name string) (string, error)
	AddRemote(ctx context.Context, name, url string) error
	SetRemoteURL(ctx context.Context, name, url string) error
	RemoveRemote(ctx context.Context, name string) error
}

// Bridge synchronizes one local working tree with environments.
type Bridge struct {
	dir  string
	opts Options
}

// New returns a Bridge for the working tree at dir.
func New(dir string, opts Options) *Bridge {
	if opts.RepoPath == nil {
		opts.RepoPath = DefaultRepoPath
	}
	if opts.URL == nil {
		opts.URL = DefaultURL
	}
	if opts.VCS == VCSAuto {
		opts.VCS = Detect(dir)
	}
	return &Bridge{dir: dir, opts: opts}
}

// VCS returns the version control system the bridge drives.
func (b *Bridge) VCS() VCS {
	return b.opts.VCS
}

// DefaultRepoPath is where the boot script creates project repositories.
func DefaultRepoPath(env *lifecycle.Environment, project string) string {
	return fmt.Sprintf("/home/%s/repos/%s.git", env.Username, project)
}

// DefaultURL addresses the instance by id; the SSH helper resolves it.
func DefaultURL(env *lifecycle.Environment, repoPath string) string {
	return fmt.Sprintf("%s@%s:%s", env.Username, env.InstanceID, repoPath)
}

// RemoteName is the git remote registered for an environment.
func RemoteName(envName string) string {
	return RemotePrefix + envName
}

// Remote describes the git remote bound to an environment.
type Remote struct {
	Name    string
	URL     string
	Project string
	Path    string
	Added   bool
	Updated bool
}

// Result reports one push or pull.
type Result struct {
	Remote  string
	Branch  string
	Ahead   int
	Behind  int
	Changed bool
	Forced  bool
}

func (r *Result) String() string {
	if !r.Changed {
		return fmt.Sprintf("%s: %s already up to date", r.Remote, r.Branch)
	}
	if r.Forced {
		return fmt.Sprintf("%s: %s force-updated", r.Remote, r.Branch)
	}
	return fmt.Sprintf("%s: %s updated", r.Remote, r.Branch)
}

func (b *Bridge) env(env *lifecycle.Environment) []string {
	if env == nil {
		return nil
	}
	extra := []string{EnvEnvironment + "=" + env.Name}
	if b.opts.SSHCommand != "" {
		extra = append(extra, "GIT_SSH_COMMAND="+b.opts.SSHCommand, "GIT_SSH_VARIANT=simple")
	}
	return extra
}

func (b *Bridge) repo(env *lifecycle.Environment) *Repository {
	return NewRepository(b.dir, b.env(env)...)
}

func (b *Bridge) jj(env *lifecycle.Environment) *Jujutsu {
	return NewJujutsu(b.dir, b.env(env)...)
}

// workspace returns the remote bookkeeping for the tree; env may be nil
// for commands that never reach the instance.
func (b *Bridge) workspace(env *lifecycle.Environment) workspace {
	if b.opts.VCS == VCSJujutsu {
		return b.jj(env)
	}
	return b.repo(env)
}

// Project returns the remote project name: the environment's configured
// project, else the base name of the working tree.
func (b *Bridge) Project(ctx context.Context, env *lifecycle.Environment) (string, error) {
	name := env.Project
	if name == "" {
		top, err := b.workspace(nil).TopLevel(ctx)
		if err != nil {
			return "", apperr.New(apperr.KindUserInput, "sync", b.dir, fmt.Errorf("not a %s repository: %w", b.opts.VCS, err))
		}
		name = filepath.Base(top)
	}
	if err := bootscript.ValidateProjectName(name); err != nil {
		return "", apperr.New(apperr.KindUserInput, "sync", name, err)
	}
	return name, nil
}

// EnsureRemote makes sure the remote repository exists and the local
// remote points at it. Repeated calls change nothing.
func (b *Bridge) EnsureRemote(ctx context.Context, env *lifecycle.Environment) (*Remote, error) {
	if !env.Ready() {
		return nil, apperr.Newf(apperr.KindNotReady, "sync", env.Name, "environment is %s", env.Status)
	}
	project, err := b.Project(ctx, env)
	if err != nil {
		return nil, err
	}
	path := b.opts.RepoPath(env, project)
	rem := &Remote{
		Name:    RemoteName(env.Name),
		URL:     b.opts.URL(env, path),
		Project: project,
		Path:    path,
	}

	if b.opts.Runner != nil {
		if err := b.opts.Runner.RunRemote(ctx, env, ensureRepoScript(path)); err != nil {
			return nil, err
		}
	}

	ws := b.workspace(env)
	current, err := ws.RemoteURL(ctx, rem.Name)
	if err != nil {
		return nil, b.gitErr(env, err)
	}
	switch {
	case current == "":
		if err := ws.AddRemote(ctx, rem.Name, rem.URL); err != nil {
			return nil, b.gitErr(env, err)
		}
		rem.Added = true
	case current != rem.URL:
		if err := ws.SetRemoteURL(ctx, rem.Name, rem.URL); err != nil {
			return nil, b.gitErr(env, err)
		}
		rem.Updated = true
	}
	if rem.Added || rem.Updated {
		logging.Info("remote configured", "vcs", b.opts.VCS, "remote", rem.Name, "url", rem.URL)
	}
	return rem, nil
}

// RemoveRemote deletes the environment's git remote and its tracking
// refs. A missing remote is not an error.
func (b *Bridge) RemoveRemote(ctx context.Context, envName string) (bool, error) {
	ws := b.workspace(nil)
	name := RemoteName(envName)
	current, err := ws.RemoteURL(ctx, name)
	if err != nil || current == "" {
		return false, err
	}
	if err := ws.RemoveRemote(ctx, name); err != nil {
		return false, err
	}
	logging.Info("remote removed", "vcs", b.opts.VCS, "remote", name)
	return true, nil
}

// ensureRepoScript creates a bare repository at path unless one exists.
func ensureRepoScript(path string) string {
	q := "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
	return fmt.Sprintf(`set -e
if [ ! -d %[1]s ]; then
  mkdir -p "$(dirname %[1]s)"
  git init --bare -q %[1]s
fi`, q)
}

// PushOptions selects what Push sends.
type PushOptions struct {
	Branch string
	Force  bool
}

// Push sends the branch to the environment. It refuses when the remote
// has commits the local branch lacks unless Force is set, and even then
// only replaces the remote tip that was just fetched.
func (b *Bridge) Push(ctx context.Context, env *lifecycle.Environment, opts PushOptions) (*Result, error) {
	rem, err := b.EnsureRemote(ctx, env)
	if err != nil {
		return nil, err
	}
	if b.opts.VCS == VCSJujutsu {
		return b.pushJJ(ctx, env, rem, opts)
	}
	repo := b.repo(env)
	branch, err := b.branch(ctx, repo, env, opts.Branch)
	if err != nil {
		return nil, err
	}
	local, err := repo.ResolveRef(ctx, "refs/heads/"+branch)
	if err != nil {
		return nil, b.gitErr(env, err)
	}
	if local == "" {
		return nil, apperr.Newf(apperr.KindUserInput, "sync", branch, "local branch %s has no commits", branch)
	}

	if _, err := repo.Run(ctx, "fetch", "--quiet", rem.Name); err != nil {
		return nil, b.transportErr(env, err)
	}
	tracking := "refs/remotes/" + rem.Name + "/" + branch
	remote, err := repo.ResolveRef(ctx, tracking)
	if err != nil {
		return nil, b.gitErr(env, err)
	}

	res := &Result{Remote: rem.Name, Branch: branch}
	if remote != "" {
		res.Ahead, res.Behind, err = repo.AheadBehind(ctx, local, remote)
		if err != nil {
			return nil, b.gitErr(env, err)
		}
		if res.Ahead == 0 && res.Behind == 0 {
			return res, nil
		}
		if res.Behind > 0 && !opts.Force {
			return nil, b.conflict(env, branch, res, "push")
		}
	}

	args := []string{"push", "--quiet"}
	if opts.Force && remote != "" && res.Behind > 0 {
		args = append(args, "--force-with-lease=refs/heads/"+branch+":"+remote)
		res.Forced = true
	}
	args = append(args, rem.Name, "refs/heads/"+branch+":refs/heads/"+branch)
	if _, err := repo.Run(ctx, args...); err != nil {
		return nil, b.transportErr(env, err)
	}
	res.Changed = true
	logging.Info("pushed branch", "environment", env.Name, "branch", branch, "ahead", res.Ahead, "forced", res.Forced)
	return res, nil
}

// PullOptions selects what Pull fetches.
type PullOptions struct {
	Branch string
}

// Pull fast-forwards the local branch to the environment's. Divergent
// history is a conflict; nothing local changes in that case.
func (b *Bridge) Pull(ctx context.Context, env *lifecycle.Environment, opts PullOptions) (*Result, error) {
	rem, err := b.EnsureRemote(ctx, env)
	if err != nil {
		return nil, err
	}
	if b.opts.VCS == VCSJujutsu {
		return b.pullJJ(ctx, env, rem, opts)
	}
	repo := b.repo(env)
	branch, err := b.branch(ctx, repo, env, opts.Branch)
	if err != nil {
		return nil, err
	}

	if _, err := repo.Run(ctx, "fetch", "--quiet", rem.Name); err != nil {
		return nil, b.transportErr(env, err)
	}
	tracking := "refs/remotes/" + rem.Name + "/" + branch
	remote, err := repo.ResolveRef(ctx, tracking)
	if err != nil {
		return nil, b.gitErr(env, err)
	}
	if remote == "" {
		return nil, apperr.Newf(apperr.KindNotFound, "sync", branch, "%s has no branch %s", rem.Name, branch)
	}

	res := &Result{Remote: rem.Name, Branch: branch}
	local, err := repo.ResolveRef(ctx, "refs/heads/"+branch)
	if err != nil {
		return nil, b.gitErr(env, err)
	}
	if local != "" {
		res.Ahead, res.Behind, err = repo.AheadBehind(ctx, local, remote)
		if err != nil {
			return nil, b.gitErr(env, err)
		}
		if res.Behind == 0 {
			return res, nil
		}
		if res.Ahead > 0 {
			return nil, b.conflict(env, branch, res, "pull")
		}
	}

	current, _ := repo.CurrentBranch(ctx)
	if current == branch {
		_, err = repo.Run(ctx, "merge", "--ff-only", "--quiet", tracking)
	} else {
		args := []string{"update-ref", "refs/heads/" + branch, remote}
		if local != "" {
			args = append(args, local)
		}
		_, err = repo.Run(ctx, args...)
	}
	if err != nil {
		return nil, b.gitErr(env, err)
	}
	res.Changed = true
	logging.Info("pulled branch", "environment", env.Name, "branch", branch, "behind", res.Behind)
	return res, nil
}

func (b *Bridge) branch(ctx context.Context, repo *Repository, env *lifecycle.Environment, name string) (string, error) {
	if name != "" {
		if _, err := repo.Run(ctx, "check-ref-format", "--branch", name); err != nil {
			return "", apperr.New(apperr.KindUserInput, "sync", name, err)
		}
		return name, nil
	}
	current, err := repo.CurrentBranch(ctx)
	if err != nil {
		return "", apperr.New(apperr.KindUserInput, "sync", env.Name, err)
	}
	return current, nil
}

// pushJJ pushes one bookmark: the named one, else the first bookmark on
// the working copy's parent. Force is implied; jj already refuses to
// overwrite a remote bookmark that moved since the last fetch.
func (b *Bridge) pushJJ(ctx context.Context, env *lifecycle.Environment, rem *Remote, opts PushOptions) (*Result, error) {
	jj := b.jj(env)
	bookmark := opts.Branch
	if bookmark == "" {
		current, err := jj.CurrentBookmark(ctx)
		if err != nil {
			return nil, b.gitErr(env, err)
		}
		if current == "" {
			return nil, apperr.Newf(apperr.KindUserInput, "sync", env.Name, "no bookmark on @-; create one or pass --branch")
		}
		bookmark = current
	}
	res := &Result{Remote: rem.Name, Branch: bookmark}
	changed, err := jj.Push(ctx, rem.Name, bookmark)
	if err != nil {
		if jjRejected(err) {
			return nil, apperr.New(apperr.KindSyncConflict, "sync", env.Name+"/"+bookmark,
				fmt.Errorf("%s moved %s since the last fetch; pull first: %w", rem.Name, bookmark, err))
		}
		return nil, b.transportErr(env, err)
	}
	res.Changed = changed
	logging.Info("pushed bookmark", "environment", env.Name, "bookmark", bookmark, "changed", changed)
	return res, nil
}

// pullJJ fetches every bookmark from the environment; jj rebases local
// descendants itself, so there is no fast-forward step.
func (b *Bridge) pullJJ(ctx context.Context, env *lifecycle.Environment, rem *Remote, opts PullOptions) (*Result, error) {
	if opts.Branch != "" {
		logging.Warn("jj fetch imports every bookmark; --branch is ignored", "branch", opts.Branch)
	}
	changed, err := b.jj(env).Fetch(ctx, rem.Name)
	if err != nil {
		return nil, b.transportErr(env, err)
	}
	res := &Result{Remote: rem.Name, Branch: "all bookmarks", Changed: changed}
	logging.Info("fetched bookmarks", "environment", env.Name, "changed", changed)
	return res, nil
}

func (b *Bridge) conflict(env *lifecycle.Environment, branch string, res *Result, op string) error {
	var hint string
	switch {
	case res.Ahead > 0 && res.Behind > 0:
		hint = fmt.Sprintf("local and %s have diverged (%d local, %d remote commits); reconcile manually", res.Remote, res.Ahead, res.Behind)
	case op == "push":
		hint = fmt.Sprintf("%s has %d commits not in local %s; pull first or push --force", res.Remote, res.Behind, branch)
	default:
		hint = fmt.Sprintf("local %s has %d commits not in %s", branch, res.Ahead, res.Remote)
	}
	return apperr.Newf(apperr.KindSyncConflict, "sync", env.Name+"/"+branch, "%s", hint)
}

func (b *Bridge) gitErr(env *lifecycle.Environment, err error) error {
	return apperr.New(apperr.KindInternal, "sync", env.Name, err)
}

// transportErr classifies a failed fetch or push; git reports channel
// problems and rejections the same way, so the stderr text travels along.
func (b *Bridge) transportErr(env *lifecycle.Environment, err error) error {
	return apperr.New(apperr.KindTransport, "sync", env.Name, err)
}
