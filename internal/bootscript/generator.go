// Package bootscript renders the first-boot script for a development
// instance. Rendering is pure: the same input yields the same bytes.
package bootscript

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/profile"
)

const (
	// MaxUserDataBytes is the provider's limit on raw user data.
	MaxUserDataBytes = 16384
	// ReadyMarkerPath is written on the instance when boot completes.
	ReadyMarkerPath = "/var/lib/ec2-cli/ready"
	// ReadyLinePrefix starts the console line announcing completion.
	ReadyLinePrefix = "EC2_CLI_READY"
	// LogPath receives the script's output on the instance.
	LogPath = "/var/log/ec2-cli-init.log"
)

// ErrScriptTooLarge is returned when the rendered script exceeds
// MaxUserDataBytes.
var ErrScriptTooLarge = errors.New("boot script exceeds user data limit")

// Input is everything the script depends on.
type Input struct {
	Profile *profile.Profile
	// Username overrides the profile's login user.
	Username  string
	PublicKey string
	GitName   string
	GitEmail  string
	// Project sets up a bare repository pushed to by the sync bridge.
	Project string
}

// Script is a rendered boot script and the console line it prints once
// finished.
type Script struct {
	Text     string
	Sentinel string
}

// Observed reports whether console output contains the sentinel line.
func (s *Script) Observed(console string) bool {
	return s.Sentinel != "" && strings.Contains(console, s.Sentinel)
}

// Render validates every interpolated value and renders the script.
func Render(in Input) (*Script, error) {
	if in.Profile == nil {
		return nil, invalid("profile", "profile is required")
	}
	g := &generator{in: in, user: in.Username}
	if g.user == "" {
		g.user = in.Profile.Username
	}
	if err := g.validate(); err != nil {
		return nil, err
	}

	g.header()
	g.authorizedKey()
	g.gitIdentity()
	g.repository()
	g.brokerAgent()
	g.packages()
	g.docker()
	g.rust()
	g.environment()

	body := g.b.String()
	sum := blake3.Sum256([]byte(body))
	sentinel := ReadyLinePrefix + " " + hex.EncodeToString(sum[:8])

	g.line("echo 'ec2-cli initialization complete'")
	g.line("mkdir -p %s", dir(ReadyMarkerPath))
	g.line("echo %s > %s", quote(sentinel), ReadyMarkerPath)
	g.line("touch /home/%s/.ec2-cli-ready", g.user)
	g.line("echo %s > /dev/console", quote(sentinel))

	text := g.b.String()
	if len(text) > MaxUserDataBytes {
		return nil, apperr.New(apperr.KindConfiguration, "bootscript", in.Profile.Name,
			fmt.Errorf("%w: %d bytes, limit %d", ErrScriptTooLarge, len(text), MaxUserDataBytes))
	}
	return &Script{Text: text, Sentinel: sentinel}, nil
}

type generator struct {
	in   Input
	user string
	b    strings.Builder
}

func (g *generator) validate() error {
	p := g.in.Profile
	if err := ValidateUsername(g.user); err != nil {
		return err
	}
	if g.in.PublicKey != "" {
		if err := ValidatePublicKey(g.in.PublicKey); err != nil {
			return err
		}
	}
	if g.in.GitName != "" {
		if err := ValidateGitValue(g.in.GitName, "git user.name"); err != nil {
			return err
		}
	}
	if g.in.GitEmail != "" {
		if err := ValidateGitValue(g.in.GitEmail, "git user.email"); err != nil {
			return err
		}
	}
	if g.in.Project != "" {
		if err := ValidateProjectName(g.in.Project); err != nil {
			return err
		}
	}
	for _, pkg := range p.Packages.System {
		if err := ValidateShellSafe(pkg, "system package name"); err != nil {
			return err
		}
	}
	if p.Packages.Rust.Enabled {
		if err := ValidateShellSafe(p.Packages.Rust.Channel, "rust channel"); err != nil {
			return err
		}
		for _, c := range p.Packages.Rust.Components {
			if err := ValidateShellSafe(c, "rust component"); err != nil {
				return err
			}
		}
		for _, c := range p.Packages.Cargo {
			if err := ValidateShellSafe(c, "cargo package name"); err != nil {
				return err
			}
		}
	}
	for k, v := range p.Environment {
		if err := ValidateEnvKey(k); err != nil {
			return err
		}
		if err := ValidateShellSafe(v, "environment value for "+k); err != nil {
			return err
		}
	}
	return nil
}

func (g *generator) line(format string, args ...any) {
	fmt.Fprintf(&g.b, format, args...)
	g.b.WriteByte('\n')
}

func (g *generator) step(msg string) {
	g.b.WriteByte('\n')
	g.line("echo %s", quote(msg+"..."))
}

func (g *generator) home(parts ...string) string {
	return strings.Join(append([]string{"/home/" + g.user}, parts...), "/")
}

func (g *generator) asUser(cmd string) {
	g.line("su - %s -c %s", g.user, quote(cmd))
}

func (g *generator) header() {
	g.line("#!/bin/bash")
	g.line("set -euxo pipefail")
	g.line("exec > >(tee -a %s /dev/console) 2>&1", LogPath)
}

func (g *generator) authorizedKey() {
	if g.in.PublicKey == "" {
		return
	}
	ssh := g.home(".ssh")
	g.step("Configuring SSH public key")
	g.line("mkdir -p %s", ssh)
	g.line("cat >> %s/authorized_keys << 'SSHEOF'", ssh)
	g.line("%s", strings.TrimSpace(g.in.PublicKey))
	g.line("SSHEOF")
	g.line("chmod 700 %s", ssh)
	g.line("chmod 600 %s/authorized_keys", ssh)
	g.line("chown -R %s:%s %s", g.user, g.user, ssh)
}

func (g *generator) gitIdentity() {
	if g.in.GitName == "" && g.in.GitEmail == "" {
		return
	}
	g.step("Configuring git identity")
	if g.in.GitName != "" {
		g.asUser(`git config --global user.name "` + g.in.GitName + `"`)
	}
	if g.in.GitEmail != "" {
		g.asUser(`git config --global user.email "` + g.in.GitEmail + `"`)
	}
}

const postReceive = `#!/bin/bash
while read oldrev newrev refname; do
    if [ "$newrev" = "0000000000000000000000000000000000000000" ]; then
        continue
    fi
    case "$refname" in
        refs/heads/*)
            git checkout -f "${refname#refs/heads/}"
            ;;
    esac
done`

func (g *generator) repository() {
	repos, work := g.home("repos"), g.home("work")
	g.step("Setting up git directories")
	g.line("mkdir -p %s %s", repos, work)
	g.line("chown -R %s:%s %s %s", g.user, g.user, repos, work)

	name := g.in.Project
	if name == "" {
		return
	}
	bare := repos + "/" + name + ".git"
	tree := work + "/" + name
	g.step("Setting up repository " + name)
	g.asUser("git init --bare " + bare)
	g.line("cat > %s/hooks/post-receive << 'HOOKEOF'", bare)
	g.line("%s", postReceive)
	g.line("HOOKEOF")
	g.line("chmod +x %s/hooks/post-receive", bare)
	g.line("mkdir -p %s", tree)
	g.line("git --git-dir=%s config core.bare false", bare)
	g.line("git --git-dir=%s config core.worktree %s", bare, tree)
	g.line("git --git-dir=%s config receive.denyCurrentBranch updateInstead", bare)
	g.line("echo %s > %s/.git", quote("gitdir: "+bare), tree)
	g.line("chown -R %s:%s %s %s", g.user, g.user, bare, tree)
	g.line("touch %s", g.home(".ec2-cli-git-ready"))
}

func (g *generator) brokerAgent() {
	g.step("Ensuring SSM agent is running")
	g.line("if snap list amazon-ssm-agent >/dev/null 2>&1; then")
	g.line("    snap start amazon-ssm-agent || true")
	g.line("else")
	g.line("    systemctl enable --now amazon-ssm-agent || true")
	g.line("fi")
}

func (g *generator) yum() bool {
	return strings.HasPrefix(g.in.Profile.Instance.AMI.Type, "amazon-linux")
}

func (g *generator) install(pkgs ...string) {
	if g.yum() {
		g.line("dnf install -y %s || yum install -y %s", strings.Join(pkgs, " "), strings.Join(pkgs, " "))
		return
	}
	g.line("DEBIAN_FRONTEND=noninteractive apt-get install -y %s", strings.Join(pkgs, " "))
}

func (g *generator) packages() {
	g.step("Installing system packages")
	if !g.yum() {
		g.line("apt-get update")
	}
	if len(g.in.Profile.Packages.System) > 0 {
		g.install(g.in.Profile.Packages.System...)
	}
}

func (g *generator) docker() {
	g.step("Installing Docker")
	g.line("groupadd -f docker")
	g.line("usermod -aG docker %s", g.user)
	if g.yum() {
		g.install("docker")
	} else {
		g.install("docker.io")
	}
	g.line("systemctl enable --now docker")
}

func (g *generator) rust() {
	r := g.in.Profile.Packages.Rust
	if !r.Enabled {
		return
	}
	g.step("Installing Rust")
	g.asUser(`curl --proto "=https" --tlsv1.2 -sSf https://sh.rustup.rs | sh -s -- -y --default-toolchain ` + r.Channel)
	if len(r.Components) > 0 {
		g.asUser("source ~/.cargo/env && rustup component add " + strings.Join(r.Components, " "))
	}
	if len(g.in.Profile.Packages.Cargo) > 0 {
		g.step("Installing cargo packages")
		for _, c := range g.in.Profile.Packages.Cargo {
			g.asUser("source ~/.cargo/env && cargo install " + c)
		}
	}
}

func (g *generator) environment() {
	env := g.in.Profile.Environment
	if len(env) == 0 {
		return
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	g.step("Setting environment variables")
	g.line("cat >> %s << 'ENVEOF'", g.home(".bashrc"))
	for _, k := range keys {
		g.line("export %s=%s", k, quote(env[k]))
	}
	g.line("ENVEOF")
}

func dir(path string) string {
	return path[:strings.LastIndex(path, "/")]
}
