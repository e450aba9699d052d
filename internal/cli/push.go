package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/picklr-io/ec2-cli/internal/gitsync"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
	"github.com/picklr-io/ec2-cli/internal/profile"
)

var (
	pushBranch string
	pushForce  bool
)

var pushCmd = &cobra.Command{
	Use:   "push [NAME]",
	Short: "Push a branch to an environment",
	Long: `Pushes the current (or --branch) branch to the environment's project
repository. The push is refused when the environment has commits that are
not in the local branch; --force replaces them, but only if the remote
branch has not moved since it was fetched.

In a Jujutsu workspace the bookmark on @- (or --branch) is pushed with
jj git push; jj itself refuses when the remote bookmark moved.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPush,
}

func init() {
	pushCmd.Flags().StringVarP(&pushBranch, "branch", "b", "", "branch to push (default: current)")
	pushCmd.Flags().BoolVarP(&pushForce, "force", "f", false, "overwrite remote commits missing locally")
}

func runPush(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, env, bridge, err := syncSetup(ctx, cmd, args)
	if err != nil {
		return err
	}
	res, err := bridge.Push(ctx, env, gitsync.PushOptions{Branch: pushBranch, Force: pushForce})
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out(), res.String())
	return nil
}

// syncSetup resolves the environment and builds a bridge whose git
// invocations reach the instance through this binary's SSH helper.
func syncSetup(ctx context.Context, cmd *cobra.Command, args []string) (*app, *lifecycle.Environment, *gitsync.Bridge, error) {
	a, err := newApp(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	env, err := a.resolve(ctx, args)
	if err != nil {
		return nil, nil, nil, err
	}
	t, err := a.transport(ctx, env)
	if err != nil {
		return nil, nil, nil, err
	}
	sshCommand, err := helperSSHCommand()
	if err != nil {
		return nil, nil, nil, err
	}
	// git inherits the process environment; the helper must find the same
	// state store this invocation uses.
	if flagStateDir != "" {
		os.Setenv(profile.EnvStateDir, flagStateDir)
	}
	bridge := gitsync.New(a.workDir, gitsync.Options{
		SSHCommand: sshCommand,
		Runner:     gitsync.SessionRunner{Transport: t},
	})
	return a, env, bridge, nil
}

// helperSSHCommand is the GIT_SSH_COMMAND that runs the hidden helper.
func helperSSHCommand() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("cannot locate ec2-cli executable: %w", err)
	}
	return "'" + strings.ReplaceAll(exe, "'", `'\''`) + "' " + gitsync.HelperCommand, nil
}
