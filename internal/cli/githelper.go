package cli

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/gitsync"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
	"github.com/picklr-io/ec2-cli/internal/state"
)

// gitSSHCmd is what git runs as its SSH program during push and pull.
var gitSSHCmd = &cobra.Command{
	Use:                gitsync.HelperCommand + " [user@]host command",
	Hidden:             true,
	DisableFlagParsing: true,
	RunE:               runGitSSH,
}

func runGitSSH(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	req, err := gitsync.ParseHelperArgs(args)
	if err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	env, err := helperEnvironment(ctx, store, os.Getenv(gitsync.EnvEnvironment), req.Host)
	if err != nil {
		return err
	}
	t, err := a.transport(ctx, env)
	if err != nil {
		return err
	}
	code, err := gitsync.Forward(ctx, t, env, req.Command, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if code != 0 {
		return ExitStatus(code)
	}
	return nil
}

// helperEnvironment finds the environment git is talking to: the one the
// bridge named in the environment, else the one whose instance id is the
// host.
func helperEnvironment(ctx context.Context, store *state.Store, named, host string) (*lifecycle.Environment, error) {
	if named != "" {
		env, err := store.Get(ctx, named)
		if err != nil {
			return nil, err
		}
		if host == "" || host == env.InstanceID || host == env.Name {
			return env, nil
		}
	}
	envs, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range envs {
		if (envs[i].InstanceID != "" && strings.EqualFold(envs[i].InstanceID, host)) || envs[i].Name == host {
			return &envs[i], nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "sync", host, "no environment for host %s", host)
}
