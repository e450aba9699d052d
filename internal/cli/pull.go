package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/ec2-cli/internal/gitsync"
)

var pullBranch string

var pullCmd = &cobra.Command{
	Use:   "pull [NAME]",
	Short: "Fast-forward a branch from an environment",
	Long: `Fetches the environment's project repository and fast-forwards the
local branch. Divergent history is reported as a conflict and nothing
local is changed. In a Jujutsu workspace every bookmark is fetched with
jj git fetch and jj rebases local changes itself.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPull,
}

func init() {
	pullCmd.Flags().StringVarP(&pullBranch, "branch", "b", "", "branch to pull (default: current)")
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, env, bridge, err := syncSetup(ctx, cmd, args)
	if err != nil {
		return err
	}
	res, err := bridge.Pull(ctx, env, gitsync.PullOptions{Branch: pullBranch})
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out(), res.String())
	return nil
}
