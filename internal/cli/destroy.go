package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/gitsync"
	"github.com/picklr-io/ec2-cli/internal/logging"
	"github.com/picklr-io/ec2-cli/internal/state"
)

var destroyForce bool

var destroyCmd = &cobra.Command{
	Use:   "destroy [NAME]",
	Short: "Terminate an environment",
	Long: `Terminates the environment's instance, waits for termination, and
removes it from local state. The shared network, endpoints, and role are
kept for the next environment.

Commits that were never pulled are lost with the instance.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVarP(&destroyForce, "force", "f", false, "skip the confirmation prompt")
}

// confirmInput reads the confirmation answer; tests replace it.
var confirmInput = func(cmd *cobra.Command, question string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return prompt.Input(question, func(prompt.Document) []prompt.Suggest { return nil }), nil
	}
	fmt.Fprint(cmd.OutOrStdout(), question)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return line, nil
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	env, err := a.resolve(ctx, args)
	if err != nil {
		return err
	}

	if !destroyForce {
		question := fmt.Sprintf("Terminate %s (%s)? Type the environment name to confirm: ", env.Name, orDash(env.InstanceID))
		answer, err := confirmInput(cmd, question)
		if err != nil {
			return apperr.New(apperr.KindUserInput, "cli", env.Name, err)
		}
		if strings.TrimSpace(answer) != env.Name {
			return apperr.Newf(apperr.KindUserInput, "cli", env.Name, "destroy not confirmed")
		}
	}

	gw, err := a.envGateway(ctx, env)
	if err != nil {
		return err
	}
	orch, err := a.orchestrator(ctx, gw, false)
	if err != nil {
		return err
	}
	res, err := orch.Destroy(ctx, env.Name)
	if err != nil {
		return err
	}

	if err := state.RemoveLink(a.workDir, env.Name); err != nil {
		logging.Warn("failed to remove link file", "env", env.Name, "error", err)
	}
	if removed, err := gitsync.New(a.workDir, gitsync.Options{}).RemoveRemote(ctx, env.Name); err != nil {
		logging.Debug("git remote not removed", "env", env.Name, "error", err)
	} else if removed {
		fmt.Fprintf(a.out(), "  removed git remote %s\n", gitsync.RemoteName(env.Name))
	}

	switch {
	case res.Drift != nil && res.Drift.Gone():
		fmt.Fprintf(a.out(), "%s was already gone (%s); removed from state\n", env.Name, res.Drift)
	case res.Terminated:
		fmt.Fprintf(a.out(), "%s %s terminated (%s)\n", paint(styleReady, "✓"), env.Name, res.InstanceID)
	default:
		fmt.Fprintf(a.out(), "%s removed from state\n", env.Name)
	}
	return nil
}
