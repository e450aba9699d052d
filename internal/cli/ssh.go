package cli

import (
	"github.com/spf13/cobra"

	"github.com/picklr-io/ec2-cli/internal/session"
)

var sshCommand string

var sshCmd = &cobra.Command{
	Use:   "ssh [NAME]",
	Short: "Open a shell on an environment",
	Long: `Opens an interactive shell through the session broker, or runs one
command with -c. The remote exit status becomes this command's exit status.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSSH,
}

func init() {
	sshCmd.Flags().StringVarP(&sshCommand, "command", "c", "", "run a command instead of an interactive shell")
}

func runSSH(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	env, err := a.resolve(ctx, args)
	if err != nil {
		return err
	}
	t, err := a.transport(ctx, env)
	if err != nil {
		return err
	}
	s, err := t.Open(ctx, env, session.Shell)
	if err != nil {
		return err
	}
	defer s.Close()

	term := session.Terminal{In: cmd.InOrStdin(), Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr()}
	code, err := s.Shell(ctx, term, sshCommand)
	if err != nil {
		return err
	}
	if code != 0 {
		return ExitStatus(code)
	}
	return nil
}
