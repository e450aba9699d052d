package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/picklr-io/ec2-cli/internal/bootscript"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
	"github.com/picklr-io/ec2-cli/internal/logging"
	"github.com/picklr-io/ec2-cli/internal/session"
)

var logsFollow bool

// consolePollInterval paces --follow while the instance is still booting.
var consolePollInterval = 5 * time.Second

var logsCmd = &cobra.Command{
	Use:   "logs [NAME]",
	Short: "Show an environment's boot log",
	Long: `Prints the instance console output, which carries the boot script's
log. With --follow, a ready environment streams the log file over a
session; a booting one is polled until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing new output")
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	env, err := a.resolve(ctx, args)
	if err != nil {
		return err
	}
	if logsFollow && env.Ready() {
		return a.tailBootLog(ctx, env)
	}
	gw, err := a.envGateway(ctx, env)
	if err != nil {
		return err
	}
	orch, err := a.orchestrator(ctx, gw, false)
	if err != nil {
		return err
	}
	out, err := orch.Logs(ctx, env.Name)
	if err != nil {
		return err
	}
	io.WriteString(a.out(), out)
	if !logsFollow {
		return nil
	}
	return followConsole(ctx, a.out(), out, func(ctx context.Context) (string, error) {
		return orch.Logs(ctx, env.Name)
	})
}

func (a *app) tailBootLog(ctx context.Context, env *lifecycle.Environment) error {
	t, err := a.transport(ctx, env)
	if err != nil {
		return err
	}
	s, err := t.Open(ctx, env, session.Shell)
	if err != nil {
		return err
	}
	defer s.Close()
	code, err := s.Run(ctx, "sudo tail -n +1 -F "+bootscript.LogPath, nil, a.out(), a.errOut())
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return err
	}
	if code != 0 {
		return ExitStatus(code)
	}
	return nil
}

// followConsole polls fetch and prints whatever follows the last output
// seen. Console output is a rolling window, so when the previous output
// is no longer a prefix the whole new window is printed.
func followConsole(ctx context.Context, w io.Writer, last string, fetch func(context.Context) (string, error)) error {
	ticker := time.NewTicker(consolePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		out, err := fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logging.Warn("console fetch failed", "error", err)
			continue
		}
		switch {
		case out == last:
		case strings.HasPrefix(out, last):
			io.WriteString(w, out[len(last):])
		default:
			fmt.Fprintln(w)
			io.WriteString(w, out)
		}
		last = out
	}
}
