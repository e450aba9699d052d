package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/picklr-io/ec2-cli/internal/logging"
	"github.com/picklr-io/ec2-cli/internal/profile"
)

// Global flags shared by every command.
var (
	flagRegion     string
	flagAWSProfile string
	flagStateDir   string
	flagLogLevel   string
	flagLogFormat  string
	noColor        bool
)

var rootCmd = &cobra.Command{
	Use:   "ec2-cli",
	Short: "Ephemeral development environments on EC2",
	Long: `ec2-cli launches disposable development instances on EC2 and connects
to them through the session broker only: no public addresses, no inbound
ports, no bastion.

  ec2-cli up                 converge shared infrastructure and boot an instance
  ec2-cli ssh                open a shell on the linked environment
  ec2-cli push / pull        move git history to and from the instance
  ec2-cli destroy NAME       terminate the instance and forget it`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context so in-flight work can record where it stopped.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level := flagLogLevel
	if level == "" {
		level = os.Getenv(profile.EnvLogLevel)
	}
	if level == "" {
		level = "info"
	}
	switch flagLogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid --log-format %q (text or json)", flagLogFormat)
	}
	logging.InitWriter(cmd.ErrOrStderr(), level, flagLogFormat)
	return nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagRegion, "region", "", "AWS region (overrides config and profile)")
	pf.StringVar(&flagAWSProfile, "aws-profile", "", "named AWS credentials profile")
	pf.StringVar(&flagStateDir, "state-dir", "", "local state directory")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error (env "+profile.EnvLogLevel+")")
	pf.StringVar(&flagLogFormat, "log-format", "text", "log format: text or json")
	pf.BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(sshCmd)
	rootCmd.AddCommand(scpCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)
	rootCmd.AddCommand(gitSSHCmd)
}
