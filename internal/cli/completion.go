package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/picklr-io/ec2-cli/internal/lifecycle"
	"github.com/picklr-io/ec2-cli/internal/profile"
)

var completionCmd = &cobra.Command{
	Use:   "completion bash|zsh|fish|powershell",
	Short: "Generate a shell completion script",
	Long: `Prints a completion script for the given shell. Environment and
profile names complete from local state and the profile directories.

  source <(ec2-cli completion bash)
  ec2-cli completion zsh > "${fpath[1]}/_ec2-cli"
  ec2-cli completion fish > ~/.config/fish/completions/ec2-cli.fish`,
	Args:                  cobra.ExactArgs(1),
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	DisableFlagsInUseLine: true,
	RunE:                  runCompletion,
}

func init() {
	for _, c := range []*cobra.Command{destroyCmd, sshCmd, statusCmd, logsCmd, pushCmd, pullCmd} {
		c.ValidArgsFunction = completeEnvironments
	}
	scpCmd.ValidArgsFunction = func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return completeEnvironments(cmd, args, toComplete)
		}
		return nil, cobra.ShellCompDirectiveDefault
	}
	profileShowCmd.ValidArgsFunction = completeProfiles
	profileValidateCmd.ValidArgsFunction = func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		names, _ := completeProfiles(cmd, args, toComplete)
		return names, cobra.ShellCompDirectiveDefault
	}
}

func runCompletion(cmd *cobra.Command, args []string) error {
	root, w := cmd.Root(), cmd.OutOrStdout()
	switch args[0] {
	case "bash":
		return root.GenBashCompletionV2(w, true)
	case "zsh":
		return root.GenZshCompletion(w)
	case "fish":
		return root.GenFishCompletion(w, true)
	case "powershell":
		return root.GenPowerShellCompletionWithDesc(w)
	}
	return fmt.Errorf("unsupported shell %q (bash, zsh, fish, or powershell)", args[0])
}

// completeEnvironments offers the names of recorded environments that are
// not terminated. Completion never reports errors; a broken store yields
// no candidates.
func completeEnvironments(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(cmd)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	envs, err := store.List(ctx)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var names []string
	for _, env := range envs {
		if env.Status.Phase == lifecycle.Terminated || !strings.HasPrefix(env.Name, toComplete) {
			continue
		}
		names = append(names, env.Name+"\t"+env.Status.String())
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}

// completeProfiles offers the built-in, local and global profile names.
func completeProfiles(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	infos := []profile.Info{{Name: profile.DefaultName, Source: "built-in"}}
	if a, err := newApp(cmd); err == nil {
		if loader, err := profile.NewLoader(a.workDir); err == nil {
			if listed, err := loader.List(); err == nil {
				infos = listed
			}
		}
	}
	var names []string
	for _, info := range infos {
		if strings.HasPrefix(info.Name, toComplete) {
			names = append(names, info.Name+"\t"+info.Source)
		}
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}
