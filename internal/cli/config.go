package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
	"github.com/picklr-io/ec2-cli/internal/profile"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage global settings",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a settings file with defaults",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := profile.SettingsPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return apperr.Newf(apperr.KindUserInput, "config", path, "settings file already exists (use --force to overwrite)")
		}
		s := &profile.Settings{
			BootTimeout:      profile.Duration(lifecycle.DefaultBootTimeout),
			TerminateTimeout: profile.Duration(lifecycle.DefaultTerminateTimeout),
		}
		if err := s.Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(a.settings, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode settings: %w", err)
		}
		fmt.Fprintf(a.out(), "# %s\n%s\n", a.settingsPath, data)
		return nil
	},
}

var configTagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Manage tags applied to every created resource",
}

var configTagsSetCmd = &cobra.Command{
	Use:   "set KEY=VALUE...",
	Short: "Add or replace tags",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		for _, arg := range args {
			k, v, ok := strings.Cut(arg, "=")
			if !ok {
				return apperr.Newf(apperr.KindUserInput, "config", arg, "expected KEY=VALUE, got %q", arg)
			}
			if err := a.settings.SetTag(k, v); err != nil {
				return err
			}
		}
		return a.settings.Save(a.settingsPath)
	},
}

var configTagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured tags",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		keys := a.settings.SortedTags()
		if len(keys) == 0 {
			fmt.Fprintln(a.out(), "No tags configured.")
			return nil
		}
		t := &table{header: []string{"KEY", "VALUE"}}
		for _, k := range keys {
			t.add(k, a.settings.Tags[k])
		}
		t.render(a.out())
		return nil
	},
}

var configTagsRemoveCmd = &cobra.Command{
	Use:   "remove KEY...",
	Short: "Remove tags",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		for _, k := range args {
			if !a.settings.RemoveTag(k) {
				fmt.Fprintf(a.errOut(), "tag %s not set\n", k)
			}
		}
		return a.settings.Save(a.settingsPath)
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing settings file")
	configTagsCmd.AddCommand(configTagsSetCmd, configTagsListCmd, configTagsRemoveCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configTagsCmd)
}
