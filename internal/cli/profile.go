package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/picklr-io/ec2-cli/internal/profile"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect environment profiles",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		loader, err := profile.NewLoader(a.workDir)
		if err != nil {
			return err
		}
		infos, err := loader.List()
		if err != nil {
			return err
		}
		t := &table{header: []string{"NAME", "SOURCE", "PATH"}}
		for _, info := range infos {
			t.add(info.Name, info.Source, orDash(info.Path))
		}
		t.render(a.out())
		return nil
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show [NAME]",
	Short: "Print a resolved profile with defaults applied",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadProfileArg(cmd, args)
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode profile: %w", err)
		}
		cmd.OutOrStdout().Write(data)
		return nil
	},
}

var profileValidateCmd = &cobra.Command{
	Use:   "validate NAME|FILE",
	Short: "Check a profile without launching anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadProfileArg(cmd, args)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Profile %s is valid.\n", p.Name)
		return nil
	},
}

// loadProfileArg treats an existing path as a profile file and anything
// else as a name.
func loadProfileArg(cmd *cobra.Command, args []string) (*profile.Profile, error) {
	name := profile.DefaultName
	if len(args) > 0 {
		name = args[0]
	}
	if fi, err := os.Stat(name); err == nil && !fi.IsDir() {
		return profile.LoadFile(cmd.Context(), name)
	}
	a, err := newApp(cmd)
	if err != nil {
		return nil, err
	}
	loader, err := profile.NewLoader(a.workDir)
	if err != nil {
		return nil, err
	}
	return loader.Load(cmd.Context(), name)
}

func init() {
	profileCmd.AddCommand(profileListCmd, profileShowCmd, profileValidateCmd)
}
