package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/bootscript"
	"github.com/picklr-io/ec2-cli/internal/gitsync"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
	"github.com/picklr-io/ec2-cli/internal/profile"
	"github.com/picklr-io/ec2-cli/internal/session"
	"github.com/picklr-io/ec2-cli/internal/state"
)

var (
	upProfile string
	upName    string
	upProject string
	upLink    bool
	upCleanup bool
	upTags    map[string]string
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Launch a development environment",
	Long: `Converges the shared network, endpoints, and instance role, then
launches an instance from the profile and waits until its boot script has
finished and the session broker can reach it.

With --link the environment is bound to the current directory, so later
commands run there can omit its name.`,
	Args: cobra.NoArgs,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVarP(&upProfile, "profile", "p", profile.DefaultName, "profile to launch")
	upCmd.Flags().StringVarP(&upName, "name", "n", "", "environment name (default: generated)")
	upCmd.Flags().StringVar(&upProject, "project", "", "project repository name (default: git toplevel directory name)")
	upCmd.Flags().BoolVarP(&upLink, "link", "l", false, "link the environment to the current directory")
	upCmd.Flags().BoolVar(&upCleanup, "cleanup-on-failure", false, "terminate the instance if boot fails")
	upCmd.Flags().StringToStringVar(&upTags, "tag", nil, "extra instance tags (key=value)")
	_ = upCmd.RegisterFlagCompletionFunc("profile", completeProfiles)
}

// generateName returns a fresh environment name with a random suffix.
func generateName() string {
	return "dev-" + uuid.NewString()[:8]
}

func runUp(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	name := upName
	if name == "" {
		name = generateName()
	}
	if err := lifecycle.ValidateName(name); err != nil {
		return apperr.New(apperr.KindUserInput, "cli", name, err)
	}
	if err := profile.ValidateTags(upTags); err != nil {
		return apperr.New(apperr.KindUserInput, "cli", "--tag", err)
	}

	loader, err := profile.NewLoader(a.workDir)
	if err != nil {
		return err
	}
	p, err := loader.Load(ctx, upProfile)
	if err != nil {
		return err
	}

	keyPath := a.settings.SSHKeyPath
	pubKey, privPath, err := session.PublicKey(keyPath)
	if err != nil {
		return err
	}

	project, err := detectProject(ctx, a.workDir, upProject)
	if err != nil {
		return err
	}
	gitName, gitEmail := gitIdentity(ctx, a.workDir)

	gw, err := a.gateway(ctx)
	if err != nil {
		return err
	}
	orch, err := a.orchestrator(ctx, gw, upCleanup)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out(), "Launching %s from profile %s in %s...\n", paint(styleHeader, name), p.Name, gw.Region())
	res, err := orch.Up(ctx, lifecycle.UpRequest{
		Name:       name,
		Profile:    p,
		AWSProfile: a.awsProfile(),
		PublicKey:  pubKey,
		SSHKeyPath: privPath,
		GitName:    gitName,
		GitEmail:   gitEmail,
		Project:    project,
		Tags:       upTags,
	})
	if err != nil {
		return err
	}

	env := res.Environment
	if !res.Infra.AlreadyPresent() {
		for _, c := range res.Infra.Created {
			fmt.Fprintf(a.out(), "  created %s\n", c)
		}
	}
	if upLink {
		if err := state.WriteLink(a.workDir, env.Name); err != nil {
			return err
		}
	}
	fmt.Fprintf(a.out(), "%s %s is ready (%s)\n", paint(styleReady, "✓"), env.Name, env.InstanceID)
	fmt.Fprintf(a.out(), "  ec2-cli ssh %s\n", env.Name)
	if project != "" {
		fmt.Fprintf(a.out(), "  ec2-cli push %s\n", env.Name)
	}
	return nil
}

// detectProject returns the explicit project name, or the base name of
// the enclosing git repository, or "" outside a repository.
func detectProject(ctx context.Context, dir, explicit string) (string, error) {
	name := explicit
	if name == "" {
		top, err := gitsync.NewRepository(dir).TopLevel(ctx)
		if err != nil {
			return "", nil
		}
		name = filepath.Base(top)
	}
	if err := bootscript.ValidateProjectName(name); err != nil {
		return "", apperr.New(apperr.KindUserInput, "cli", name, err)
	}
	return name, nil
}

// gitIdentity reads the local git author so commits made on the instance
// carry the same identity.
func gitIdentity(ctx context.Context, dir string) (name, email string) {
	repo := gitsync.NewRepository(dir)
	name, _ = repo.Run(ctx, "config", "--get", "user.name")
	email, _ = repo.Run(ctx, "config", "--get", "user.email")
	return name, email
}
