package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/cloud"
	"github.com/picklr-io/ec2-cli/internal/infra"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
	"github.com/picklr-io/ec2-cli/internal/profile"
	"github.com/picklr-io/ec2-cli/internal/session"
	"github.com/picklr-io/ec2-cli/internal/state"
	awsprovider "github.com/picklr-io/ec2-cli/providers/aws"
)

// Constructors for the outward-facing pieces; tests swap them.
var (
	newGateway = func(ctx context.Context, region, awsProfile string) (cloud.Gateway, error) {
		return awsprovider.New(ctx, awsprovider.Options{Region: region, Profile: awsProfile})
	}
	newBroker = func(gw cloud.Gateway, stderr io.Writer) session.Broker {
		return session.NewPluginBroker(gw).WithStderr(stderr)
	}
)

// app is the per-invocation wiring: settings, the state store, and the
// gateway, each built on first use.
type app struct {
	cmd          *cobra.Command
	settings     *profile.Settings
	settingsPath string
	workDir      string

	store    *state.Store
	gateways map[string]cloud.Gateway
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, err := profile.SettingsPath()
	if err != nil {
		return nil, err
	}
	settings, err := profile.LoadSettings(path)
	if err != nil {
		return nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return &app{
		cmd:          cmd,
		settings:     settings,
		settingsPath: path,
		workDir:      wd,
		gateways:     map[string]cloud.Gateway{},
	}, nil
}

func (a *app) out() io.Writer    { return a.cmd.OutOrStdout() }
func (a *app) errOut() io.Writer { return a.cmd.ErrOrStderr() }

// awsProfile is the named credentials profile: flag, then settings.
func (a *app) awsProfile() string {
	if flagAWSProfile != "" {
		return flagAWSProfile
	}
	return a.settings.AWSProfile
}

// region is the flag, then settings, then the AWS profile's region. An
// empty result lets the SDK fall back to AWS_REGION.
func (a *app) region() string {
	if flagRegion != "" {
		return flagRegion
	}
	if a.settings.Region != "" {
		return a.settings.Region
	}
	return profile.AWSProfileRegion(a.awsProfile())
}

func (a *app) loadAWSConfig(ctx context.Context) (sdkaws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if r := a.region(); r != "" {
		opts = append(opts, config.WithRegion(r))
	}
	if p := a.awsProfile(); p != "" {
		opts = append(opts, config.WithSharedConfigProfile(p))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

func (a *app) openStore(ctx context.Context) (*state.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := state.Open(ctx, a.settings.State, flagStateDir, a.loadAWSConfig)
	if err != nil {
		return nil, err
	}
	a.store = s
	return s, nil
}

// gateway returns the gateway for the configured region and profile.
func (a *app) gateway(ctx context.Context) (cloud.Gateway, error) {
	return a.gatewayFor(ctx, a.region(), a.awsProfile())
}

// envGateway targets the region and profile an environment was created
// with, which may differ from today's configuration.
func (a *app) envGateway(ctx context.Context, env *lifecycle.Environment) (cloud.Gateway, error) {
	awsProfile := env.AWSProfile
	if flagAWSProfile != "" {
		awsProfile = flagAWSProfile
	}
	return a.gatewayFor(ctx, env.Region, awsProfile)
}

func (a *app) gatewayFor(ctx context.Context, region, awsProfile string) (cloud.Gateway, error) {
	key := region + "|" + awsProfile
	if gw, ok := a.gateways[key]; ok {
		return gw, nil
	}
	if err := profile.CheckAWSProfile(awsProfile); err != nil {
		return nil, err
	}
	gw, err := newGateway(ctx, region, awsProfile)
	if err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "aws", region, err)
	}
	a.gateways[key] = gw
	return gw, nil
}

func (a *app) orchestrator(ctx context.Context, gw cloud.Gateway, cleanup bool) (*lifecycle.Orchestrator, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	conv := infra.New(gw, infra.Options{
		Tags:     cloud.Tags(a.settings.Tags),
		VPCID:    a.settings.VPCID,
		SubnetID: a.settings.SubnetID,
	})
	return lifecycle.New(gw, conv, store, lifecycle.Options{
		BootTimeout:      timeDuration(a.settings.BootTimeout),
		TerminateTimeout: timeDuration(a.settings.TerminateTimeout),
		CleanupOnFailure: cleanup,
	}), nil
}

// resolve returns the named environment, or the one linked to the
// working directory.
func (a *app) resolve(ctx context.Context, args []string) (*lifecycle.Environment, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	var name string
	if len(args) > 0 {
		name = args[0]
	}
	return store.Resolve(ctx, name, a.workDir)
}

// transport opens sessions through the environment's broker.
func (a *app) transport(ctx context.Context, env *lifecycle.Environment) (*session.Transport, error) {
	gw, err := a.envGateway(ctx, env)
	if err != nil {
		return nil, err
	}
	return session.New(newBroker(gw, a.errOut()), session.Options{}), nil
}
