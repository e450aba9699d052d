package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/infra"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
	"github.com/picklr-io/ec2-cli/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status [NAME]",
	Short: "Show an environment's state",
	Long: `Refreshes the environment against the provider and prints it. An
instance that changed or vanished outside ec2-cli is reported as drift and
the stored record is updated to match.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	env, err := a.resolve(ctx, args)
	if err != nil {
		return err
	}
	gw, err := a.envGateway(ctx, env)
	if err != nil {
		return err
	}
	orch, err := a.orchestrator(ctx, gw, false)
	if err != nil {
		return err
	}
	report, err := orch.Status(ctx, env.Name)
	if err != nil {
		return err
	}
	printReport(a.out(), report, time.Now())

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	usage, err := sharedUsage(ctx, store, report.Environment.InfraKey)
	if err != nil {
		return err
	}
	printUsage(a.out(), usage)
	return nil
}

// infraUsage is the shared infrastructure an environment runs in and how
// many recorded environments use it.
type infraUsage struct {
	record *infra.Record
	refs   int
}

// sharedUsage returns nil when the environment has no recorded
// infrastructure.
func sharedUsage(ctx context.Context, store *state.Store, key string) (*infraUsage, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := store.Infra(ctx, key)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	refs, err := store.InfraRefs(ctx)
	if err != nil {
		return nil, err
	}
	return &infraUsage{record: rec, refs: refs[key]}, nil
}

func printUsage(w io.Writer, u *infraUsage) {
	if u == nil {
		return
	}
	others := u.refs - 1
	note := "not shared"
	switch {
	case others == 1:
		note = "shared with 1 other environment"
	case others > 1:
		note = fmt.Sprintf("shared with %d other environments", others)
	}
	fmt.Fprintf(w, "%-12s %s, %s (%s)\n", "network:", u.record.VPCID, u.record.SubnetID, note)
}

func printReport(w io.Writer, r *lifecycle.Report, now time.Time) {
	env := r.Environment
	field := func(k, v string) { fmt.Fprintf(w, "%-12s %s\n", k+":", v) }

	fmt.Fprintln(w, paint(styleHeader, env.Name))
	field("status", paint(phaseStyle(env.Status.Phase), env.Status.String()))
	field("instance", orDash(env.InstanceID))
	field("region", env.Region)
	field("profile", env.Profile)
	field("user", orDash(env.Username))
	field("project", orDash(env.Project))
	field("created", fmt.Sprintf("%s (%s ago)", env.CreatedAt.Local().Format(time.RFC3339), age(env.CreatedAt, now)))
	field("observed", fmt.Sprintf("%s ago", age(env.ObservedAt, now)))
	if r.Drift != nil {
		field("drift", paint(styleFailed, r.Drift.String()))
	}
	if r.Err != nil {
		field("refresh", paint(styleFailed, "failed: "+r.Err.Error()))
	}
}
