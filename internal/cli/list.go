package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/picklr-io/ec2-cli/internal/cloud"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
)

var (
	listPrune   bool
	listOffline bool
	listAll     bool
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List environments",
	Long: `Lists recorded environments after refreshing them against the
provider. Terminated environments are hidden unless --all is given.`,
	Args: cobra.NoArgs,
	RunE:    runList,
}

func init() {
	listCmd.Flags().BoolVar(&listPrune, "prune", false, "remove terminated environments from state")
	listCmd.Flags().BoolVar(&listOffline, "offline", false, "show stored state without refreshing")
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "include terminated environments")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	envs, err := store.List(ctx)
	if err != nil {
		return err
	}
	var reports []lifecycle.Report
	if listOffline {
		for _, env := range envs {
			reports = append(reports, lifecycle.Report{Environment: env})
		}
	} else {
		reports, err = a.refreshAll(ctx, envs)
		if err != nil {
			return err
		}
	}

	if listPrune {
		removed, err := store.Prune(ctx)
		if err != nil {
			return err
		}
		pruned := map[string]bool{}
		for _, name := range removed {
			pruned[name] = true
			fmt.Fprintf(a.errOut(), "pruned %s\n", name)
		}
		kept := reports[:0]
		for _, r := range reports {
			if !pruned[r.Environment.Name] {
				kept = append(kept, r)
			}
		}
		reports = kept
	}

	shown, hidden := visible(reports, listAll)
	if len(shown) == 0 {
		if hidden > 0 {
			fmt.Fprintf(a.out(), "No active environments (%d terminated, use --all to show).\n", hidden)
			return nil
		}
		fmt.Fprintln(a.out(), "No environments. Run 'ec2-cli up' to create one.")
		return nil
	}
	renderList(a, shown, time.Now())
	if hidden > 0 {
		fmt.Fprintf(a.errOut(), "%d terminated environment(s) hidden; use --all or --prune\n", hidden)
	}
	return nil
}

// visible drops terminated environments unless all is set and reports how
// many it dropped.
func visible(reports []lifecycle.Report, all bool) ([]lifecycle.Report, int) {
	if all {
		return reports, 0
	}
	shown := make([]lifecycle.Report, 0, len(reports))
	for _, r := range reports {
		if r.Environment.Status.Phase == lifecycle.Terminated {
			continue
		}
		shown = append(shown, r)
	}
	return shown, len(reports) - len(shown)
}

// refreshAll refreshes environments grouped by the region and profile
// they were created in.
func (a *app) refreshAll(ctx context.Context, envs []lifecycle.Environment) ([]lifecycle.Report, error) {
	byName := map[string]lifecycle.Report{}
	groups := map[string][]string{}
	gws := map[string]cloud.Gateway{}
	for i := range envs {
		env := &envs[i]
		gw, err := a.envGateway(ctx, env)
		if err != nil {
			byName[env.Name] = lifecycle.Report{Environment: *env, Err: err}
			continue
		}
		key := env.Region + "|" + env.AWSProfile
		gws[key] = gw
		groups[key] = append(groups[key], env.Name)
	}
	for key, names := range groups {
		orch, err := a.orchestrator(ctx, gws[key], false)
		if err != nil {
			return nil, err
		}
		reports, err := orch.List(ctx, true)
		if err != nil {
			return nil, err
		}
		wanted := map[string]bool{}
		for _, n := range names {
			wanted[n] = true
		}
		for _, r := range reports {
			if wanted[r.Environment.Name] {
				byName[r.Environment.Name] = r
			}
		}
	}
	out := make([]lifecycle.Report, 0, len(envs))
	for _, env := range envs {
		out = append(out, byName[env.Name])
	}
	return out, nil
}

func renderList(a *app, reports []lifecycle.Report, now time.Time) {
	t := &table{
		header: []string{"NAME", "STATUS", "INSTANCE", "REGION", "PROFILE", "AGE", "NOTE"},
		styles: map[int]func([]string) lipgloss.Style{},
	}
	phases := make(map[string]lifecycle.Phase, len(reports))
	for _, r := range reports {
		env := r.Environment
		phases[env.Name] = env.Status.Phase
		note := ""
		switch {
		case r.Err != nil:
			note = "refresh failed: " + r.Err.Error()
		case r.Drift != nil:
			note = r.Drift.String()
		}
		t.add(env.Name, env.Status.String(), orDash(env.InstanceID), env.Region, env.Profile, age(env.CreatedAt, now), note)
	}
	t.styles[1] = func(row []string) lipgloss.Style { return phaseStyle(phases[row[0]]) }
	t.styles[6] = func([]string) lipgloss.Style { return styleFaint }
	t.render(a.out())
}
