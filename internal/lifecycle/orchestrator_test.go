package lifecycle_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/clock"
	"github.com/picklr-io/ec2-cli/internal/cloud"
	"github.com/picklr-io/ec2-cli/internal/cloud/cloudtest"
	"github.com/picklr-io/ec2-cli/internal/infra"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
	"github.com/picklr-io/ec2-cli/internal/profile"
	"github.com/picklr-io/ec2-cli/internal/state"
)

var sentinelRe = regexp.MustCompile(`EC2_CLI_READY [0-9a-f]+`)

type harness struct {
	gw    *cloudtest.Gateway
	store *state.Store
	clock *clock.Fake
	orch  *lifecycle.Orchestrator
}

func newHarness(t *testing.T, opts lifecycle.Options) *harness {
	t.Helper()
	h := &harness{
		gw:    cloudtest.New("us-east-1"),
		clock: clock.NewAutoFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	h.store = state.New(state.NewFileBackend(t.TempDir()), nil).WithClock(h.clock)
	opts.Clock = h.clock
	h.orch = lifecycle.New(h.gw, infra.New(h.gw, infra.Options{Clock: h.clock}), h.store, opts)
	return h
}

// boots makes pending instances run, print the sentinel embedded in their
// user data, and register with the broker.
func (h *harness) boots() {
	h.gw.Mutate(func(g *cloudtest.Gateway) {
		g.OnDescribe = func(inst *cloudtest.Instance) {
			if inst.Status.State == cloud.InstancePending {
				inst.Status.State = cloud.InstanceRunning
				inst.Console = "cloud-init running\n" + sentinelRe.FindString(inst.Spec.UserData) + "\n"
				inst.Online = true
			}
		}
	})
}

func minimal() *profile.Profile {
	p := profile.Default()
	p.Name = "minimal"
	p.Instance.Type = "t3.micro"
	p.Packages.Rust.Enabled = false
	return &p
}

func up(name string) lifecycle.UpRequest {
	return lifecycle.UpRequest{Name: name, Profile: minimal(), Project: "widget"}
}

func TestUpReachesReady(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.Options{})
	h.boots()

	res, err := h.orch.Up(ctx, up("dev"))
	require.NoError(t, err)
	assert.False(t, res.Infra.AlreadyPresent())
	env := res.Environment
	assert.Equal(t, lifecycle.Ready, env.Status.Phase)
	assert.NotEmpty(t, env.InstanceID)
	assert.Equal(t, infra.RecordKey("123456789012", "us-east-1"), env.InfraKey)

	inst, ok := h.gw.Instance(env.InstanceID)
	require.True(t, ok)
	assert.Equal(t, "t3.micro", inst.Spec.InstanceType)
	assert.True(t, inst.Spec.RootVolume.Encrypted)
	assert.Equal(t, "true", inst.Spec.Tags["ec2-cli:managed"])
	assert.Equal(t, "ec2-cli-dev", inst.Spec.Tags["Name"])
	assert.Equal(t, res.Infra.Record.SubnetID, inst.Spec.SubnetID)

	stored, err := h.store.Get(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Ready, stored.Status.Phase)
	rec, err := h.store.Infra(ctx, env.InfraKey)
	require.NoError(t, err)
	assert.Equal(t, res.Infra.Record.VPCID, rec.VPCID)
}

func TestScenarioSecondEnvironmentReusesInfrastructure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.Options{})
	h.boots()
	_, err := h.orch.Up(ctx, up("first"))
	require.NoError(t, err)
	before, err := h.store.List(ctx)
	require.NoError(t, err)
	creates := h.gw.CreateCalls()

	res, err := h.orch.Up(ctx, up("second"))
	require.NoError(t, err)
	assert.True(t, res.Infra.AlreadyPresent())
	assert.Equal(t, lifecycle.Ready, res.Environment.Status.Phase)
	// Only the instance launch is new.
	assert.Equal(t, creates+1, h.gw.CreateCalls())

	after, err := h.store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, after, len(before)+1)
}

func TestUpRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.Options{})
	h.boots()
	_, err := h.orch.Up(ctx, up("dev"))
	require.NoError(t, err)

	_, err = h.orch.Up(ctx, up("dev"))
	assert.Equal(t, apperr.KindUserInput, apperr.KindOf(err))
}

func TestUpBadProfileFailsBeforeCloudCalls(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.Options{})
	req := up("dev")
	req.Profile.Packages.System = []string{"curl; rm -rf /"}

	_, err := h.orch.Up(ctx, req)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
	assert.Zero(t, h.gw.CreateCalls())
	envs, err := h.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestUpBootTimeoutLeavesInstanceRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.Options{BootTimeout: 2 * time.Minute})
	start := h.clock.Now()

	_, err := h.orch.Up(ctx, up("slow"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindLifecycleTimeout, apperr.KindOf(err))
	assert.LessOrEqual(t, h.clock.Now().Sub(start), 2*time.Minute)

	env, err := h.store.Get(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Status{Phase: lifecycle.Failed, Reason: lifecycle.ReasonBootTimeout}, env.Status)
	assert.Zero(t, h.gw.Calls("TerminateInstance"))
}

// stalledDescribe holds every DescribeInstance until its context ends.
type stalledDescribe struct {
	*cloudtest.Gateway
}

func (g stalledDescribe) DescribeInstance(ctx context.Context, id string) (cloud.InstanceStatus, error) {
	select {
	case <-ctx.Done():
		return cloud.InstanceStatus{}, ctx.Err()
	case <-time.After(5 * time.Second):
	}
	return g.Gateway.DescribeInstance(ctx, id)
}

func TestUpBootTimeoutBoundsInFlightCalls(t *testing.T) {
	ctx := context.Background()
	gw := cloudtest.New("us-east-1")
	store := state.New(state.NewFileBackend(t.TempDir()), nil)
	orch := lifecycle.New(stalledDescribe{gw}, infra.New(gw, infra.Options{}), store, lifecycle.Options{
		BootTimeout: 300 * time.Millisecond,
		PollBase:    10 * time.Millisecond,
		PollMax:     10 * time.Millisecond,
		Clock:       clock.Real(),
	})

	start := time.Now()
	_, err := orch.Up(ctx, up("stuck"))
	assert.Equal(t, apperr.KindLifecycleTimeout, apperr.KindOf(err))
	assert.Less(t, time.Since(start), 3*time.Second)

	env, err := store.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Status{Phase: lifecycle.Failed, Reason: lifecycle.ReasonBootTimeout}, env.Status)
}

func TestUpRequiresBrokerRegistration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.Options{BootTimeout: time.Minute})
	h.gw.Mutate(func(g *cloudtest.Gateway) {
		g.OnDescribe = func(inst *cloudtest.Instance) {
			inst.Status.State = cloud.InstanceRunning
			inst.Console = sentinelRe.FindString(inst.Spec.UserData) + "\n"
		}
	})

	_, err := h.orch.Up(ctx, up("offline"))
	assert.Equal(t, apperr.KindLifecycleTimeout, apperr.KindOf(err))
	assert.Positive(t, h.gw.Calls("BrokerOnline"))
}

func TestUpCleanupOnFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.Options{BootTimeout: time.Minute, CleanupOnFailure: true})

	_, err := h.orch.Up(ctx, up("doomed"))
	assert.Equal(t, apperr.KindLifecycleTimeout, apperr.KindOf(err))
	assert.Equal(t, 1, h.gw.Calls("TerminateInstance"))

	_, err = h.store.Get(ctx, "doomed")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestUpInstanceDiesDuringBoot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.Options{})
	h.gw.Mutate(func(g *cloudtest.Gateway) {
		g.OnDescribe = func(inst *cloudtest.Instance) {
			inst.Status.State = cloud.InstanceTerminated
			inst.Status.StateReason = "Server.InternalError"
		}
	})

	_, err := h.orch.Up(ctx, up("dead"))
	assert.Equal(t, apperr.KindCloudAPI, apperr.KindOf(err))
	env, err := h.store.Get(ctx, "dead")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Failed, env.Status.Phase)
	assert.Contains(t, env.Status.Reason, lifecycle.ReasonInstanceGone)
	assert.Contains(t, env.Status.Reason, "Server.InternalError")
}

func TestUpRetriesTransientDescribe(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.Options{})
	h.boots()
	h.gw.FailNext("DescribeInstance", cloud.NewError(cloud.Throttled, "ec2:DescribeInstances", "RequestLimitExceeded", "slow down"))

	res, err := h.orch.Up(ctx, up("dev"))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Ready, res.Environment.Status.Phase)
}

func TestUpInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, lifecycle.Options{})
	h.gw.Mutate(func(g *cloudtest.Gateway) {
		g.OnDescribe = func(inst *cloudtest.Instance) { cancel() }
	})

	_, err := h.orch.Up(ctx, up("dev"))
	assert.Equal(t, apperr.KindCancelled, apperr.KindOf(err))
	env, err := h.store.Get(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Status{Phase: lifecycle.Failed, Reason: "interrupted"}, env.Status)
}

func TestDestroyTerminatesAndRemoves(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.Options{})
	h.boots()
	res, err := h.orch.Up(ctx, up("dev"))
	require.NoError(t, err)

	out, err := h.orch.Destroy(ctx, "dev")
	require.NoError(t, err)
	assert.True(t, out.Terminated)
	assert.Nil(t, out.Drift)
	assert.Equal(t, 1, h.gw.Calls("TerminateInstance"))

	inst, _ := h.gw.Instance(res.Environment.InstanceID)
	assert.Equal(t, cloud.InstanceTerminated, inst.Status.State)
	_, err = h.store.Get(ctx, "dev")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// Shared infrastructure stays for reuse.
	assert.Len(t, h.gw.VPCs, 1)
}

func TestScenarioDestroyAfterOutOfBandTermination(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.Options{})
	h.boots()
	res, err := h.orch.Up(ctx, up("dev"))
	require.NoError(t, err)
	h.gw.Mutate(func(g *cloudtest.Gateway) {
		g.Instances[res.Environment.InstanceID].Status.State = cloud.InstanceTerminated
	})

	out, err := h.orch.Destroy(ctx, "dev")
	require.NoError(t, err)
	require.NotNil(t, out.Drift)
	assert.True(t, out.Drift.Gone())
	assert.False(t, out.Terminated)
	assert.Zero(t, h.gw.Calls("TerminateInstance"))

	_, err = h.store.Get(ctx, "dev")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestDestroyTerminateTimeoutKeepsRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.Options{TerminateTimeout: time.Minute})
	h.boots()
	res, err := h.orch.Up(ctx, up("dev"))
	require.NoError(t, err)
	h.gw.Mutate(func(g *cloudtest.Gateway) { g.Instances[res.Environment.InstanceID].Sticky = true })

	out, err := h.orch.Destroy(ctx, "dev")
	assert.Equal(t, apperr.KindLifecycleTimeout, apperr.KindOf(err))
	assert.True(t, out.Terminated)

	env, err := h.store.Get(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Status{Phase: lifecycle.Failed, Reason: lifecycle.ReasonTerminateTimeout}, env.Status)
}

func TestDestroyUnknown(t *testing.T) {
	h := newHarness(t, lifecycle.Options{})
	_, err := h.orch.Destroy(context.Background(), "ghost")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestListAndStatusReportDrift(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.Options{})
	h.boots()
	a, err := h.orch.Up(ctx, up("a"))
	require.NoError(t, err)
	_, err = h.orch.Up(ctx, up("b"))
	require.NoError(t, err)
	h.gw.Mutate(func(g *cloudtest.Gateway) { delete(g.Instances, a.Environment.InstanceID) })

	reports, err := h.orch.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	byName := map[string]lifecycle.Report{}
	for _, r := range reports {
		byName[r.Environment.Name] = r
	}
	require.NotNil(t, byName["a"].Drift)
	assert.True(t, byName["a"].Drift.Missing)
	assert.Equal(t, lifecycle.Terminated, byName["a"].Environment.Status.Phase)
	assert.Nil(t, byName["b"].Drift)

	st, err := h.orch.Status(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Ready, st.Environment.Status.Phase)
}

func TestLogs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.Options{})
	h.boots()
	_, err := h.orch.Up(ctx, up("dev"))
	require.NoError(t, err)

	out, err := h.orch.Logs(ctx, "dev")
	require.NoError(t, err)
	assert.Contains(t, out, "EC2_CLI_READY")
}
