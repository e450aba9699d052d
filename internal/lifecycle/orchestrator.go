package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/bootscript"
	"github.com/picklr-io/ec2-cli/internal/clock"
	"github.com/picklr-io/ec2-cli/internal/cloud"
	"github.com/picklr-io/ec2-cli/internal/infra"
	"github.com/picklr-io/ec2-cli/internal/logging"
	"github.com/picklr-io/ec2-cli/internal/profile"
	"github.com/picklr-io/ec2-cli/internal/retry"
)

// Default poll budgets.
const (
	DefaultBootTimeout      = 10 * time.Minute
	DefaultTerminateTimeout = 5 * time.Minute
)

// Store is the persistence the orchestrator needs.
type Store interface {
	Get(ctx context.Context, name string) (*Environment, error)
	Create(ctx context.Context, env *Environment) error
	Put(ctx context.Context, env *Environment) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Environment, error)
	PutInfra(ctx context.Context, rec infra.Record) error
	Reconcile(ctx context.Context, name string, d Describer) (*Drift, error)
}

// Converger ensures the shared infrastructure exists.
type Converger interface {
	EnsureInfrastructure(ctx context.Context) (*infra.Result, error)
}

// Options tune the orchestrator.
type Options struct {
	BootTimeout      time.Duration
	TerminateTimeout time.Duration
	// PollBase and PollMax bound the delay between polls.
	PollBase time.Duration
	PollMax  time.Duration
	// CleanupOnFailure terminates an instance whose boot failed.
	CleanupOnFailure bool
	Clock            clock.Clock
}

func (o *Options) applyDefaults() {
	if o.BootTimeout <= 0 {
		o.BootTimeout = DefaultBootTimeout
	}
	if o.TerminateTimeout <= 0 {
		o.TerminateTimeout = DefaultTerminateTimeout
	}
	if o.PollBase <= 0 {
		o.PollBase = 5 * time.Second
	}
	if o.PollMax <= 0 {
		o.PollMax = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

// Orchestrator drives environments through their lifecycle.
type Orchestrator struct {
	gw    cloud.Gateway
	infra Converger
	store Store
	opts  Options
}

// New returns an orchestrator.
func New(gw cloud.Gateway, conv Converger, store Store, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{gw: gw, infra: conv, store: store, opts: opts}
}

// UpRequest describes one environment to bring up.
type UpRequest struct {
	Name       string
	Profile    *profile.Profile
	AWSProfile string
	PublicKey  string
	SSHKeyPath string
	GitName    string
	GitEmail   string
	Project    string
	Tags       map[string]string
}

// UpResult is a ready environment plus what convergence did.
type UpResult struct {
	Environment *Environment
	Infra       *infra.Result
}

func (o *Orchestrator) now() time.Time { return o.opts.Clock.Now() }

func (o *Orchestrator) poll(deadline time.Duration) *retry.RetryPolicy {
	p := retry.PollPolicy(deadline)
	p.BaseDelay, p.MaxDelay, p.Clock = o.opts.PollBase, o.opts.PollMax, o.opts.Clock
	return p
}

// advance applies ev and persists the result. Persisting ignores
// cancellation so an interrupt never loses a transition already taken.
func (o *Orchestrator) advance(ctx context.Context, env *Environment, ev Event) error {
	if err := env.Apply(ev, o.now()); err != nil {
		return apperr.New(apperr.KindInternal, "lifecycle", env.Name, err)
	}
	if err := o.store.Put(context.WithoutCancel(ctx), env); err != nil {
		return err
	}
	logging.Info("environment transition", "env", env.Name, "status", env.Status.String(), "instance", env.InstanceID)
	return nil
}

// fail records a failure and returns cause. A failure to persist is
// logged, not returned, so the original cause reaches the caller.
func (o *Orchestrator) fail(ctx context.Context, env *Environment, reason string, cause error) error {
	if err := o.advance(ctx, env, Fail(reason)); err != nil {
		logging.Error("failed to record failure", "env", env.Name, "reason", reason, "error", err)
	}
	return cause
}

// Up converges infrastructure, launches the instance, and waits for it to
// report ready. The script is rendered first so bad input fails before any
// cloud call.
func (o *Orchestrator) Up(ctx context.Context, req UpRequest) (*UpResult, error) {
	if req.Profile == nil {
		return nil, apperr.Newf(apperr.KindConfiguration, "lifecycle", req.Name, "no profile given")
	}
	if err := ValidateName(req.Name); err != nil {
		return nil, apperr.New(apperr.KindUserInput, "lifecycle", req.Name, err)
	}
	script, err := bootscript.Render(bootscript.Input{
		Profile:   req.Profile,
		PublicKey: req.PublicKey,
		GitName:   req.GitName,
		GitEmail:  req.GitEmail,
		Project:   req.Project,
	})
	if err != nil {
		return nil, err
	}

	now := o.now()
	env := &Environment{
		Name:       req.Name,
		Region:     o.gw.Region(),
		AWSProfile: req.AWSProfile,
		Profile:    req.Profile.Name,
		Status:     Status{Phase: Requested},
		CreatedAt:  now,
		ObservedAt: now,
		Username:   req.Profile.Username,
		SSHKeyPath: req.SSHKeyPath,
		Project:    req.Project,
		Sentinel:   script.Sentinel,
		Tags:       req.Tags,
	}
	if err := o.store.Create(ctx, env); err != nil {
		return nil, err
	}
	log := logging.With("env", env.Name)

	if err := o.advance(ctx, env, Event{Kind: EventUp}); err != nil {
		return nil, err
	}
	res, err := o.infra.EnsureInfrastructure(ctx)
	if err != nil {
		return nil, o.fail(ctx, env, "infrastructure", err)
	}
	if err := o.store.PutInfra(context.WithoutCancel(ctx), res.Record); err != nil {
		return nil, o.fail(ctx, env, "state", err)
	}
	env.InfraKey = res.Record.Key
	if res.AlreadyPresent() {
		log.Info("infrastructure already present", "vpc", res.Record.VPCID)
	} else {
		log.Info("infrastructure converged", "created", strings.Join(res.Created, ","))
	}

	imageID, err := o.image(ctx, req.Profile)
	if err != nil {
		return nil, o.fail(ctx, env, "image", err)
	}
	spec := launchSpec(env, req, res.Record, imageID, script.Text)

	if err := o.advance(ctx, env, Event{Kind: EventInfraReady}); err != nil {
		return nil, err
	}
	id, err := o.gw.LaunchInstance(ctx, spec)
	if err != nil {
		return nil, o.fail(ctx, env, "launch", apperr.New(apperr.KindCloudAPI, "lifecycle", env.Name, err))
	}
	env.InstanceID = id
	if err := o.advance(ctx, env, Event{Kind: EventLaunched}); err != nil {
		return nil, err
	}
	log.Info("instance launched", "instance", id, "type", spec.InstanceType)

	if err := o.waitReady(ctx, env, script); err != nil {
		o.cleanup(ctx, env)
		return nil, err
	}
	return &UpResult{Environment: env, Infra: res}, nil
}

func (o *Orchestrator) image(ctx context.Context, p *profile.Profile) (string, error) {
	if p.Instance.AMI.ID != "" {
		return p.Instance.AMI.ID, nil
	}
	id, err := o.gw.ResolveImage(ctx, cloud.ImageQuery{Family: p.Instance.AMI.Type, Architecture: p.Instance.AMI.Architecture})
	if err != nil {
		return "", apperr.New(apperr.KindCloudAPI, "lifecycle", p.Instance.AMI.Type, err)
	}
	return id, nil
}

func launchSpec(env *Environment, req UpRequest, rec infra.Record, imageID, userData string) cloud.LaunchSpec {
	v := req.Profile.Instance.Storage.RootVolume
	tags := cloud.Tags(req.Profile.Tags).
		Merge(req.Tags).
		Merge(infra.Namespace.Managed(infra.ComponentInstance)).
		Merge(cloud.Tags{cloud.TagDisplayName: "ec2-cli-" + env.Name, infra.Namespace.Key("environment"): env.Name})
	return cloud.LaunchSpec{
		Name:            env.Name,
		ImageID:         imageID,
		InstanceType:    req.Profile.Instance.Type,
		FallbackTypes:   req.Profile.Instance.FallbackTypes,
		SubnetID:        rec.SubnetID,
		SecurityGroupID: rec.SecurityGroupID,
		InstanceProfile: rec.InstanceProfileName,
		UserData:        userData,
		RootVolume: cloud.Volume{
			SizeGB:     int32(v.SizeGB),
			Type:       v.Type,
			IOPS:       int32(v.IOPS),
			Throughput: int32(v.Throughput),
			Encrypted:  true,
		},
		Tags: tags,
	}
}

var errInstanceGone = errors.New("instance entered a terminal state")

// waitReady polls until the sentinel is on the console and the broker sees
// the instance, or the boot budget runs out.
func (o *Orchestrator) waitReady(ctx context.Context, env *Environment, script *bootscript.Script) error {
	var last cloud.InstanceStatus
	err := retry.Poll(ctx, o.poll(o.opts.BootTimeout), func(ctx context.Context) (bool, error) {
		st, err := o.gw.DescribeInstance(ctx, env.InstanceID)
		if err != nil {
			return false, err
		}
		last = st
		switch st.State {
		case cloud.InstanceShuttingDown, cloud.InstanceTerminated, cloud.InstanceStopping, cloud.InstanceStopped:
			return false, errInstanceGone
		case cloud.InstancePending:
			return false, nil
		}
		console, err := o.gw.ConsoleOutput(ctx, env.InstanceID)
		if err != nil {
			return false, err
		}
		if !script.Observed(console) {
			return false, nil
		}
		return o.gw.BrokerOnline(ctx, env.InstanceID)
	}, cloud.IsRetryable)

	switch {
	case err == nil:
		return o.advance(ctx, env, Event{Kind: EventBooted})
	case errors.Is(err, errInstanceGone):
		reason := fmt.Sprintf("%s: %s", ReasonInstanceGone, last.State)
		if last.StateReason != "" {
			reason += " (" + last.StateReason + ")"
		}
		return o.fail(ctx, env, reason, apperr.Newf(apperr.KindCloudAPI, "lifecycle", env.InstanceID,
			"instance entered %s while booting", last.State))
	case errors.Is(err, retry.ErrDeadlineExceeded):
		return o.fail(ctx, env, ReasonBootTimeout, apperr.New(apperr.KindLifecycleTimeout, "lifecycle", env.InstanceID,
			fmt.Errorf("not ready within %s; instance left running for inspection: %w", o.opts.BootTimeout, err)))
	case ctx.Err() != nil:
		return o.fail(ctx, env, "interrupted", apperr.New(apperr.KindCancelled, "lifecycle", env.Name, err))
	default:
		return o.fail(ctx, env, "boot", apperr.New(apperr.KindCloudAPI, "lifecycle", env.InstanceID, err))
	}
}

// cleanup terminates a failed instance when configured to. Errors are
// logged; the boot failure is what the caller reports.
func (o *Orchestrator) cleanup(ctx context.Context, env *Environment) {
	if !o.opts.CleanupOnFailure || env.InstanceID == "" {
		return
	}
	logging.Warn("cleaning up failed environment", "env", env.Name, "instance", env.InstanceID)
	if _, err := o.teardown(context.WithoutCancel(ctx), env); err != nil {
		logging.Error("cleanup failed", "env", env.Name, "instance", env.InstanceID, "error", err)
	}
}

// DestroyResult reports what destroy did.
type DestroyResult struct {
	Name       string
	InstanceID string
	// Drift is set when the instance was already gone.
	Drift *Drift
	// Terminated is set when this call issued the termination.
	Terminated bool
}

// Destroy terminates the environment's instance and removes it from the
// store. An instance that already vanished is removed without a terminate
// call and reported as drift. Shared infrastructure is left in place.
func (o *Orchestrator) Destroy(ctx context.Context, name string) (*DestroyResult, error) {
	drift, err := o.store.Reconcile(ctx, name, o.gw)
	if err != nil {
		return nil, err
	}
	env, err := o.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	res := &DestroyResult{Name: name, InstanceID: env.InstanceID, Drift: drift}

	if (drift != nil && drift.Gone()) || env.InstanceID == "" || env.Status.Phase == Terminated {
		if err := o.store.Delete(context.WithoutCancel(ctx), name); err != nil {
			return nil, err
		}
		logging.Info("removed environment without terminate", "env", name, "instance", env.InstanceID)
		return res, nil
	}

	terminated, err := o.teardown(ctx, env)
	res.Terminated = terminated
	if err != nil {
		return res, err
	}
	return res, nil
}

// teardown moves env to Terminating, terminates, polls to completion and
// removes the record. A timeout leaves the record Failed(terminate-timeout).
func (o *Orchestrator) teardown(ctx context.Context, env *Environment) (bool, error) {
	if err := o.advance(ctx, env, Event{Kind: EventDestroy}); err != nil {
		return false, err
	}
	if err := o.gw.TerminateInstance(ctx, env.InstanceID); err != nil && !cloud.Is(err, cloud.NotFound) {
		return false, o.fail(ctx, env, "terminate", apperr.New(apperr.KindCloudAPI, "lifecycle", env.InstanceID, err))
	}
	logging.Info("termination requested", "env", env.Name, "instance", env.InstanceID)

	err := retry.Poll(ctx, o.poll(o.opts.TerminateTimeout), func(ctx context.Context) (bool, error) {
		st, err := o.gw.DescribeInstance(ctx, env.InstanceID)
		if cloud.Is(err, cloud.NotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return st.State == cloud.InstanceTerminated, nil
	}, cloud.IsRetryable)
	switch {
	case err == nil:
	case errors.Is(err, retry.ErrDeadlineExceeded):
		return true, o.fail(ctx, env, ReasonTerminateTimeout, apperr.New(apperr.KindLifecycleTimeout, "lifecycle", env.InstanceID,
			fmt.Errorf("instance not terminated within %s; it may still be running: %w", o.opts.TerminateTimeout, err)))
	case ctx.Err() != nil:
		return true, apperr.New(apperr.KindCancelled, "lifecycle", env.Name, err)
	default:
		return true, apperr.New(apperr.KindCloudAPI, "lifecycle", env.InstanceID, err)
	}

	if err := env.Apply(Event{Kind: EventTerminated}, o.now()); err != nil {
		return true, apperr.New(apperr.KindInternal, "lifecycle", env.Name, err)
	}
	if err := o.store.Delete(context.WithoutCancel(ctx), env.Name); err != nil {
		return true, err
	}
	logging.Info("environment terminated", "env", env.Name, "instance", env.InstanceID)
	return true, nil
}

// Report is one environment with any drift found while refreshing it.
type Report struct {
	Environment Environment
	Drift       *Drift
	// Err is a refresh failure; the environment is the stored view.
	Err error
}

// Status refreshes one environment against the provider.
func (o *Orchestrator) Status(ctx context.Context, name string) (*Report, error) {
	drift, err := o.store.Reconcile(ctx, name, o.gw)
	if err != nil && apperr.KindOf(err) != apperr.KindCloudAPI {
		return nil, err
	}
	env, gerr := o.store.Get(ctx, name)
	if gerr != nil {
		return nil, gerr
	}
	return &Report{Environment: *env, Drift: drift, Err: err}, nil
}

// List returns every environment, refreshed against the provider when
// refresh is set. Per-environment refresh failures are reported, not
// returned.
func (o *Orchestrator) List(ctx context.Context, refresh bool) ([]Report, error) {
	envs, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Report, 0, len(envs))
	for _, env := range envs {
		if !refresh || env.InstanceID == "" {
			out = append(out, Report{Environment: env})
			continue
		}
		r, err := o.Status(ctx, env.Name)
		if err != nil {
			out = append(out, Report{Environment: env, Err: err})
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

// Logs returns the instance console output, which carries the boot log.
func (o *Orchestrator) Logs(ctx context.Context, name string) (string, error) {
	env, err := o.store.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if env.InstanceID == "" {
		return "", apperr.Newf(apperr.KindNotReady, "lifecycle", name, "environment has no instance yet (%s)", env.Status)
	}
	out, err := o.gw.ConsoleOutput(ctx, env.InstanceID)
	if err != nil {
		return "", apperr.New(apperr.KindCloudAPI, "lifecycle", env.InstanceID, err)
	}
	return out, nil
}
