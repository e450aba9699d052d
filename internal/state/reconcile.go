package state

import (
	"context"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/cloud"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
	"github.com/picklr-io/ec2-cli/internal/logging"
)

// Reconcile re-queries the instance behind name and writes back any
// disagreement: a vanished instance becomes Terminated, a stopped one
// fails a Ready environment. The returned drift is nil when stored and
// live state agree.
func (s *Store) Reconcile(ctx context.Context, name string, d lifecycle.Describer) (*lifecycle.Drift, error) {
	env, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if env.InstanceID == "" {
		return nil, nil
	}

	status, err := d.DescribeInstance(ctx, env.InstanceID)
	missing := cloud.Is(err, cloud.NotFound)
	if err != nil && !missing {
		return nil, apperr.New(apperr.KindCloudAPI, "state", env.InstanceID, err)
	}

	drift := &lifecycle.Drift{Name: name, InstanceID: env.InstanceID, Recorded: env.Status, Observed: status.State, Missing: missing}
	ev, drifted := driftEvent(env.Status, drift)
	if !drifted {
		return nil, s.touch(ctx, name)
	}

	var updated lifecycle.Status
	err = s.WithLock(ctx, func(snap *Snapshot) error {
		cur, ok := snap.Environments[name]
		if !ok {
			return notFound(name)
		}
		if err := cur.Apply(ev, s.clock.Now()); err != nil {
			return apperr.New(apperr.KindInternal, "state", name, err)
		}
		updated = cur.Status
		snap.Environments[name] = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	drift.Updated = updated
	logging.Warn("environment drifted", "env", name, "instance", env.InstanceID, "drift", drift.String())
	return drift, nil
}

// touch stamps ObservedAt when stored and live state agree.
func (s *Store) touch(ctx context.Context, name string) error {
	return s.WithLock(ctx, func(snap *Snapshot) error {
		cur, ok := snap.Environments[name]
		if !ok {
			return notFound(name)
		}
		cur.ObservedAt = s.clock.Now()
		snap.Environments[name] = cur
		return nil
	})
}

func driftEvent(recorded lifecycle.Status, d *lifecycle.Drift) (lifecycle.Event, bool) {
	switch {
	case d.Gone():
		if recorded.Phase == lifecycle.Terminated || recorded.Phase == lifecycle.Terminating {
			return lifecycle.Event{}, false
		}
		return lifecycle.Event{Kind: lifecycle.EventVanished}, true
	case d.Observed == cloud.InstanceStopped || d.Observed == cloud.InstanceStopping:
		if recorded.Phase != lifecycle.Ready {
			return lifecycle.Event{}, false
		}
		return lifecycle.Fail("instance " + string(d.Observed)), true
	}
	return lifecycle.Event{}, false
}
