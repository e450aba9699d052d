package state

import (
	"context"
	"fmt"
	"sort"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/clock"
	"github.com/picklr-io/ec2-cli/internal/infra"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
	"github.com/picklr-io/ec2-cli/internal/logging"
)

// Store is the single owner of the persisted snapshot. Every mutation runs
// inside WithLock.
type Store struct {
	backend Backend
	sealer  Sealer
	clock   clock.Clock
}

// New returns a store over backend. A nil sealer stores plaintext.
func New(backend Backend, sealer Sealer) *Store {
	if sealer == nil {
		sealer = plainSealer{}
	}
	return &Store{backend: backend, sealer: sealer, clock: clock.Real()}
}

// WithClock sets the clock used for timestamps.
func (s *Store) WithClock(c clock.Clock) *Store {
	s.clock = c
	return s
}

// Location names the underlying backend.
func (s *Store) Location() string { return s.backend.Location() }

// Read returns the last committed snapshot without taking the lock. Commits
// replace the whole object, so a reader sees either the old or the new
// snapshot.
func (s *Store) Read(ctx context.Context) (*Snapshot, error) {
	raw, err := s.backend.Load(ctx)
	if err != nil {
		return nil, apperr.New(apperr.KindStateConsistency, "state", s.Location(), err)
	}
	data, err := s.sealer.Open(ctx, raw)
	if err != nil {
		return nil, apperr.New(apperr.KindStateConsistency, "state", s.Location(), err)
	}
	return decodeSnapshot(data, s.Location())
}

// WithLock loads the snapshot under the exclusive lock, runs fn, and
// commits the result if fn returns nil. Nothing is written when fn fails.
func (s *Store) WithLock(ctx context.Context, fn func(*Snapshot) error) (err error) {
	unlock, err := s.backend.Lock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := unlock(); uerr != nil && err == nil {
			err = apperr.New(apperr.KindStateConsistency, "state", s.Location(), uerr)
		}
	}()

	snap, err := s.Read(ctx)
	if err != nil {
		return err
	}
	if err := fn(snap); err != nil {
		return err
	}
	data, err := encodeSnapshot(snap)
	if err != nil {
		return apperr.New(apperr.KindInternal, "state", s.Location(), err)
	}
	sealed, err := s.sealer.Seal(ctx, data)
	if err != nil {
		return apperr.New(apperr.KindStateConsistency, "state", s.Location(), err)
	}
	if err := s.backend.Save(context.WithoutCancel(ctx), sealed); err != nil {
		return apperr.New(apperr.KindStateConsistency, "state", s.Location(), err)
	}
	return nil
}

func notFound(name string) error {
	return apperr.Newf(apperr.KindNotFound, "state", name, "environment %q not found", name)
}

// Get returns one environment.
func (s *Store) Get(ctx context.Context, name string) (*lifecycle.Environment, error) {
	snap, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	env, ok := snap.Environments[name]
	if !ok {
		return nil, notFound(name)
	}
	return &env, nil
}

// Create inserts a new environment. An existing entry blocks creation
// unless it already ended in Failed or Terminated.
func (s *Store) Create(ctx context.Context, env *lifecycle.Environment) error {
	return s.WithLock(ctx, func(snap *Snapshot) error {
		if old, ok := snap.Environments[env.Name]; ok {
			if old.Status.Phase != lifecycle.Terminated && old.Status.Phase != lifecycle.Failed {
				return apperr.Newf(apperr.KindUserInput, "state", env.Name,
					"environment %q already exists (%s); destroy it first", env.Name, old.Status)
			}
			logging.Info("replacing finished environment", "env", env.Name, "status", old.Status.String())
		}
		snap.Environments[env.Name] = *env
		return nil
	})
}

// Upsert writes an environment, replacing any previous record.
func (s *Store) Upsert(ctx context.Context, env *lifecycle.Environment) error {
	if env.Name == "" {
		return apperr.Newf(apperr.KindInternal, "state", "", "environment has no name")
	}
	return s.WithLock(ctx, func(snap *Snapshot) error {
		snap.Environments[env.Name] = *env
		return nil
	})
}

// Put is Upsert.
func (s *Store) Put(ctx context.Context, env *lifecycle.Environment) error {
	return s.Upsert(ctx, env)
}

// Remove deletes an environment. Removing an absent name is an error.
func (s *Store) Remove(ctx context.Context, name string) error {
	return s.WithLock(ctx, func(snap *Snapshot) error {
		if _, ok := snap.Environments[name]; !ok {
			return notFound(name)
		}
		delete(snap.Environments, name)
		return nil
	})
}

// Delete is Remove.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.Remove(ctx, name)
}

// List returns environments sorted by creation time, then name.
func (s *Store) List(ctx context.Context) ([]lifecycle.Environment, error) {
	snap, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]lifecycle.Environment, 0, len(snap.Environments))
	for _, env := range snap.Environments {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// PutInfra records the converged infrastructure for its account and region.
func (s *Store) PutInfra(ctx context.Context, rec infra.Record) error {
	if rec.Key == "" {
		return apperr.New(apperr.KindInternal, "state", "", fmt.Errorf("infrastructure record has no key"))
	}
	return s.WithLock(ctx, func(snap *Snapshot) error {
		snap.Infrastructure[rec.Key] = rec
		return nil
	})
}

// Infra returns a recorded infrastructure set.
func (s *Store) Infra(ctx context.Context, key string) (*infra.Record, error) {
	snap, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	rec, ok := snap.Infrastructure[key]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "state", key, "no infrastructure recorded for %s", key)
	}
	return &rec, nil
}

// InfraRefs returns how many environments reference each recorded
// infrastructure set.
func (s *Store) InfraRefs(ctx context.Context) (map[string]int, error) {
	snap, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	return snap.InfraRefs(), nil
}

// Prune removes environments in the Terminated phase and returns their
// names.
func (s *Store) Prune(ctx context.Context) ([]string, error) {
	var removed []string
	err := s.WithLock(ctx, func(snap *Snapshot) error {
		removed = removed[:0]
		for _, name := range snap.Names() {
			if snap.Environments[name].Status.Phase == lifecycle.Terminated {
				delete(snap.Environments, name)
				removed = append(removed, name)
			}
		}
		return nil
	})
	return removed, err
}
