// Package state persists environments and infrastructure records behind a
// scoped exclusive lock.
package state

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/infra"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
)

// SnapshotVersion is the on-disk schema version.
const SnapshotVersion = 1

// Snapshot is the whole persisted state.
type Snapshot struct {
	Version        int                              `json:"version"`
	Environments   map[string]lifecycle.Environment `json:"environments"`
	Infrastructure map[string]infra.Record          `json:"infrastructure"`
}

// NewSnapshot returns an empty snapshot at the current version.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Version:        SnapshotVersion,
		Environments:   map[string]lifecycle.Environment{},
		Infrastructure: map[string]infra.Record{},
	}
}

// Names returns environment names in order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.Environments))
	for name := range s.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InfraRefs counts environments referencing each infrastructure record.
func (s *Snapshot) InfraRefs() map[string]int {
	refs := make(map[string]int, len(s.Infrastructure))
	for key := range s.Infrastructure {
		refs[key] = 0
	}
	for _, env := range s.Environments {
		if env.InfraKey != "" {
			refs[env.InfraKey]++
		}
	}
	return refs
}

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	s.Version = SnapshotVersion
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeSnapshot(data []byte, location string) (*Snapshot, error) {
	if len(data) == 0 {
		return NewSnapshot(), nil
	}
	s := NewSnapshot()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, apperr.New(apperr.KindStateConsistency, "state", location, fmt.Errorf("corrupt state: %w", err))
	}
	if s.Version > SnapshotVersion {
		return nil, apperr.Newf(apperr.KindStateConsistency, "state", location,
			"state version %d is newer than supported version %d", s.Version, SnapshotVersion)
	}
	if s.Environments == nil {
		s.Environments = map[string]lifecycle.Environment{}
	}
	if s.Infrastructure == nil {
		s.Infrastructure = map[string]infra.Record{}
	}
	for name, env := range s.Environments {
		if env.Name != name {
			return nil, apperr.Newf(apperr.KindStateConsistency, "state", location,
				"environment key %q does not match record name %q", name, env.Name)
		}
	}
	return s, nil
}
