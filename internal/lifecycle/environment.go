package lifecycle

import (
	"fmt"
	"time"
)

// MaxNameLength bounds environment names; they end up in tags, git
// remote names, and host aliases.
const MaxNameLength = 40

// ValidateName accepts lowercase letters, digits and dashes, starting
// with a letter or digit.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("environment name cannot be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("environment name %q is longer than %d characters", name, MaxNameLength)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-' && i > 0:
		default:
			return fmt.Errorf("environment name %q may only contain lowercase letters, digits and dashes, and must not start with a dash", name)
		}
	}
	return nil
}

// Environment is one tracked development instance.
type Environment struct {
	Name       string            `json:"name"`
	InstanceID string            `json:"instance_id,omitempty"`
	Region     string            `json:"region"`
	AWSProfile string            `json:"aws_profile,omitempty"`
	Profile    string            `json:"profile"`
	InfraKey   string            `json:"infra_key,omitempty"`
	Status     Status            `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	ObservedAt time.Time         `json:"observed_at"`
	Username   string            `json:"username"`
	SSHKeyPath string            `json:"ssh_key_path,omitempty"`
	Project    string            `json:"project,omitempty"`
	Sentinel   string            `json:"sentinel,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Ready reports whether sessions may be opened.
func (e *Environment) Ready() bool {
	return e.Status.Phase == Ready
}

// Apply moves the environment through one transition, stamping ObservedAt
// on success.
func (e *Environment) Apply(ev Event, now time.Time) error {
	next, err := Next(e.Status, ev)
	if err != nil {
		return err
	}
	e.Status = next
	e.ObservedAt = now
	return nil
}
