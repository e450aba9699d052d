package lifecycle

import (
	"context"
	"fmt"

	"github.com/picklr-io/ec2-cli/internal/cloud"
)

// Describer is the slice of the gateway drift detection needs.
type Describer interface {
	DescribeInstance(ctx context.Context, id string) (cloud.InstanceStatus, error)
}

// Drift reports a disagreement between the stored and the live state.
type Drift struct {
	Name       string
	InstanceID string
	Recorded   Status
	Observed   cloud.InstanceState
	// Missing is set when the provider no longer knows the instance.
	Missing bool
	// Updated is the status written back to the store.
	Updated Status
}

func (d *Drift) String() string {
	observed := string(d.Observed)
	if d.Missing {
		observed = "not found"
	}
	return fmt.Sprintf("%s: recorded %s, instance %s is %s", d.Name, d.Recorded, d.InstanceID, observed)
}

// Gone reports whether the drift means the instance no longer exists.
func (d *Drift) Gone() bool {
	return d.Missing || d.Observed.Gone()
}
