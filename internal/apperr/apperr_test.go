package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageNamesComponentAndResource(t *testing.T) {
	err := &Error{
		Kind:       KindCloudAPI,
		Component:  "infra",
		Resource:   "role ec2-cli-instance-role",
		Capability: "iam:CreateRole",
		Err:        errors.New("access denied"),
	}
	assert.Equal(t, "infra: cloud API error (role ec2-cli-instance-role), missing iam:CreateRole: access denied", err.Error())
}

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("open shell: %w", New(KindNotReady, "session", "dev", errors.New("phase Booting")))
	assert.True(t, errors.Is(err, NotReady))
	assert.False(t, errors.Is(err, Transport))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"config", New(KindConfiguration, "profile", "", errors.New("x")), ExitUser},
		{"not ready", New(KindNotReady, "session", "", nil), ExitUser},
		{"cloud", New(KindCloudAPI, "gateway", "", nil), ExitCloud},
		{"timeout", New(KindLifecycleTimeout, "lifecycle", "", nil), ExitCloud},
		{"state", New(KindStateConsistency, "state", "", nil), ExitInternal},
		{"conflict", New(KindSyncConflict, "sync", "", nil), ExitConflict},
		{"plain", errors.New("boom"), ExitInternal},
		{"cancelled", fmt.Errorf("wait: %w", context.Canceled), ExitCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
