package cloud

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const ns = Namespace("ec2-cli")

func TestNamespaceManaged(t *testing.T) {
	tags := ns.Managed("network")
	assert.Equal(t, Tags{"ec2-cli:managed": "true", "ec2-cli:component": "network"}, tags)
}

func TestTagsMergeAndMatch(t *testing.T) {
	base := Tags{"a": "1", "b": "2"}
	merged := base.Merge(Tags{"b": "3", "c": "4"})

	assert.Equal(t, Tags{"a": "1", "b": "3", "c": "4"}, merged)
	assert.Equal(t, "2", base["b"], "merge must not mutate the receiver")
	assert.True(t, merged.Matches(Tags{"a": "1", "c": "4"}))
	assert.False(t, merged.Matches(Tags{"b": "2"}))
	assert.Equal(t, []string{"a", "b", "c"}, merged.Keys())
}

func TestOldestPrefersCreationTag(t *testing.T) {
	now := time.Unix(1000, 0)
	rs := []Resource{
		{ID: "vpc-aaa", Tags: ns.Stamp(nil, now.Add(time.Second))},
		{ID: "vpc-zzz", Tags: ns.Stamp(nil, now)},
		{ID: "vpc-000"},
	}
	got, ok := ns.Oldest(rs)
	assert.True(t, ok)
	assert.Equal(t, "vpc-zzz", got.ID)

	tied := []Resource{
		{ID: "vpc-b", Tags: ns.Stamp(nil, now)},
		{ID: "vpc-a", Tags: ns.Stamp(nil, now)},
	}
	got, _ = ns.Oldest(tied)
	assert.Equal(t, "vpc-a", got.ID)

	_, ok = ns.Oldest(nil)
	assert.False(t, ok)
}

func TestErrorClassification(t *testing.T) {
	err := fmt.Errorf("ensure group: %w", NewError(Conflict, "ec2:CreateSecurityGroup", "InvalidGroup.Duplicate", "exists"))

	assert.True(t, Is(err, Conflict))
	assert.Equal(t, Conflict, KindOf(err))
	assert.Equal(t, "ec2:CreateSecurityGroup", OpOf(err))
	assert.False(t, IsRetryable(err))
	assert.True(t, IsRetryable(NewError(Throttled, "ec2:DescribeInstances", "RequestLimitExceeded", "slow down")))
	assert.True(t, IsRetryable(NewError(Unavailable, "ssm:StartSession", "", "503")))
	assert.Equal(t, Invalid, KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "InvalidGroup.Duplicate")
}

func TestInstanceStateGone(t *testing.T) {
	assert.True(t, InstanceTerminated.Gone())
	assert.True(t, InstanceShuttingDown.Gone())
	assert.False(t, InstanceStopped.Gone())
	assert.False(t, InstanceRunning.Gone())
}
