package infra

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/clock"
	"github.com/picklr-io/ec2-cli/internal/cloud"
	"github.com/picklr-io/ec2-cli/internal/cloud/cloudtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(gw cloud.Gateway) *Engine {
	return New(gw, Options{
		Tags:  cloud.Tags{"team": "platform"},
		Clock: clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
	})
}

func TestEnsureInfrastructureCreatesEverything(t *testing.T) {
	gw := cloudtest.New("us-east-1")
	res, err := newEngine(gw).EnsureInfrastructure(context.Background())
	require.NoError(t, err)

	rec := res.Record
	assert.Equal(t, "123456789012/us-east-1", rec.Key)
	assert.NotEmpty(t, rec.VPCID)
	assert.NotEmpty(t, rec.SubnetID)
	assert.NotEmpty(t, rec.SecurityGroupID)
	assert.Equal(t, ProfileName, rec.InstanceProfileName)
	assert.Contains(t, rec.InstanceProfileARN, ProfileName)
	assert.Len(t, rec.Endpoints, len(BrokerServices)+1)
	assert.False(t, res.AlreadyPresent())

	s3, ok := gw.Endpoint(rec.Endpoints[ObjectStoreService])
	require.True(t, ok)
	assert.Equal(t, "com.amazonaws.us-east-1.s3", s3.Service)
	assert.Equal(t, cloud.EndpointGateway, s3.Type)
	assert.NotEmpty(t, s3.RouteTableIDs)
	assert.Empty(t, s3.SecurityGroupID)
	ssm, ok := gw.Endpoint(rec.Endpoints["ssm"])
	require.True(t, ok)
	assert.Equal(t, rec.SecurityGroupID, ssm.SecurityGroupID)

	tags := gw.VPCs[rec.VPCID]
	assert.Equal(t, "true", tags["ec2-cli:managed"])
	assert.Equal(t, "platform", tags["team"])
	assert.NotEmpty(t, tags["ec2-cli:created"])

	sg, ok := gw.Group(rec.SecurityGroupID)
	require.True(t, ok)
	assert.Equal(t, NetworkCIDR, sg.EgressCIDR)
	assert.Equal(t, int32(BrokerPort), sg.Port)

	role := gw.Roles[RoleName]
	assert.Equal(t, BrokerPolicyARN, role.ManagedPolicyARN)
	assert.Equal(t, TrustedService, role.TrustedService)
}

func TestEnsureInfrastructureIsIdempotent(t *testing.T) {
	gw := cloudtest.New("us-east-1")
	eng := newEngine(gw)

	first, err := eng.EnsureInfrastructure(context.Background())
	require.NoError(t, err)
	createsAfterFirst := gw.CreateCalls()

	second, err := eng.EnsureInfrastructure(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Record, second.Record)
	assert.True(t, second.AlreadyPresent())
	assert.Equal(t, createsAfterFirst, gw.CreateCalls(), "second pass must not create anything")
}

func TestEnsureInfrastructureFillsPartialState(t *testing.T) {
	gw := cloudtest.New("eu-west-1")
	eng := newEngine(gw)
	ctx := context.Background()

	res := &Result{}
	vpcID, err := eng.EnsureNetwork(ctx, res)
	require.NoError(t, err)

	full, err := eng.EnsureInfrastructure(ctx)
	require.NoError(t, err)
	assert.Equal(t, vpcID, full.Record.VPCID)
	assert.Equal(t, 1, gw.Calls("CreateNetwork"))
	for _, c := range full.Created {
		assert.NotContains(t, c, ComponentNetwork+" ")
	}
	assert.Equal(t, 1, gw.Calls("CreateSubnet"))
	assert.Equal(t, 1, gw.Calls("CreateSecurityGroup"))
}

func TestEnsureInfrastructureConcurrentCallsConverge(t *testing.T) {
	gw := cloudtest.New("us-east-1")

	// Hold both callers until each has seen an empty account, so both
	// create a network.
	var arrive sync.WaitGroup
	arrive.Add(2)
	var seen atomic.Int32
	gw.BeforeCreate = func(op string) {
		if op != "CreateNetwork" || seen.Add(1) > 2 {
			return
		}
		arrive.Done()
		arrive.Wait()
	}

	fake := clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	results := make([]*Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = New(gw, Options{Clock: fake}).EnsureInfrastructure(context.Background())
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].Record, results[1].Record)

	gw.Mutate(func(g *cloudtest.Gateway) {
		assert.Len(t, g.VPCs, 1, "duplicate network must be removed")
		assert.Len(t, g.Subnets, 1)
		assert.Len(t, g.Groups, 1)
		assert.Len(t, g.Endpoints, len(BrokerServices)+1)
		assert.Len(t, g.Profiles, 1)
	})
}

func TestEnsureInfrastructureUsesConfiguredNetwork(t *testing.T) {
	gw := cloudtest.New("us-east-1")
	gw.VPCs["vpc-existing"] = cloud.Tags{}
	gw.AddSubnet("subnet-existing", "vpc-existing", "172.31.0.0/20", nil)

	eng := New(gw, Options{VPCID: "vpc-existing", SubnetID: "subnet-existing"})
	res, err := eng.EnsureInfrastructure(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "vpc-existing", res.Record.VPCID)
	assert.Equal(t, "subnet-existing", res.Record.SubnetID)
	assert.Equal(t, 0, gw.Calls("CreateNetwork"))
	assert.Equal(t, 0, gw.Calls("CreateSubnet"))
}

func TestEnsureInfrastructureNamesMissingPermission(t *testing.T) {
	gw := cloudtest.New("us-east-1")
	gw.DenyOps = map[string]bool{"CreateRole": true}

	_, err := newEngine(gw).EnsureInfrastructure(context.Background())
	require.Error(t, err)

	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperr.KindCloudAPI, ae.Kind)
	assert.Equal(t, "CreateRole", ae.Capability)
	assert.Contains(t, err.Error(), RoleName)
}

func TestEnsureObjectStoreEndpointConflictRereads(t *testing.T) {
	gw := cloudtest.New("us-east-1")
	eng := newEngine(gw)
	ctx := context.Background()
	vpcID, err := eng.EnsureNetwork(ctx, &Result{})
	require.NoError(t, err)

	// Another caller creates the endpoint between our find and create.
	gw.BeforeCreate = func(op string) {
		if op != "CreateEndpoint" {
			return
		}
		gw.Mutate(func(g *cloudtest.Gateway) { g.BeforeCreate = nil })
		_, err := gw.CreateEndpoint(ctx, cloud.EndpointSpec{VPCID: vpcID, Service: ServiceName("us-east-1", ObjectStoreService), Type: cloud.EndpointGateway})
		require.NoError(t, err)
	}

	res := &Result{}
	id, err := eng.EnsureObjectStoreEndpoint(ctx, res, vpcID)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Empty(t, res.Created)

	again, err := eng.EnsureObjectStoreEndpoint(ctx, &Result{}, vpcID)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, gw.Calls("FindRouteTables"))
}

func TestEnsureRoleToleratesExistingRole(t *testing.T) {
	gw := cloudtest.New("us-east-1")
	gw.Roles[RoleName] = cloud.RoleSpec{RoleName: RoleName}

	res := &Result{}
	arn, err := newEngine(gw).EnsureRole(context.Background(), res)
	require.NoError(t, err)
	assert.Contains(t, arn, ProfileName)
	assert.Equal(t, []string{"instance-profile " + ProfileName}, res.Created)
}
