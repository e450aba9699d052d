// Package infra converges the shared network, security, and identity
// prerequisites every environment depends on.
package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/clock"
	"github.com/picklr-io/ec2-cli/internal/cloud"
	"github.com/picklr-io/ec2-cli/internal/logging"
)

// Record describes the converged prerequisites for one account and region.
type Record struct {
	Key                 string            `json:"key"`
	AccountID           string            `json:"account_id"`
	Region              string            `json:"region"`
	VPCID               string            `json:"vpc_id"`
	SubnetID            string            `json:"subnet_id"`
	SecurityGroupID     string            `json:"security_group_id"`
	InstanceProfileName string            `json:"instance_profile_name"`
	InstanceProfileARN  string            `json:"instance_profile_arn"`
	Endpoints           map[string]string `json:"endpoints,omitempty"`
	ConvergedAt         time.Time         `json:"converged_at"`
}

// RecordKey identifies the single record allowed per account and region.
func RecordKey(accountID, region string) string {
	return accountID + "/" + region
}

// Result is the outcome of one convergence pass.
type Result struct {
	Record Record
	// Created lists "component id" for every resource this pass created.
	Created []string
}

// AlreadyPresent reports whether the pass found everything in place.
func (r *Result) AlreadyPresent() bool { return len(r.Created) == 0 }

// Options tune an Engine.
type Options struct {
	// Tags are added to every created resource.
	Tags cloud.Tags
	// VPCID and SubnetID select an existing network instead of converging one.
	VPCID    string
	SubnetID string
	Clock    clock.Clock
}

// Engine ensures infrastructure exists exactly once. It holds no state
// between calls; the provider's resource ids settle races.
type Engine struct {
	gw   cloud.Gateway
	opts Options
}

// New returns an Engine for the gateway's region.
func New(gw cloud.Gateway, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Engine{gw: gw, opts: opts}
}

// EnsureInfrastructure discovers the tagged prerequisites and creates only
// what is missing. Calling it again with everything present issues no
// creation calls and returns an identical record.
func (e *Engine) EnsureInfrastructure(ctx context.Context) (*Result, error) {
	res := &Result{}

	acct, err := e.gw.CallerIdentity(ctx)
	if err != nil {
		return nil, e.fail("caller identity", err)
	}
	region := e.gw.Region()

	var (
		vpcID, subnetID, sgID, profileARN string
		objectStoreID                     string
		endpoints                         map[string]string
	)
	steps, err := order([]step{
		{name: "network", run: func(ctx context.Context) (err error) {
			vpcID, err = e.EnsureNetwork(ctx, res)
			return err
		}},
		{name: "subnet", after: []string{"network"}, run: func(ctx context.Context) (err error) {
			subnetID, err = e.EnsureSubnet(ctx, res, vpcID)
			return err
		}},
		{name: "security-group", after: []string{"network"}, run: func(ctx context.Context) (err error) {
			sgID, err = e.EnsureSecurityGroup(ctx, res, vpcID)
			return err
		}},
		{name: "endpoints", after: []string{"network", "subnet", "security-group"}, run: func(ctx context.Context) (err error) {
			endpoints, err = e.EnsureEndpoints(ctx, res, vpcID, subnetID, sgID)
			return err
		}},
		{name: "object-store-endpoint", after: []string{"network"}, run: func(ctx context.Context) (err error) {
			objectStoreID, err = e.EnsureObjectStoreEndpoint(ctx, res, vpcID)
			return err
		}},
		{name: "role", run: func(ctx context.Context) (err error) {
			profileARN, err = e.EnsureRole(ctx, res)
			return err
		}},
	})
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "infra", "", err)
	}
	for _, s := range steps {
		logging.Debug("converging", "step", s.name)
		if err := s.run(ctx); err != nil {
			return nil, err
		}
	}

	endpoints[ObjectStoreService] = objectStoreID

	res.Record = Record{
		Key:                 RecordKey(acct.ID, region),
		AccountID:           acct.ID,
		Region:              region,
		VPCID:               vpcID,
		SubnetID:            subnetID,
		SecurityGroupID:     sgID,
		InstanceProfileName: ProfileName,
		InstanceProfileARN:  profileARN,
		Endpoints:           endpoints,
	}
	if res.AlreadyPresent() {
		logging.Info("infrastructure already present", "key", res.Record.Key, "vpc", vpcID)
	} else {
		logging.Info("infrastructure converged", "key", res.Record.Key, "created", len(res.Created))
	}
	return res, nil
}

// EnsureNetwork returns the managed network, creating it if absent. The
// provider allows duplicate networks, so after creating one the engine
// re-lists and keeps the oldest, deleting its own copy if it lost.
func (e *Engine) EnsureNetwork(ctx context.Context, res *Result) (string, error) {
	if e.opts.VPCID != "" {
		return e.opts.VPCID, nil
	}
	want := Namespace.Managed(ComponentNetwork)
	find := func() ([]cloud.Resource, error) { return e.gw.FindNetworks(ctx, want) }

	found, err := find()
	if err != nil {
		return "", e.fail("network", err)
	}
	if winner, ok := Namespace.Oldest(found); ok {
		return winner.ID, nil
	}

	id, err := e.gw.CreateNetwork(ctx, cloud.NetworkSpec{
		CIDR: NetworkCIDR,
		Tags: e.tags(ComponentNetwork),
	})
	if err != nil {
		return "", e.fail("network", err)
	}

	found, err = find()
	if err != nil {
		return "", e.fail("network", err)
	}
	winner, ok := Namespace.Oldest(found)
	if !ok || winner.ID == id {
		res.Created = append(res.Created, ComponentNetwork+" "+id)
		logging.Info("created network", "vpc", id, "cidr", NetworkCIDR)
		return id, nil
	}

	logging.Warn("lost network creation race, removing duplicate", "ours", id, "winner", winner.ID)
	if err := e.gw.DeleteNetwork(ctx, id); err != nil {
		logging.Warn("failed to remove duplicate network", "vpc", id, "error", err)
	}
	return winner.ID, nil
}

// EnsureSubnet returns the managed private subnet inside vpcID.
func (e *Engine) EnsureSubnet(ctx context.Context, res *Result, vpcID string) (string, error) {
	if e.opts.SubnetID != "" {
		return e.opts.SubnetID, nil
	}
	want := Namespace.Managed(ComponentSubnet)
	return e.converge(ctx, res, ComponentSubnet,
		func() ([]cloud.Resource, error) { return e.gw.FindSubnets(ctx, vpcID, want) },
		func() (string, error) {
			return e.gw.CreateSubnet(ctx, cloud.SubnetSpec{
				VPCID: vpcID,
				CIDR:  SubnetCIDR,
				Tags:  e.tags(ComponentSubnet),
			})
		})
}

// EnsureSecurityGroup returns the broker-only security group in vpcID.
func (e *Engine) EnsureSecurityGroup(ctx context.Context, res *Result, vpcID string) (string, error) {
	return e.converge(ctx, res, ComponentSecurityGroup,
		func() ([]cloud.Resource, error) { return e.gw.FindSecurityGroups(ctx, vpcID, SecurityGroupName) },
		func() (string, error) {
			return e.gw.CreateSecurityGroup(ctx, cloud.SecurityGroupSpec{
				VPCID:       vpcID,
				Name:        SecurityGroupName,
				Description: securityGroupDesc,
				EgressCIDR:  NetworkCIDR,
				Port:        BrokerPort,
				Tags:        e.tags(ComponentSecurityGroup),
			})
		})
}

// EnsureEndpoints makes sure every broker service has a private endpoint.
func (e *Engine) EnsureEndpoints(ctx context.Context, res *Result, vpcID, subnetID, sgID string) (map[string]string, error) {
	existing, err := e.gw.FindEndpoints(ctx, vpcID)
	if err != nil {
		return nil, e.fail("endpoints", err)
	}

	out := make(map[string]string, len(BrokerServices))
	for _, svc := range BrokerServices {
		name := ServiceName(e.gw.Region(), svc)
		if id, ok := existing[name]; ok {
			out[svc] = id
			continue
		}

		id, err := e.gw.CreateEndpoint(ctx, cloud.EndpointSpec{
			VPCID:           vpcID,
			Service:         name,
			SubnetID:        subnetID,
			SecurityGroupID: sgID,
			Tags:            e.tags(ComponentEndpoint),
		})
		if cloud.Is(err, cloud.Conflict) {
			again, ferr := e.gw.FindEndpoints(ctx, vpcID)
			if ferr != nil {
				return nil, e.fail("endpoint "+svc, ferr)
			}
			winner, ok := again[name]
			if !ok {
				return nil, e.fail("endpoint "+svc, err)
			}
			out[svc] = winner
			continue
		}
		if err != nil {
			return nil, e.fail("endpoint "+svc, err)
		}
		res.Created = append(res.Created, ComponentEndpoint+" "+id)
		logging.Info("created endpoint", "service", name, "endpoint", id)
		out[svc] = id
	}
	return out, nil
}

// EnsureObjectStoreEndpoint makes sure the network has a gateway endpoint
// for the object store attached to all of its route tables.
func (e *Engine) EnsureObjectStoreEndpoint(ctx context.Context, res *Result, vpcID string) (string, error) {
	name := ServiceName(e.gw.Region(), ObjectStoreService)
	resource := "endpoint " + ObjectStoreService
	existing, err := e.gw.FindEndpoints(ctx, vpcID)
	if err != nil {
		return "", e.fail(resource, err)
	}
	if id, ok := existing[name]; ok {
		return id, nil
	}

	tables, err := e.gw.FindRouteTables(ctx, vpcID)
	if err != nil {
		return "", e.fail(resource, err)
	}
	if len(tables) == 0 {
		return "", e.fail(resource, fmt.Errorf("network %s has no route tables", vpcID))
	}

	id, err := e.gw.CreateEndpoint(ctx, cloud.EndpointSpec{
		VPCID:         vpcID,
		Service:       name,
		Type:          cloud.EndpointGateway,
		RouteTableIDs: tables,
		Tags:          e.tags(ComponentEndpoint),
	})
	if cloud.Is(err, cloud.Conflict) {
		again, ferr := e.gw.FindEndpoints(ctx, vpcID)
		if ferr != nil {
			return "", e.fail(resource, ferr)
		}
		winner, ok := again[name]
		if !ok {
			return "", e.fail(resource, err)
		}
		return winner, nil
	}
	if err != nil {
		return "", e.fail(resource, err)
	}
	res.Created = append(res.Created, ComponentEndpoint+" "+id)
	logging.Info("created endpoint", "service", name, "endpoint", id, "route_tables", len(tables))
	return id, nil
}

// EnsureRole returns the instance profile ARN, creating the role and the
// profile as needed.
func (e *Engine) EnsureRole(ctx context.Context, res *Result) (string, error) {
	arn, err := e.gw.FindInstanceProfile(ctx, ProfileName)
	if err == nil {
		return arn, nil
	}
	if !cloud.Is(err, cloud.NotFound) {
		return "", e.fail("instance profile "+ProfileName, err)
	}

	spec := cloud.RoleSpec{
		RoleName:         RoleName,
		ProfileName:      ProfileName,
		TrustedService:   TrustedService,
		ManagedPolicyARN: BrokerPolicyARN,
		Tags:             e.tags(ComponentRole),
	}
	switch err := e.gw.CreateRole(ctx, spec); {
	case err == nil:
		res.Created = append(res.Created, ComponentRole+" "+RoleName)
		logging.Info("created role", "role", RoleName)
	case cloud.Is(err, cloud.Conflict):
		logging.Debug("role already exists", "role", RoleName)
	default:
		return "", e.fail("role "+RoleName, err)
	}

	arn, err = e.gw.CreateInstanceProfile(ctx, spec)
	if cloud.Is(err, cloud.Conflict) {
		arn, err = e.gw.FindInstanceProfile(ctx, ProfileName)
		if err != nil {
			return "", e.fail("instance profile "+ProfileName, err)
		}
		return arn, nil
	}
	if err != nil {
		return "", e.fail("instance profile "+ProfileName, err)
	}
	res.Created = append(res.Created, "instance-profile "+ProfileName)
	logging.Info("created instance profile", "profile", ProfileName)
	return arn, nil
}

// converge finds a resource, creates it when missing, and treats a
// creation conflict as a lost race by re-reading the winner.
func (e *Engine) converge(ctx context.Context, res *Result, component string, find func() ([]cloud.Resource, error), create func() (string, error)) (string, error) {
	found, err := find()
	if err != nil {
		return "", e.fail(component, err)
	}
	if winner, ok := Namespace.Oldest(found); ok {
		return winner.ID, nil
	}

	id, err := create()
	if cloud.Is(err, cloud.Conflict) {
		found, ferr := find()
		if ferr != nil {
			return "", e.fail(component, ferr)
		}
		winner, ok := Namespace.Oldest(found)
		if !ok {
			return "", e.fail(component, fmt.Errorf("conflict reported but no %s found: %w", component, err))
		}
		logging.Debug("resource created concurrently", "component", component, "id", winner.ID)
		return winner.ID, nil
	}
	if err != nil {
		return "", e.fail(component, err)
	}
	res.Created = append(res.Created, component+" "+id)
	logging.Info("created "+component, "id", id)
	return id, nil
}

func (e *Engine) tags(component string) cloud.Tags {
	base := cloud.Tags(nil).Merge(e.opts.Tags)
	base = base.Merge(Namespace.Managed(component))
	base[cloud.TagDisplayName] = string(Namespace) + "-" + component
	return Namespace.Stamp(base, e.opts.Clock.Now())
}

// fail wraps a gateway error so the message names the resource and, for
// permission failures, the missing capability.
func (e *Engine) fail(resource string, err error) error {
	ae := apperr.New(apperr.KindCloudAPI, "infra", resource, err)
	ae.Transient = cloud.IsRetryable(err)
	if cloud.Is(err, cloud.Unauthorized) {
		ae.Capability = cloud.OpOf(err)
	}
	return ae
}
