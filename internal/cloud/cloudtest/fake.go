// Package cloudtest provides an in-memory Gateway for tests.
package cloudtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/picklr-io/ec2-cli/internal/cloud"
)

// Instance is the fake's record of a launched instance.
type Instance struct {
	Spec    cloud.LaunchSpec
	Status  cloud.InstanceStatus
	Console string
	Online  bool
	// Sticky keeps a terminating instance in shutting-down forever.
	Sticky bool
}

type subnet struct {
	vpc  string
	cidr string
	tags cloud.Tags
}

type group struct {
	vpc  string
	name string
	spec cloud.SecurityGroupSpec
}

type endpoint struct {
	vpc     string
	service string
	spec    cloud.EndpointSpec
}

// Gateway is a concurrency-safe in-memory cloud.Gateway. Zero values are
// not usable; construct with New.
type Gateway struct {
	mu sync.Mutex

	region  string
	account cloud.Account
	seq     int

	VPCs      map[string]cloud.Tags
	Subnets   map[string]subnet
	Groups    map[string]group
	Endpoints map[string]endpoint
	Roles     map[string]cloud.RoleSpec
	Profiles  map[string]string
	Instances map[string]*Instance
	Sessions  map[string]string
	Images    map[string]string

	calls  map[string]int
	queued map[string][]error

	// BeforeCreate runs outside the lock before any Create* call.
	BeforeCreate func(op string)
	// OnDescribe runs under the lock on every DescribeInstance of a known id.
	OnDescribe func(inst *Instance)
	// DenyOps makes the named operations fail as Unauthorized.
	DenyOps map[string]bool
}

// New returns an empty fake for region.
func New(region string) *Gateway {
	return &Gateway{
		region:    region,
		account:   cloud.Account{ID: "123456789012", ARN: "arn:aws:iam::123456789012:user/dev", Region: region},
		VPCs:      map[string]cloud.Tags{},
		Subnets:   map[string]subnet{},
		Groups:    map[string]group{},
		Endpoints: map[string]endpoint{},
		Roles:     map[string]cloud.RoleSpec{},
		Profiles:  map[string]string{},
		Instances: map[string]*Instance{},
		Sessions:  map[string]string{},
		Images:    map[string]string{"ubuntu-24.04/x86_64": "ami-0ubuntu2404"},
		calls:     map[string]int{},
		queued:    map[string][]error{},
	}
}

// AutoBoot makes every pending instance run, print line to its console,
// and register with the broker on its next describe.
func (g *Gateway) AutoBoot(line string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.OnDescribe = func(inst *Instance) {
		if inst.Status.State == cloud.InstancePending {
			inst.Status.State = cloud.InstanceRunning
			inst.Console = "cloud-init: starting\n" + line + "\n"
			inst.Online = true
		}
	}
}

// FailNext queues err for the next call of op.
func (g *Gateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queued[op] = append(g.queued[op], err)
}

// Calls returns how many times op was called.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// CreateCalls returns the total number of resource-creating calls.
func (g *Gateway) CreateCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for op, c := range g.calls {
		if strings.HasPrefix(op, "Create") || op == "LaunchInstance" {
			n += c
		}
	}
	return n
}

// Instance returns a copy of the instance record.
func (g *Gateway) Instance(id string) (Instance, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inst, ok := g.Instances[id]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Mutate runs fn under the lock, for tests that script out-of-band changes.
func (g *Gateway) Mutate(fn func(g *Gateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

// call records op and pops a queued error. Callers hold g.mu.
func (g *Gateway) call(op string) error {
	g.calls[op]++
	if g.DenyOps[op] {
		return cloud.NewError(cloud.Unauthorized, op, "UnauthorizedOperation", "denied by test")
	}
	if q := g.queued[op]; len(q) > 0 {
		g.queued[op] = q[1:]
		return q[0]
	}
	return nil
}

func (g *Gateway) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s-%08d", prefix, g.seq)
}

func (g *Gateway) beforeCreate(op string) {
	g.mu.Lock()
	hook := g.BeforeCreate
	g.mu.Unlock()
	if hook != nil {
		hook(op)
	}
}

func (g *Gateway) Region() string { return g.region }

func (g *Gateway) LaunchInstance(ctx context.Context, spec cloud.LaunchSpec) (string, error) {
	g.beforeCreate("LaunchInstance")
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("LaunchInstance"); err != nil {
		return "", err
	}
	id := g.nextID("i")
	g.Instances[id] = &Instance{
		Spec: spec,
		Status: cloud.InstanceStatus{
			ID:           id,
			State:        cloud.InstancePending,
			InstanceType: spec.InstanceType,
		},
	}
	return id, nil
}

func (g *Gateway) DescribeInstance(ctx context.Context, id string) (cloud.InstanceStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("DescribeInstance"); err != nil {
		return cloud.InstanceStatus{}, err
	}
	inst, ok := g.Instances[id]
	if !ok {
		return cloud.InstanceStatus{}, cloud.NewError(cloud.NotFound, "ec2:DescribeInstances", "InvalidInstanceID.NotFound", id)
	}
	if inst.Status.State == cloud.InstanceShuttingDown && !inst.Sticky {
		inst.Status.State = cloud.InstanceTerminated
	}
	if g.OnDescribe != nil {
		g.OnDescribe(inst)
	}
	return inst.Status, nil
}

func (g *Gateway) TerminateInstance(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("TerminateInstance"); err != nil {
		return err
	}
	inst, ok := g.Instances[id]
	if !ok {
		return cloud.NewError(cloud.NotFound, "ec2:TerminateInstances", "InvalidInstanceID.NotFound", id)
	}
	if inst.Status.State != cloud.InstanceTerminated {
		inst.Status.State = cloud.InstanceShuttingDown
	}
	inst.Online = false
	return nil
}

func (g *Gateway) ConsoleOutput(ctx context.Context, id string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("ConsoleOutput"); err != nil {
		return "", err
	}
	inst, ok := g.Instances[id]
	if !ok {
		return "", cloud.NewError(cloud.NotFound, "ec2:GetConsoleOutput", "InvalidInstanceID.NotFound", id)
	}
	return inst.Console, nil
}

func (g *Gateway) ResolveImage(ctx context.Context, q cloud.ImageQuery) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("ResolveImage"); err != nil {
		return "", err
	}
	id, ok := g.Images[q.Family+"/"+q.Architecture]
	if !ok {
		return "", cloud.NewError(cloud.NotFound, "ec2:DescribeImages", "", q.Family)
	}
	return id, nil
}

func (g *Gateway) FindNetworks(ctx context.Context, tags cloud.Tags) ([]cloud.Resource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("FindNetworks"); err != nil {
		return nil, err
	}
	var out []cloud.Resource
	for id, t := range g.VPCs {
		if t.Matches(tags) {
			out = append(out, cloud.Resource{ID: id, Tags: t.Merge(nil)})
		}
	}
	sortResources(out)
	return out, nil
}

func (g *Gateway) CreateNetwork(ctx context.Context, spec cloud.NetworkSpec) (string, error) {
	g.beforeCreate("CreateNetwork")
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("CreateNetwork"); err != nil {
		return "", err
	}
	id := g.nextID("vpc")
	g.VPCs[id] = spec.Tags.Merge(nil)
	return id, nil
}

func (g *Gateway) DeleteNetwork(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("DeleteNetwork"); err != nil {
		return err
	}
	if _, ok := g.VPCs[id]; !ok {
		return cloud.NewError(cloud.NotFound, "ec2:DeleteVpc", "InvalidVpcID.NotFound", id)
	}
	for _, s := range g.Subnets {
		if s.vpc == id {
			return cloud.NewError(cloud.Conflict, "ec2:DeleteVpc", "DependencyViolation", id)
		}
	}
	delete(g.VPCs, id)
	return nil
}

func (g *Gateway) FindSubnets(ctx context.Context, vpcID string, tags cloud.Tags) ([]cloud.Resource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("FindSubnets"); err != nil {
		return nil, err
	}
	var out []cloud.Resource
	for id, s := range g.Subnets {
		if s.vpc == vpcID && s.tags.Matches(tags) {
			out = append(out, cloud.Resource{ID: id, Tags: s.tags.Merge(nil)})
		}
	}
	sortResources(out)
	return out, nil
}

func (g *Gateway) CreateSubnet(ctx context.Context, spec cloud.SubnetSpec) (string, error) {
	g.beforeCreate("CreateSubnet")
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("CreateSubnet"); err != nil {
		return "", err
	}
	if _, ok := g.VPCs[spec.VPCID]; !ok {
		return "", cloud.NewError(cloud.NotFound, "ec2:CreateSubnet", "InvalidVpcID.NotFound", spec.VPCID)
	}
	for _, s := range g.Subnets {
		if s.vpc == spec.VPCID && s.cidr == spec.CIDR {
			return "", cloud.NewError(cloud.Conflict, "ec2:CreateSubnet", "InvalidSubnet.Conflict", spec.CIDR)
		}
	}
	id := g.nextID("subnet")
	g.Subnets[id] = subnet{vpc: spec.VPCID, cidr: spec.CIDR, tags: spec.Tags.Merge(nil)}
	return id, nil
}

func (g *Gateway) FindSecurityGroups(ctx context.Context, vpcID, name string) ([]cloud.Resource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("FindSecurityGroups"); err != nil {
		return nil, err
	}
	var out []cloud.Resource
	for id, sg := range g.Groups {
		if sg.vpc == vpcID && sg.name == name {
			out = append(out, cloud.Resource{ID: id, Tags: sg.spec.Tags.Merge(nil)})
		}
	}
	sortResources(out)
	return out, nil
}

func (g *Gateway) CreateSecurityGroup(ctx context.Context, spec cloud.SecurityGroupSpec) (string, error) {
	g.beforeCreate("CreateSecurityGroup")
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("CreateSecurityGroup"); err != nil {
		return "", err
	}
	for _, sg := range g.Groups {
		if sg.vpc == spec.VPCID && sg.name == spec.Name {
			return "", cloud.NewError(cloud.Conflict, "ec2:CreateSecurityGroup", "InvalidGroup.Duplicate", spec.Name)
		}
	}
	id := g.nextID("sg")
	g.Groups[id] = group{vpc: spec.VPCID, name: spec.Name, spec: spec}
	return id, nil
}

// Group returns the spec a security group was created with.
func (g *Gateway) Group(id string) (cloud.SecurityGroupSpec, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sg, ok := g.Groups[id]
	return sg.spec, ok
}

func (g *Gateway) FindEndpoints(ctx context.Context, vpcID string) (map[string]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("FindEndpoints"); err != nil {
		return nil, err
	}
	out := map[string]string{}
	for id, ep := range g.Endpoints {
		if ep.vpc == vpcID {
			out[ep.service] = id
		}
	}
	return out, nil
}

func (g *Gateway) CreateEndpoint(ctx context.Context, spec cloud.EndpointSpec) (string, error) {
	g.beforeCreate("CreateEndpoint")
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("CreateEndpoint"); err != nil {
		return "", err
	}
	for _, ep := range g.Endpoints {
		if ep.vpc == spec.VPCID && ep.service == spec.Service {
			return "", cloud.NewError(cloud.Conflict, "ec2:CreateVpcEndpoint", "InvalidParameter", "conflicting DNS domain for "+spec.Service)
		}
	}
	id := g.nextID("vpce")
	g.Endpoints[id] = endpoint{vpc: spec.VPCID, service: spec.Service, spec: spec}
	return id, nil
}

// FindRouteTables reports the main route table every network has.
func (g *Gateway) FindRouteTables(ctx context.Context, vpcID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("FindRouteTables"); err != nil {
		return nil, err
	}
	return []string{"rtb-main-" + strings.TrimPrefix(vpcID, "vpc-")}, nil
}

// Endpoint returns the spec an endpoint was created with.
func (g *Gateway) Endpoint(id string) (cloud.EndpointSpec, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ep, ok := g.Endpoints[id]
	return ep.spec, ok
}

func (g *Gateway) FindInstanceProfile(ctx context.Context, name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("FindInstanceProfile"); err != nil {
		return "", err
	}
	arn, ok := g.Profiles[name]
	if !ok {
		return "", cloud.NewError(cloud.NotFound, "iam:GetInstanceProfile", "NoSuchEntity", name)
	}
	return arn, nil
}

func (g *Gateway) CreateRole(ctx context.Context, spec cloud.RoleSpec) error {
	g.beforeCreate("CreateRole")
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("CreateRole"); err != nil {
		return err
	}
	if _, ok := g.Roles[spec.RoleName]; ok {
		return cloud.NewError(cloud.Conflict, "iam:CreateRole", "EntityAlreadyExists", spec.RoleName)
	}
	g.Roles[spec.RoleName] = spec
	return nil
}

func (g *Gateway) CreateInstanceProfile(ctx context.Context, spec cloud.RoleSpec) (string, error) {
	g.beforeCreate("CreateInstanceProfile")
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("CreateInstanceProfile"); err != nil {
		return "", err
	}
	if _, ok := g.Profiles[spec.ProfileName]; ok {
		return "", cloud.NewError(cloud.Conflict, "iam:CreateInstanceProfile", "EntityAlreadyExists", spec.ProfileName)
	}
	arn := "arn:aws:iam::" + g.account.ID + ":instance-profile/" + spec.ProfileName
	g.Profiles[spec.ProfileName] = arn
	return arn, nil
}

func (g *Gateway) CallerIdentity(ctx context.Context) (cloud.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("CallerIdentity"); err != nil {
		return cloud.Account{}, err
	}
	return g.account, nil
}

func (g *Gateway) BrokerOnline(ctx context.Context, instanceID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("BrokerOnline"); err != nil {
		return false, err
	}
	inst, ok := g.Instances[instanceID]
	return ok && inst.Online, nil
}

func (g *Gateway) StartSession(ctx context.Context, req cloud.SessionRequest) (cloud.SessionToken, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("StartSession"); err != nil {
		return cloud.SessionToken{}, err
	}
	id := g.nextID("sess")
	g.Sessions[id] = req.InstanceID
	return cloud.SessionToken{SessionID: id, StreamURL: "wss://fake/" + id, TokenValue: "token-" + id}, nil
}

func (g *Gateway) TerminateSession(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("TerminateSession"); err != nil {
		return err
	}
	delete(g.Sessions, sessionID)
	return nil
}

func sortResources(rs []cloud.Resource) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
}

var _ cloud.Gateway = (*Gateway)(nil)

// AddSubnet registers a pre-existing subnet.
func (g *Gateway) AddSubnet(id, vpcID, cidr string, tags cloud.Tags) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Subnets[id] = subnet{vpc: vpcID, cidr: cidr, tags: tags.Merge(nil)}
}
