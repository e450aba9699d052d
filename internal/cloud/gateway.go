// Package cloud describes the Resource Gateway: the typed boundary between
// the core and the provider's compute, network, identity, and session APIs.
package cloud

import (
	"context"
	"time"
)

// InstanceState is the provider-reported state of an instance.
type InstanceState string

const (
	InstancePending      InstanceState = "pending"
	InstanceRunning      InstanceState = "running"
	InstanceShuttingDown InstanceState = "shutting-down"
	InstanceTerminated   InstanceState = "terminated"
	InstanceStopping     InstanceState = "stopping"
	InstanceStopped      InstanceState = "stopped"
)

// Gone reports whether the instance no longer exists or is being removed.
func (s InstanceState) Gone() bool {
	return s == InstanceTerminated || s == InstanceShuttingDown
}

// InstanceStatus is the live view of one instance.
type InstanceStatus struct {
	ID           string
	State        InstanceState
	StateReason  string
	InstanceType string
	PrivateIP    string
	LaunchedAt   time.Time
}

// Volume describes the root block device.
type Volume struct {
	SizeGB     int32
	Type       string
	IOPS       int32
	Throughput int32
	Encrypted  bool
}

// LaunchSpec is everything needed to start one instance.
type LaunchSpec struct {
	Name            string
	ImageID         string
	InstanceType    string
	FallbackTypes   []string
	SubnetID        string
	SecurityGroupID string
	InstanceProfile string
	UserData        string
	RootVolume      Volume
	Tags            Tags
}

// ImageQuery selects the newest image of a family and architecture.
type ImageQuery struct {
	Family       string
	Architecture string
}

// Resource is a discovered tagged resource.
type Resource struct {
	ID   string
	Tags Tags
}

// NetworkSpec describes the isolated network.
type NetworkSpec struct {
	CIDR string
	Tags Tags
}

// SubnetSpec describes a private subnet inside a network.
type SubnetSpec struct {
	VPCID string
	CIDR  string
	Tags  Tags
}

// SecurityGroupSpec describes a group that only allows HTTPS to the
// broker endpoints.
type SecurityGroupSpec struct {
	VPCID       string
	Name        string
	Description string
	// EgressCIDR is the only destination allowed outbound, on Port.
	EgressCIDR string
	Port       int32
	Tags       Tags
}

// EndpointType selects how an endpoint attaches to the network.
type EndpointType string

const (
	// EndpointInterface places a network interface in a subnet.
	EndpointInterface EndpointType = "Interface"
	// EndpointGateway adds routes to route tables; no interface or group.
	EndpointGateway EndpointType = "Gateway"
)

// EndpointSpec describes a private endpoint for a provider service. An
// empty Type is an interface endpoint.
type EndpointSpec struct {
	VPCID           string
	Service         string
	Type            EndpointType
	SubnetID        string
	SecurityGroupID string
	// RouteTableIDs receive the routes of a gateway endpoint.
	RouteTableIDs []string
	Tags          Tags
}

// RoleSpec describes the instance role and the profile wrapping it.
type RoleSpec struct {
	RoleName         string
	ProfileName      string
	TrustedService   string
	ManagedPolicyARN string
	Tags             Tags
}

// Account identifies the caller.
type Account struct {
	ID     string
	ARN    string
	Region string
}

// SessionRequest asks the broker for a channel to an instance.
type SessionRequest struct {
	InstanceID string
	Document   string
	Parameters map[string][]string
}

// SessionToken is the broker-issued handle for one session.
type SessionToken struct {
	SessionID  string
	StreamURL  string
	TokenValue string
}

// Compute covers the instance lifecycle calls.
type Compute interface {
	LaunchInstance(ctx context.Context, spec LaunchSpec) (string, error)
	DescribeInstance(ctx context.Context, id string) (InstanceStatus, error)
	TerminateInstance(ctx context.Context, id string) error
	ConsoleOutput(ctx context.Context, id string) (string, error)
	ResolveImage(ctx context.Context, q ImageQuery) (string, error)
}

// Network covers discovery and creation of the shared network pieces.
type Network interface {
	FindNetworks(ctx context.Context, tags Tags) ([]Resource, error)
	CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error)
	DeleteNetwork(ctx context.Context, id string) error
	FindSubnets(ctx context.Context, vpcID string, tags Tags) ([]Resource, error)
	CreateSubnet(ctx context.Context, spec SubnetSpec) (string, error)
	FindSecurityGroups(ctx context.Context, vpcID, name string) ([]Resource, error)
	CreateSecurityGroup(ctx context.Context, spec SecurityGroupSpec) (string, error)
	// FindEndpoints returns endpoint ids keyed by full service name.
	FindEndpoints(ctx context.Context, vpcID string) (map[string]string, error)
	CreateEndpoint(ctx context.Context, spec EndpointSpec) (string, error)
	// FindRouteTables returns the ids of the route tables in vpcID.
	FindRouteTables(ctx context.Context, vpcID string) ([]string, error)
}

// Identity covers the instance role and caller identity.
type Identity interface {
	// FindInstanceProfile returns the profile ARN, or a NotFound error.
	FindInstanceProfile(ctx context.Context, name string) (string, error)
	CreateRole(ctx context.Context, spec RoleSpec) error
	CreateInstanceProfile(ctx context.Context, spec RoleSpec) (string, error)
	CallerIdentity(ctx context.Context) (Account, error)
}

// Broker covers registration with and sessions through the session broker.
type Broker interface {
	BrokerOnline(ctx context.Context, instanceID string) (bool, error)
	StartSession(ctx context.Context, req SessionRequest) (SessionToken, error)
	TerminateSession(ctx context.Context, sessionID string) error
}

// Gateway is the full Resource Gateway.
type Gateway interface {
	Compute
	Network
	Identity
	Broker
	Region() string
}
