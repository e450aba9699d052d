package infra

import "github.com/picklr-io/ec2-cli/internal/cloud"

// Namespace prefixes every tag the engine writes and discovers by.
const Namespace cloud.Namespace = "ec2-cli"

// Fixed network and security policy for every environment.
const (
	NetworkCIDR       = "10.0.0.0/16"
	SubnetCIDR        = "10.0.1.0/24"
	SecurityGroupName = "ec2-cli-sg"
	securityGroupDesc = "ec2-cli instances: HTTPS to session broker endpoints only"
	BrokerPort        = 443

	RoleName        = "ec2-cli-instance-role"
	ProfileName     = "ec2-cli-instance-profile"
	TrustedService  = "ec2.amazonaws.com"
	BrokerPolicyARN = "arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore"
)

// Component names used in the component tag and in error messages.
const (
	ComponentNetwork       = "network"
	ComponentSubnet        = "subnet"
	ComponentSecurityGroup = "security-group"
	ComponentEndpoint      = "endpoint"
	ComponentRole          = "role"
	ComponentInstance      = "instance"
)

// BrokerServices are the services that need private endpoints for the
// session broker to reach an instance without public addressing.
var BrokerServices = []string{"ssm", "ssmmessages", "ec2messages"}

// ObjectStoreService gets a gateway endpoint on the network's route tables
// so instances can download packages without public addressing.
const ObjectStoreService = "s3"

// ServiceName returns the full endpoint service name in region.
func ServiceName(region, service string) string {
	return "com.amazonaws." + region + "." + service
}
