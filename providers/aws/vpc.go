package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/picklr-io/ec2-cli/internal/cloud"
)

// FindNetworks returns every VPC carrying all of tags.
func (p *Provider) FindNetworks(ctx context.Context, tags cloud.Tags) ([]cloud.Resource, error) {
	var out []cloud.Resource
	pager := ec2.NewDescribeVpcsPaginator(p.ec2Client, &ec2.DescribeVpcsInput{Filters: tagFilters(tags)})
	for pager.HasMorePages() {
		var page *ec2.DescribeVpcsOutput
		err := p.call(ctx, "ec2:DescribeVpcs", func(ctx context.Context) error {
			var err error
			page, err = pager.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, v := range page.Vpcs {
			out = append(out, cloud.Resource{ID: deref(v.VpcId), Tags: fromTags(v.Tags)})
		}
	}
	return sortResources(out), nil
}

// CreateNetwork creates a VPC with DNS resolution and hostnames enabled,
// which private endpoint DNS needs.
func (p *Provider) CreateNetwork(ctx context.Context, spec cloud.NetworkSpec) (string, error) {
	var resp *ec2.CreateVpcOutput
	err := p.call(ctx, "ec2:CreateVpc", func(ctx context.Context) error {
		var err error
		resp, err = p.ec2Client.CreateVpc(ctx, &ec2.CreateVpcInput{
			CidrBlock: &spec.CIDR,
			TagSpecifications: []types.TagSpecification{
				{ResourceType: types.ResourceTypeVpc, Tags: toTags(spec.Tags)},
			},
		})
		return err
	})
	if err != nil {
		return "", err
	}
	id := deref(resp.Vpc.VpcId)

	// The two attributes cannot be set in one call.
	attrs := []*ec2.ModifyVpcAttributeInput{
		{VpcId: &id, EnableDnsSupport: &types.AttributeBooleanValue{Value: ptr(true)}},
		{VpcId: &id, EnableDnsHostnames: &types.AttributeBooleanValue{Value: ptr(true)}},
	}
	for _, in := range attrs {
		err := p.call(ctx, "ec2:ModifyVpcAttribute", func(ctx context.Context) error {
			_, err := p.ec2Client.ModifyVpcAttribute(ctx, in)
			return err
		})
		if err != nil {
			return id, err
		}
	}
	return id, nil
}

// DeleteNetwork removes a VPC.
func (p *Provider) DeleteNetwork(ctx context.Context, id string) error {
	return p.call(ctx, "ec2:DeleteVpc", func(ctx context.Context) error {
		_, err := p.ec2Client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: &id})
		return err
	})
}

// FindSubnets returns the subnets of vpcID carrying all of tags.
func (p *Provider) FindSubnets(ctx context.Context, vpcID string, tags cloud.Tags) ([]cloud.Resource, error) {
	filters := append([]types.Filter{{Name: ptr("vpc-id"), Values: []string{vpcID}}}, tagFilters(tags)...)
	var out []cloud.Resource
	pager := ec2.NewDescribeSubnetsPaginator(p.ec2Client, &ec2.DescribeSubnetsInput{Filters: filters})
	for pager.HasMorePages() {
		var page *ec2.DescribeSubnetsOutput
		err := p.call(ctx, "ec2:DescribeSubnets", func(ctx context.Context) error {
			var err error
			page, err = pager.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, s := range page.Subnets {
			out = append(out, cloud.Resource{ID: deref(s.SubnetId), Tags: fromTags(s.Tags)})
		}
	}
	return sortResources(out), nil
}

// CreateSubnet creates a subnet that never assigns public addresses.
func (p *Provider) CreateSubnet(ctx context.Context, spec cloud.SubnetSpec) (string, error) {
	var resp *ec2.CreateSubnetOutput
	err := p.call(ctx, "ec2:CreateSubnet", func(ctx context.Context) error {
		var err error
		resp, err = p.ec2Client.CreateSubnet(ctx, &ec2.CreateSubnetInput{
			VpcId:     &spec.VPCID,
			CidrBlock: &spec.CIDR,
			TagSpecifications: []types.TagSpecification{
				{ResourceType: types.ResourceTypeSubnet, Tags: toTags(spec.Tags)},
			},
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return deref(resp.Subnet.SubnetId), nil
}

// FindSecurityGroups returns the groups in vpcID with the given name.
func (p *Provider) FindSecurityGroups(ctx context.Context, vpcID, name string) ([]cloud.Resource, error) {
	var out []cloud.Resource
	pager := ec2.NewDescribeSecurityGroupsPaginator(p.ec2Client, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{Name: ptr("vpc-id"), Values: []string{vpcID}},
			{Name: ptr("group-name"), Values: []string{name}},
		},
	})
	for pager.HasMorePages() {
		var page *ec2.DescribeSecurityGroupsOutput
		err := p.call(ctx, "ec2:DescribeSecurityGroups", func(ctx context.Context) error {
			var err error
			page, err = pager.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, g := range page.SecurityGroups {
			out = append(out, cloud.Resource{ID: deref(g.GroupId), Tags: fromTags(g.Tags)})
		}
	}
	return sortResources(out), nil
}

// CreateSecurityGroup creates the group and replaces the default
// allow-all egress with a single rule to EgressCIDR on Port. Ingress is
// only from members of the group itself.
func (p *Provider) CreateSecurityGroup(ctx context.Context, spec cloud.SecurityGroupSpec) (string, error) {
	var resp *ec2.CreateSecurityGroupOutput
	err := p.call(ctx, "ec2:CreateSecurityGroup", func(ctx context.Context) error {
		var err error
		resp, err = p.ec2Client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
			GroupName:   &spec.Name,
			Description: &spec.Description,
			VpcId:       &spec.VPCID,
			TagSpecifications: []types.TagSpecification{
				{ResourceType: types.ResourceTypeSecurityGroup, Tags: toTags(spec.Tags)},
			},
		})
		return err
	})
	if err != nil {
		return "", err
	}
	groupID := deref(resp.GroupId)

	ingress := types.IpPermission{
		IpProtocol:       ptr("tcp"),
		FromPort:         ptr(spec.Port),
		ToPort:           ptr(spec.Port),
		UserIdGroupPairs: []types.UserIdGroupPair{{GroupId: &groupID}},
	}
	err = p.call(ctx, "ec2:AuthorizeSecurityGroupIngress", func(ctx context.Context) error {
		_, err := p.ec2Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       &groupID,
			IpPermissions: []types.IpPermission{ingress},
		})
		return err
	})
	if err != nil && !hasCode(err, "InvalidPermission.Duplicate") {
		return groupID, err
	}

	egress := types.IpPermission{
		IpProtocol: ptr("tcp"),
		FromPort:   ptr(spec.Port),
		ToPort:     ptr(spec.Port),
		IpRanges:   []types.IpRange{{CidrIp: &spec.EgressCIDR}},
	}
	err = p.call(ctx, "ec2:AuthorizeSecurityGroupEgress", func(ctx context.Context) error {
		_, err := p.ec2Client.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       &groupID,
			IpPermissions: []types.IpPermission{egress},
		})
		return err
	})
	if err != nil && !hasCode(err, "InvalidPermission.Duplicate") {
		return groupID, err
	}

	allowAll := types.IpPermission{
		IpProtocol: ptr("-1"),
		IpRanges:   []types.IpRange{{CidrIp: ptr("0.0.0.0/0")}},
	}
	err = p.call(ctx, "ec2:RevokeSecurityGroupEgress", func(ctx context.Context) error {
		_, err := p.ec2Client.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
			GroupId:       &groupID,
			IpPermissions: []types.IpPermission{allowAll},
		})
		return err
	})
	if err != nil && !cloud.Is(err, cloud.NotFound) {
		return groupID, err
	}
	return groupID, nil
}

// FindEndpoints returns the live endpoints of vpcID keyed by service name.
func (p *Provider) FindEndpoints(ctx context.Context, vpcID string) (map[string]string, error) {
	out := make(map[string]string)
	pager := ec2.NewDescribeVpcEndpointsPaginator(p.ec2Client, &ec2.DescribeVpcEndpointsInput{
		Filters: []types.Filter{{Name: ptr("vpc-id"), Values: []string{vpcID}}},
	})
	for pager.HasMorePages() {
		var page *ec2.DescribeVpcEndpointsOutput
		err := p.call(ctx, "ec2:DescribeVpcEndpoints", func(ctx context.Context) error {
			var err error
			page, err = pager.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, ep := range page.VpcEndpoints {
			switch ep.State {
			case types.StateDeleted, types.StateDeleting, types.StateFailed, types.StateRejected:
				continue
			}
			svc := deref(ep.ServiceName)
			if _, dup := out[svc]; !dup {
				out[svc] = deref(ep.VpcEndpointId)
			}
		}
	}
	return out, nil
}

// CreateEndpoint creates a private endpoint. Interface endpoints get
// private DNS so the service's public hostname resolves inside the VPC;
// gateway endpoints only add routes to the given route tables.
func (p *Provider) CreateEndpoint(ctx context.Context, spec cloud.EndpointSpec) (string, error) {
	in := &ec2.CreateVpcEndpointInput{
		VpcId:       &spec.VPCID,
		ServiceName: &spec.Service,
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeVpcEndpoint, Tags: toTags(spec.Tags)},
		},
	}
	if spec.Type == cloud.EndpointGateway {
		in.VpcEndpointType = types.VpcEndpointTypeGateway
		in.RouteTableIds = spec.RouteTableIDs
	} else {
		in.VpcEndpointType = types.VpcEndpointTypeInterface
		in.SubnetIds = []string{spec.SubnetID}
		in.SecurityGroupIds = []string{spec.SecurityGroupID}
		in.PrivateDnsEnabled = ptr(true)
	}

	var resp *ec2.CreateVpcEndpointOutput
	err := p.call(ctx, "ec2:CreateVpcEndpoint", func(ctx context.Context) error {
		var err error
		resp, err = p.ec2Client.CreateVpcEndpoint(ctx, in)
		return err
	})
	if err != nil {
		return "", err
	}
	return deref(resp.VpcEndpoint.VpcEndpointId), nil
}

// FindRouteTables returns the route table ids of vpcID.
func (p *Provider) FindRouteTables(ctx context.Context, vpcID string) ([]string, error) {
	var ids []string
	pager := ec2.NewDescribeRouteTablesPaginator(p.ec2Client, &ec2.DescribeRouteTablesInput{
		Filters: []types.Filter{{Name: ptr("vpc-id"), Values: []string{vpcID}}},
	})
	for pager.HasMorePages() {
		var page *ec2.DescribeRouteTablesOutput
		err := p.call(ctx, "ec2:DescribeRouteTables", func(ctx context.Context) error {
			var err error
			page, err = pager.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, rt := range page.RouteTables {
			ids = append(ids, deref(rt.RouteTableId))
		}
	}
	return ids, nil
}
