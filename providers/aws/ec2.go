package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/picklr-io/ec2-cli/internal/cloud"
	"github.com/picklr-io/ec2-cli/internal/logging"
)

const defaultRootDevice = "/dev/sda1"

// imageFamily locates the published images of one distribution.
type imageFamily struct {
	owner string
	// name is a DescribeImages name filter with %s for the architecture.
	name string
	// arch maps profile architectures onto the names the publisher uses.
	arch map[string]string
}

var imageFamilies = map[string]imageFamily{
	"ubuntu-24.04": {
		owner: "099720109477",
		name:  "ubuntu/images/hvm-ssd-gp3/ubuntu-noble-24.04-%s-server-*",
		arch:  map[string]string{"x86_64": "amd64", "arm64": "arm64"},
	},
	"ubuntu-22.04": {
		owner: "099720109477",
		name:  "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-%s-server-*",
		arch:  map[string]string{"x86_64": "amd64", "arm64": "arm64"},
	},
	"amazon-linux-2023": {
		owner: "amazon",
		name:  "al2023-ami-2023.*-kernel-*-%s",
		arch:  map[string]string{"x86_64": "x86_64", "arm64": "arm64"},
	},
	"amazon-linux-2": {
		owner: "amazon",
		name:  "amzn2-ami-hvm-*-%s-gp2",
		arch:  map[string]string{"x86_64": "x86_64", "arm64": "arm64"},
	},
}

// ResolveImage returns the newest available image of the family.
func (p *Provider) ResolveImage(ctx context.Context, q cloud.ImageQuery) (string, error) {
	const op = "ec2:DescribeImages"
	fam, ok := imageFamilies[q.Family]
	if !ok {
		return "", cloud.NewError(cloud.Invalid, op, "", "unknown image family "+q.Family)
	}
	arch, ok := fam.arch[q.Architecture]
	if !ok {
		return "", cloud.NewError(cloud.Invalid, op, "", "unsupported architecture "+q.Architecture)
	}

	var resp *ec2.DescribeImagesOutput
	err := p.call(ctx, op, func(ctx context.Context) error {
		var err error
		resp, err = p.ec2Client.DescribeImages(ctx, &ec2.DescribeImagesInput{
			Owners: []string{fam.owner},
			Filters: []types.Filter{
				{Name: ptr("name"), Values: []string{fmt.Sprintf(fam.name, arch)}},
				{Name: ptr("architecture"), Values: []string{q.Architecture}},
				{Name: ptr("state"), Values: []string{"available"}},
				{Name: ptr("root-device-type"), Values: []string{"ebs"}},
				{Name: ptr("virtualization-type"), Values: []string{"hvm"}},
			},
		})
		return err
	})
	if err != nil {
		return "", err
	}

	var newest types.Image
	var newestAt time.Time
	for _, img := range resp.Images {
		at, perr := time.Parse(time.RFC3339, deref(img.CreationDate))
		if perr != nil {
			continue
		}
		if newest.ImageId == nil || at.After(newestAt) {
			newest, newestAt = img, at
		}
	}
	if newest.ImageId == nil {
		return "", cloud.NewError(cloud.NotFound, op, "", fmt.Sprintf("no %s image for %s in %s", q.Family, q.Architecture, p.region))
	}
	logging.Debug("resolved image", "family", q.Family, "image", *newest.ImageId, "created", newestAt)
	return *newest.ImageId, nil
}

// LaunchInstance starts one instance with no public address, a required
// metadata token, and an encrypted root volume. When the primary type has
// no capacity the fallback types are tried in order.
func (p *Provider) LaunchInstance(ctx context.Context, spec cloud.LaunchSpec) (string, error) {
	rootDevice, err := p.rootDevice(ctx, spec.ImageID)
	if err != nil {
		return "", err
	}

	candidates := append([]string{spec.InstanceType}, spec.FallbackTypes...)
	var lastErr error
	for i, instanceType := range candidates {
		input := runInput(spec, instanceType, rootDevice)
		var resp *ec2.RunInstancesOutput
		lastErr = p.callWith(ctx, "ec2:RunInstances", launchRetryable, func(ctx context.Context) error {
			var err error
			resp, err = p.ec2Client.RunInstances(ctx, input)
			return err
		})
		if lastErr == nil {
			if len(resp.Instances) == 0 || resp.Instances[0].InstanceId == nil {
				return "", cloud.NewError(cloud.Invalid, "ec2:RunInstances", "", "no instance returned")
			}
			return *resp.Instances[0].InstanceId, nil
		}
		if !isCapacity(lastErr) || i == len(candidates)-1 {
			break
		}
		logging.Warn("instance type unavailable, trying fallback", "type", instanceType, "next", candidates[i+1], "error", lastErr)
	}
	return "", lastErr
}

func launchRetryable(err error) bool {
	return cloud.IsRetryable(err) && !isCapacity(err)
}

func runInput(spec cloud.LaunchSpec, instanceType, rootDevice string) *ec2.RunInstancesInput {
	tags := spec.Tags.Merge(nil)
	if _, ok := tags[cloud.TagDisplayName]; !ok {
		tags[cloud.TagDisplayName] = "ec2-cli-" + spec.Name
	}

	input := &ec2.RunInstancesInput{
		ImageId:      &spec.ImageID,
		InstanceType: types.InstanceType(instanceType),
		MinCount:     ptr(int32(1)),
		MaxCount:     ptr(int32(1)),
		UserData:     ptr(base64.StdEncoding.EncodeToString([]byte(spec.UserData))),
		MetadataOptions: &types.InstanceMetadataOptionsRequest{
			HttpEndpoint:            types.InstanceMetadataEndpointStateEnabled,
			HttpTokens:              types.HttpTokensStateRequired,
			HttpPutResponseHopLimit: ptr(int32(1)),
		},
		NetworkInterfaces: []types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              ptr(int32(0)),
			SubnetId:                 &spec.SubnetID,
			Groups:                   []string{spec.SecurityGroupID},
			AssociatePublicIpAddress: ptr(false),
			DeleteOnTermination:      ptr(true),
		}},
		BlockDeviceMappings: []types.BlockDeviceMapping{{
			DeviceName: &rootDevice,
			Ebs:        ebs(spec.RootVolume),
		}},
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: toTags(tags)},
			{ResourceType: types.ResourceTypeVolume, Tags: toTags(tags)},
		},
	}
	if spec.InstanceProfile != "" {
		if strings.HasPrefix(spec.InstanceProfile, "arn:") {
			input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Arn: &spec.InstanceProfile}
		} else {
			input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: &spec.InstanceProfile}
		}
	}
	return input
}

func ebs(v cloud.Volume) *types.EbsBlockDevice {
	dev := &types.EbsBlockDevice{
		VolumeSize:          ptr(v.SizeGB),
		VolumeType:          types.VolumeType(v.Type),
		Encrypted:           ptr(v.Encrypted),
		DeleteOnTermination: ptr(true),
	}
	if v.IOPS > 0 && (v.Type == "gp3" || v.Type == "io1" || v.Type == "io2") {
		dev.Iops = ptr(v.IOPS)
	}
	if v.Throughput > 0 && v.Type == "gp3" {
		dev.Throughput = ptr(v.Throughput)
	}
	return dev
}

// rootDevice returns the image's root device name so the volume mapping
// replaces the root disk instead of adding a second one.
func (p *Provider) rootDevice(ctx context.Context, imageID string) (string, error) {
	const op = "ec2:DescribeImages"
	var resp *ec2.DescribeImagesOutput
	err := p.call(ctx, op, func(ctx context.Context) error {
		var err error
		resp, err = p.ec2Client.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
		return err
	})
	if err != nil {
		return "", err
	}
	if len(resp.Images) == 0 {
		return "", cloud.NewError(cloud.NotFound, op, "", "image "+imageID)
	}
	if dev := deref(resp.Images[0].RootDeviceName); dev != "" {
		return dev, nil
	}
	return defaultRootDevice, nil
}

// DescribeInstance returns the instance's live state.
func (p *Provider) DescribeInstance(ctx context.Context, id string) (cloud.InstanceStatus, error) {
	const op = "ec2:DescribeInstances"
	var resp *ec2.DescribeInstancesOutput
	err := p.call(ctx, op, func(ctx context.Context) error {
		var err error
		resp, err = p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
		return err
	})
	if err != nil {
		return cloud.InstanceStatus{}, err
	}
	if len(resp.Reservations) == 0 || len(resp.Reservations[0].Instances) == 0 {
		return cloud.InstanceStatus{}, cloud.NewError(cloud.NotFound, op, "", "instance "+id)
	}

	inst := resp.Reservations[0].Instances[0]
	status := cloud.InstanceStatus{
		ID:           deref(inst.InstanceId),
		InstanceType: string(inst.InstanceType),
		PrivateIP:    deref(inst.PrivateIpAddress),
	}
	if inst.State != nil {
		status.State = cloud.InstanceState(inst.State.Name)
	}
	if inst.StateReason != nil {
		status.StateReason = deref(inst.StateReason.Message)
	}
	if inst.LaunchTime != nil {
		status.LaunchedAt = *inst.LaunchTime
	}
	return status, nil
}

// TerminateInstance requests termination; it does not wait.
func (p *Provider) TerminateInstance(ctx context.Context, id string) error {
	return p.call(ctx, "ec2:TerminateInstances", func(ctx context.Context) error {
		_, err := p.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
		return err
	})
}

// ConsoleOutput returns the latest serial console text, which may be
// empty for a few minutes after launch.
func (p *Provider) ConsoleOutput(ctx context.Context, id string) (string, error) {
	const op = "ec2:GetConsoleOutput"
	var resp *ec2.GetConsoleOutputOutput
	err := p.call(ctx, op, func(ctx context.Context) error {
		var err error
		resp, err = p.ec2Client.GetConsoleOutput(ctx, &ec2.GetConsoleOutputInput{
			InstanceId: &id,
			Latest:     ptr(true),
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if resp.Output == nil {
		return "", nil
	}
	out, err := base64.StdEncoding.DecodeString(*resp.Output)
	if err != nil {
		return "", cloud.NewError(cloud.Invalid, op, "", "console output is not base64: "+err.Error())
	}
	return string(out), nil
}

func toTags(t cloud.Tags) []types.Tag {
	tags := make([]types.Tag, 0, len(t))
	for _, k := range t.Keys() {
		tags = append(tags, types.Tag{Key: ptr(k), Value: ptr(t[k])})
	}
	return tags
}

func fromTags(tags []types.Tag) cloud.Tags {
	out := make(cloud.Tags, len(tags))
	for _, t := range tags {
		out[deref(t.Key)] = deref(t.Value)
	}
	return out
}

// tagFilters matches resources carrying every tag in t.
func tagFilters(t cloud.Tags) []types.Filter {
	filters := make([]types.Filter, 0, len(t))
	for _, k := range t.Keys() {
		filters = append(filters, types.Filter{Name: ptr("tag:" + k), Values: []string{t[k]}})
	}
	return filters
}

func sortResources(rs []cloud.Resource) []cloud.Resource {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
	return rs
}
