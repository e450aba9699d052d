package aws

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/picklr-io/ec2-cli/internal/cloud"
)

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect    string            `json:"Effect"`
	Principal map[string]string `json:"Principal"`
	Action    string            `json:"Action"`
}

// trustPolicy lets service assume the role.
func trustPolicy(service string) (string, error) {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:    "Allow",
			Principal: map[string]string{"Service": service},
			Action:    "sts:AssumeRole",
		}},
	}
	b, err := json.Marshal(doc)
	return string(b), err
}

// FindInstanceProfile returns the profile ARN, or a NotFound error.
func (p *Provider) FindInstanceProfile(ctx context.Context, name string) (string, error) {
	var resp *iam.GetInstanceProfileOutput
	err := p.call(ctx, "iam:GetInstanceProfile", func(ctx context.Context) error {
		var err error
		resp, err = p.iamClient.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: &name})
		return err
	})
	if err != nil {
		return "", err
	}
	return deref(resp.InstanceProfile.Arn), nil
}

// CreateRole creates the instance role and attaches the managed policy.
// An existing role still gets the policy attached, then reports Conflict.
func (p *Provider) CreateRole(ctx context.Context, spec cloud.RoleSpec) error {
	doc, err := trustPolicy(spec.TrustedService)
	if err != nil {
		return err
	}
	createErr := p.call(ctx, "iam:CreateRole", func(ctx context.Context) error {
		_, err := p.iamClient.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 &spec.RoleName,
			AssumeRolePolicyDocument: &doc,
			Description:              ptr("Instance role for ec2-cli environments"),
			Tags:                     toIAMTags(spec.Tags),
		})
		return err
	})
	if createErr != nil && !cloud.Is(createErr, cloud.Conflict) {
		return createErr
	}

	if spec.ManagedPolicyARN != "" {
		err := p.call(ctx, "iam:AttachRolePolicy", func(ctx context.Context) error {
			_, err := p.iamClient.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
				RoleName:  &spec.RoleName,
				PolicyArn: &spec.ManagedPolicyARN,
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	return createErr
}

// CreateInstanceProfile creates the profile, adds the role to it, and
// returns its ARN. An existing profile reports Conflict.
func (p *Provider) CreateInstanceProfile(ctx context.Context, spec cloud.RoleSpec) (string, error) {
	var resp *iam.CreateInstanceProfileOutput
	err := p.call(ctx, "iam:CreateInstanceProfile", func(ctx context.Context) error {
		var err error
		resp, err = p.iamClient.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
			InstanceProfileName: &spec.ProfileName,
			Tags:                toIAMTags(spec.Tags),
		})
		return err
	})
	if err != nil {
		return "", err
	}

	err = p.call(ctx, "iam:AddRoleToInstanceProfile", func(ctx context.Context) error {
		_, err := p.iamClient.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
			InstanceProfileName: &spec.ProfileName,
			RoleName:            &spec.RoleName,
		})
		return err
	})
	if err != nil && !hasCode(err, "LimitExceeded") {
		return "", err
	}
	return deref(resp.InstanceProfile.Arn), nil
}

// CallerIdentity returns the account the credentials belong to.
func (p *Provider) CallerIdentity(ctx context.Context) (cloud.Account, error) {
	var resp *sts.GetCallerIdentityOutput
	err := p.call(ctx, "sts:GetCallerIdentity", func(ctx context.Context) error {
		var err error
		resp, err = p.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		return err
	})
	if err != nil {
		return cloud.Account{}, err
	}
	return cloud.Account{
		ID:     deref(resp.Account),
		ARN:    deref(resp.Arn),
		Region: p.region,
	}, nil
}

func toIAMTags(t cloud.Tags) []iamtypes.Tag {
	tags := make([]iamtypes.Tag, 0, len(t))
	for _, k := range t.Keys() {
		tags = append(tags, iamtypes.Tag{Key: ptr(k), Value: ptr(t[k])})
	}
	return tags
}
