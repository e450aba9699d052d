package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/picklr-io/ec2-cli/internal/cloud"
)

// BrokerOnline reports whether the instance's agent has registered with
// the session broker and is answering pings.
func (p *Provider) BrokerOnline(ctx context.Context, instanceID string) (bool, error) {
	var resp *ssm.DescribeInstanceInformationOutput
	err := p.call(ctx, "ssm:DescribeInstanceInformation", func(ctx context.Context) error {
		var err error
		resp, err = p.ssmClient.DescribeInstanceInformation(ctx, &ssm.DescribeInstanceInformationInput{
			Filters: []types.InstanceInformationStringFilter{
				{Key: ptr("InstanceIds"), Values: []string{instanceID}},
			},
		})
		return err
	})
	if err != nil {
		return false, err
	}
	for _, info := range resp.InstanceInformationList {
		if deref(info.InstanceId) == instanceID && info.PingStatus == types.PingStatusOnline {
			return true, nil
		}
	}
	return false, nil
}

// StartSession opens a broker session and returns the token the session
// plugin needs to attach to it.
func (p *Provider) StartSession(ctx context.Context, req cloud.SessionRequest) (cloud.SessionToken, error) {
	in := &ssm.StartSessionInput{
		Target:     &req.InstanceID,
		Parameters: req.Parameters,
	}
	if req.Document != "" {
		in.DocumentName = &req.Document
	}

	var resp *ssm.StartSessionOutput
	err := p.call(ctx, "ssm:StartSession", func(ctx context.Context) error {
		var err error
		resp, err = p.ssmClient.StartSession(ctx, in)
		return err
	})
	if err != nil {
		return cloud.SessionToken{}, err
	}
	return cloud.SessionToken{
		SessionID:  deref(resp.SessionId),
		StreamURL:  deref(resp.StreamUrl),
		TokenValue: deref(resp.TokenValue),
	}, nil
}

// TerminateSession releases a broker session.
func (p *Provider) TerminateSession(ctx context.Context, sessionID string) error {
	return p.call(ctx, "ssm:TerminateSession", func(ctx context.Context) error {
		_, err := p.ssmClient.TerminateSession(ctx, &ssm.TerminateSessionInput{SessionId: &sessionID})
		return err
	})
}
