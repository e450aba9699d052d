package state

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/logging"
	"github.com/picklr-io/ec2-cli/internal/profile"
)

// AWSConfigLoader supplies SDK configuration for remote backends and KMS.
type AWSConfigLoader func(ctx context.Context) (aws.Config, error)

// Open builds the store described by cfg. dir overrides the local state
// directory; loadAWS is only called when cfg needs AWS clients.
func Open(ctx context.Context, cfg profile.StateBackend, dir string, loadAWS AWSConfigLoader) (*Store, error) {
	var awsCfg *aws.Config
	needAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		if loadAWS == nil {
			return aws.Config{}, apperr.Newf(apperr.KindConfiguration, "state", cfg.Type, "backend requires AWS configuration")
		}
		c, err := loadAWS(ctx)
		if err != nil {
			return aws.Config{}, apperr.New(apperr.KindConfiguration, "state", cfg.Type, err)
		}
		awsCfg = &c
		return c, nil
	}

	var sealer Sealer
	if cfg.KMSKeyID != "" {
		c, err := needAWS()
		if err != nil {
			return nil, err
		}
		sealer = NewKMSSealer(kms.NewFromConfig(c), cfg.KMSKeyID)
	} else {
		sealer = NewEnvSealer()
	}

	var backend Backend
	switch cfg.Type {
	case "", "local":
		if dir == "" {
			d, err := DefaultDir()
			if err != nil {
				return nil, apperr.New(apperr.KindConfiguration, "state", "local", err)
			}
			dir = d
		}
		backend = NewFileBackend(dir)
	case "s3":
		c, err := needAWS()
		if err != nil {
			return nil, err
		}
		b, err := NewS3Backend(s3.NewFromConfig(c), dynamodb.NewFromConfig(c), cfg.Bucket, cfg.Key, cfg.DynamoDBTable)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, apperr.New(apperr.KindConfiguration, "state", cfg.Type, fmt.Errorf("unknown backend type: %s", cfg.Type))
	}

	logging.Debug("opened state store", "location", backend.Location())
	return New(backend, sealer), nil
}
