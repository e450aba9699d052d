package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/picklr-io/ec2-cli/internal/apperr"
)

// DefaultS3Key is the object key used when none is configured.
const DefaultS3Key = "ec2-cli/state.json"

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// S3Backend keeps the snapshot in one S3 object, locked by a DynamoDB
// item written with a conditional put.
type S3Backend struct {
	bucket        string
	key           string
	dynamoDBTable string
	lockTimeout   time.Duration

	s3Client s3API
	dbClient dynamoAPI
}

// NewS3Backend returns a backend for s3://bucket/key. An empty table leaves
// the object unlocked.
func NewS3Backend(s3Client *s3.Client, dbClient *dynamodb.Client, bucket, key, table string) (*S3Backend, error) {
	if bucket == "" {
		return nil, apperr.Newf(apperr.KindConfiguration, "state", "s3", "s3 backend requires a bucket")
	}
	if key == "" {
		key = DefaultS3Key
	}
	b := &S3Backend{
		bucket:        bucket,
		key:           key,
		dynamoDBTable: table,
		lockTimeout:   DefaultLockTimeout,
		s3Client:      s3Client,
	}
	if table != "" {
		b.dbClient = dbClient
	}
	return b, nil
}

func (b *S3Backend) Location() string {
	return fmt.Sprintf("s3://%s/%s", b.bucket, b.key)
}

func (b *S3Backend) Load(ctx context.Context) ([]byte, error) {
	result, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state from %s: %w", b.Location(), err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return data, nil
}

func (b *S3Backend) Save(ctx context.Context, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:               aws.String(b.bucket),
		Key:                  aws.String(b.key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}
	if _, err := b.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write state to %s: %w", b.Location(), err)
	}
	return nil
}

func (b *S3Backend) Lock(ctx context.Context) (func() error, error) {
	if b.dbClient == nil {
		return func() error { return nil }, nil
	}

	lockID := fmt.Sprintf("ec2-cli-%d-%d", os.Getpid(), time.Now().UnixNano())
	deadline := time.Now().Add(b.lockTimeout)
	for {
		_, err := b.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(b.dynamoDBTable),
			Item: map[string]dbtypes.AttributeValue{
				"LockID":  &dbtypes.AttributeValueMemberS{Value: b.key},
				"Info":    &dbtypes.AttributeValueMemberS{Value: lockID},
				"Created": &dbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			},
			ConditionExpression: aws.String("attribute_not_exists(LockID)"),
		})
		if err == nil {
			break
		}
		var ccf *dbtypes.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, apperr.Newf(apperr.KindStateConsistency, "state", b.Location(),
				"state is locked by another process; if this is an error, delete the item with LockID=%q from DynamoDB table %q",
				b.key, b.dynamoDBTable)
		}
		select {
		case <-ctx.Done():
			return nil, apperr.New(apperr.KindCancelled, "state", b.Location(), ctx.Err())
		case <-time.After(lockPollInterval * 20):
		}
	}

	return func() error {
		_, err := b.dbClient.DeleteItem(context.WithoutCancel(ctx), &dynamodb.DeleteItemInput{
			TableName: aws.String(b.dynamoDBTable),
			Key: map[string]dbtypes.AttributeValue{
				"LockID": &dbtypes.AttributeValueMemberS{Value: b.key},
			},
			ConditionExpression:       aws.String("Info = :id"),
			ExpressionAttributeValues: map[string]dbtypes.AttributeValue{":id": &dbtypes.AttributeValueMemberS{Value: lockID}},
		})
		if err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		return nil
	}, nil
}
