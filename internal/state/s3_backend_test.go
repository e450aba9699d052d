package state

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/profile"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]string
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := in.Item["LockID"].(*dbtypes.AttributeValueMemberS).Value
	if _, held := f.items[id]; held {
		return nil, &dbtypes.ConditionalCheckFailedException{Message: aws.String("held")}
	}
	f.items[id] = in.Item["Info"].(*dbtypes.AttributeValueMemberS).Value
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := in.Key["LockID"].(*dbtypes.AttributeValueMemberS).Value
	owner := in.ExpressionAttributeValues[":id"].(*dbtypes.AttributeValueMemberS).Value
	if f.items[id] != owner {
		return nil, &dbtypes.ConditionalCheckFailedException{Message: aws.String("not owner")}
	}
	delete(f.items, id)
	return &dynamodb.DeleteItemOutput{}, nil
}

func newFakeS3Backend(db *fakeDynamo) (*S3Backend, *fakeS3) {
	objects := &fakeS3{objects: map[string][]byte{}}
	b := &S3Backend{bucket: "team-state", key: DefaultS3Key, lockTimeout: 100 * time.Millisecond, s3Client: objects}
	if db != nil {
		b.dynamoDBTable = "ec2-cli-locks"
		b.dbClient = db
	}
	return b, objects
}

func TestNewS3BackendRequiresBucket(t *testing.T) {
	_, err := NewS3Backend(nil, nil, "", "", "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestNewS3BackendDefaults(t *testing.T) {
	b, err := NewS3Backend(nil, nil, "my-bucket", "", "")
	require.NoError(t, err)
	assert.Equal(t, "s3://my-bucket/ec2-cli/state.json", b.Location())
	assert.Nil(t, b.dbClient)
}

func TestS3BackendStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := &fakeDynamo{items: map[string]string{}}
	b, objects := newFakeS3Backend(db)
	s := New(b, nil)

	snap, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Environments)

	require.NoError(t, s.Upsert(ctx, newEnv("remote")))
	env, err := s.Get(ctx, "remote")
	require.NoError(t, err)
	assert.Equal(t, "i-remote", env.InstanceID)

	require.Len(t, objects.puts, 1)
	assert.Equal(t, s3types.ServerSideEncryptionAes256, objects.puts[0].ServerSideEncryption)
	assert.Empty(t, db.items, "lock released after commit")
}

func TestS3BackendLockContention(t *testing.T) {
	ctx := context.Background()
	db := &fakeDynamo{items: map[string]string{DefaultS3Key: "someone-else"}}
	b, _ := newFakeS3Backend(db)

	_, err := b.Lock(ctx)
	assert.Equal(t, apperr.KindStateConsistency, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "ec2-cli-locks")
}

func TestS3BackendWithoutTable(t *testing.T) {
	b, _ := newFakeS3Backend(nil)
	unlock, err := b.Lock(context.Background())
	require.NoError(t, err)
	assert.NoError(t, unlock())
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), profile.StateBackend{Type: "redis"}, t.TempDir(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend type")
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestOpenRemoteNeedsAWS(t *testing.T) {
	_, err := Open(context.Background(), profile.StateBackend{Type: "s3", Bucket: "b"}, "", nil)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestOpenLocal(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), profile.StateBackend{}, dir, nil)
	require.NoError(t, err)
	assert.Contains(t, s.Location(), dir)
}
