package state

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvSealer_NoKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	ctx := context.Background()
	s := NewEnvSealer()

	content := []byte(`{"version": 1}`)
	sealed, err := s.Seal(ctx, content)
	require.NoError(t, err)
	assert.Equal(t, content, sealed)

	opened, err := s.Open(ctx, content)
	require.NoError(t, err)
	assert.Equal(t, content, opened)
}

func TestEnvSealer_RoundTrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "a-passphrase-of-any-length")
	ctx := context.Background()
	s := NewEnvSealer()

	content := []byte(`{"version": 1, "environments": {}}`)
	sealed, err := s.Seal(ctx, content)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(sealed))
	assert.NotContains(t, string(sealed), "environments")

	opened, err := s.Open(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, content, opened)

	// Plaintext written before the key was set still opens.
	opened, err = s.Open(ctx, content)
	require.NoError(t, err)
	assert.Equal(t, content, opened)
}

func TestEnvSealer_RawBase64Key(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	t.Setenv(EncryptionKeyEnvVar, base64.StdEncoding.EncodeToString(key))
	assert.Equal(t, key, getEncryptionKey())
}

func TestEnvSealer_WrongKeyAndMissingKey(t *testing.T) {
	ctx := context.Background()
	t.Setenv(EncryptionKeyEnvVar, "key-one")
	sealed, err := NewEnvSealer().Seal(ctx, []byte("secret"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "key-two")
	_, err = NewEnvSealer().Open(ctx, sealed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong key")

	t.Setenv(EncryptionKeyEnvVar, "")
	_, err = NewEnvSealer().Open(ctx, sealed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EncryptionKeyEnvVar)
}

type fakeKMS struct {
	generated int
	fail      error
}

func (f *fakeKMS) GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.generated++
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return &kms.GenerateDataKeyOutput{Plaintext: key, CiphertextBlob: append([]byte("wrapped:"), key...)}, nil
}

func (f *fakeKMS) Decrypt(ctx context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if !bytes.HasPrefix(in.CiphertextBlob, []byte("wrapped:")) {
		return nil, errors.New("InvalidCiphertextException")
	}
	return &kms.DecryptOutput{Plaintext: bytes.TrimPrefix(in.CiphertextBlob, []byte("wrapped:"))}, nil
}

func TestKMSSealer_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client := &fakeKMS{}
	s := &KMSSealer{client: client, keyID: "alias/ec2-cli"}

	content := []byte(`{"version": 1}`)
	sealed, err := s.Seal(ctx, content)
	require.NoError(t, err)
	assert.True(t, isKMSSealed(sealed))

	opened, err := s.Open(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, content, opened)

	_, err = s.Seal(ctx, content)
	require.NoError(t, err)
	assert.Equal(t, 2, client.generated)

	_, err = plainSealer{}.Open(ctx, sealed)
	assert.Error(t, err)
}

func TestKMSSealer_Failure(t *testing.T) {
	s := &KMSSealer{client: &fakeKMS{fail: errors.New("AccessDeniedException")}, keyID: "k"}
	_, err := s.Seal(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDeniedException")
}

func TestStoreWithSealer(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "store-key")
	ctx := context.Background()
	b := NewFileBackend(t.TempDir())
	s := New(b, NewEnvSealer())
	require.NoError(t, s.Upsert(ctx, newEnv("sealed")))

	env, err := s.Get(ctx, "sealed")
	require.NoError(t, err)
	assert.Equal(t, "i-sealed", env.InstanceID)

	raw, err := b.Load(ctx)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(raw))
}
