package state

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

type kmsAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

var kmsContext = map[string]string{"application": "ec2-cli", "purpose": "state"}

// kmsEnvelope is the sealed body: a KMS-encrypted data key and the
// snapshot sealed under it.
type kmsEnvelope struct {
	Key  []byte `json:"key"`
	Data []byte `json:"data"`
}

// KMSSealer seals each write under a fresh data key from KMS.
type KMSSealer struct {
	client kmsAPI
	keyID  string
}

// NewKMSSealer returns a sealer using keyID.
func NewKMSSealer(client *kms.Client, keyID string) *KMSSealer {
	return &KMSSealer{client: client, keyID: keyID}
}

func (s *KMSSealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	out, err := s.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:             aws.String(s.keyID),
		KeySpec:           kmstypes.DataKeySpecAes256,
		EncryptionContext: kmsContext,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key with %s: %w", s.keyID, err)
	}
	sealed, err := gcmSeal(out.Plaintext, plaintext)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(kmsEnvelope{Key: out.CiphertextBlob, Data: sealed})
	if err != nil {
		return nil, fmt.Errorf("failed to encode state envelope: %w", err)
	}
	return []byte(kmsHeader + base64.StdEncoding.EncodeToString(body) + "\n"), nil
}

func (s *KMSSealer) Open(ctx context.Context, data []byte) ([]byte, error) {
	if IsEncrypted(data) {
		return nil, fmt.Errorf("state file is encrypted with %s, not KMS", EncryptionKeyEnvVar)
	}
	if !isKMSSealed(data) {
		return data, nil
	}
	raw, err := decodeBody(data, kmsHeader)
	if err != nil {
		return nil, err
	}
	var env kmsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode state envelope: %w", err)
	}
	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    env.Key,
		KeyId:             aws.String(s.keyID),
		EncryptionContext: kmsContext,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data key with %s: %w", s.keyID, err)
	}
	plaintext, err := gcmOpen(out.Plaintext, env.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state: %w", err)
	}
	return plaintext, nil
}
