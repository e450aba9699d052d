package state

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// EncryptionKeyEnvVar is the environment variable for the state encryption key.
	EncryptionKeyEnvVar = "EC2_CLI_STATE_ENCRYPTION_KEY"

	encryptedHeader = "# EC2_CLI_ENCRYPTED_STATE\n"
	kmsHeader       = "# EC2_CLI_KMS_STATE\n"
)

// Sealer protects snapshot bytes at rest.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte) ([]byte, error)
	Open(ctx context.Context, data []byte) ([]byte, error)
}

// NewEnvSealer returns an AES-256-GCM sealer keyed from
// EC2_CLI_STATE_ENCRYPTION_KEY, or a pass-through sealer when it is unset.
func NewEnvSealer() Sealer {
	key := getEncryptionKey()
	if key == nil {
		return plainSealer{}
	}
	return &keySealer{key: key}
}

type plainSealer struct{}

func (plainSealer) Seal(_ context.Context, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (plainSealer) Open(_ context.Context, data []byte) ([]byte, error) {
	switch {
	case IsEncrypted(data):
		return nil, fmt.Errorf("state file is encrypted but %s is not set", EncryptionKeyEnvVar)
	case isKMSSealed(data):
		return nil, fmt.Errorf("state file is sealed with KMS but no kms_key_id is configured")
	}
	return data, nil
}

type keySealer struct {
	key []byte
}

func (s *keySealer) Seal(_ context.Context, plaintext []byte) ([]byte, error) {
	ciphertext, err := gcmSeal(s.key, plaintext)
	if err != nil {
		return nil, err
	}
	return []byte(encryptedHeader + base64.StdEncoding.EncodeToString(ciphertext) + "\n"), nil
}

// Open decrypts sealed content and passes plaintext through, so enabling
// the key on an existing store works.
func (s *keySealer) Open(_ context.Context, data []byte) ([]byte, error) {
	if isKMSSealed(data) {
		return nil, fmt.Errorf("state file is sealed with KMS but no kms_key_id is configured")
	}
	if !IsEncrypted(data) {
		return data, nil
	}
	ciphertext, err := decodeBody(data, encryptedHeader)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcmOpen(s.key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state (wrong key?): %w", err)
	}
	return plaintext, nil
}

func gcmSeal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func gcmOpen(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func decodeBody(data []byte, header string) ([]byte, error) {
	encoded := strings.TrimSpace(strings.TrimPrefix(string(data), header))
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted state: %w", err)
	}
	return raw, nil
}

// IsEncrypted checks if state content is sealed with the environment key.
func IsEncrypted(content []byte) bool {
	return strings.HasPrefix(string(content), encryptedHeader)
}

func isKMSSealed(content []byte) bool {
	return strings.HasPrefix(string(content), kmsHeader)
}

// getEncryptionKey returns the 32-byte AES key from the environment, or nil
// if unset. A base64 value decoding to 32 bytes is used as is; anything
// else is hashed to 32 bytes.
func getEncryptionKey() []byte {
	keyStr := os.Getenv(EncryptionKeyEnvVar)
	if keyStr == "" {
		return nil
	}
	if raw, err := base64.StdEncoding.DecodeString(keyStr); err == nil && len(raw) == 32 {
		return raw
	}
	sum := sha256.Sum256([]byte(keyStr))
	return sum[:]
}
