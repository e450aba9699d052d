package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/picklr-io/ec2-cli/internal/apperr"
)

func writeKeyPair(t *testing.T, dir, name string) string {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path+".pub", ssh.MarshalAuthorizedKey(sshPub), 0o644))
	return path
}

func TestLoadCredentials_ExplicitKey(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	key := writeKeyPair(t, t.TempDir(), "dev_key")

	creds, err := LoadCredentials(key)
	require.NoError(t, err)
	defer creds.Close()
	assert.Len(t, creds.Methods, 1)
}

func TestLoadCredentials_MissingExplicitKey(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	_, err := LoadCredentials(filepath.Join(t.TempDir(), "absent"))
	assert.True(t, errors.Is(err, apperr.Configuration))
}

func TestLoadCredentials_DefaultKeyFiles(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SSH_AUTH_SOCK", "")

	_, err := LoadCredentials("")
	assert.True(t, errors.Is(err, apperr.Configuration), "no agent and no keys")

	sshDir := filepath.Join(home, ".ssh")
	require.NoError(t, os.MkdirAll(sshDir, 0o700))
	writeKeyPair(t, sshDir, "id_ed25519")

	creds, err := LoadCredentials("")
	require.NoError(t, err)
	creds.Close()
	assert.Len(t, creds.Methods, 1)
}

func TestLoadCredentials_SkipsEncryptedKey(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SSH_AUTH_SOCK", "")
	sshDir := filepath.Join(home, ".ssh")
	require.NoError(t, os.MkdirAll(sshDir, 0o700))

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("secret"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sshDir, "id_ed25519"), pem.EncodeToMemory(block), 0o600))

	_, err = LoadCredentials("")
	assert.True(t, errors.Is(err, apperr.Configuration))
}

func TestPublicKey(t *testing.T) {
	dir := t.TempDir()
	key := writeKeyPair(t, dir, "id_ed25519")

	line, path, err := PublicKey(key)
	require.NoError(t, err)
	assert.Equal(t, key, path)
	assert.True(t, strings.HasPrefix(line, "ssh-ed25519 "))
	assert.NotContains(t, line, "\n")

	home := t.TempDir()
	t.Setenv("HOME", home)
	_, _, err = PublicKey("")
	assert.True(t, errors.Is(err, apperr.Configuration))
}
