package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/ec2-cli/internal/apperr"
)

func TestLinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	name, err := ReadLink(dir)
	require.NoError(t, err)
	assert.Empty(t, name)

	require.NoError(t, WriteLink(dir, "dev"))
	name, err = ReadLink(dir)
	require.NoError(t, err)
	assert.Equal(t, "dev", name)

	require.NoError(t, RemoveLink(dir, "other"))
	name, _ = ReadLink(dir)
	assert.Equal(t, "dev", name)

	require.NoError(t, RemoveLink(dir, "dev"))
	name, _ = ReadLink(dir)
	assert.Empty(t, name)
}

func TestLinkRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "elsewhere")
	require.NoError(t, os.WriteFile(target, []byte("evil\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".ec2-cli"), 0755))
	require.NoError(t, os.Symlink(target, LinkPath(dir)))

	_, err := ReadLink(dir)
	assert.Equal(t, apperr.KindUserInput, apperr.KindOf(err))
	assert.Equal(t, apperr.KindUserInput, apperr.KindOf(WriteLink(dir, "dev")))
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocalStore(t)
	require.NoError(t, s.Upsert(ctx, newEnv("dev")))
	dir := t.TempDir()

	_, err := s.Resolve(ctx, "", dir)
	assert.Equal(t, apperr.KindUserInput, apperr.KindOf(err))

	require.NoError(t, WriteLink(dir, "dev"))
	env, err := s.Resolve(ctx, "", dir)
	require.NoError(t, err)
	assert.Equal(t, "dev", env.Name)

	_, err = s.Resolve(ctx, "nope", dir)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
