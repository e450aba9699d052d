package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
)

// LinkFile is the per-directory record naming the linked environment.
const LinkFile = ".ec2-cli/instance"

// LinkPath returns the link file location for dir.
func LinkPath(dir string) string {
	return filepath.Join(dir, filepath.FromSlash(LinkFile))
}

// ReadLink returns the environment linked to dir, or "" when none is.
func ReadLink(dir string) (string, error) {
	path := LinkPath(dir)
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat link file: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", apperr.Newf(apperr.KindUserInput, "state", path, "link file cannot be a symlink")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read link file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// WriteLink links dir to the named environment, replacing any earlier link.
func WriteLink(dir, name string) error {
	path := LinkPath(dir)
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return apperr.Newf(apperr.KindUserInput, "state", path, "link file cannot be a symlink")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create link directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(name+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write link file: %w", err)
	}
	return nil
}

// RemoveLink deletes the link in dir if it names env.
func RemoveLink(dir, name string) error {
	linked, err := ReadLink(dir)
	if err != nil || linked != name {
		return err
	}
	if err := os.Remove(LinkPath(dir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove link file: %w", err)
	}
	return nil
}

// Resolve returns the named environment, or the one linked to dir when
// name is empty.
func (s *Store) Resolve(ctx context.Context, name, dir string) (*lifecycle.Environment, error) {
	if name == "" {
		linked, err := ReadLink(dir)
		if err != nil {
			return nil, err
		}
		if linked == "" {
			return nil, apperr.Newf(apperr.KindUserInput, "state", dir,
				"no environment name given and no environment linked to this directory")
		}
		name = linked
	}
	return s.Get(ctx, name)
}
