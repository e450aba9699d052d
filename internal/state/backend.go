package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/picklr-io/ec2-cli/internal/profile"
)

// Backend stores the sealed snapshot bytes and provides the exclusive lock
// around read-modify-write cycles.
type Backend interface {
	// Load returns the stored bytes, or nil if nothing has been written.
	Load(ctx context.Context) ([]byte, error)
	// Save replaces the stored bytes atomically.
	Save(ctx context.Context, data []byte) error
	// Lock blocks until the exclusive lock is held or the wait bound passes.
	Lock(ctx context.Context) (unlock func() error, err error)
	// Location names the backend in errors and logs.
	Location() string
}

// StateFile is the snapshot file name inside the state directory.
const StateFile = "state.json"

// DefaultDir returns the local state directory.
func DefaultDir() (string, error) {
	if dir := os.Getenv(profile.EnvStateDir); dir != "" {
		return dir, nil
	}
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "ec2-cli"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "state", "ec2-cli"), nil
}

// FileBackend keeps the snapshot in one file committed by rename.
type FileBackend struct {
	path        string
	lockTimeout time.Duration
	// commitHook runs after the temp file is synced and before the rename.
	// Tests use it to simulate a crash between write and commit.
	commitHook func(tmpPath string) error
}

// NewFileBackend returns a backend for dir/state.json.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{path: filepath.Join(dir, StateFile), lockTimeout: DefaultLockTimeout}
}

// WithLockTimeout overrides the lock wait bound.
func (b *FileBackend) WithLockTimeout(d time.Duration) *FileBackend {
	b.lockTimeout = d
	return b
}

func (b *FileBackend) Location() string { return b.path }

func (b *FileBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", b.path, err)
	}
	return data, nil
}

func (b *FileBackend) Save(ctx context.Context, data []byte) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set state file mode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if b.commitHook != nil {
		if err := b.commitHook(tmpPath); err != nil {
			return err
		}
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		return fmt.Errorf("failed to commit state file %s: %w", b.path, err)
	}
	committed = true

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

func (b *FileBackend) Lock(ctx context.Context) (func() error, error) {
	return fileLock(ctx, b.path+".lock", b.lockTimeout)
}
