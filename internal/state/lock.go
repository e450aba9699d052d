package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/picklr-io/ec2-cli/internal/apperr"
)

// DefaultLockTimeout bounds how long Lock waits for another holder.
const DefaultLockTimeout = 10 * time.Second

const lockPollInterval = 25 * time.Millisecond

// fileLock takes an exclusive advisory lock on path. Each call opens its own
// descriptor, so two callers in one process also exclude each other.
func fileLock(ctx context.Context, path string, timeout time.Duration) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, apperr.Newf(apperr.KindStateConsistency, "state", path,
				"state is locked by another process (waited %s)", timeout)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, apperr.New(apperr.KindCancelled, "state", path, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}

	// Holder pid is informational only.
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))

	return func() error {
		defer f.Close()
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			return fmt.Errorf("failed to unlock %s: %w", path, err)
		}
		return nil
	}, nil
}
