// Package reglock implements the cross-process file lock with stale-lock
// detection used by the Registry Store.
package reglock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
)

// Lock guards a single registry directory against concurrent writers from
// other processes. It wraps a gofrs/flock advisory lock and additionally
// breaks locks whose holder appears to have died, by comparing the lock
// file's mtime against a configured staleness window.
type Lock struct {
	path          string
	fl            *flock.Flock
	staleTimeout  time.Duration
}

// New returns a Lock for the given lock file path. staleTimeout <= 0 disables
// stale-lock breaking.
func New(path string, staleTimeout time.Duration) *Lock {
	return &Lock{path: path, fl: flock.New(path), staleTimeout: staleTimeout}
}

// Acquire blocks until the lock is held or ctx is done. If the lock appears
// stale (its mtime is older than staleTimeout), it is removed and one more
// attempt is made before giving up.
func (l *Lock) Acquire(ctx context.Context) error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire registry lock: %w", err)
	}
	if ok {
		return l.stamp()
	}

	if l.staleTimeout > 0 && l.isStale() {
		_ = os.Remove(l.path)
		ok, err := l.fl.TryLock()
		if err != nil {
			return fmt.Errorf("acquire registry lock after stale-break: %w", err)
		}
		if ok {
			return l.stamp()
		}
	}

	// Fall through to a blocking wait for the remaining context deadline.
	if err := l.fl.LockContext(ctx); err != nil {
		return fmt.Errorf("acquire registry lock: %w", err)
	}
	return l.stamp()
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release registry lock: %w", err)
	}
	_ = os.Remove(l.path)
	return nil
}

func (l *Lock) isStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > l.staleTimeout
}

// stamp rewrites the lock file's mtime (and, best-effort, its PID contents)
// so other processes can judge staleness while we hold it.
func (l *Lock) stamp() error {
	_ = os.WriteFile(l.path, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
	now := time.Now()
	_ = os.Chtimes(l.path, now, now)
	return nil
}
