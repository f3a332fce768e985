// Package devicelock provides named advisory mutual exclusion between every
// local execution context sharing the same durable store. The guarantee is
// device-wide, not network-wide: two processes on one machine serialize, two
// machines do not.
package devicelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const retryDelay = 25 * time.Millisecond

var (
	// ErrInvalidLockName indicates an empty or path-traversing lock name.
	ErrInvalidLockName = errors.New("devicelock: invalid lock name")
	// ErrLockNotAcquired indicates the lock could not be taken before the
	// context ended.
	ErrLockNotAcquired = errors.New("devicelock: lock not acquired")
)

// Names of the sync engine's critical regions.
const (
	// RegionPagesPull serializes pulls into the committed pages collection.
	RegionPagesPull = "pages-pull"
	// RegionPendingPush serializes drains of the pending writes queue.
	RegionPendingPush = "pending-push"
)

// ManagerConfig wires the lock manager dependencies.
type ManagerConfig struct {
	// Dir holds one lock file per region name.
	Dir    string
	Logger *zap.Logger
}

// Manager hands out named file locks under a shared directory.
type Manager struct {
	dir    string
	logger *zap.Logger
}

// NewManager creates the lock directory if needed and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("devicelock: lock directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("devicelock: create lock directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{dir: cfg.Dir, logger: logger}, nil
}

// WithLock runs fn while holding the named region's lock, blocking until the
// lock is available or the context ends.
func (m *Manager) WithLock(ctx context.Context, name string, fn func() error) error {
	if err := validateName(name); err != nil {
		return err
	}

	fileLock := flock.New(filepath.Join(m.dir, name+".lock"))
	locked, err := fileLock.TryLockContext(ctx, retryDelay)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, name, err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrLockNotAcquired, name)
	}
	defer func() {
		if unlockErr := fileLock.Unlock(); unlockErr != nil {
			m.logger.Warn("failed to release device lock",
				zap.String("lock", name), zap.Error(unlockErr))
		}
	}()

	return fn()
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidLockName)
	}
	if strings.ContainsAny(trimmed, "/\\") || trimmed != filepath.Base(trimmed) {
		return fmt.Errorf("%w: %q", ErrInvalidLockName, name)
	}
	return nil
}
