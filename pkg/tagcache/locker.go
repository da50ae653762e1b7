package tagcache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/illmade-knight/go-tagcache/pkg/store"
)

// ErrLockTimeout reports that a key's distributed lock was not granted within
// the configured wait window.
var ErrLockTimeout = errors.New("tagcache: lock wait timeout exceeded")

// LockManager serializes per-key critical sections through the shared store's
// lock primitive. The lock lives in the store itself, so exclusion holds
// across processes, not just goroutines. Acquisition polls the non-blocking
// primitive until granted or the wait window closes; the lock carries a TTL
// so a crashed holder cannot leave a key permanently locked.
type LockManager struct {
	store         store.Store
	waitTimeout   time.Duration
	retryInterval time.Duration
	lockTTL       time.Duration
}

// NewLockManager creates a LockManager over the given store.
func NewLockManager(s store.Store, waitTimeout, retryInterval, lockTTL time.Duration) *LockManager {
	return &LockManager{
		store:         s,
		waitTimeout:   waitTimeout,
		retryInterval: retryInterval,
		lockTTL:       lockTTL,
	}
}

// Acquire takes the exclusive lock for key, waiting up to the configured
// timeout. It returns the holder token to pass to Release, ErrLockTimeout if
// the window closes first, or the store's error if the store itself fails.
func (m *LockManager) Acquire(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(m.waitTimeout)

	for {
		granted, err := m.store.AcquireLock(ctx, key, token, m.lockTTL)
		if err != nil {
			return "", err
		}
		if granted {
			return token, nil
		}
		if !time.Now().Before(deadline) {
			return "", ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.retryInterval):
		}
	}
}

// Release gives the lock for key back. It is idempotent and safe to call on
// every exit path: releasing a lock that was never granted, already released,
// or taken over after TTL expiry is a no-op.
func (m *LockManager) Release(ctx context.Context, key, token string) {
	if token == "" {
		return
	}
	// A failed release is not fatal; the TTL reclaims the lock.
	_ = m.store.ReleaseLock(ctx, key, token)
}

// WaitTimeout returns the configured lock wait window.
func (m *LockManager) WaitTimeout() time.Duration { return m.waitTimeout }
