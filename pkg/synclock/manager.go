// Package synclock serializes background catalog and pricing sync jobs with
// a lease-based distributed lock.
//
// Mutual exclusion is enforced by the backing store's atomic
// insert-if-absent, not by in-process state, so multiple instances stay
// correct. Leases expire on their own; a crashed holder can never wedge a
// lock. Callers that lose the race get ErrLockHeld and must return a "sync
// already in progress" signal to their own caller rather than wait.
package synclock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/pkg/observability/logging"
	"github.com/modelmux/modelmux/pkg/observability/metrics"
	"github.com/modelmux/modelmux/pkg/store"
)

// Standard errors.
var (
	// ErrLockHeld is returned when a live lease already exists for the key.
	ErrLockHeld = errors.New("lock already held")

	// ErrNotHolder is returned by Release/Renew when the lease is no longer
	// owned by the token (expired, swept, or taken by another holder).
	ErrNotHolder = errors.New("lock not held by this token")

	// ErrStoreUnavailable is returned when the backing store cannot be
	// reached. Acquisition fails safe: the lock is denied, never granted
	// unguarded.
	ErrStoreUnavailable = errors.New("lock store unavailable")
)

// HeldError carries the current holder for an ErrLockHeld denial.
type HeldError struct {
	Key       string
	HeldBy    string
	ExpiresAt time.Time
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock %q held by %s until %s", e.Key, e.HeldBy, e.ExpiresAt.Format(time.RFC3339))
}

func (e *HeldError) Unwrap() error { return ErrLockHeld }

// Token proves ownership of one lease. It must be passed back to Release
// and Renew; a caller can never release a lock it did not acquire.
type Token struct {
	Key       string
	HolderID  string
	ExpiresAt time.Time

	// value is the exact row written to the store; compare-and-* operations
	// match on it.
	value string
}

type lockRow struct {
	HolderID  string    `json:"holder_id"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager implements the lock over the shared KV store.
type Manager struct {
	kv           store.KVStore
	opTimeout    time.Duration
	defaultLease time.Duration

	// nowFn is swappable for tests.
	nowFn func() time.Time
}

// NewManager creates a lock manager. opTimeout bounds each store round trip.
func NewManager(kv store.KVStore, opTimeout, defaultLease time.Duration) *Manager {
	if opTimeout <= 0 {
		opTimeout = 50 * time.Millisecond
	}
	if defaultLease <= 0 {
		defaultLease = time.Minute
	}
	return &Manager{kv: kv, opTimeout: opTimeout, defaultLease: defaultLease, nowFn: time.Now}
}

func lockKey(key string) string { return "lock:" + key }

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.opTimeout)
}

// Acquire attempts to take the lease for key. Exactly one concurrent caller
// wins; the rest receive a *HeldError wrapping ErrLockHeld.
func (m *Manager) Acquire(ctx context.Context, key, holderID string, lease time.Duration) (*Token, error) {
	if key == "" || holderID == "" {
		return nil, store.ErrInvalidInput
	}
	if lease <= 0 {
		lease = m.defaultLease
	}

	expiresAt := m.nowFn().Add(lease)
	row := lockRow{HolderID: holderID, Nonce: uuid.NewString(), ExpiresAt: expiresAt}
	value, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	ok, err := m.kv.InsertIfAbsent(opCtx, lockKey(key), string(value), lease)
	if err != nil {
		metrics.LockAcquisitions.WithLabelValues(key, "store_error").Inc()
		logging.Errorf("Sync lock %q: store unreachable, denying acquire: %v", key, err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		metrics.LockAcquisitions.WithLabelValues(key, "contended").Inc()
		held := m.currentHolder(ctx, key)
		held.Key = key
		return nil, held
	}

	metrics.LockAcquisitions.WithLabelValues(key, "acquired").Inc()
	logging.Infof("Sync lock %q acquired by %s (lease %v)", key, holderID, lease)
	return &Token{Key: key, HolderID: holderID, ExpiresAt: expiresAt, value: string(value)}, nil
}

// currentHolder reads the live row for denial reporting. Best-effort: a
// vanished or unreadable row still reports the lock as held.
func (m *Manager) currentHolder(ctx context.Context, key string) *HeldError {
	opCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	value, err := m.kv.Get(opCtx, lockKey(key))
	if err != nil {
		return &HeldError{}
	}
	var row lockRow
	if err := json.Unmarshal([]byte(value), &row); err != nil {
		return &HeldError{}
	}
	return &HeldError{HeldBy: row.HolderID, ExpiresAt: row.ExpiresAt}
}

// Release gives the lease back. Returns ErrNotHolder when the token no
// longer owns the row.
func (m *Manager) Release(ctx context.Context, token *Token) error {
	if token == nil {
		return store.ErrInvalidInput
	}

	opCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	ok, err := m.kv.CompareAndDelete(opCtx, lockKey(token.Key), token.value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return ErrNotHolder
	}
	logging.Infof("Sync lock %q released by %s", token.Key, token.HolderID)
	return nil
}

// Renew extends the lease and updates the token in place. A job that cannot
// renew before expiry must abort rather than keep writing.
func (m *Manager) Renew(ctx context.Context, token *Token, lease time.Duration) error {
	if token == nil {
		return store.ErrInvalidInput
	}
	if lease <= 0 {
		lease = m.defaultLease
	}

	expiresAt := m.nowFn().Add(lease)
	row := lockRow{HolderID: token.HolderID, Nonce: uuid.NewString(), ExpiresAt: expiresAt}
	newValue, err := json.Marshal(row)
	if err != nil {
		return err
	}

	opCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	ok, err := m.kv.CompareAndSet(opCtx, lockKey(token.Key), token.value, string(newValue), lease)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return ErrNotHolder
	}

	token.ExpiresAt = expiresAt
	token.value = string(newValue)
	logging.Debugf("Sync lock %q renewed by %s until %s", token.Key, token.HolderID, expiresAt.Format(time.RFC3339))
	return nil
}

// RunSweeper reaps expired rows on stores without native TTL enforcement
// until ctx is cancelled. On Redis expiry is native and the sweep is a no-op.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	sweeper, ok := m.kv.(store.Sweeper)
	if !ok {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sweeper.Sweep(ctx); n > 0 {
				logging.Debugf("Sync lock sweep removed %d expired rows", n)
			}
		}
	}
}
