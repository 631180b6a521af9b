package synclock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/store"
)

type lockClock struct {
	now time.Time
}

func (c *lockClock) Now() time.Time { return c.now }

func (c *lockClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager() (*Manager, *store.MemoryStore, *lockClock) {
	clock := &lockClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore()
	mem.SetNowFunc(clock.Now)

	m := NewManager(mem, 50*time.Millisecond, time.Minute)
	m.nowFn = clock.Now
	return m, mem, clock
}

func TestManager_AcquireAndRelease(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	token, err := m.Acquire(ctx, "model-sync", "instance-1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "model-sync", token.Key)
	assert.Equal(t, "instance-1", token.HolderID)

	require.NoError(t, m.Release(ctx, token))

	// Released: anyone may take it again.
	_, err = m.Acquire(ctx, "model-sync", "instance-2", 30*time.Second)
	assert.NoError(t, err)
}

func TestManager_ContendedAcquireReportsHolder(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	_, err := m.Acquire(ctx, "model-sync", "instance-1", 30*time.Second)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "model-sync", "instance-2", 30*time.Second)
	require.ErrorIs(t, err, ErrLockHeld)

	var held *HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "model-sync", held.Key)
	assert.Equal(t, "instance-1", held.HeldBy)
}

func TestManager_ExpiredLeaseCanBeTaken(t *testing.T) {
	m, _, clock := newTestManager()
	ctx := context.Background()

	_, err := m.Acquire(ctx, "model-sync", "instance-1", 30*time.Second)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "model-sync", "instance-2", 30*time.Second)
	require.ErrorIs(t, err, ErrLockHeld)

	// The holder crashed; its lease lapses on its own.
	clock.Advance(31 * time.Second)
	token, err := m.Acquire(ctx, "model-sync", "instance-3", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "instance-3", token.HolderID)
}

func TestManager_ReleaseOnlyByHolder(t *testing.T) {
	m, _, clock := newTestManager()
	ctx := context.Background()

	token, err := m.Acquire(ctx, "model-sync", "instance-1", 30*time.Second)
	require.NoError(t, err)

	// The lease expired and someone else took the lock; the stale token
	// must not release it.
	clock.Advance(31 * time.Second)
	_, err = m.Acquire(ctx, "model-sync", "instance-2", 30*time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Release(ctx, token), ErrNotHolder)

	// The new holder's lock is untouched.
	_, err = m.Acquire(ctx, "model-sync", "instance-3", 30*time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestManager_DoubleReleaseFails(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	token, err := m.Acquire(ctx, "model-sync", "instance-1", 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, token))
	assert.ErrorIs(t, m.Release(ctx, token), ErrNotHolder)
}

func TestManager_RenewExtendsLease(t *testing.T) {
	m, _, clock := newTestManager()
	ctx := context.Background()

	token, err := m.Acquire(ctx, "model-sync", "instance-1", 30*time.Second)
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	require.NoError(t, m.Renew(ctx, token, 30*time.Second))

	// 31s after acquire, but only 11s after renew: still held.
	clock.Advance(11 * time.Second)
	_, err = m.Acquire(ctx, "model-sync", "instance-2", 30*time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)

	// The renewed token still releases cleanly.
	assert.NoError(t, m.Release(ctx, token))
}

func TestManager_RenewAfterLossFails(t *testing.T) {
	m, _, clock := newTestManager()
	ctx := context.Background()

	token, err := m.Acquire(ctx, "model-sync", "instance-1", 30*time.Second)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	_, err = m.Acquire(ctx, "model-sync", "instance-2", 30*time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Renew(ctx, token, 30*time.Second), ErrNotHolder,
		"a job that lost its lease must abort, not keep writing")
}

func TestManager_StoreOutageFailsSafe(t *testing.T) {
	m := NewManager(unreachableStore{}, 50*time.Millisecond, time.Minute)

	_, err := m.Acquire(context.Background(), "model-sync", "instance-1", 30*time.Second)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrLockHeld, "an outage is not contention")
}

func TestManager_ConcurrentAcquireHasOneWinner(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*Token
		losers  int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			token, err := m.Acquire(ctx, "model-sync", holderID(id), 30*time.Second)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, token)
			} else if errors.Is(err, ErrLockHeld) {
				losers++
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one concurrent acquirer wins")
	assert.Equal(t, 15, losers)
}

func holderID(i int) string {
	return "instance-" + string(rune('a'+i))
}

// unreachableStore fails every operation.
type unreachableStore struct{}

var errDown = errors.New("store down")

func (unreachableStore) Get(context.Context, string) (string, error) { return "", errDown }
func (unreachableStore) Set(context.Context, string, string, time.Duration) error {
	return errDown
}
func (unreachableStore) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errDown
}
func (unreachableStore) InsertIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, errDown
}
func (unreachableStore) CompareAndDelete(context.Context, string, string) (bool, error) {
	return false, errDown
}
func (unreachableStore) CompareAndSet(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, errDown
}
func (unreachableStore) Ping(context.Context) error { return errDown }
func (unreachableStore) Close() error               { return nil }
