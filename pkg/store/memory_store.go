package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore implements KVStore in process memory. It backs unit tests and
// the degraded-mode fallback when the shared store is unreachable.
//
// TTLs are checked lazily on read and reaped by Sweep; callers that rely on
// expiry (the sync lock) must run the sweep loop.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]memoryRow

	// nowFn is swappable for tests.
	nowFn func() time.Time
}

type memoryRow struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[string]memoryRow),
		nowFn: time.Now,
	}
}

// SetNowFunc overrides the store clock. Intended for tests.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = now
}

func (r memoryRow) live(now time.Time) bool {
	return r.expiresAt.IsZero() || now.Before(r.expiresAt)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key]
	if !ok || !row.live(s.nowFn()) {
		delete(s.rows, key)
		return "", ErrNotFound
	}
	return row.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := memoryRow{value: value}
	if ttl > 0 {
		row.expiresAt = s.nowFn().Add(ttl)
	}
	s.rows[key] = row
	return nil
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	row, ok := s.rows[key]
	if !ok || !row.live(now) {
		row = memoryRow{value: "0"}
		if ttl > 0 {
			row.expiresAt = now.Add(ttl)
		}
	}

	n, err := strconv.ParseInt(row.value, 10, 64)
	if err != nil {
		return 0, ErrInvalidInput
	}
	n += delta
	row.value = strconv.FormatInt(n, 10)
	s.rows[key] = row
	return n, nil
}

func (s *MemoryStore) InsertIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	if row, ok := s.rows[key]; ok && row.live(now) {
		return false, nil
	}

	row := memoryRow{value: value}
	if ttl > 0 {
		row.expiresAt = now.Add(ttl)
	}
	s.rows[key] = row
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key]
	if !ok || !row.live(s.nowFn()) || row.value != value {
		return false, nil
	}
	delete(s.rows, key)
	return true, nil
}

func (s *MemoryStore) CompareAndSet(_ context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	row, ok := s.rows[key]
	if !ok || !row.live(now) || row.value != oldValue {
		return false, nil
	}
	row.value = newValue
	if ttl > 0 {
		row.expiresAt = now.Add(ttl)
	} else {
		row.expiresAt = time.Time{}
	}
	s.rows[key] = row
	return true, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Sweep removes rows whose TTL has elapsed and returns the count removed.
func (s *MemoryStore) Sweep(context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	removed := 0
	for k, row := range s.rows {
		if !row.live(now) {
			delete(s.rows, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live rows (for tests).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	n := 0
	for _, row := range s.rows {
		if row.live(now) {
			n++
		}
	}
	return n
}
