package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/store"
)

// brokenStore fails every operation, simulating an unreachable shared store.
type brokenStore struct{}

var errStoreDown = errors.New("connection refused")

func (brokenStore) Get(context.Context, string) (string, error) { return "", errStoreDown }
func (brokenStore) Set(context.Context, string, string, time.Duration) error {
	return errStoreDown
}
func (brokenStore) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (brokenStore) InsertIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (brokenStore) CompareAndDelete(context.Context, string, string) (bool, error) {
	return false, errStoreDown
}
func (brokenStore) CompareAndSet(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (brokenStore) Ping(context.Context) error { return errStoreDown }
func (brokenStore) Close() error               { return nil }

func newTestCredentialLayer(cfg config.CredentialLayerConfig, kv store.KVStore) (*credentialLayer, *rlClock) {
	l := newCredentialLayer(cfg, kv, 50*time.Millisecond)
	clock := &rlClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l.nowFn = clock.Now
	return l, clock
}

func TestCredentialLayer_RPMBudget(t *testing.T) {
	mem := store.NewMemoryStore()
	l, _ := newTestCredentialLayer(config.CredentialLayerConfig{RequestsPerMinute: 5}, mem)
	req := Request{CredentialID: "key-1"}

	for i := 0; i < 5; i++ {
		d := l.Check(context.Background(), req)
		require.True(t, d.Allowed, "request %d within budget", i+1)
	}

	d := l.Check(context.Background(), req)
	require.False(t, d.Allowed)
	assert.Equal(t, int64(5), d.Limit)
	assert.Equal(t, credWindow, d.RetryAfter)
}

func TestCredentialLayer_DeniedByEvaluatorWithLayerName(t *testing.T) {
	mem := store.NewMemoryStore()
	l, _ := newTestCredentialLayer(config.CredentialLayerConfig{RequestsPerMinute: 1}, mem)
	e := newEvaluatorWithLayers(l)
	req := Request{CredentialID: "key-1"}

	require.True(t, e.Check(context.Background(), req).Allowed)

	d := e.Check(context.Background(), req)
	require.False(t, d.Allowed)
	assert.Equal(t, LayerCredential, d.Layer)
}

func TestCredentialLayer_WindowResets(t *testing.T) {
	mem := store.NewMemoryStore()
	clock := &rlClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem.SetNowFunc(clock.Now)

	l, _ := newTestCredentialLayer(config.CredentialLayerConfig{RequestsPerMinute: 2}, mem)
	req := Request{CredentialID: "key-1"}

	require.True(t, l.Check(context.Background(), req).Allowed)
	require.True(t, l.Check(context.Background(), req).Allowed)
	require.False(t, l.Check(context.Background(), req).Allowed)

	clock.Advance(61 * time.Second)
	assert.True(t, l.Check(context.Background(), req).Allowed, "budget refills after the window")
}

func TestCredentialLayer_TPMBudget(t *testing.T) {
	mem := store.NewMemoryStore()
	l, _ := newTestCredentialLayer(config.CredentialLayerConfig{
		RequestsPerMinute: 100,
		TokensPerMinute:   100,
	}, mem)

	d := l.Check(context.Background(), Request{CredentialID: "key-1", EstimatedTokens: 60})
	require.True(t, d.Allowed)

	d = l.Check(context.Background(), Request{CredentialID: "key-1", EstimatedTokens: 60})
	require.False(t, d.Allowed, "second request exceeds the token budget")
	assert.Contains(t, d.Reason, "tokens")
}

func TestCredentialLayer_ReportTruesUpTokens(t *testing.T) {
	mem := store.NewMemoryStore()
	l, _ := newTestCredentialLayer(config.CredentialLayerConfig{
		RequestsPerMinute: 100,
		TokensPerMinute:   100,
	}, mem)
	req := Request{CredentialID: "key-1", EstimatedTokens: 10}

	require.True(t, l.Check(context.Background(), req).Allowed)

	// The response turned out much bigger than the estimate.
	l.Report(context.Background(), req, 80)

	d := l.Check(context.Background(), Request{CredentialID: "key-1", EstimatedTokens: 20})
	assert.False(t, d.Allowed, "reported usage counts against the window")
}

func TestCredentialLayer_DegradesOnStoreFailure(t *testing.T) {
	l, _ := newTestCredentialLayer(config.CredentialLayerConfig{
		RequestsPerMinute: 10,
		DegradedFraction:  0.5,
	}, brokenStore{})
	req := Request{CredentialID: "key-1"}

	// Local fallback at half the cap: 5 pass, the 6th is denied. The
	// request itself never fails because of the store.
	for i := 0; i < 5; i++ {
		d := l.Check(context.Background(), req)
		require.True(t, d.Allowed, "request %d within degraded budget", i+1)
		assert.Equal(t, int64(5), d.Limit, "degraded cap is advertised")
	}
	assert.False(t, l.Check(context.Background(), req).Allowed)
}

func TestCredentialLayer_BudgetsAreSharedAcrossInstances(t *testing.T) {
	// Two layers over the same store model two gateway instances.
	mem := store.NewMemoryStore()
	a, _ := newTestCredentialLayer(config.CredentialLayerConfig{RequestsPerMinute: 3}, mem)
	b, _ := newTestCredentialLayer(config.CredentialLayerConfig{RequestsPerMinute: 3}, mem)
	req := Request{CredentialID: "key-1"}

	require.True(t, a.Check(context.Background(), req).Allowed)
	require.True(t, b.Check(context.Background(), req).Allowed)
	require.True(t, a.Check(context.Background(), req).Allowed)
	assert.False(t, b.Check(context.Background(), req).Allowed, "the window spans instances")
}
