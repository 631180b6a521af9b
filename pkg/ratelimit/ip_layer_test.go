package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/config"
)

func newTestIPLayer(cfg config.IPLayerConfig) (*ipLayer, *rlClock) {
	l := newIPLayer(cfg, 1000, 600)
	clock := &rlClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l.nowFn = clock.Now
	return l, clock
}

func TestIPLayer_BaselineCap(t *testing.T) {
	l, _ := newTestIPLayer(config.IPLayerConfig{RequestsPerMinute: 5})
	req := Request{IP: "10.0.0.1", IsAnonymous: true}

	for i := 0; i < 5; i++ {
		d := l.Check(context.Background(), req)
		require.True(t, d.Allowed, "request %d within cap", i+1)
	}

	d := l.Check(context.Background(), req)
	require.False(t, d.Allowed)
	assert.Equal(t, int64(5), d.Limit)
	assert.LessOrEqual(t, d.RetryAfter, ipWindow)
}

func TestIPLayer_SlidingWindowCarriesPreviousCount(t *testing.T) {
	l, clock := newTestIPLayer(config.IPLayerConfig{RequestsPerMinute: 10})
	req := Request{IP: "10.0.0.1", IsAnonymous: true}

	for i := 0; i < 10; i++ {
		require.True(t, l.Check(context.Background(), req).Allowed)
	}

	// At the window boundary the previous ten still weigh fully, so the
	// very next request is over the cap.
	clock.Advance(60 * time.Second)
	d := l.Check(context.Background(), req)
	assert.False(t, d.Allowed, "sliding estimate must count the previous window")

	// Two windows later the old burst has decayed away.
	clock.Advance(2 * time.Minute)
	assert.True(t, l.Check(context.Background(), req).Allowed)
}

func TestIPLayer_VelocityModeEngagesAndReverts(t *testing.T) {
	l, clock := newTestIPLayer(config.IPLayerConfig{
		RequestsPerMinute:     300,
		AnomalyThreshold:      100,
		TriggerFraction:       0.25,
		ShortWindowSeconds:    180,
		RestrictedCapFraction: 0.1,
		CooldownSeconds:       60,
	})
	req := Request{IP: "10.0.0.2", IsAnonymous: true}

	// Burst past 25% of the anomaly threshold inside the short window.
	for i := 0; i < 26; i++ {
		l.Check(context.Background(), req)
	}
	assert.Equal(t, TierVelocityRestricted, l.tierOf("10.0.0.2"))

	// The restricted cap (10% of baseline = 30) now applies.
	for i := 26; i < 30; i++ {
		require.True(t, l.Check(context.Background(), req).Allowed)
	}
	d := l.Check(context.Background(), req)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(30), d.Limit)

	// After the cooldown the tier reverts on its own.
	clock.Advance(61 * time.Second)
	assert.Equal(t, TierNormal, l.tierOf("10.0.0.2"))
}

func TestIPLayer_IndependentPerIP(t *testing.T) {
	l, _ := newTestIPLayer(config.IPLayerConfig{RequestsPerMinute: 2})

	a := Request{IP: "10.0.0.1", IsAnonymous: true}
	b := Request{IP: "10.0.0.2", IsAnonymous: true}

	require.True(t, l.Check(context.Background(), a).Allowed)
	require.True(t, l.Check(context.Background(), a).Allowed)
	assert.False(t, l.Check(context.Background(), a).Allowed)

	assert.True(t, l.Check(context.Background(), b).Allowed, "caps are per IP")
}
