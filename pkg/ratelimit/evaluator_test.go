package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/store"
)

// stubLimiter is a scripted layer for chain-order tests.
type stubLimiter struct {
	name     Layer
	decision Decision
	calls    int
}

func (s *stubLimiter) Name() Layer { return s.name }

func (s *stubLimiter) Check(context.Context, Request) Decision {
	s.calls++
	return s.decision
}

func TestEvaluator_FirstDenyWins(t *testing.T) {
	first := &stubLimiter{name: LayerIP, decision: Decision{Allowed: false, Reason: "ip cap"}}
	second := &stubLimiter{name: LayerAnonymous, decision: Decision{Allowed: true}}
	e := newEvaluatorWithLayers(first, second)

	d := e.Check(context.Background(), Request{IP: "1.2.3.4", IsAnonymous: true})
	assert.False(t, d.Allowed)
	assert.Equal(t, LayerIP, d.Layer, "denial must name the denying layer")
	assert.Equal(t, 1, first.calls)
	assert.Zero(t, second.calls, "layers after the first denial are not evaluated")
}

func TestEvaluator_MergesMostRestrictiveQuota(t *testing.T) {
	e := newEvaluatorWithLayers(
		&stubLimiter{name: LayerIP, decision: Decision{Allowed: true, Remaining: 50, Limit: 300}},
		&stubLimiter{name: LayerAnonymous, decision: Decision{Allowed: true, Remaining: 3, Limit: 60}},
	)

	d := e.Check(context.Background(), Request{IP: "1.2.3.4", IsAnonymous: true})
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(3), d.Remaining)
	assert.Equal(t, int64(60), d.Limit)
}

func TestEvaluator_LayerScoping(t *testing.T) {
	ip := &stubLimiter{name: LayerIP, decision: Decision{Allowed: true}}
	cred := &stubLimiter{name: LayerCredential, decision: Decision{Allowed: true}}
	anon := &stubLimiter{name: LayerAnonymous, decision: Decision{Allowed: true}}
	e := newEvaluatorWithLayers(ip, cred, anon)

	// Authenticated: credential layer only.
	e.Check(context.Background(), Request{IP: "1.2.3.4", CredentialID: "key-1"})
	assert.Zero(t, ip.calls, "authenticated requests bypass the IP cap")
	assert.Equal(t, 1, cred.calls)
	assert.Zero(t, anon.calls)

	// Anonymous: IP and anonymous layers.
	e.Check(context.Background(), Request{IP: "1.2.3.4", IsAnonymous: true})
	assert.Equal(t, 1, ip.calls)
	assert.Equal(t, 1, cred.calls)
	assert.Equal(t, 1, anon.calls)
}

func TestEvaluator_ZeroValueAllows(t *testing.T) {
	var e *Evaluator
	assert.True(t, e.Check(context.Background(), Request{}).Allowed)
}

// ── end-to-end: the anonymous scenario ──

func TestEvaluator_AnonymousSixtyFirstRequestDenied(t *testing.T) {
	e := NewEvaluator(config.RateLimitConfig{
		Anonymous: config.AnonymousLayerConfig{RequestsPerMinute: 60},
	}, store.NewMemoryStore(), 50*time.Millisecond)

	clock := &rlClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	for _, l := range e.layers {
		switch v := l.(type) {
		case *ipLayer:
			v.nowFn = clock.Now
		case *anonymousLayer:
			v.nowFn = clock.Now
		}
	}

	req := Request{IP: "203.0.113.9", IsAnonymous: true}
	for i := 0; i < 60; i++ {
		d := e.Check(context.Background(), req)
		require.True(t, d.Allowed, "request %d should pass", i+1)
	}

	d := e.Check(context.Background(), req)
	require.False(t, d.Allowed)
	assert.Equal(t, LayerAnonymous, d.Layer)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute, "retry hint stays within the window")

	// A different IP is unaffected.
	other := e.Check(context.Background(), Request{IP: "203.0.113.10", IsAnonymous: true})
	assert.True(t, other.Allowed)
}

type rlClock struct {
	now time.Time
}

func (c *rlClock) Now() time.Time { return c.now }

func (c *rlClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
