package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/modelmux/modelmux/pkg/config"
)

// anonymousLayer applies a strict per-IP token bucket to unauthenticated
// requests. It is independent of the behavioral layer's velocity mode: an
// anonymous client is bounded here even when velocity mode never triggers.
type anonymousLayer struct {
	capacity   float64
	refillPerS float64

	buckets *expirable.LRU[string, *tokenBucket]

	// nowFn is swappable for tests.
	nowFn func() time.Time
}

type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

func newAnonymousLayer(cfg config.AnonymousLayerConfig, maxKeys, idleTTLSeconds int) *anonymousLayer {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	if maxKeys <= 0 {
		maxKeys = 100_000
	}
	idleTTL := time.Duration(idleTTLSeconds) * time.Second
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}

	return &anonymousLayer{
		capacity:   float64(rpm),
		refillPerS: float64(rpm) / 60,
		buckets:    expirable.NewLRU[string, *tokenBucket](maxKeys, nil, idleTTL),
		nowFn:      time.Now,
	}
}

func (l *anonymousLayer) Name() Layer { return LayerAnonymous }

func (l *anonymousLayer) bucket(ip string) *tokenBucket {
	if b, ok := l.buckets.Get(ip); ok {
		return b
	}
	b := &tokenBucket{tokens: l.capacity}
	l.buckets.Add(ip, b)
	return b
}

func (l *anonymousLayer) Check(_ context.Context, req Request) Decision {
	b := l.bucket(req.IP)
	now := l.nowFn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lastFill.IsZero() {
		b.lastFill = now
	}
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(l.capacity, b.tokens+elapsed*l.refillPerS)
		b.lastFill = now
	}

	if b.tokens < 1 {
		// Time until one token accrues; always within the window.
		deficit := 1 - b.tokens
		retry := time.Duration(deficit / l.refillPerS * float64(time.Second))
		return Decision{
			Allowed:    false,
			Reason:     "anonymous cap exceeded",
			RetryAfter: retry,
			Remaining:  0,
			Limit:      int64(l.capacity),
		}
	}

	b.tokens--
	return Decision{
		Allowed:   true,
		Remaining: int64(b.tokens),
		Limit:     int64(l.capacity),
	}
}
