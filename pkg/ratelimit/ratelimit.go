// Package ratelimit decides, before any provider is contacted, whether a
// request may proceed.
//
// Three independent layers are evaluated with first-deny semantics:
//
//   - IP/behavioral: sliding-window cap per client IP with a velocity-mode
//     escalation under bursty traffic. Authenticated requests skip this
//     layer only.
//   - Per-credential: fixed-window RPM/TPM budgets per API key backed by the
//     shared store, degrading to a stricter local window when the store is
//     unreachable.
//   - Anonymous: a stricter per-IP token bucket for unauthenticated requests.
//
// Denials are values, never errors: callers are forced to handle the
// negative case and receive the denying layer plus a retry-after duration.
package ratelimit

import (
	"context"
	"time"
)

// Layer identifies which evaluation layer produced a decision.
type Layer string

const (
	LayerIP         Layer = "ip"
	LayerCredential Layer = "per-credential"
	LayerAnonymous  Layer = "anonymous"
)

// Tier is the current enforcement tier of an IP scope key.
type Tier string

const (
	TierNormal             Tier = "normal"
	TierVelocityRestricted Tier = "velocity-restricted"
)

// Request carries the per-request fields needed for evaluation.
type Request struct {
	IP           string
	CredentialID string
	IsAnonymous  bool
	// EstimatedTokens is the estimated input token count, consumed against
	// TPM budgets at check time and trued up via Report afterwards.
	EstimatedTokens int
}

// Decision is the outcome of a rate limit evaluation.
type Decision struct {
	Allowed    bool
	Layer      Layer // set on denial
	Reason     string
	RetryAfter time.Duration
	Remaining  int64
	Limit      int64
}

// Allow is the zero-cost allowed decision.
func Allow() Decision {
	return Decision{Allowed: true, Remaining: -1, Limit: -1}
}

// limiter is one evaluation layer.
type limiter interface {
	// Name returns the layer identity used in denials and metrics.
	Name() Layer

	// Check evaluates the request. Implementations must complete in bounded
	// time and never block on a provider call; shared-store round trips
	// carry their own short timeout with a local fallback.
	Check(ctx context.Context, req Request) Decision
}
