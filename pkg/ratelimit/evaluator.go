package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/observability/logging"
	"github.com/modelmux/modelmux/pkg/observability/metrics"
	"github.com/modelmux/modelmux/pkg/store"
)

// Evaluator chains the three layers with first-deny semantics: every
// applicable layer is checked in order and the first denial wins. When all
// layers allow, the merged decision carries the most restrictive remaining
// quota for response header generation.
type Evaluator struct {
	layers []limiter
}

// NewEvaluator builds the standard three-layer chain from config.
// The shared store backs the per-credential layer; pass the in-process store
// in tests.
func NewEvaluator(cfg config.RateLimitConfig, kv store.KVStore, opTimeout time.Duration) *Evaluator {
	return &Evaluator{
		layers: []limiter{
			newIPLayer(cfg.IP, cfg.MaxTrackedKeys, cfg.IdleTTLSeconds),
			newCredentialLayer(cfg.Credential, kv, opTimeout),
			newAnonymousLayer(cfg.Anonymous, cfg.MaxTrackedKeys, cfg.IdleTTLSeconds),
		},
	}
}

// newEvaluatorWithLayers is the test seam.
func newEvaluatorWithLayers(layers ...limiter) *Evaluator {
	return &Evaluator{layers: layers}
}

// Check evaluates all applicable layers. The zero evaluator allows everything.
func (e *Evaluator) Check(ctx context.Context, req Request) Decision {
	if e == nil || len(e.layers) == 0 {
		return Allow()
	}

	merged := Allow()
	tried := make([]string, 0, len(e.layers))

	for _, l := range e.layers {
		if !applies(l.Name(), req) {
			continue
		}

		d := l.Check(ctx, req)
		tried = append(tried, string(l.Name()))

		if !d.Allowed {
			metrics.RateLimitDecisions.WithLabelValues(string(l.Name()), "denied").Inc()
			logging.Infof("Rate limit DENIED by layer %q for ip=%s credential=%s (limit=%d, retry_after=%v)",
				l.Name(), req.IP, req.CredentialID, d.Limit, d.RetryAfter)
			d.Layer = l.Name()
			return d
		}

		metrics.RateLimitDecisions.WithLabelValues(string(l.Name()), "allowed").Inc()

		// Merge: keep the most restrictive values.
		if merged.Remaining < 0 || (d.Remaining >= 0 && d.Remaining < merged.Remaining) {
			merged.Remaining = d.Remaining
		}
		if merged.Limit < 0 || (d.Limit >= 0 && d.Limit < merged.Limit) {
			merged.Limit = d.Limit
		}
	}

	if merged.Remaining < 0 {
		merged.Remaining = 0
	}
	if merged.Limit < 0 {
		merged.Limit = 0
	}

	logging.Debugf("Rate limit ALLOWED after checking [%s] for ip=%s (remaining=%d)",
		strings.Join(tried, " → "), req.IP, merged.Remaining)
	return merged
}

// Report trues up TPM budgets with actual post-response token usage.
// Best-effort: failures are logged, never propagated.
func (e *Evaluator) Report(ctx context.Context, req Request, totalTokens int) {
	if e == nil {
		return
	}
	for _, l := range e.layers {
		r, ok := l.(reporter)
		if !ok || !applies(l.Name(), req) {
			continue
		}
		r.Report(ctx, req, totalTokens)
	}
}

// reporter is implemented by layers that track token budgets.
type reporter interface {
	Report(ctx context.Context, req Request, totalTokens int)
}

// applies encodes the layer scoping rules: authenticated requests are exempt
// from the IP cap, the credential layer needs a credential, and the anonymous
// layer covers only unauthenticated traffic.
func applies(layer Layer, req Request) bool {
	switch layer {
	case LayerIP:
		return req.IsAnonymous || req.CredentialID == ""
	case LayerCredential:
		return req.CredentialID != ""
	case LayerAnonymous:
		return req.IsAnonymous
	default:
		return true
	}
}
