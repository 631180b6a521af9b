package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/observability/logging"
	"github.com/modelmux/modelmux/pkg/observability/metrics"
	"github.com/modelmux/modelmux/pkg/store"
)

const credWindow = time.Minute

// credentialLayer enforces per-API-key RPM and TPM budgets against the
// shared store so limits hold across instances. Counters are fixed windows
// built on atomic increment-and-expire.
//
// When the store round trip errors or exceeds its short timeout, the layer
// degrades to an in-process window at a stricter fraction of the cap. The
// degradation is logged and counted; the request is never failed for it.
type credentialLayer struct {
	rpm          int
	tpm          int
	degradedFrac float64

	kv        store.KVStore
	opTimeout time.Duration

	local localWindows

	// nowFn is swappable for tests.
	nowFn func() time.Time
}

// localWindows is the conservative in-process fallback counter set.
type localWindows struct {
	mu   sync.Mutex
	rows map[string]*localWindow
}

type localWindow struct {
	windowEnd time.Time
	count     int64
}

func newCredentialLayer(cfg config.CredentialLayerConfig, kv store.KVStore, opTimeout time.Duration) *credentialLayer {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 600
	}
	frac := cfg.DegradedFraction
	if frac <= 0 {
		frac = 0.5
	}
	if opTimeout <= 0 {
		opTimeout = 50 * time.Millisecond
	}

	return &credentialLayer{
		rpm:          rpm,
		tpm:          cfg.TokensPerMinute,
		degradedFrac: frac,
		kv:           kv,
		opTimeout:    opTimeout,
		local:        localWindows{rows: make(map[string]*localWindow)},
		nowFn:        time.Now,
	}
}

func (l *credentialLayer) Name() Layer { return LayerCredential }

func (l *credentialLayer) Check(ctx context.Context, req Request) Decision {
	// RPM budget.
	d := l.consume(ctx, "rl:cred:rpm:"+req.CredentialID, 1, int64(l.rpm), "requests")
	if !d.Allowed {
		return d
	}

	// TPM budget (optional).
	if l.tpm > 0 {
		cost := int64(req.EstimatedTokens)
		if cost < 0 {
			cost = 0
		}
		td := l.consume(ctx, "rl:cred:tpm:"+req.CredentialID, cost, int64(l.tpm), "tokens")
		if !td.Allowed {
			return td
		}
		if td.Remaining < d.Remaining {
			// Report the tighter budget.
			return td
		}
	}

	return d
}

// consume adds cost to the window counter at key and applies the cap.
func (l *credentialLayer) consume(ctx context.Context, key string, cost, limit int64, what string) Decision {
	count, err := l.storeIncr(ctx, key, cost)
	if err != nil {
		metrics.StoreDegraded.WithLabelValues("ratelimit").Inc()
		logging.Warnf("Rate limit store degraded for %s (falling back to local window at %.0f%%): %v",
			key, l.degradedFrac*100, err)
		count = l.localIncr(key, cost)
		limit = int64(float64(limit) * l.degradedFrac)
		if limit < 1 {
			limit = 1
		}
	}

	if count > limit {
		return Decision{
			Allowed:    false,
			Reason:     fmt.Sprintf("credential %s budget exceeded", what),
			RetryAfter: credWindow,
			Remaining:  0,
			Limit:      limit,
		}
	}

	return Decision{Allowed: true, Remaining: limit - count, Limit: limit}
}

// storeIncr runs the shared-store increment under the layer's short timeout
// so a slow store can never stall the request path.
func (l *credentialLayer) storeIncr(ctx context.Context, key string, cost int64) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()
	return l.kv.IncrBy(opCtx, key, cost, credWindow)
}

func (l *credentialLayer) localIncr(key string, cost int64) int64 {
	l.local.mu.Lock()
	defer l.local.mu.Unlock()

	now := l.nowFn()
	w, ok := l.local.rows[key]
	if !ok || now.After(w.windowEnd) {
		w = &localWindow{windowEnd: now.Truncate(credWindow).Add(credWindow)}
		l.local.rows[key] = w
	}
	w.count += cost
	return w.count
}

// Report adds actual output tokens to the TPM window. Check already consumed
// the estimated input tokens; this covers the part unknown at check time.
func (l *credentialLayer) Report(ctx context.Context, req Request, totalTokens int) {
	if l.tpm <= 0 || totalTokens <= 0 {
		return
	}
	key := "rl:cred:tpm:" + req.CredentialID
	if _, err := l.storeIncr(ctx, key, int64(totalTokens)); err != nil {
		l.localIncr(key, int64(totalTokens))
		logging.Debugf("Rate limit report fell back to local window for %s: %v", key, err)
	}
}
