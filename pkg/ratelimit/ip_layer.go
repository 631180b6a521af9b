package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/observability/logging"
)

const ipWindow = time.Minute

// ipLayer enforces the behavioral per-IP cap with velocity-mode escalation.
//
// Request volume is estimated with a two-bucket sliding window (previous
// window weighted by overlap plus the current window). A separate short
// window feeds the velocity trigger: when its volume exceeds the configured
// fraction of the anomaly threshold, the IP's cap drops to the restricted
// tier for a cooldown period, then reverts automatically.
//
// The trigger is a configurable policy, not a fixed algorithm; the defaults
// reflect the empirically tuned values (25% of threshold over 3 minutes).
type ipLayer struct {
	baselineCap   int
	anomaly       int
	triggerFrac   float64
	shortWindow   time.Duration
	restrictedCap int
	cooldown      time.Duration

	buckets *expirable.LRU[string, *ipBucket]

	// nowFn is swappable for tests.
	nowFn func() time.Time
}

type ipBucket struct {
	mu sync.Mutex

	windowStart time.Time
	currCount   int64
	prevCount   int64

	shortStart time.Time
	shortCount int64

	restrictedUntil time.Time
}

func newIPLayer(cfg config.IPLayerConfig, maxKeys, idleTTLSeconds int) *ipLayer {
	baseline := cfg.RequestsPerMinute
	if baseline <= 0 {
		baseline = 300
	}
	anomaly := cfg.AnomalyThreshold
	if anomaly <= 0 {
		anomaly = 1000
	}
	frac := cfg.TriggerFraction
	if frac <= 0 {
		frac = 0.25
	}
	short := time.Duration(cfg.ShortWindowSeconds) * time.Second
	if short <= 0 {
		short = 3 * time.Minute
	}
	capFrac := cfg.RestrictedCapFraction
	if capFrac <= 0 {
		capFrac = 0.1
	}
	restricted := int(float64(baseline) * capFrac)
	if restricted < 1 {
		restricted = 1
	}
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}

	if maxKeys <= 0 {
		maxKeys = 100_000
	}
	idleTTL := time.Duration(idleTTLSeconds) * time.Second
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}

	return &ipLayer{
		baselineCap:   baseline,
		anomaly:       anomaly,
		triggerFrac:   frac,
		shortWindow:   short,
		restrictedCap: restricted,
		cooldown:      cooldown,
		buckets:       expirable.NewLRU[string, *ipBucket](maxKeys, nil, idleTTL),
		nowFn:         time.Now,
	}
}

func (l *ipLayer) Name() Layer { return LayerIP }

func (l *ipLayer) bucket(ip string) *ipBucket {
	if b, ok := l.buckets.Get(ip); ok {
		return b
	}
	b := &ipBucket{}
	l.buckets.Add(ip, b)
	return b
}

func (l *ipLayer) Check(_ context.Context, req Request) Decision {
	b := l.bucket(req.IP)
	now := l.nowFn()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Roll the main window.
	ws := now.Truncate(ipWindow)
	if !ws.Equal(b.windowStart) {
		if ws.Equal(b.windowStart.Add(ipWindow)) {
			b.prevCount = b.currCount
		} else {
			b.prevCount = 0
		}
		b.currCount = 0
		b.windowStart = ws
	}

	// Roll the velocity window.
	ss := now.Truncate(l.shortWindow)
	if !ss.Equal(b.shortStart) {
		b.shortCount = 0
		b.shortStart = ss
	}

	// Every arrival counts, accepted or not.
	b.currCount++
	b.shortCount++

	if b.shortCount > int64(l.triggerFrac*float64(l.anomaly)) && now.After(b.restrictedUntil) {
		b.restrictedUntil = now.Add(l.cooldown)
		logging.Warnf("Velocity mode engaged for ip=%s: %d requests in short window (restricted cap %d for %v)",
			req.IP, b.shortCount, l.restrictedCap, l.cooldown)
	}

	limit := l.baselineCap
	tier := TierNormal
	if now.Before(b.restrictedUntil) {
		limit = l.restrictedCap
		tier = TierVelocityRestricted
	}

	// Sliding window estimate: previous window weighted by overlap.
	elapsed := now.Sub(ws)
	overlap := 1 - float64(elapsed)/float64(ipWindow)
	estimate := int64(float64(b.prevCount)*overlap) + b.currCount

	if estimate > int64(limit) {
		retry := ipWindow - elapsed
		return Decision{
			Allowed:    false,
			Reason:     fmt.Sprintf("ip cap exceeded (tier=%s)", tier),
			RetryAfter: retry,
			Remaining:  0,
			Limit:      int64(limit),
		}
	}

	return Decision{
		Allowed:   true,
		Remaining: int64(limit) - estimate,
		Limit:     int64(limit),
	}
}

// tierOf reports the current tier for an IP (for tests and admin surfaces).
func (l *ipLayer) tierOf(ip string) Tier {
	b, ok := l.buckets.Get(ip)
	if !ok {
		return TierNormal
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if l.nowFn().Before(b.restrictedUntil) {
		return TierVelocityRestricted
	}
	return TierNormal
}
