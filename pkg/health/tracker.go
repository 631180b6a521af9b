// Package health tracks per provider/model liveness with a circuit breaker
// state machine fed by real dispatch outcomes and active probe results.
//
// In-memory state is the source of truth for routing decisions; records are
// persisted to the shared store best-effort for cross-instance visibility.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/observability/logging"
	"github.com/modelmux/modelmux/pkg/observability/metrics"
)

// State is the circuit breaker state for one provider/model pair.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

const (
	// latencyAlpha is the EWMA weight of the newest latency sample.
	latencyAlpha = 0.3
	// rateAlpha is the EWMA weight of the newest outcome for the rolling
	// success rate.
	rateAlpha = 0.1
	// probeClaimTTL bounds how long a claimed half-open probe slot stays
	// reserved when the probe never reports an outcome (e.g. the plan was
	// satisfied by an earlier candidate).
	probeClaimTTL = 90 * time.Second
)

// Config tunes the breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int
	// Cooldown is the initial OPEN cooldown, doubled on every re-open.
	Cooldown time.Duration
	// MaxCooldown caps the exponential cooldown.
	MaxCooldown time.Duration
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = d.MaxCooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	return c
}

// Snapshot is a read-only view of one pair's health.
type Snapshot struct {
	Provider            string    `json:"provider"`
	Model               string    `json:"model"`
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SuccessCount        uint64    `json:"success_count"`
	ErrorCount          uint64    `json:"error_count"`
	SuccessRate         float64   `json:"success_rate"`
	AvgLatencyMs        float64   `json:"avg_latency_ms"`
	LastStateChangeAt   time.Time `json:"last_state_change_at"`
	NextProbeAt         time.Time `json:"next_probe_at,omitempty"`
}

// Score is the ordering weight the failover router uses: higher is healthier.
func (s Snapshot) Score() float64 {
	var stateWeight float64
	switch s.State {
	case StateClosed:
		stateWeight = 1.0
	case StateHalfOpen:
		stateWeight = 0.5
	default:
		return 0
	}
	return stateWeight * s.SuccessRate / (1 + s.AvgLatencyMs/1000)
}

type record struct {
	mu sync.Mutex

	provider string
	model    string

	state               State
	consecutiveFailures int
	successCount        uint64
	errorCount          uint64
	successRate         float64
	avgLatencyMs        float64
	cooldown            time.Duration
	lastStateChangeAt   time.Time
	nextProbeAt         time.Time
	probeClaimedUntil   time.Time
}

// Tracker owns the health records. State transitions for one pair are
// serialized by the record's own mutex; different pairs never contend.
type Tracker struct {
	cfg   Config
	pairs sync.Map // "provider|model" → *record

	persister *Persister

	// nowFn is swappable for tests.
	nowFn func() time.Time
}

// NewTracker creates a tracker with the given thresholds.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg.withDefaults(), nowFn: time.Now}
}

// SetPersister attaches best-effort async persistence of health records.
func (t *Tracker) SetPersister(p *Persister) {
	t.persister = p
}

// SetNowFunc overrides the tracker clock. Intended for tests.
func (t *Tracker) SetNowFunc(now func() time.Time) {
	t.nowFn = now
}

func pairKey(provider, model string) string {
	return provider + "|" + model
}

func (t *Tracker) getOrCreate(provider, model string) *record {
	key := pairKey(provider, model)
	if v, ok := t.pairs.Load(key); ok {
		return v.(*record)
	}
	r := &record{
		provider:          provider,
		model:             model,
		state:             StateClosed,
		successRate:       1.0,
		cooldown:          t.cfg.Cooldown,
		lastStateChangeAt: t.nowFn(),
	}
	actual, _ := t.pairs.LoadOrStore(key, r)
	return actual.(*record)
}

// RecordOutcome feeds one dispatch or probe outcome into the breaker.
// O(1) and safe under arbitrary concurrency.
func (t *Tracker) RecordOutcome(provider, model string, success bool, latency time.Duration) {
	r := t.getOrCreate(provider, model)
	now := t.nowFn()

	r.mu.Lock()

	latencyMs := float64(latency.Milliseconds())
	if r.avgLatencyMs == 0 {
		r.avgLatencyMs = latencyMs
	} else {
		r.avgLatencyMs = latencyAlpha*latencyMs + (1-latencyAlpha)*r.avgLatencyMs
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	r.successRate = rateAlpha*outcome + (1-rateAlpha)*r.successRate

	r.probeClaimedUntil = time.Time{}

	if success {
		r.successCount++
		r.consecutiveFailures = 0
		if r.state != StateClosed {
			t.transition(r, StateClosed, now)
			r.cooldown = t.cfg.Cooldown
			r.nextProbeAt = time.Time{}
		}
	} else {
		r.errorCount++
		r.consecutiveFailures++

		switch r.state {
		case StateHalfOpen:
			// Failed trial: reopen with doubled cooldown.
			r.cooldown = minDuration(r.cooldown*2, t.cfg.MaxCooldown)
			t.transition(r, StateOpen, now)
			r.nextProbeAt = now.Add(r.cooldown)
		case StateClosed:
			if r.consecutiveFailures >= t.cfg.FailureThreshold {
				t.transition(r, StateOpen, now)
				r.nextProbeAt = now.Add(r.cooldown)
			}
		}
	}

	snap := r.snapshotLocked()
	r.mu.Unlock()

	if t.persister != nil {
		t.persister.Persist(snap)
	}
}

// transition must be called with r.mu held.
func (t *Tracker) transition(r *record, to State, now time.Time) {
	if r.state == to {
		return
	}
	logging.Infof("Circuit %s/%s: %s → %s (failures=%d, cooldown=%v)",
		r.provider, r.model, r.state, to, r.consecutiveFailures, r.cooldown)
	r.state = to
	r.lastStateChangeAt = now
	metrics.CircuitState.WithLabelValues(r.provider, r.model).Set(float64(to))
	metrics.CircuitTransitions.WithLabelValues(r.provider, r.model, to.String()).Inc()
}

func (r *record) snapshotLocked() Snapshot {
	return Snapshot{
		Provider:            r.provider,
		Model:               r.model,
		State:               r.state,
		StateName:           r.state.String(),
		ConsecutiveFailures: r.consecutiveFailures,
		SuccessCount:        r.successCount,
		ErrorCount:          r.errorCount,
		SuccessRate:         r.successRate,
		AvgLatencyMs:        r.avgLatencyMs,
		LastStateChangeAt:   r.lastStateChangeAt,
		NextProbeAt:         r.nextProbeAt,
	}
}

// Current returns the pair's snapshot. Pairs with no recorded outcome yet
// report CLOSED with a perfect success rate.
func (t *Tracker) Current(provider, model string) Snapshot {
	key := pairKey(provider, model)
	v, ok := t.pairs.Load(key)
	if !ok {
		return Snapshot{
			Provider:    provider,
			Model:       model,
			State:       StateClosed,
			StateName:   StateClosed.String(),
			SuccessRate: 1.0,
		}
	}
	r := v.(*record)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Admit reports whether a request may be sent to the pair right now.
// CLOSED pairs always admit. OPEN pairs admit exactly one trial once the
// cooldown has elapsed, flipping to HALF_OPEN; further callers are refused
// until that trial reports an outcome (or its claim expires).
func (t *Tracker) Admit(provider, model string) bool {
	key := pairKey(provider, model)
	v, ok := t.pairs.Load(key)
	if !ok {
		return true
	}
	r := v.(*record)
	now := t.nowFn()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Before(r.nextProbeAt) {
			return false
		}
		t.transition(r, StateHalfOpen, now)
		r.probeClaimedUntil = now.Add(probeClaimTTL)
		return true
	case StateHalfOpen:
		if now.Before(r.probeClaimedUntil) {
			return false
		}
		r.probeClaimedUntil = now.Add(probeClaimTTL)
		return true
	default:
		return false
	}
}

// ResetPair restores a pair to CLOSED with counters cleared. Admin use only.
func (t *Tracker) ResetPair(provider, model string) {
	key := pairKey(provider, model)
	v, ok := t.pairs.Load(key)
	if !ok {
		return
	}
	r := v.(*record)
	now := t.nowFn()

	r.mu.Lock()
	t.transition(r, StateClosed, now)
	r.consecutiveFailures = 0
	r.cooldown = t.cfg.Cooldown
	r.nextProbeAt = time.Time{}
	r.probeClaimedUntil = time.Time{}
	r.mu.Unlock()

	logging.Infof("Circuit %s/%s reset by admin action", provider, model)
}

// Pairs returns snapshots of every tracked pair (for the observability
// collaborator).
func (t *Tracker) Pairs() []Snapshot {
	var out []Snapshot
	t.pairs.Range(func(_, v any) bool {
		r := v.(*record)
		r.mu.Lock()
		out = append(out, r.snapshotLocked())
		r.mu.Unlock()
		return true
	})
	return out
}

// String implements fmt.Stringer for debug logging.
func (t *Tracker) String() string {
	n := 0
	t.pairs.Range(func(_, _ any) bool { n++; return true })
	return fmt.Sprintf("health.Tracker{pairs: %d}", n)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
