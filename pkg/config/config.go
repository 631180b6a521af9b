// Package config loads and holds the router core configuration.
//
// The configuration is parsed once from YAML and cached globally; background
// sync jobs may replace it wholesale via Replace. Readers always observe a
// complete snapshot.
package config

import (
	"time"
)

// RouterConfig is the root configuration for the routing core.
type RouterConfig struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Store     StoreConfig     `yaml:"store"`
	Health    HealthConfig    `yaml:"health"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	SyncLock  SyncLockConfig  `yaml:"sync_lock"`
	Upstream  UpstreamConfig  `yaml:"upstream"`

	// CatalogPath points to the YAML model catalog the registry is seeded
	// from at startup. Later snapshots arrive from the sync collaborator.
	CatalogPath string `yaml:"catalog_path"`
}

// UpstreamConfig holds per-provider call settings.
type UpstreamConfig struct {
	// APIKeys maps provider slug to API key. A value of the form ${NAME} is
	// resolved from the environment at load.
	APIKeys map[string]string `yaml:"api_keys"`
}

// LoggingConfig controls the shared zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug|info|warn|error
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Address string `yaml:"address"` // e.g. ":9190"
}

// GatewayConfig controls the reference dispatch listener. The production
// transport lives in front of this core; the built-in listener exists so the
// binary can serve traffic on its own.
type GatewayConfig struct {
	Address string `yaml:"address"` // e.g. ":8080"
}

// StoreConfig selects and tunes the shared key-value store backend.
type StoreConfig struct {
	// Backend is "redis" or "memory".
	Backend string `yaml:"backend"`

	Redis RedisConfig `yaml:"redis"`

	// OpTimeoutMs bounds every store round trip. Rate limit and lock callers
	// fall back to local behavior when it elapses. Default: 50.
	OpTimeoutMs int `yaml:"op_timeout_ms"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	Database  int    `yaml:"database"`
	KeyPrefix string `yaml:"key_prefix"`
}

// HealthConfig tunes the per provider/model circuit breaker.
type HealthConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit. Default: 5.
	FailureThreshold int `yaml:"failure_threshold"`

	// CooldownSeconds is the initial OPEN cooldown. Doubled on each re-open.
	// Default: 30.
	CooldownSeconds int `yaml:"cooldown_seconds"`

	// MaxCooldownSeconds caps the exponential cooldown. Default: 600.
	MaxCooldownSeconds int `yaml:"max_cooldown_seconds"`

	// Persist enables best-effort async persistence of health records to the
	// shared store for cross-instance visibility.
	Persist bool `yaml:"persist"`
}

// RateLimitConfig tunes the three evaluation layers.
type RateLimitConfig struct {
	IP         IPLayerConfig         `yaml:"ip"`
	Credential CredentialLayerConfig `yaml:"credential"`
	Anonymous  AnonymousLayerConfig  `yaml:"anonymous"`

	// MaxTrackedKeys bounds the per-layer bucket maps. Default: 100000.
	MaxTrackedKeys int `yaml:"max_tracked_keys"`

	// IdleTTLSeconds expires buckets idle for this long. Default: 600.
	IdleTTLSeconds int `yaml:"idle_ttl_seconds"`
}

// IPLayerConfig tunes the behavioral per-IP layer, including velocity mode.
// The velocity trigger is a deliberately configurable policy: short-window
// volume above TriggerFraction of AnomalyThreshold tightens the cap to
// RestrictedCap for CooldownSeconds.
type IPLayerConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"` // default 300

	AnomalyThreshold      int     `yaml:"anomaly_threshold"`       // default 1000
	TriggerFraction       float64 `yaml:"trigger_fraction"`        // default 0.25
	ShortWindowSeconds    int     `yaml:"short_window_seconds"`    // default 180
	RestrictedCapFraction float64 `yaml:"restricted_cap_fraction"` // default 0.1
	CooldownSeconds       int     `yaml:"cooldown_seconds"`        // default 600
}

// CredentialLayerConfig tunes the per-API-key layer backed by the shared store.
type CredentialLayerConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"` // default 600
	TokensPerMinute   int `yaml:"tokens_per_minute"`   // default 0 (disabled)

	// DegradedFraction scales caps while the shared store is unreachable and
	// counting falls back to the local window. Default: 0.5.
	DegradedFraction float64 `yaml:"degraded_fraction"`
}

// AnonymousLayerConfig tunes the strict per-IP layer for unauthenticated traffic.
type AnonymousLayerConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"` // default 60
}

// DispatchConfig tunes the failover executor.
type DispatchConfig struct {
	// AttemptTimeoutSeconds bounds each single provider attempt. Default: 45.
	AttemptTimeoutSeconds int `yaml:"attempt_timeout_seconds"`

	// DefaultDeadlineSeconds is the overall request deadline applied when the
	// caller supplies none. Default: 120.
	DefaultDeadlineSeconds int `yaml:"default_deadline_seconds"`
}

// SyncLockConfig tunes the distributed sync lock.
type SyncLockConfig struct {
	// DefaultLeaseSeconds is used when a caller passes a non-positive lease.
	// Default: 60.
	DefaultLeaseSeconds int `yaml:"default_lease_seconds"`

	// SweepIntervalSeconds drives the expired-row sweep on stores without
	// native TTL. Default: 30.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// Durations derived from the raw second/millisecond fields.

func (c StoreConfig) OpTimeout() time.Duration {
	if c.OpTimeoutMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.OpTimeoutMs) * time.Millisecond
}

func (c HealthConfig) Cooldown() time.Duration {
	if c.CooldownSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.CooldownSeconds) * time.Second
}

func (c HealthConfig) MaxCooldown() time.Duration {
	if c.MaxCooldownSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.MaxCooldownSeconds) * time.Second
}

func (c DispatchConfig) AttemptTimeout() time.Duration {
	if c.AttemptTimeoutSeconds <= 0 {
		return 45 * time.Second
	}
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

func (c DispatchConfig) DefaultDeadline() time.Duration {
	if c.DefaultDeadlineSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.DefaultDeadlineSeconds) * time.Second
}

func (c SyncLockConfig) DefaultLease() time.Duration {
	if c.DefaultLeaseSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.DefaultLeaseSeconds) * time.Second
}

func (c SyncLockConfig) SweepInterval() time.Duration {
	if c.SweepIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
