package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/modelmux/modelmux/pkg/observability/logging"
)

var (
	current    *RouterConfig
	currentErr error
	once       sync.Once
	mu         sync.RWMutex
)

// Load parses the YAML config file once and caches it globally.
func Load(path string) (*RouterConfig, error) {
	once.Do(func() {
		cfg, err := Parse(path)
		if err != nil {
			currentErr = err
			return
		}
		mu.Lock()
		current = cfg
		mu.Unlock()
	})
	if currentErr != nil {
		return nil, currentErr
	}
	mu.RLock()
	defer mu.RUnlock()
	return current, nil
}

// Parse parses the YAML config file without touching the global cache.
func Parse(path string) (*RouterConfig, error) {
	// Resolve symlinks to handle Kubernetes ConfigMap mounts.
	resolved, _ := filepath.EvalSymlinks(path)
	if resolved == "" {
		resolved = path
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &RouterConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	resolveAPIKeys(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	logging.Infof("Config loaded from %s (store backend=%s)", resolved, cfg.Store.Backend)
	return cfg, nil
}

// Replace swaps the globally cached config. Safe for concurrent readers.
func Replace(cfg *RouterConfig) {
	mu.Lock()
	current = cfg
	currentErr = nil
	mu.Unlock()
}

// Get returns the current configuration snapshot (may be nil before Load).
func Get() *RouterConfig {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// resolveAPIKeys expands ${NAME} values in upstream.api_keys from the
// environment so real keys stay out of checked-in config files.
func resolveAPIKeys(cfg *RouterConfig) {
	for provider, key := range cfg.Upstream.APIKeys {
		if len(key) > 3 && key[:2] == "${" && key[len(key)-1] == '}' {
			cfg.Upstream.APIKeys[provider] = os.Getenv(key[2 : len(key)-1])
		}
	}
}

// Validate rejects structurally invalid configurations.
func Validate(cfg *RouterConfig) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch cfg.Store.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("store.backend %q is not supported (want redis or memory)", cfg.Store.Backend)
	}
	if cfg.Store.Backend == "redis" && cfg.Store.Redis.Address == "" {
		return fmt.Errorf("store.redis.address is required when store.backend is redis")
	}
	if f := cfg.RateLimit.IP.TriggerFraction; f < 0 || f > 1 {
		return fmt.Errorf("rate_limit.ip.trigger_fraction %v out of range [0,1]", f)
	}
	if f := cfg.RateLimit.IP.RestrictedCapFraction; f < 0 || f > 1 {
		return fmt.Errorf("rate_limit.ip.restricted_cap_fraction %v out of range [0,1]", f)
	}
	if f := cfg.RateLimit.Credential.DegradedFraction; f < 0 || f > 1 {
		return fmt.Errorf("rate_limit.credential.degraded_fraction %v out of range [0,1]", f)
	}
	return nil
}
