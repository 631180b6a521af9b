package store

import (
	"fmt"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/observability/logging"
)

// New creates a KVStore from the configured backend.
// An empty backend defaults to the in-process store.
func New(cfg config.StoreConfig) (KVStore, error) {
	switch cfg.Backend {
	case "redis":
		return NewRedisStore(cfg.Redis)
	case "", "memory":
		logging.Infof("Using in-process memory store (backend=%q)", cfg.Backend)
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
