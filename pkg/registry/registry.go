// Package registry holds the canonical model catalog: the mapping from a
// logical model name to the provider bindings that can serve it.
//
// The catalog is refreshed out of band by the sync collaborator and swapped
// as a whole snapshot; Resolve never blocks on a refresh in progress.
package registry

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/modelmux/modelmux/pkg/observability/logging"
	"github.com/modelmux/modelmux/pkg/observability/metrics"
)

// Standard errors.
var (
	// ErrModelNotFound is returned when no canonical model matches.
	ErrModelNotFound = errors.New("model not found")

	// ErrNoBindings is returned when a snapshot entry has no provider bindings.
	ErrNoBindings = errors.New("model has no provider bindings")

	// ErrDuplicateBinding is returned when two bindings of one model
	// reference the same provider.
	ErrDuplicateBinding = errors.New("duplicate provider binding")
)

// Capabilities are the feature flags a binding advertises.
type Capabilities struct {
	Streaming       bool `yaml:"streaming" json:"streaming"`
	Vision          bool `yaml:"vision" json:"vision"`
	FunctionCalling bool `yaml:"function_calling" json:"function_calling"`
}

// ProviderBinding is one concrete provider that can serve a canonical model.
// Bindings are immutable once loaded; a refresh replaces the whole snapshot.
type ProviderBinding struct {
	// Provider is the provider slug (e.g. "openai", "together").
	Provider string `yaml:"provider" json:"provider"`

	// ProviderModelID is the provider-specific model identifier. It may
	// differ from the canonical name (model aliasing) and is passed through
	// to the upstream call untouched.
	ProviderModelID string `yaml:"provider_model_id" json:"provider_model_id"`

	// Endpoint is the provider's OpenAI-compatible base URL.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// InputPrice / OutputPrice are the provider-quoted prices in their
	// native shape.
	InputPrice  Pricing `yaml:"input_price" json:"input_price"`
	OutputPrice Pricing `yaml:"output_price" json:"output_price"`

	// InputPerTokenUSD / OutputPerTokenUSD are normalized at snapshot load.
	InputPerTokenUSD  float64 `yaml:"-" json:"input_per_token_usd"`
	OutputPerTokenUSD float64 `yaml:"-" json:"output_per_token_usd"`

	Capabilities  Capabilities `yaml:"capabilities" json:"capabilities"`
	ContextLength int          `yaml:"context_length" json:"context_length"`
}

// ModelEntry is one canonical model with its ordered bindings.
type ModelEntry struct {
	Name     string            `yaml:"name" json:"name"`
	Bindings []ProviderBinding `yaml:"bindings" json:"bindings"`
}

type snapshot struct {
	models map[string][]ProviderBinding
	order  []string
}

// Registry maps canonical model names to provider bindings. Reads are
// lock-free against the active snapshot; Swap installs a new one atomically.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{models: map[string][]ProviderBinding{}})
	return r
}

// Swap validates and installs a new catalog snapshot. On error the previous
// snapshot stays active.
func (r *Registry) Swap(entries []ModelEntry) error {
	models := make(map[string][]ProviderBinding, len(entries))
	order := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.Name == "" {
			return fmt.Errorf("%w: empty model name", ErrNoBindings)
		}
		if len(e.Bindings) == 0 {
			return fmt.Errorf("%w: %s", ErrNoBindings, e.Name)
		}
		if _, dup := models[e.Name]; dup {
			return fmt.Errorf("duplicate model entry %q", e.Name)
		}

		seen := make(map[string]struct{}, len(e.Bindings))
		bindings := make([]ProviderBinding, len(e.Bindings))
		for i, b := range e.Bindings {
			if b.Provider == "" || b.ProviderModelID == "" {
				return fmt.Errorf("model %s: binding %d missing provider or model id", e.Name, i)
			}
			if _, dup := seen[b.Provider]; dup {
				return fmt.Errorf("%w: model %s provider %s", ErrDuplicateBinding, e.Name, b.Provider)
			}
			seen[b.Provider] = struct{}{}

			in, err := b.InputPrice.PerTokenUSD()
			if err != nil {
				return fmt.Errorf("model %s provider %s input price: %w", e.Name, b.Provider, err)
			}
			out, err := b.OutputPrice.PerTokenUSD()
			if err != nil {
				return fmt.Errorf("model %s provider %s output price: %w", e.Name, b.Provider, err)
			}
			b.InputPerTokenUSD = in
			b.OutputPerTokenUSD = out
			bindings[i] = b
		}

		models[e.Name] = bindings
		order = append(order, e.Name)
	}

	r.snap.Store(&snapshot{models: models, order: order})
	metrics.RegistrySnapshotModels.Set(float64(len(order)))
	logging.Infof("Registry snapshot swapped: %d models", len(order))
	return nil
}

// Resolve returns the bindings for a canonical model in registry insertion
// order. The returned slice is shared with the snapshot and must not be
// mutated; ordering by health and price is the failover router's job.
func (r *Registry) Resolve(model string) ([]ProviderBinding, error) {
	snap := r.snap.Load()
	bindings, ok := snap.models[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, model)
	}
	return bindings, nil
}

// Models lists the canonical model names in snapshot order.
func (r *Registry) Models() []string {
	snap := r.snap.Load()
	out := make([]string, len(snap.order))
	copy(out, snap.order)
	return out
}

// Len returns the number of canonical models in the active snapshot.
func (r *Registry) Len() int {
	return len(r.snap.Load().order)
}
