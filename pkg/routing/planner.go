// Package routing builds the ordered failover plan for one request: the
// candidate providers the dispatch executor will try, best first.
package routing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/modelmux/modelmux/pkg/health"
	"github.com/modelmux/modelmux/pkg/observability/logging"
	"github.com/modelmux/modelmux/pkg/registry"
)

// ErrNoProvidersAvailable is returned when every binding is either missing
// or circuit-open.
var ErrNoProvidersAvailable = errors.New("no providers available")

// Preferences are the caller-supplied routing hints.
type Preferences struct {
	// PreferredProvider is tried first when it is still healthy. It never
	// resurrects an OPEN provider.
	PreferredProvider string
}

// Candidate is one dispatchable provider binding with its health reading at
// plan time. The provider-specific model id is passed through untouched.
type Candidate struct {
	Binding      registry.ProviderBinding
	State        health.State
	Score        float64
	AvgLatencyMs float64
}

// Planner combines the registry and the health tracker into dispatch plans.
type Planner struct {
	registry *registry.Registry
	tracker  *health.Tracker
}

// NewPlanner creates a planner over the given registry and tracker.
func NewPlanner(reg *registry.Registry, tracker *health.Tracker) *Planner {
	return &Planner{registry: reg, tracker: tracker}
}

// Plan resolves the canonical model and returns candidates ordered by:
// preferred provider first (if healthy), health score descending, rolling
// latency ascending, input price ascending, provider slug ascending.
// OPEN providers are excluded except for the single half-open trial the
// tracker admits.
func (p *Planner) Plan(model string, prefs *Preferences) ([]Candidate, error) {
	bindings, err := p.registry.Resolve(model)
	if err != nil {
		return nil, err
	}

	preferred := ""
	if prefs != nil {
		preferred = prefs.PreferredProvider
	}

	candidates := make([]Candidate, 0, len(bindings))
	for _, b := range bindings {
		if !p.tracker.Admit(b.Provider, model) {
			logging.Debugf("Plan %s: skipping %s (circuit open)", model, b.Provider)
			continue
		}
		snap := p.tracker.Current(b.Provider, model)
		candidates = append(candidates, Candidate{
			Binding:      b,
			State:        snap.State,
			Score:        snap.Score(),
			AvgLatencyMs: snap.AvgLatencyMs,
		})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoProvidersAvailable, model)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if preferred != "" {
			ap := a.Binding.Provider == preferred
			bp := b.Binding.Provider == preferred
			if ap != bp {
				return ap
			}
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.AvgLatencyMs != b.AvgLatencyMs {
			return a.AvgLatencyMs < b.AvgLatencyMs
		}
		if a.Binding.InputPerTokenUSD != b.Binding.InputPerTokenUSD {
			return a.Binding.InputPerTokenUSD < b.Binding.InputPerTokenUSD
		}
		return a.Binding.Provider < b.Binding.Provider
	})

	return candidates, nil
}
