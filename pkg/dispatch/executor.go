// Package dispatch walks a failover plan, calling one upstream provider at a
// time until a candidate succeeds or the plan is exhausted.
//
// Individual provider failures are absorbed here: they are logged, recorded
// into the health tracker, and advanced past. Only ErrAllProvidersExhausted
// crosses the boundary to the caller.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/modelmux/modelmux/pkg/health"
	"github.com/modelmux/modelmux/pkg/observability/logging"
	"github.com/modelmux/modelmux/pkg/observability/metrics"
	"github.com/modelmux/modelmux/pkg/registry"
	"github.com/modelmux/modelmux/pkg/routing"
)

// ErrAllProvidersExhausted is the only provider-related error surfaced to the
// caller: the plan was empty or every candidate failed.
var ErrAllProvidersExhausted = errors.New("all providers exhausted")

// Caller issues one upstream request against a concrete binding.
// Implementations must honor ctx cancellation.
type Caller interface {
	Call(ctx context.Context, binding registry.ProviderBinding, payload Payload) (*Response, error)
}

// Executor tries plan candidates strictly in order with first-success
// semantics; no two providers are ever contacted concurrently for one
// request.
type Executor struct {
	caller         Caller
	tracker        *health.Tracker
	attemptTimeout time.Duration
}

// NewExecutor creates an executor. attemptTimeout bounds each single
// provider attempt independently of the overall request deadline.
func NewExecutor(caller Caller, tracker *health.Tracker, attemptTimeout time.Duration) *Executor {
	if attemptTimeout <= 0 {
		attemptTimeout = 45 * time.Second
	}
	return &Executor{caller: caller, tracker: tracker, attemptTimeout: attemptTimeout}
}

// Dispatch walks the plan for model. Every real outcome, including a timed
// out in-flight call, is recorded into the health tracker.
func (e *Executor) Dispatch(ctx context.Context, model string, plan []routing.Candidate, payload Payload) (*Result, error) {
	start := time.Now()
	result := &Result{Attempts: make([]Attempt, 0, len(plan))}

	if len(plan) == 0 {
		metrics.DispatchRequests.WithLabelValues(model, "exhausted").Inc()
		return result, ErrAllProvidersExhausted
	}

	for _, cand := range plan {
		provider := cand.Binding.Provider

		if ctx.Err() != nil {
			// Overall deadline exceeded: stop here, report what we have.
			result.Attempts = append(result.Attempts, Attempt{Provider: provider, Outcome: OutcomeSkipped})
			logging.Warnf("Dispatch %s: deadline exceeded before trying %s (%d attempts made)",
				model, provider, len(result.Attempts)-1)
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
		attemptStart := time.Now()
		resp, err := e.caller.Call(attemptCtx, cand.Binding, payload)
		latency := time.Since(attemptStart)
		cancel()

		e.tracker.RecordOutcome(provider, model, err == nil, latency)
		metrics.DispatchAttemptLatency.WithLabelValues(provider).Observe(latency.Seconds())

		if err != nil {
			outcome := OutcomeError
			if errors.Is(err, context.DeadlineExceeded) {
				outcome = OutcomeTimeout
			}
			metrics.DispatchAttempts.WithLabelValues(provider, string(outcome)).Inc()
			result.Attempts = append(result.Attempts, Attempt{
				Provider:  provider,
				Outcome:   outcome,
				LatencyMs: latency.Milliseconds(),
				Error:     err.Error(),
			})
			logging.Warnf("Dispatch %s: attempt against %s failed (%s, %v): %v",
				model, provider, outcome, latency, err)
			continue
		}

		metrics.DispatchAttempts.WithLabelValues(provider, string(OutcomeSuccess)).Inc()
		result.Attempts = append(result.Attempts, Attempt{
			Provider:  provider,
			Outcome:   OutcomeSuccess,
			LatencyMs: latency.Milliseconds(),
		})
		result.Success = true
		result.ProviderUsed = provider
		result.ProviderModelID = cand.Binding.ProviderModelID
		result.Response = resp
		result.CostUSD = cost(cand.Binding, resp.Usage)
		result.Elapsed = time.Since(start)

		metrics.DispatchRequests.WithLabelValues(model, "success").Inc()
		logging.Infof("Dispatch %s: served by %s in %v (%d attempt(s))",
			model, provider, result.Elapsed, len(result.Attempts))
		return result, nil
	}

	result.Elapsed = time.Since(start)
	metrics.DispatchRequests.WithLabelValues(model, "exhausted").Inc()
	return result, ErrAllProvidersExhausted
}
