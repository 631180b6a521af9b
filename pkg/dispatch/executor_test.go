package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/health"
	"github.com/modelmux/modelmux/pkg/registry"
	"github.com/modelmux/modelmux/pkg/routing"
)

// scriptedCaller returns a canned outcome per provider and records the order
// providers were contacted in.
type scriptedCaller struct {
	outcomes map[string]error // nil = success
	order    []string
	onCall   func(provider string)
}

func (c *scriptedCaller) Call(_ context.Context, binding registry.ProviderBinding, _ Payload) (*Response, error) {
	c.order = append(c.order, binding.Provider)
	if c.onCall != nil {
		c.onCall(binding.Provider)
	}
	if err := c.outcomes[binding.Provider]; err != nil {
		return nil, err
	}
	return &Response{
		ProviderRequestID: "req-" + binding.Provider,
		Content:           "hello from " + binding.Provider,
		Usage:             Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
	}, nil
}

func planOf(providers ...string) []routing.Candidate {
	plan := make([]routing.Candidate, len(providers))
	for i, p := range providers {
		plan[i] = routing.Candidate{Binding: registry.ProviderBinding{
			Provider:          p,
			ProviderModelID:   "gpt-4-" + p,
			InputPerTokenUSD:  0.00003,
			OutputPerTokenUSD: 0.00006,
		}}
	}
	return plan
}

func TestExecutor_FirstSuccessWins(t *testing.T) {
	caller := &scriptedCaller{outcomes: map[string]error{}}
	tracker := health.NewTracker(health.Config{})
	e := NewExecutor(caller, tracker, time.Second)

	result, err := e.Dispatch(context.Background(), "gpt-4", planOf("a", "b"), Payload{})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "a", result.ProviderUsed)
	assert.Equal(t, []string{"a"}, caller.order, "later candidates are never contacted")
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, OutcomeSuccess, result.Attempts[0].Outcome)
}

func TestExecutor_FailsOverInPlanOrder(t *testing.T) {
	caller := &scriptedCaller{outcomes: map[string]error{
		"a": context.DeadlineExceeded,
		"b": nil,
	}}
	tracker := health.NewTracker(health.Config{})
	e := NewExecutor(caller, tracker, time.Second)

	result, err := e.Dispatch(context.Background(), "gpt-4", planOf("a", "b", "c"), Payload{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, caller.order, "strictly in order, stop at first success")
	assert.Equal(t, "b", result.ProviderUsed)
	assert.Equal(t, "gpt-4-b", result.ProviderModelID)

	require.Len(t, result.Attempts, 2)
	assert.Equal(t, OutcomeTimeout, result.Attempts[0].Outcome, "a timed out")
	assert.Equal(t, OutcomeSuccess, result.Attempts[1].Outcome)

	// Both outcomes reached the health tracker.
	assert.Equal(t, uint64(1), tracker.Current("a", "gpt-4").ErrorCount)
	assert.Equal(t, uint64(1), tracker.Current("b", "gpt-4").SuccessCount)
}

func TestExecutor_AllFailuresSurfaceAsExhausted(t *testing.T) {
	caller := &scriptedCaller{outcomes: map[string]error{
		"a": fmt.Errorf("upstream 500"),
		"b": context.DeadlineExceeded,
	}}
	tracker := health.NewTracker(health.Config{})
	e := NewExecutor(caller, tracker, time.Second)

	result, err := e.Dispatch(context.Background(), "gpt-4", planOf("a", "b"), Payload{})
	require.ErrorIs(t, err, ErrAllProvidersExhausted)

	assert.False(t, result.Success)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, OutcomeError, result.Attempts[0].Outcome)
	assert.Equal(t, OutcomeTimeout, result.Attempts[1].Outcome)
	assert.Contains(t, result.Attempts[0].Error, "upstream 500")
}

func TestExecutor_EmptyPlanIsExhausted(t *testing.T) {
	e := NewExecutor(&scriptedCaller{}, health.NewTracker(health.Config{}), time.Second)
	_, err := e.Dispatch(context.Background(), "gpt-4", nil, Payload{})
	assert.ErrorIs(t, err, ErrAllProvidersExhausted)
}

func TestExecutor_DeadlineStopsPlanWalk(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	caller := &scriptedCaller{
		outcomes: map[string]error{"a": errors.New("boom"), "b": nil},
		// The overall deadline expires while a's attempt is in flight.
		onCall: func(provider string) {
			if provider == "a" {
				cancel()
			}
		},
	}
	e := NewExecutor(caller, health.NewTracker(health.Config{}), time.Second)

	result, err := e.Dispatch(ctx, "gpt-4", planOf("a", "b"), Payload{})
	require.ErrorIs(t, err, ErrAllProvidersExhausted)

	assert.Equal(t, []string{"a"}, caller.order, "b is never contacted after the deadline")
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, OutcomeError, result.Attempts[0].Outcome)
	assert.Equal(t, OutcomeSkipped, result.Attempts[1].Outcome)
}

func TestExecutor_CostFromNormalizedPrices(t *testing.T) {
	caller := &scriptedCaller{outcomes: map[string]error{}}
	e := NewExecutor(caller, health.NewTracker(health.Config{}), time.Second)

	result, err := e.Dispatch(context.Background(), "gpt-4", planOf("a"), Payload{})
	require.NoError(t, err)

	// 100 input @ $0.00003 + 50 output @ $0.00006.
	assert.InDelta(t, 0.006, result.CostUSD, 1e-9)
}

// ── end-to-end: a times out, b serves ──

func TestExecutor_FailoverScenario(t *testing.T) {
	tracker := health.NewTracker(health.Config{FailureThreshold: 5})
	reg := registry.New()
	require.NoError(t, reg.Swap([]registry.ModelEntry{{
		Name: "gpt-4",
		Bindings: []registry.ProviderBinding{
			{Provider: "a", ProviderModelID: "gpt-4-a", InputPrice: registry.Pricing{Unit: registry.Per1MTokens, Amount: 10}, OutputPrice: registry.Pricing{Unit: registry.Per1MTokens, Amount: 20}},
			{Provider: "b", ProviderModelID: "gpt-4-b", InputPrice: registry.Pricing{Unit: registry.Per1MTokens, Amount: 20}, OutputPrice: registry.Pricing{Unit: registry.Per1MTokens, Amount: 40}},
			{Provider: "c", ProviderModelID: "gpt-4-c", InputPrice: registry.Pricing{Unit: registry.Per1MTokens, Amount: 30}, OutputPrice: registry.Pricing{Unit: registry.Per1MTokens, Amount: 60}},
		},
	}}))

	plan, err := routing.NewPlanner(reg, tracker).Plan("gpt-4", nil)
	require.NoError(t, err)
	require.Len(t, plan, 3)

	caller := &scriptedCaller{outcomes: map[string]error{
		"a": context.DeadlineExceeded,
		"b": nil,
	}}
	e := NewExecutor(caller, tracker, time.Second)

	result, err := e.Dispatch(context.Background(), "gpt-4", plan, Payload{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "b", result.ProviderUsed)
	assert.Equal(t, "hello from b", result.Response.Content)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, "a", result.Attempts[0].Provider)
	assert.Equal(t, OutcomeTimeout, result.Attempts[0].Outcome)
	assert.Equal(t, "b", result.Attempts[1].Provider)
	assert.Equal(t, OutcomeSuccess, result.Attempts[1].Outcome)

	// The timeout fed a's failure streak.
	assert.Equal(t, 1, tracker.Current("a", "gpt-4").ConsecutiveFailures)
}
