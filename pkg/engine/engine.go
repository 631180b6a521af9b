// Package engine assembles the routing core: rate limiting, plan building,
// and failover dispatch behind one entry point.
package engine

import (
	"context"
	"time"

	"github.com/modelmux/modelmux/pkg/dispatch"
	"github.com/modelmux/modelmux/pkg/ratelimit"
	"github.com/modelmux/modelmux/pkg/routing"
)

// Request is the typed inbound boundary. The HTTP and security collaborators
// have already resolved authentication; this core never sees credentials,
// only their identity.
type Request struct {
	CanonicalModel    string
	ClientIP          string
	CredentialID      string
	IsAnonymous       bool
	PreferredProvider string

	// Deadline is the overall request deadline. Zero means the engine
	// applies its configured default.
	Deadline time.Time

	// EstimatedTokens feeds TPM budgets at check time.
	EstimatedTokens int

	Payload dispatch.Payload
}

// Outcome is what the engine hands back to collaborators: either a rate
// limit denial (a value, never an error) or a dispatch result.
type Outcome struct {
	RateLimit ratelimit.Decision
	Result    *dispatch.Result
}

// Denied reports whether the request was stopped by the rate limiter.
func (o *Outcome) Denied() bool {
	return o != nil && !o.RateLimit.Allowed
}

// Engine wires the evaluator, planner, and executor together. All methods
// are safe for arbitrary concurrent use.
type Engine struct {
	limiter  *ratelimit.Evaluator
	planner  *routing.Planner
	executor *dispatch.Executor

	defaultDeadline time.Duration

	handler Handler
}

// New creates an engine. Interceptors wrap Handle outermost-first.
func New(limiter *ratelimit.Evaluator, planner *routing.Planner, executor *dispatch.Executor,
	defaultDeadline time.Duration, interceptors ...Interceptor,
) *Engine {
	if defaultDeadline <= 0 {
		defaultDeadline = 2 * time.Minute
	}
	e := &Engine{
		limiter:         limiter,
		planner:         planner,
		executor:        executor,
		defaultDeadline: defaultDeadline,
	}
	e.handler = ChainInterceptors(interceptors, e.handle)
	return e
}

// Handle runs the full pipeline: rate limit → plan → dispatch.
//
// Errors are reserved for routing failures (unknown model, empty plan, plan
// exhaustion); a rate limit denial arrives as Outcome.RateLimit with
// Allowed=false and a nil error.
func (e *Engine) Handle(ctx context.Context, req *Request) (*Outcome, error) {
	return e.handler(ctx, req)
}

func (e *Engine) handle(ctx context.Context, req *Request) (*Outcome, error) {
	rlReq := ratelimit.Request{
		IP:              req.ClientIP,
		CredentialID:    req.CredentialID,
		IsAnonymous:     req.IsAnonymous,
		EstimatedTokens: req.EstimatedTokens,
	}

	decision := e.limiter.Check(ctx, rlReq)
	if !decision.Allowed {
		return &Outcome{RateLimit: decision}, nil
	}

	var prefs *routing.Preferences
	if req.PreferredProvider != "" {
		prefs = &routing.Preferences{PreferredProvider: req.PreferredProvider}
	}

	plan, err := e.planner.Plan(req.CanonicalModel, prefs)
	if err != nil {
		return &Outcome{RateLimit: decision}, err
	}

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(e.defaultDeadline)
	}
	dispatchCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result, err := e.executor.Dispatch(dispatchCtx, req.CanonicalModel, plan, req.Payload)
	if err != nil {
		return &Outcome{RateLimit: decision, Result: result}, err
	}

	// True up token budgets with the real usage.
	if result.Response != nil {
		e.limiter.Report(ctx, rlReq, result.Response.Usage.TotalTokens)
	}

	return &Outcome{RateLimit: decision, Result: result}, nil
}
