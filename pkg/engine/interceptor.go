package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelmux/modelmux/pkg/observability/logging"
)

// Handler is the shape of the engine pipeline an interceptor wraps.
type Handler func(ctx context.Context, req *Request) (*Outcome, error)

// Interceptor observes or augments a request on its way through the engine.
// Implementations must call next exactly once unless they are terminating the
// request themselves.
type Interceptor interface {
	Name() string
	Intercept(ctx context.Context, req *Request, next Handler) (*Outcome, error)
}

// ChainInterceptors composes interceptors around a final handler. The first
// interceptor in the slice is outermost.
func ChainInterceptors(interceptors []Interceptor, final Handler) Handler {
	h := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic := interceptors[i]
		inner := h
		h = func(ctx context.Context, req *Request) (*Outcome, error) {
			return ic.Intercept(ctx, req, inner)
		}
	}
	return h
}

// ── logging ──

// LoggingInterceptor emits one structured line per request with the outcome
// and total latency.
type LoggingInterceptor struct{}

func (LoggingInterceptor) Name() string { return "logging" }

func (LoggingInterceptor) Intercept(ctx context.Context, req *Request, next Handler) (*Outcome, error) {
	start := time.Now()
	out, err := next(ctx, req)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		logging.Warnf("dispatch model=%s ip=%s elapsed=%s error=%v",
			req.CanonicalModel, req.ClientIP, elapsed, err)
	case out.Denied():
		logging.Infof("dispatch model=%s ip=%s elapsed=%s denied layer=%s reason=%q",
			req.CanonicalModel, req.ClientIP, elapsed, out.RateLimit.Layer, out.RateLimit.Reason)
	default:
		logging.Infof("dispatch model=%s ip=%s elapsed=%s provider=%s attempts=%d",
			req.CanonicalModel, req.ClientIP, elapsed, out.Result.ProviderUsed, len(out.Result.Attempts))
	}
	return out, err
}

// ── tracing ──

const tracerName = "modelmux/engine"

// TracingInterceptor wraps each request in an OpenTelemetry span carrying
// the model, the rate limit verdict, and the provider that served it.
type TracingInterceptor struct{}

func (TracingInterceptor) Name() string { return "tracing" }

func (TracingInterceptor) Intercept(ctx context.Context, req *Request, next Handler) (*Outcome, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "engine.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("model.canonical", req.CanonicalModel),
			attribute.Bool("client.anonymous", req.IsAnonymous),
		),
	)
	defer span.End()

	out, err := next(ctx, req)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	if out.Denied() {
		span.SetAttributes(
			attribute.Bool("ratelimit.denied", true),
			attribute.String("ratelimit.layer", string(out.RateLimit.Layer)),
		)
		return out, nil
	}
	span.SetAttributes(
		attribute.String("provider.used", out.Result.ProviderUsed),
		attribute.Int("dispatch.attempts", len(out.Result.Attempts)),
	)
	return out, nil
}

// ── recovery ──

// RecoveryInterceptor converts a panic anywhere in the pipeline into an
// error so one bad request cannot take the process down.
type RecoveryInterceptor struct{}

func (RecoveryInterceptor) Name() string { return "recovery" }

func (RecoveryInterceptor) Intercept(ctx context.Context, req *Request, next Handler) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("panic handling model=%s: %v", req.CanonicalModel, r)
			out = nil
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return next(ctx, req)
}

// DefaultInterceptors is the standard chain: recovery outermost, then
// tracing, then logging.
func DefaultInterceptors() []Interceptor {
	return []Interceptor{RecoveryInterceptor{}, TracingInterceptor{}, LoggingInterceptor{}}
}
