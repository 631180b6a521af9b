package dispatch

import (
	"time"

	"github.com/modelmux/modelmux/pkg/registry"
)

// Message is one turn of a normalized chat payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Payload is the normalized upstream request body. The HTTP collaborator has
// already transcoded the inbound wire format; the executor forwards this to
// whichever provider the plan selects.
type Payload struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Usage is the token usage reported by the winning provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the normalized upstream response.
type Response struct {
	ProviderRequestID string `json:"provider_request_id,omitempty"`
	Content           string `json:"content"`
	Usage             Usage  `json:"usage"`
}

// Outcome classifies one provider attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped" // deadline exhausted before the attempt
)

// Attempt records one candidate try for billing and observability.
type Attempt struct {
	Provider  string  `json:"provider"`
	Outcome   Outcome `json:"outcome"`
	LatencyMs int64   `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// Result is the outcome of walking a dispatch plan.
type Result struct {
	Success         bool      `json:"success"`
	ProviderUsed    string    `json:"provider_used,omitempty"`
	ProviderModelID string    `json:"provider_model_id,omitempty"`
	Attempts        []Attempt `json:"attempts"`
	Response        *Response `json:"response,omitempty"`

	// CostUSD is computed from the winning binding's normalized per-token
	// prices for the billing collaborator.
	CostUSD float64 `json:"cost_usd"`

	Elapsed time.Duration `json:"-"`
}

func cost(b registry.ProviderBinding, u Usage) float64 {
	return float64(u.InputTokens)*b.InputPerTokenUSD + float64(u.OutputTokens)*b.OutputPerTokenUSD
}
