// Package upstream issues the outbound provider call for the dispatch
// executor over the OpenAI-compatible chat completions surface every bound
// provider exposes.
package upstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/modelmux/modelmux/pkg/dispatch"
	"github.com/modelmux/modelmux/pkg/registry"
)

// Caller implements dispatch.Caller. One client is cached per endpoint;
// the provider-specific model id from the binding is passed through
// untouched.
type Caller struct {
	// keys maps provider slug → API key. Credential management is the
	// security collaborator's job; keys arrive resolved.
	keys map[string]string

	mu      sync.Mutex
	clients map[string]openai.Client // endpoint|provider → client
}

// NewCaller creates a caller with per-provider API keys.
func NewCaller(keys map[string]string) *Caller {
	return &Caller{
		keys:    keys,
		clients: make(map[string]openai.Client),
	}
}

func (c *Caller) client(binding registry.ProviderBinding) openai.Client {
	key := binding.Endpoint + "|" + binding.Provider

	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[key]; ok {
		return cl
	}

	opts := []option.RequestOption{}
	if binding.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(binding.Endpoint))
	}
	if apiKey := c.keys[binding.Provider]; apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	cl := openai.NewClient(opts...)
	c.clients[key] = cl
	return cl
}

// Call sends the payload to the binding's endpoint and normalizes the
// response. Context cancellation and timeouts propagate to the HTTP call.
func (c *Caller) Call(ctx context.Context, binding registry.ProviderBinding, payload dispatch.Payload) (*dispatch.Response, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    binding.ProviderModelID,
		Messages: msgs,
	}
	if payload.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(payload.MaxTokens))
	}
	if payload.Temperature > 0 {
		params.Temperature = openai.Float(payload.Temperature)
	}

	client := c.client(binding)
	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("provider %s call failed: %w", binding.Provider, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("provider %s returned no choices", binding.Provider)
	}

	return &dispatch.Response{
		ProviderRequestID: completion.ID,
		Content:           completion.Choices[0].Message.Content,
		Usage: dispatch.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		},
	}, nil
}
