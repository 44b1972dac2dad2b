// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4,
// Anthropic Claude, or a local Ollama instance) and exposes a uniform
// interface for the extraction pipeline to request completions without
// coupling to any specific SDK. The pipeline only ever needs one shape of
// answer: a JSON document conforming to a schema it supplies with the
// request.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidResponse indicates the model's reply was not valid JSON
// conforming to the requested schema. Callers classify it with [errors.Is];
// the wrapped detail explains what was wrong with the payload.
var ErrInvalidResponse = errors.New("llm: response does not conform to requested schema")

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages
	// and system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Provided as a
	// convenience; some providers return it directly rather than computing
	// it from the parts.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history. If the provider does not natively support a
	// dedicated system prompt, implementors should prepend it as a
	// "system"-role message.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Lower
	// values produce more deterministic outputs. A value of 0.0 typically
	// requests greedy (argmax) decoding.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// Schema, when non-nil, constrains the completion to a JSON document of
	// the given shape. Providers must guarantee that a successful response
	// carries conforming JSON in Content and fail with [ErrInvalidResponse]
	// otherwise.
	Schema *Schema
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. When the request
	// carried a Schema this is a JSON document conforming to it.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and should propagate context cancellation promptly.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// When req.Schema is set, a nil error guarantees that the response
	// Content parses as JSON conforming to the schema; a model reply that
	// does not is reported as an error wrapping [ErrInvalidResponse].
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID returns the backend model identifier (e.g., "gpt-4o-mini").
	// The result is constant for the lifetime of the Provider instance.
	ModelID() string
}

// DecodeJSON unmarshals a schema-constrained completion payload into v.
// A payload that does not parse is reported as an error wrapping
// [ErrInvalidResponse], so callers can classify decode failures the same way
// as provider-side schema violations.
func DecodeJSON(content string, v any) error {
	if err := json.Unmarshal([]byte(content), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
