// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote model API behind a uniform completion
// interface so the analysis core can run prompt chains without coupling to any
// specific SDK. The credential pool hands out one Provider instance per
// credential; the gateway layers retries and token accounting on top.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Message is a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
// Counts are in the model's native token unit.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt. This value feeds the credential pool's budget accounting.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string

	// Messages is the ordered conversation. The last message is typically
	// from the "user" role and drives the response.
	Messages []Message

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// Temperature controls output randomness in [0.0, 2.0]. Zero requests the
	// provider default.
	Temperature float64
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair. May be
	// the zero value for backends that do not report usage.
	Usage Usage
}

// APIError carries the HTTP status of a failed provider call so callers can
// distinguish rate limiting (429), overload (529), and credential failures
// (401/403) without string matching. Providers wrap their SDK errors in an
// APIError whenever a status is known.
type APIError struct {
	// StatusCode is the HTTP status returned by the provider, 0 when unknown.
	StatusCode int

	// Err is the underlying SDK error.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped SDK error.
func (e *APIError) Unwrap() error { return e.Err }

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines,
// although the credential pool serialises calls per credential at a higher
// level.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
