// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the gateway and chain executor
// send correct CompletionRequests and to feed controlled responses without a
// live LLM backend. All configuration fields must be set before the first
// call; call records may be read after the test completes.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteFunc: func(req llm.CompletionRequest) (string, error) {
//	        return "score=87", nil
//	    },
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxpersona/voxpersona/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest

	// Start and End bracket the call, including any configured Delay.
	// Tests use them to assert that calls on one credential never overlap.
	Start, End time.Time
}

// Provider is a mock implementation of llm.Provider.
// Zero values cause Complete to return an empty response and nil error.
type Provider struct {
	mu sync.Mutex

	// --- Configurable behaviour ---

	// CompleteFunc, when set, computes the response content from the request.
	// It takes precedence over Responses and Content.
	CompleteFunc func(req llm.CompletionRequest) (string, error)

	// Responses is a script of contents returned by successive calls. When
	// the script is exhausted the last entry repeats.
	Responses []string

	// Content is the response for every call when neither CompleteFunc nor
	// Responses is set.
	Content string

	// Usage is attached to every successful response.
	Usage llm.Usage

	// Errs is a script of errors for successive calls; a nil entry means
	// success. When exhausted, calls succeed.
	Errs []error

	// Delay makes each Complete call sleep before returning, honouring
	// context cancellation.
	Delay time.Duration

	// --- Call records (read after test) ---

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	// inFlight counts currently executing Complete calls; MaxInFlight is the
	// high-water mark.
	inFlight int

	// MaxInFlight is the maximum number of Complete calls observed executing
	// concurrently on this provider.
	MaxInFlight int

	calls int
}

// Compile-time assertion that Provider satisfies llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns the scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	n := p.calls
	p.calls++
	p.inFlight++
	if p.inFlight > p.MaxInFlight {
		p.MaxInFlight = p.inFlight
	}
	rec := CompleteCall{Req: req, Start: time.Now()}
	idx := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, rec)
	delay := p.Delay
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.CompleteCalls[idx].End = time.Now()
		p.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := p.errForCall(n); err != nil {
		return nil, err
	}

	content, err := p.contentForCall(n, req)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	usage := p.Usage
	p.mu.Unlock()
	return &llm.CompletionResponse{Content: content, Usage: usage}, nil
}

// CallCount returns the number of Complete invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

func (p *Provider) errForCall(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < len(p.Errs) {
		return p.Errs[n]
	}
	return nil
}

func (p *Provider) contentForCall(n int, req llm.CompletionRequest) (string, error) {
	p.mu.Lock()
	fn := p.CompleteFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(req)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Responses) > 0 {
		if n >= len(p.Responses) {
			n = len(p.Responses) - 1
		}
		return p.Responses[n], nil
	}
	return p.Content, nil
}
