// Package gateway issues single LLM completion calls with retry, error
// classification, and token estimation.
//
// The gateway sits between the chain executor and the per-credential provider
// backends handed out by the credential pool. Transient provider failures
// (rate limiting, overload, generic 5xx) are retried with exponential backoff
// starting at 1 s and doubling up to 16 s — a worst case of 31 s of waiting —
// after which the call surfaces fault.Unavailable. Credential failures
// (401/403) are never retried.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxpersona/voxpersona/internal/fault"
	"github.com/voxpersona/voxpersona/internal/observe"
	"github.com/voxpersona/voxpersona/pkg/provider/llm"
)

// backoffSchedule is the fixed retry wait sequence; its sum bounds the total
// retry wait at 31 s.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// estimateMargin is added to the counted prompt tokens when estimating for
// budget accounting.
const estimateMargin = 10

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the
// latter case. Injectable so the retry-bound tests run without real waits.
type Sleeper func(ctx context.Context, d time.Duration) error

// defaultSleeper waits on the wall clock.
func defaultSleeper(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a Gateway during construction.
type Option func(*Gateway)

// WithSleeper replaces the backoff sleeper, for tests.
func WithSleeper(s Sleeper) Option {
	return func(g *Gateway) { g.sleep = s }
}

// WithMetrics replaces the metrics sink. Default is observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway issues completion calls against provider backends. It is stateless
// apart from its tokenizer and safe for concurrent use.
type Gateway struct {
	counter *TokenCounter
	sleep   Sleeper
	metrics *observe.Metrics
}

// New constructs a Gateway for the given logical model name. The model
// selects the tokenizer; unknown models fall back to a generic encoder.
func New(model string, opts ...Option) *Gateway {
	g := &Gateway{
		counter: NewTokenCounter(model),
		sleep:   defaultSleeper,
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Request carries one completion call.
type Request struct {
	// System is the system prompt. May be empty.
	System string

	// Messages is the ordered user/assistant conversation.
	Messages []llm.Message

	// MaxTokens caps the completion length. Zero uses the backend default.
	MaxTokens int
}

// Result carries the completion text and the provider's usage accounting.
type Result struct {
	Text  string
	Usage llm.Usage
}

// EstimateTokens counts the prompt tokens of req plus a fixed safety margin.
// The credential pool charges this estimate up front.
func (g *Gateway) EstimateTokens(req Request) int {
	n := g.counter.Count(req.System)
	for _, m := range req.Messages {
		n += g.counter.Count(m.Content)
	}
	return n + estimateMargin
}

// Complete issues req against provider, retrying transient failures.
// credentialID only labels logs and metrics.
func (g *Gateway) Complete(ctx context.Context, provider llm.Provider, credentialID string, req Request) (Result, error) {
	creq := llm.CompletionRequest{
		SystemPrompt: req.System,
		Messages:     req.Messages,
		MaxTokens:    req.MaxTokens,
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := provider.Complete(ctx, creq)
		if err == nil {
			g.record(credentialID, "ok", start)
			return Result{Text: resp.Content, Usage: resp.Usage}, nil
		}

		kind := classify(err)
		switch {
		case kind == fault.KindCredentialError:
			g.record(credentialID, "credential_error", start)
			return Result{}, fault.Wrap(fault.KindCredentialError, "gateway: complete", err)
		case !kind.Retryable():
			g.record(credentialID, "error", start)
			return Result{}, fault.Wrap(kind, "gateway: complete", err)
		}

		lastErr = err
		if attempt >= len(backoffSchedule) {
			break
		}
		wait := backoffSchedule[attempt]
		slog.Warn("transient LLM failure, backing off",
			"credential", credentialID,
			"kind", kind.String(),
			"attempt", attempt+1,
			"wait", wait)
		g.metrics.LLMRetries.Add(ctx, 1)
		if err := g.sleep(ctx, wait); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				g.record(credentialID, "unavailable", start)
				return Result{}, fault.Wrap(fault.KindUnavailable, "gateway: retry deadline", lastErr)
			}
			return Result{}, err
		}
	}

	g.record(credentialID, "unavailable", start)
	return Result{}, fault.Wrap(fault.KindUnavailable, "gateway: retries exhausted", lastErr)
}

// record emits the per-call metrics.
func (g *Gateway) record(credentialID, status string, start time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("credential", credentialID),
		attribute.String("status", status),
	)
	ctx := context.Background()
	g.metrics.LLMRequests.Add(ctx, 1, attrs)
	g.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

// classify maps a provider error to a fault kind. 429 is rate limiting, 529
// is provider overload, 401/403 are credential failures, and any other 5xx is
// treated as retryable overload. Errors without a recognisable status pass
// through as unknown and are not retried.
func classify(err error) fault.Kind {
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		return fault.KindUnknown
	}
	switch {
	case apiErr.StatusCode == 429:
		return fault.KindRateLimited
	case apiErr.StatusCode == 529:
		return fault.KindOverloaded
	case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
		return fault.KindCredentialError
	case apiErr.StatusCode >= 500:
		return fault.KindOverloaded
	default:
		return fault.KindUnknown
	}
}
