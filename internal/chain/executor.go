// Package chain runs an ordered list of prompts as a pipeline where each
// stage sees the prior stage's output.
//
// Stages are strictly sequential: stage 0 receives the caller's input
// appended to its prompt, every later stage receives the previous stage's
// output under a "Text:" marker, fully replacing the original input. Each
// stage acquires its own credential permit, so long chains interleave fairly
// with other work instead of monopolising one credential.
package chain

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxpersona/voxpersona/internal/credpool"
	"github.com/voxpersona/voxpersona/internal/fault"
	"github.com/voxpersona/voxpersona/internal/gateway"
	"github.com/voxpersona/voxpersona/internal/observe"
	"github.com/voxpersona/voxpersona/internal/promptstore"
	"github.com/voxpersona/voxpersona/pkg/provider/llm"
)

// stageSeparator joins a stage prompt with the caller's original input.
const stageSeparator = "\n\n"

// carrySeparator joins a stage prompt with the prior stage's output.
const carrySeparator = "\n\nText:\n"

// Executor runs prompt chains through the credential pool and gateway.
// It is stateless and safe for concurrent use.
type Executor struct {
	pool          *credpool.Pool
	gw            *gateway.Gateway
	maxTokens     int
	stageDeadline time.Duration
	metrics       *observe.Metrics
}

// Option configures an Executor during construction.
type Option func(*Executor)

// WithMaxTokens caps completion length per stage. Zero uses the backend
// default.
func WithMaxTokens(n int) Option {
	return func(e *Executor) { e.maxTokens = n }
}

// WithStageDeadline bounds a chain run to len(stages) times d, covering both
// pool waits and gateway retries. Zero leaves the caller's context deadline
// in force alone.
func WithStageDeadline(d time.Duration) Option {
	return func(e *Executor) { e.stageDeadline = d }
}

// WithMetrics replaces the metrics sink. Default is observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New constructs an Executor.
func New(pool *credpool.Pool, gw *gateway.Gateway, opts ...Option) *Executor {
	e := &Executor{pool: pool, gw: gw}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Run executes the chain over input and returns the final stage's output.
// An empty chain is an invariant violation. Stage errors abort the chain and
// surface verbatim; the executor adds no retries of its own.
func (e *Executor) Run(ctx context.Context, stages []promptstore.Stage, input string) (string, error) {
	if len(stages) == 0 {
		return "", fault.New(fault.KindInternal, "chain: empty stage list")
	}

	if e.stageDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(len(stages))*e.stageDeadline)
		defer cancel()
	}

	start := time.Now()
	text := input
	for i, st := range stages {
		var content string
		if i == 0 {
			content = st.Text + stageSeparator + text
		} else {
			content = st.Text + carrySeparator + text
		}

		out, err := e.runStage(ctx, content)
		if err != nil {
			return "", err
		}
		text = out
	}

	e.metrics.ChainDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.Int("stages", len(stages))))
	return text, nil
}

// RunSingle executes a one-stage chain, used for the named system prompts
// (role assignment, classification).
func (e *Executor) RunSingle(ctx context.Context, stage promptstore.Stage, input string) (string, error) {
	return e.Run(ctx, []promptstore.Stage{stage}, input)
}

// runStage performs one permit-acquire / complete / release cycle.
func (e *Executor) runStage(ctx context.Context, content string) (string, error) {
	req := gateway.Request{
		Messages:  []llm.Message{{Role: "user", Content: content}},
		MaxTokens: e.maxTokens,
	}
	est := e.gw.EstimateTokens(req)

	waitStart := time.Now()
	permit, err := e.pool.Acquire(ctx, est)
	if err != nil {
		return "", err
	}
	e.metrics.PoolWaitDuration.Record(ctx, time.Since(waitStart).Seconds(),
		metric.WithAttributes(attribute.String("credential", permit.Credential().ID)))

	res, err := e.gw.Complete(ctx, permit.Provider(), permit.Credential().ID, req)
	if err != nil {
		permit.Release(0, credpool.StatusError)
		return "", err
	}
	permit.Release(res.Usage.TotalTokens, credpool.StatusOK)
	return res.Text, nil
}
