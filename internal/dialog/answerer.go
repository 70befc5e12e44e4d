// Package dialog answers free-form questions about prior audit reports.
//
// Every question is first classified into a scope label by the stored
// classification prompt, routed to that scope's retrieval index, and then
// answered in one of two modes: fast (one completion over the top-k chunks)
// or deep (one completion per chunk fanned out through the credential pool's
// bulk path, then a synthesis completion over the per-chunk extracts).
package dialog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxpersona/voxpersona/internal/chain"
	"github.com/voxpersona/voxpersona/internal/config"
	"github.com/voxpersona/voxpersona/internal/credpool"
	"github.com/voxpersona/voxpersona/internal/fault"
	"github.com/voxpersona/voxpersona/internal/gateway"
	"github.com/voxpersona/voxpersona/internal/observe"
	"github.com/voxpersona/voxpersona/internal/promptstore"
	"github.com/voxpersona/voxpersona/internal/rag"
	"github.com/voxpersona/voxpersona/pkg/provider/llm"
)

// undefinedLabel is the classifier's explicit "no scope applies" answer.
const undefinedLabel = "undefined"

// maxLabelDistance is the Levenshtein tolerance when matching a classifier
// label against known scope keys; classifier output occasionally drops or
// swaps a character.
const maxLabelDistance = 2

// answerSystemPrompt frames the fast-mode completion.
const answerSystemPrompt = "You are an analyst answering questions about hospitality audit reports. " +
	"Answer using only the provided report excerpts. If the excerpts do not contain the answer, say so."

// extractSystemPrompt frames each deep-mode per-chunk completion.
const extractSystemPrompt = "You are an analyst. From the provided report excerpt, extract every fact " +
	"relevant to the question, quoting the excerpt where possible. Reply with 'none' if nothing is relevant."

// synthesisSystemPrompt frames the deep-mode final completion.
const synthesisSystemPrompt = "You are an analyst. Combine the numbered findings into one coherent answer " +
	"to the question, preserving their order of relevance."

// Answerer routes questions to retrieval indices and produces grounded
// answers. It is stateless and safe for concurrent use.
type Answerer struct {
	prompts promptstore.Store
	exec    *chain.Executor
	pool    *credpool.Pool
	gw      *gateway.Gateway
	manager *rag.Manager

	topKFast       int
	deepCandidates int
	maxTokens      int
	metrics        *observe.Metrics
}

// Option configures an Answerer during construction.
type Option func(*Answerer)

// WithTopK sets the fast-mode retrieval depth. Default 15.
func WithTopK(k int) Option {
	return func(a *Answerer) { a.topKFast = k }
}

// WithDeepCandidates sets the deep-mode candidate set size. Default is four
// times the fast depth.
func WithDeepCandidates(n int) Option {
	return func(a *Answerer) { a.deepCandidates = n }
}

// WithMaxTokens caps completion length per call. Zero uses the backend
// default.
func WithMaxTokens(n int) Option {
	return func(a *Answerer) { a.maxTokens = n }
}

// WithMetrics replaces the metrics sink. Default is observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Answerer) { a.metrics = m }
}

// New constructs an Answerer.
func New(prompts promptstore.Store, exec *chain.Executor, pool *credpool.Pool, gw *gateway.Gateway, manager *rag.Manager, opts ...Option) *Answerer {
	a := &Answerer{
		prompts:  prompts,
		exec:     exec,
		pool:     pool,
		gw:       gw,
		manager:  manager,
		topKFast: config.DefaultRAGTopKFast,
	}
	for _, o := range opts {
		o(a)
	}
	if a.deepCandidates == 0 {
		a.deepCandidates = 4 * a.topKFast
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Answer classifies q, routes it to one scope, and produces a grounded
// answer. A classifier verdict of "undefined" (or an empty one) surfaces
// [fault.Unrouted] without touching any index; questions routed to a scope
// whose index has not loaded yet surface [fault.IndexUnavailable].
func (a *Answerer) Answer(ctx context.Context, q string, deep bool) (string, error) {
	label, err := a.classify(ctx, q)
	if err != nil {
		return "", err
	}
	scope := a.route(label)

	var answer string
	if deep {
		answer, err = a.deepAnswer(ctx, scope, q)
	} else {
		answer, err = a.fastAnswer(ctx, scope, q)
	}
	if err != nil {
		return "", err
	}

	mode := "fast"
	if deep {
		mode = "deep"
	}
	a.metrics.DialogAnswers.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode), attribute.String("scope", scope)))
	return answer, nil
}

// classify runs the stored classification prompt over q and returns the
// normalised scope label.
func (a *Answerer) classify(ctx context.Context, q string) (string, error) {
	stage, err := a.prompts.ResolveNamed(ctx, promptstore.NameClassify)
	if err != nil {
		return "", err
	}
	out, err := a.exec.RunSingle(ctx, stage, q)
	if err != nil {
		return "", err
	}

	label := strings.ToLower(strings.TrimSpace(out))
	if label == "" || label == undefinedLabel {
		return "", fault.Newf(fault.KindUnrouted, "dialog: classifier found no scope for query")
	}
	return label, nil
}

// route maps a classifier label onto a loaded scope key, tolerating
// near-miss spellings. Labels matching no loaded scope pass through
// unchanged, so the index lookup decides between a scope that is still
// loading and one that never existed.
func (a *Answerer) route(label string) string {
	best := label
	bestDist := maxLabelDistance + 1
	for _, scope := range a.manager.Scopes() {
		d := matchr.Levenshtein(label, strings.ToLower(scope))
		if d < bestDist {
			best, bestDist = scope, d
		}
	}
	return best
}

// fastAnswer retrieves the top-k chunks and answers with one completion.
func (a *Answerer) fastAnswer(ctx context.Context, scope, q string) (string, error) {
	hits, err := a.manager.Query(ctx, scope, q, a.topKFast)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, h := range hits {
		b.WriteString(h.Text)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(q)

	res, err := a.complete(ctx, a.pool.Acquire, gateway.Request{
		System:    answerSystemPrompt,
		Messages:  []llm.Message{{Role: "user", Content: b.String()}},
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// acquireFunc abstracts over the pool's interactive and bulk paths.
type acquireFunc func(ctx context.Context, estimate int) (*credpool.Permit, error)

// complete performs one permit-acquire / complete / release cycle.
func (a *Answerer) complete(ctx context.Context, acquire acquireFunc, req gateway.Request) (gateway.Result, error) {
	est := a.gw.EstimateTokens(req)

	waitStart := time.Now()
	permit, err := acquire(ctx, est)
	if err != nil {
		return gateway.Result{}, err
	}
	a.metrics.PoolWaitDuration.Record(ctx, time.Since(waitStart).Seconds(),
		metric.WithAttributes(attribute.String("credential", permit.Credential().ID)))

	res, err := a.gw.Complete(ctx, permit.Provider(), permit.Credential().ID, req)
	if err != nil {
		permit.Release(0, credpool.StatusError)
		return gateway.Result{}, err
	}
	permit.Release(res.Usage.TotalTokens, credpool.StatusOK)
	return res, nil
}

// questionBlock appends the question below a body of excerpts.
func questionBlock(body, q string) string {
	return fmt.Sprintf("%s\nQuestion: %s", body, q)
}
