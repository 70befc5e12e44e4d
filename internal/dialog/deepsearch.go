package dialog

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/voxpersona/voxpersona/internal/credpool"
	"github.com/voxpersona/voxpersona/internal/gateway"
	"github.com/voxpersona/voxpersona/internal/rag"
	"github.com/voxpersona/voxpersona/pkg/provider/llm"
)

// maxDeepWorkers bounds the fan-out concurrency. The credential pool is the
// real rate limiter; this only keeps the goroutine count sane for very large
// candidate sets.
const maxDeepWorkers = 8

// irrelevantExtract is the per-chunk verdict dropped from the synthesis
// input.
const irrelevantExtract = "none"

// deepAnswer retrieves a wide candidate set, extracts per-chunk findings in
// parallel through the pool's bulk path, and synthesises a final answer over
// the extracts in similarity-rank order.
//
// Aggregation order is always the retrieval rank, never finish order. On
// cancellation, extractions already holding a permit run to completion so
// budget accounting stays honest, while queued extractions withdraw.
func (a *Answerer) deepAnswer(ctx context.Context, scope, q string) (string, error) {
	hits, err := a.manager.Query(ctx, scope, q, a.deepCandidates)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return a.fastAnswer(ctx, scope, q)
	}

	// results is indexed by retrieval rank; workers write disjoint slots.
	results := make([]string, len(hits))

	eg, egCtx := errgroup.WithContext(ctx)
	tasks := make(chan rag.Hit)

	eg.Go(func() error {
		defer close(tasks)
		for _, h := range hits {
			select {
			case tasks <- h:
			case <-egCtx.Done():
				return egCtx.Err()
			}
		}
		return nil
	})

	workers := min(maxDeepWorkers, len(hits))
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for h := range tasks {
				// Withdraw queued work once the group is failing or the
				// caller cancelled.
				if err := egCtx.Err(); err != nil {
					return err
				}
				text, err := a.extract(egCtx, h.Text, q)
				if err != nil {
					return err
				}
				results[h.Rank] = text
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}

	return a.synthesise(ctx, results, q)
}

// extract runs one per-chunk completion on the bulk path. Once a permit is
// held the completion proceeds even if ctx is cancelled.
func (a *Answerer) extract(ctx context.Context, chunk, q string) (string, error) {
	a.metrics.FanoutInFlight.Add(ctx, 1)
	defer a.metrics.FanoutInFlight.Add(ctx, -1)

	est := a.gw.EstimateTokens(gateway.Request{
		System:   extractSystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: questionBlock(chunk+"\n", q)}},
	})

	permit, err := a.pool.AcquireBulk(ctx, est)
	if err != nil {
		return "", err
	}

	// The permit charged the credential's budget; finishing the call keeps
	// the accounting aligned with what the provider actually bills.
	callCtx := context.WithoutCancel(ctx)
	res, err := a.gw.Complete(callCtx, permit.Provider(), permit.Credential().ID, gateway.Request{
		System:    extractSystemPrompt,
		Messages:  []llm.Message{{Role: "user", Content: questionBlock(chunk+"\n", q)}},
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		permit.Release(0, credpool.StatusError)
		return "", err
	}
	permit.Release(res.Usage.TotalTokens, credpool.StatusOK)
	return res.Text, nil
}

// synthesise combines the rank-ordered extracts into the final answer with
// one interactive completion. Chunks the extractor judged irrelevant are
// dropped.
func (a *Answerer) synthesise(ctx context.Context, extracts []string, q string) (string, error) {
	var b strings.Builder
	n := 0
	for _, e := range extracts {
		e = strings.TrimSpace(e)
		if e == "" || strings.EqualFold(e, irrelevantExtract) {
			continue
		}
		n++
		fmt.Fprintf(&b, "%d. %s\n\n", n, e)
	}
	if n == 0 {
		b.WriteString("No relevant findings.\n\n")
	}

	res, err := a.complete(ctx, a.pool.Acquire, gateway.Request{
		System:    synthesisSystemPrompt,
		Messages:  []llm.Message{{Role: "user", Content: questionBlock(b.String(), q)}},
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
