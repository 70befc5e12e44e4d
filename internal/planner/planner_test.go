package planner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxpersona/voxpersona/internal/chain"
	"github.com/voxpersona/voxpersona/internal/credpool"
	"github.com/voxpersona/voxpersona/internal/fault"
	"github.com/voxpersona/voxpersona/internal/gateway"
	"github.com/voxpersona/voxpersona/internal/promptstore"
	"github.com/voxpersona/voxpersona/internal/repository"
	"github.com/voxpersona/voxpersona/pkg/provider/llm"
	llmmock "github.com/voxpersona/voxpersona/pkg/provider/llm/mock"
)

// fakePersister records PersistAnalysis calls and optionally fails.
type fakePersister struct {
	mu    sync.Mutex
	calls int
	audit string
	err   error
}

func (f *fakePersister) PersistAnalysis(_ context.Context, _, _, auditText string, _ repository.AuditContext, _ repository.TripleIDs) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.calls++
	f.audit = auditText
	return int64(f.calls), nil
}

func newTestPlanner(t *testing.T, prompts promptstore.Store, mp *llmmock.Provider, persister Persister, credentials int) *Planner {
	t.Helper()
	creds := make([]credpool.Credential, credentials)
	for i := range creds {
		creds[i] = credpool.Credential{ID: string(rune('a' + i)), TPM: 1_000_000, RPM: 10_000}
	}
	pool, err := credpool.New(creds, func(credpool.Credential) (llm.Provider, error) { return mp, nil })
	if err != nil {
		t.Fatalf("credpool.New: %v", err)
	}
	exec := chain.New(pool, gateway.New("gpt-4o"))
	return New(prompts, exec, persister, WithCredentials(credentials))
}

func registerTwoPhase(m *promptstore.Mem) {
	m.Register("interview", "common_factors", "hotel",
		promptstore.Stage{PromptID: 1, RunPart: 1, Text: "PART_A"},
		promptstore.Stage{PromptID: 2, RunPart: 2, Text: "PART_B"},
		promptstore.Stage{PromptID: 3, RunPart: 2, Text: "MERGE", JSON: true},
	)
}

func TestPlanDetectsTwoPhase(t *testing.T) {
	t.Parallel()

	m := promptstore.NewMem()
	registerTwoPhase(m)
	p := newTestPlanner(t, m, &llmmock.Provider{}, &fakePersister{}, 2)

	plan, err := p.Plan(context.Background(), Selection{"interview", "common_factors", "hotel"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Mode != ModeTwoPhaseMergeJSON {
		t.Fatalf("mode = %v, want two_phase_merge_json", plan.Mode)
	}
	if len(plan.PartA) != 1 || plan.PartA[0].Text != "PART_A" {
		t.Errorf("PartA = %+v", plan.PartA)
	}
	if len(plan.PartB) != 1 || plan.PartB[0].Text != "PART_B" {
		t.Errorf("PartB = %+v", plan.PartB)
	}
	if plan.Merge.Text != "MERGE" {
		t.Errorf("Merge = %+v", plan.Merge)
	}
}

func TestPlanLinearFallbackPutsJSONLast(t *testing.T) {
	t.Parallel()

	m := promptstore.NewMem()
	m.Register("design", "structured", "hotel",
		promptstore.Stage{PromptID: 1, RunPart: 1, Text: "fmt", JSON: true},
		promptstore.Stage{PromptID: 2, RunPart: 1, Text: "analyse"},
	)
	p := newTestPlanner(t, m, &llmmock.Provider{}, &fakePersister{}, 1)

	plan, err := p.Plan(context.Background(), Selection{"design", "structured", "hotel"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Mode != ModeSingle {
		t.Fatalf("mode = %v, want single", plan.Mode)
	}
	if got := plan.Single[len(plan.Single)-1].Text; got != "fmt" {
		t.Errorf("last stage = %q, want the JSON stage", got)
	}
}

func TestPlanUnknownTriple(t *testing.T) {
	t.Parallel()

	p := newTestPlanner(t, promptstore.NewMem(), &llmmock.Provider{}, &fakePersister{}, 1)
	_, err := p.Plan(context.Background(), Selection{"interview", "nope", "hotel"})
	if !errors.Is(err, fault.InvalidReference) {
		t.Errorf("expected InvalidReference, got %v", err)
	}
}

func TestExecuteTwoPhaseMergeOrder(t *testing.T) {
	t.Parallel()

	// Part A is slower than part B, so finish order is B then A; the merge
	// input must still read A before B.
	mp := &llmmock.Provider{
		CompleteFunc: func(req llm.CompletionRequest) (string, error) {
			content := req.Messages[0].Content
			switch {
			case strings.HasPrefix(content, "PART_A"):
				time.Sleep(50 * time.Millisecond)
				return "alpha findings", nil
			case strings.HasPrefix(content, "PART_B"):
				return "beta findings", nil
			default:
				return `{"merged":true}`, nil
			}
		},
	}
	m := promptstore.NewMem()
	registerTwoPhase(m)
	persister := &fakePersister{}
	p := newTestPlanner(t, m, mp, persister, 2)

	plan, err := p.Plan(context.Background(), Selection{"interview", "common_factors", "hotel"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	out, err := p.Execute(context.Background(), plan, "the transcript", PersistRecord{
		SourceName: "audio.ogg",
		Transcript: "the transcript",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != `{"merged":true}` {
		t.Errorf("out = %q", out)
	}

	var mergeInput string
	for _, c := range mp.CompleteCalls {
		if strings.HasPrefix(c.Req.Messages[0].Content, "MERGE") {
			mergeInput = c.Req.Messages[0].Content
		}
	}
	// The merge runs as its own one-stage chain, so the concatenated part
	// outputs arrive with stage-0 framing.
	if want := "MERGE\n\nalpha findings\n\nbeta findings"; mergeInput != want {
		t.Errorf("merge input = %q, want %q", mergeInput, want)
	}
	if persister.calls != 1 {
		t.Errorf("persist calls = %d, want 1", persister.calls)
	}
	if persister.audit != `{"merged":true}` {
		t.Errorf("persisted audit = %q", persister.audit)
	}
}

func TestExecuteTwoPhaseSequentialWithOneCredential(t *testing.T) {
	t.Parallel()

	mp := &llmmock.Provider{Responses: []string{"a-out", "b-out", "merged"}}
	m := promptstore.NewMem()
	registerTwoPhase(m)
	p := newTestPlanner(t, m, mp, &fakePersister{}, 1)

	plan, err := p.Plan(context.Background(), Selection{"interview", "common_factors", "hotel"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	out, err := p.Execute(context.Background(), plan, "input", PersistRecord{SourceName: "s", Transcript: "input"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "merged" {
		t.Errorf("out = %q", out)
	}
	if mp.MaxInFlight != 1 {
		t.Errorf("MaxInFlight = %d: parts ran concurrently on one credential", mp.MaxInFlight)
	}
}

func TestExecuteChainFailurePersistsNothing(t *testing.T) {
	t.Parallel()

	mp := &llmmock.Provider{Errs: []error{&llm.APIError{StatusCode: 400, Err: errors.New("bad")}}}
	m := promptstore.NewMem()
	m.Register("interview", "quality", "hotel", promptstore.Stage{Text: "p"})
	persister := &fakePersister{}
	p := newTestPlanner(t, m, mp, persister, 1)

	plan, err := p.Plan(context.Background(), Selection{"interview", "quality", "hotel"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	_, err = p.Execute(context.Background(), plan, "input", PersistRecord{SourceName: "s", Transcript: "input"})
	if err == nil {
		t.Fatal("expected chain error to surface")
	}
	if persister.calls != 0 {
		t.Errorf("persist calls = %d, want 0 after chain failure", persister.calls)
	}
}

func TestExecuteStorageFailureSurfaces(t *testing.T) {
	t.Parallel()

	m := promptstore.NewMem()
	m.Register("interview", "quality", "hotel", promptstore.Stage{Text: "p"})
	persister := &fakePersister{err: errors.New("db down")}
	p := newTestPlanner(t, m, &llmmock.Provider{Content: "report"}, persister, 1)

	plan, err := p.Plan(context.Background(), Selection{"interview", "quality", "hotel"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	_, err = p.Execute(context.Background(), plan, "input", PersistRecord{SourceName: "s", Transcript: "input"})
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Errorf("expected storage error, got %v", err)
	}
}
