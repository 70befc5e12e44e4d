// Package planner turns a confirmed report selection into one or more prompt
// chains, runs them, and persists the finished report atomically.
//
// The plan shape is derived from the resolved prompt set: a set whose
// non-JSON stages fall into exactly two run-part groups alongside one JSON
// merge stage becomes a two-phase plan (both parts run on the same input,
// their outputs concatenated in part order and fed to the merge stage);
// everything else runs as one linear chain.
package planner

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/voxpersona/voxpersona/internal/chain"
	"github.com/voxpersona/voxpersona/internal/observe"
	"github.com/voxpersona/voxpersona/internal/promptstore"
	"github.com/voxpersona/voxpersona/internal/repository"
)

// mergeSeparator joins the two phase outputs before the merge stage.
const mergeSeparator = "\n\n"

// Mode is the closed set of plan shapes.
type Mode int

const (
	// ModeSingle runs all stages as one linear chain.
	ModeSingle Mode = iota

	// ModeTwoPhaseMergeJSON runs two part-chains on the same input and merges
	// their outputs through a JSON-formatting stage.
	ModeTwoPhaseMergeJSON
)

// String returns the snake_case name of the mode.
func (m Mode) String() string {
	if m == ModeTwoPhaseMergeJSON {
		return "two_phase_merge_json"
	}
	return "single"
}

// Selection names the confirmed (scenario, report type, building type)
// triple a report is generated for.
type Selection struct {
	Scenario     string
	ReportType   string
	BuildingType string
}

// Plan is an executable report plan produced by [Planner.Plan].
type Plan struct {
	Mode   Mode
	Triple promptstore.Triple

	// Single holds the linear chain for ModeSingle.
	Single []promptstore.Stage

	// PartA and PartB hold the two phase chains for ModeTwoPhaseMergeJSON;
	// Merge is the JSON stage their concatenated outputs feed.
	PartA []promptstore.Stage
	PartB []promptstore.Stage
	Merge promptstore.Stage
}

// PersistRecord carries everything the repository needs to store the
// finished report alongside its provenance.
type PersistRecord struct {
	// SourceName is the audio source identity; transcription rows are keyed
	// by it.
	SourceName string

	// Transcript is the labelled transcript the chains ran over.
	Transcript string

	// Audit is the dimension context collected from the user.
	Audit repository.AuditContext
}

// Persister stores a finished analysis atomically. *repository.Repository
// satisfies it.
type Persister interface {
	PersistAnalysis(ctx context.Context, sourceName, transcript, auditText string, c repository.AuditContext, t repository.TripleIDs) (int64, error)
}

// Planner plans and executes report generation. It is stateless and safe for
// concurrent use.
type Planner struct {
	prompts     promptstore.Store
	exec        *chain.Executor
	persister   Persister
	credentials int
	metrics     *observe.Metrics
}

// Option configures a Planner during construction.
type Option func(*Planner)

// WithCredentials tells the planner how many credentials the pool holds;
// two-phase plans run their parts concurrently only when at least two are
// available. Default 1.
func WithCredentials(n int) Option {
	return func(p *Planner) { p.credentials = n }
}

// WithMetrics replaces the metrics sink. Default is observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Planner) { p.metrics = m }
}

// New constructs a Planner.
func New(prompts promptstore.Store, exec *chain.Executor, persister Persister, opts ...Option) *Planner {
	p := &Planner{
		prompts:     prompts,
		exec:        exec,
		persister:   persister,
		credentials: 1,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Plan resolves sel's prompts and derives the plan shape. Unknown triples
// surface fault.InvalidReference.
func (p *Planner) Plan(ctx context.Context, sel Selection) (*Plan, error) {
	triple, err := p.prompts.ResolveTriple(ctx, sel.Scenario, sel.ReportType, sel.BuildingType)
	if err != nil {
		return nil, err
	}
	stages, err := p.prompts.ResolvePrompts(ctx, sel.Scenario, sel.ReportType, sel.BuildingType)
	if err != nil {
		return nil, err
	}

	var (
		jsonStages []promptstore.Stage
		parts      = make(map[int][]promptstore.Stage)
	)
	for _, st := range stages {
		if st.JSON {
			jsonStages = append(jsonStages, st)
			continue
		}
		parts[st.RunPart] = append(parts[st.RunPart], st)
	}

	if len(parts) == 2 && len(jsonStages) == 1 {
		keys := make([]int, 0, 2)
		for k := range parts {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		return &Plan{
			Mode:   ModeTwoPhaseMergeJSON,
			Triple: triple,
			PartA:  parts[keys[0]],
			PartB:  parts[keys[1]],
			Merge:  jsonStages[0],
		}, nil
	}

	// Linear fallback: stable order, JSON stage last when present.
	single := make([]promptstore.Stage, 0, len(stages))
	for _, st := range stages {
		if !st.JSON {
			single = append(single, st)
		}
	}
	single = append(single, jsonStages...)
	return &Plan{Mode: ModeSingle, Triple: triple, Single: single}, nil
}

// Execute runs the plan over inputText, persists the finished report, and
// returns it. Persistence is all-or-nothing: a chain failure or a storage
// failure leaves no partial rows behind.
func (p *Planner) Execute(ctx context.Context, plan *Plan, inputText string, rec PersistRecord) (string, error) {
	start := time.Now()

	var final string
	var err error
	switch plan.Mode {
	case ModeTwoPhaseMergeJSON:
		final, err = p.executeTwoPhase(ctx, plan, inputText)
	default:
		final, err = p.exec.Run(ctx, plan.Single, inputText)
	}
	if err != nil {
		return "", err
	}

	if _, err := p.persister.PersistAnalysis(ctx, rec.SourceName, rec.Transcript, final,
		rec.Audit, repository.TripleIDs(plan.Triple)); err != nil {
		return "", err
	}

	p.metrics.ReportsProduced.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", plan.Mode.String())))
	p.metrics.ChainDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("plan", plan.Mode.String())))
	return final, nil
}

// executeTwoPhase runs both parts over the same input — concurrently when
// the pool holds at least two credentials — concatenates part A's output
// before part B's regardless of finish order, and feeds the result to the
// merge stage.
func (p *Planner) executeTwoPhase(ctx context.Context, plan *Plan, inputText string) (string, error) {
	var outA, outB string

	if p.credentials >= 2 {
		eg, egCtx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			out, err := p.exec.Run(egCtx, plan.PartA, inputText)
			outA = out
			return err
		})
		eg.Go(func() error {
			out, err := p.exec.Run(egCtx, plan.PartB, inputText)
			outB = out
			return err
		})
		if err := eg.Wait(); err != nil {
			return "", err
		}
	} else {
		var err error
		if outA, err = p.exec.Run(ctx, plan.PartA, inputText); err != nil {
			return "", err
		}
		if outB, err = p.exec.Run(ctx, plan.PartB, inputText); err != nil {
			return "", err
		}
	}

	merged := outA + mergeSeparator + outB
	return p.exec.Run(ctx, []promptstore.Stage{plan.Merge}, merged)
}
