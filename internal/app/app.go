// Package app wires the VoxPersona components together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxpersona/voxpersona/internal/chain"
	"github.com/voxpersona/voxpersona/internal/config"
	"github.com/voxpersona/voxpersona/internal/credpool"
	"github.com/voxpersona/voxpersona/internal/daemon"
	"github.com/voxpersona/voxpersona/internal/dialog"
	"github.com/voxpersona/voxpersona/internal/gateway"
	"github.com/voxpersona/voxpersona/internal/planner"
	"github.com/voxpersona/voxpersona/internal/promptstore"
	"github.com/voxpersona/voxpersona/internal/rag"
	"github.com/voxpersona/voxpersona/internal/repository"
	"github.com/voxpersona/voxpersona/internal/session"
	"github.com/voxpersona/voxpersona/internal/transcribe"
	"github.com/voxpersona/voxpersona/pkg/provider/asr"
	asroai "github.com/voxpersona/voxpersona/pkg/provider/asr/openai"
	"github.com/voxpersona/voxpersona/pkg/provider/asr/whisper"
	oaembed "github.com/voxpersona/voxpersona/pkg/provider/embeddings/openai"
	"github.com/voxpersona/voxpersona/pkg/provider/llm"
	"github.com/voxpersona/voxpersona/pkg/provider/llm/anyllm"
)

// interviewScenario is the scenario whose transcripts pass through role
// assignment.
const interviewScenario = "interview"

// App holds every wired component. Construct with [New]; the exported fields
// are the integration surface for a front end.
type App struct {
	Prompts  promptstore.Store
	Repo     *repository.Repository
	Pool     *credpool.Pool
	Gateway  *gateway.Gateway
	Executor *chain.Executor
	Planner  *planner.Planner
	Facade   *transcribe.Facade
	Manager  *rag.Manager
	Answerer *dialog.Answerer
	Sessions *session.Store
	Daemon   *daemon.Daemon

	cfg        *config.Config
	db         *pgxpool.Pool
	metricsSrv *http.Server
}

// New builds the full component graph from cfg. The database schema is
// migrated on the way: prompt tables first, audit tables second.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("app: connect postgres: %w", err)
	}

	prompts, err := promptstore.NewPostgres(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	repo, err := repository.New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	creds := make([]credpool.Credential, len(cfg.Credentials))
	for i, c := range cfg.Credentials {
		creds[i] = credpool.Credential{ID: c.ID, Secret: c.Secret, TPM: c.TPM, RPM: c.RPM}
	}
	pool, err := credpool.New(creds, llmFactory(cfg.LLM))
	if err != nil {
		db.Close()
		return nil, err
	}

	gw := gateway.New(cfg.LLM.Model)
	exec := chain.New(pool, gw,
		chain.WithMaxTokens(cfg.LLM.MaxTokens),
		chain.WithStageDeadline(cfg.LLM.StageDeadline))
	plnr := planner.New(prompts, exec, repo, planner.WithCredentials(len(creds)))

	asrProvider, err := buildASR(cfg.ASR)
	if err != nil {
		db.Close()
		return nil, err
	}
	blobs, err := transcribe.NewDirStore(cfg.Storage.BlobDir)
	if err != nil {
		db.Close()
		return nil, err
	}
	facade := transcribe.New(blobs, asrProvider, repo, prompts, exec,
		transcribe.WithWindow(cfg.ASR.Window))

	embedder, err := oaembed.New(cfg.Embeddings.APIKey, cfg.Embeddings.Model)
	if err != nil {
		db.Close()
		return nil, err
	}
	chunker := rag.NewChunker(gateway.NewTokenCounter(cfg.LLM.Model),
		cfg.RAG.ChunkTokens, cfg.RAG.ChunkOverlap)

	var ragOpts []rag.Option
	if cfg.RAG.Durable {
		durable, err := rag.NewDurableIndex(ctx, db, embedder.Dimensions())
		if err != nil {
			db.Close()
			return nil, err
		}
		ragOpts = append(ragOpts, rag.WithDurable(durable))
	}
	manager := rag.NewManager(embedder, chunker, cfg.RAG.IndexDir, ragOpts...)

	answerer := dialog.New(prompts, exec, pool, gw, manager,
		dialog.WithTopK(cfg.Dialog.TopKFast),
		dialog.WithDeepCandidates(cfg.Dialog.DeepCandidates),
		dialog.WithMaxTokens(cfg.LLM.MaxTokens))

	a := &App{
		Prompts:  prompts,
		Repo:     repo,
		Pool:     pool,
		Gateway:  gw,
		Executor: exec,
		Planner:  plnr,
		Facade:   facade,
		Manager:  manager,
		Answerer: answerer,
		Sessions: session.NewStore(session.WithDefaultDeepSearch(cfg.Dialog.DeepSearch)),
		Daemon:   daemon.New(manager, daemon.WithPeriod(cfg.RAG.SavePeriod)),
		cfg:      cfg,
		db:       db,
	}
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
	}
	return a, nil
}

// Run starts the background index load, the metrics endpoint, and the
// snapshot daemon, then blocks until ctx is cancelled and the final index
// flush completes.
func (a *App) Run(ctx context.Context) error {
	a.Manager.LoadAllAsync(ctx)

	eg, egCtx := errgroup.WithContext(ctx)
	if a.metricsSrv != nil {
		eg.Go(func() error {
			slog.Info("metrics endpoint listening", "addr", a.metricsSrv.Addr)
			if err := a.metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: metrics server: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.metricsSrv.Shutdown(shutCtx)
		})
	}
	eg.Go(func() error {
		return a.Daemon.Run(egCtx)
	})
	return eg.Wait()
}

// Analyse runs the full pipeline for a user whose session reached the ready
// step: transcribe and label the audio, plan and execute the report chains,
// and return the user to the neutral step. The finished report text is
// returned.
func (a *App) Analyse(ctx context.Context, userID int64) (string, error) {
	snap, err := a.Sessions.Snapshot(userID)
	if err != nil {
		return "", err
	}

	mode := transcribe.ModeDesign
	if snap.Scenario == interviewScenario {
		mode = transcribe.ModeInterview
	}
	tr, err := a.Facade.TranscribeAndLabel(ctx, snap.SourceName, mode)
	if err != nil {
		return "", err
	}

	plan, err := a.Planner.Plan(ctx, planner.Selection{
		Scenario:     snap.Scenario,
		ReportType:   snap.ReportType,
		BuildingType: snap.BuildingType,
	})
	if err != nil {
		return "", err
	}

	report, err := a.Planner.Execute(ctx, plan, tr.Text, planner.PersistRecord{
		SourceName: snap.SourceName,
		Transcript: tr.Text,
		Audit: repository.AuditContext{
			Date:         snap.Date,
			Employee:     snap.Employee,
			Client:       snap.Client,
			Place:        snap.Place,
			BuildingType: snap.BuildingType,
			City:         snap.City,
			Zone:         snap.Zone,
		},
	})
	if err != nil {
		return "", err
	}

	if err := a.Sessions.Finish(userID); err != nil {
		return "", err
	}
	return report, nil
}

// Ask answers a dialog question for the user, honouring their deep-search
// preference.
func (a *App) Ask(ctx context.Context, userID int64, q string) (string, error) {
	return a.Answerer.Answer(ctx, q, a.Sessions.DeepSearch(userID))
}

// RebuildIndices regenerates every retrieval index from the stored audits.
// New audits become searchable on the next rebuild, not incrementally.
func (a *App) RebuildIndices(ctx context.Context, scenario, reportType *string) error {
	groups, err := a.Repo.GroupedReports(ctx, scenario, reportType)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := a.Manager.Build(ctx, g.ScopeKey, g.Texts); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown releases the database pool. Call after [App.Run] returns.
func (a *App) Shutdown(_ context.Context) error {
	a.db.Close()
	return nil
}

// llmFactory builds one any-llm backend per credential, so API keys never
// mix between pool slots.
func llmFactory(cfg config.LLMConfig) credpool.ProviderFactory {
	return func(cred credpool.Credential) (llm.Provider, error) {
		opts := []anyllmlib.Option{anyllmlib.WithAPIKey(cred.Secret)}
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		return anyllm.New(cfg.Provider, cfg.Model, opts...)
	}
}

// buildASR constructs the transcription backend named in cfg.
func buildASR(cfg config.ASRConfig) (asr.Provider, error) {
	switch cfg.Provider {
	case "whisper":
		var opts []whisper.Option
		if cfg.Model != "" {
			opts = append(opts, whisper.WithModel(cfg.Model))
		}
		if cfg.Language != "" {
			opts = append(opts, whisper.WithLanguage(cfg.Language))
		}
		return whisper.New(cfg.BaseURL, opts...)
	case "openai":
		var opts []asroai.Option
		if cfg.Language != "" {
			opts = append(opts, asroai.WithLanguage(cfg.Language))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, asroai.WithBaseURL(cfg.BaseURL))
		}
		return asroai.New(cfg.APIKey, cfg.Model, opts...)
	default:
		return nil, fmt.Errorf("app: unsupported asr provider %q; supported: whisper, openai", cfg.Provider)
	}
}
