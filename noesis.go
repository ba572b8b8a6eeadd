// Package noesis is the entry point for the belief-revision engine (spec
// §1): observation/thought intake, bidirectional exposure checking, shock
// propagation, cascade fan-out, and resolver dispatch, wired together
// behind a single App. Grounded on the teacher's akashi.go App lifecycle —
// env/config load, component construction, background-loop startup,
// phased shutdown — generalized from its HTTP-server shape (server, grant
// cache, MCP, SSE broker) to this module's library-entry-point shape (no
// network listener of its own; the scheduler and intake worker are the
// only long-running loops).
package noesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/DigiBugCat/noesis/internal/cascade"
	"github.com/DigiBugCat/noesis/internal/config"
	"github.com/DigiBugCat/noesis/internal/dispatcher"
	"github.com/DigiBugCat/noesis/internal/embedding"
	"github.com/DigiBugCat/noesis/internal/engine"
	"github.com/DigiBugCat/noesis/internal/events"
	"github.com/DigiBugCat/noesis/internal/exposure"
	"github.com/DigiBugCat/noesis/internal/intake"
	"github.com/DigiBugCat/noesis/internal/judge"
	"github.com/DigiBugCat/noesis/internal/scheduler"
	"github.com/DigiBugCat/noesis/internal/search"
	"github.com/DigiBugCat/noesis/internal/shock"
	"github.com/DigiBugCat/noesis/internal/storage"
	"github.com/DigiBugCat/noesis/internal/telemetry"
	"github.com/DigiBugCat/noesis/migrations"
	"github.com/joho/godotenv"
)

// App owns every long-lived resource the engine needs: the database pool,
// the three Qdrant collections, the embedding/judge clients, and the two
// background loops (scheduler, intake worker). Engine is the only field
// most host processes need — the rest exist to be closed on Shutdown.
type App struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	db    *storage.DB
	index *search.Index

	embedder embedding.Provider
	judge    judge.Judge

	checker    *exposure.Checker
	propagator *shock.Propagator
	cascade    *cascade.Cascade
	eventQueue *events.Queue
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	intake     *intake.Worker

	// Engine is the Creation/Mutation/Read API (spec §6.1) — the surface
	// most callers embedding this module actually use.
	Engine *engine.Engine

	schedulerDisabled bool
	otelShutdown      telemetry.Shutdown
}

// New loads configuration, connects to Postgres and Qdrant, constructs
// every internal component, and returns a ready-to-run App. It does not
// start the scheduler or intake worker — call Run for that.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := &resolvedOptions{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("noesis: load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, o.version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("noesis: init telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("noesis: connect database: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("noesis: run migrations: %w", err)
	}
	for _, extra := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extra); err != nil {
			db.Close(ctx)
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("noesis: run extra migrations: %w", err)
		}
	}

	var index *search.Index
	if cfg.QdrantURL != "" {
		idx, err := search.NewIndex(
			search.Config{URL: cfg.QdrantURL, APIKey: cfg.QdrantAPIKey, Collection: cfg.QdrantCollection + "_memory", Dims: uint64(cfg.EmbeddingDimensions)},
			search.Config{URL: cfg.QdrantURL, APIKey: cfg.QdrantAPIKey, Collection: cfg.QdrantCollection + "_invalidates", Dims: uint64(cfg.EmbeddingDimensions)},
			search.Config{URL: cfg.QdrantURL, APIKey: cfg.QdrantAPIKey, Collection: cfg.QdrantCollection + "_confirms", Dims: uint64(cfg.EmbeddingDimensions)},
			logger,
		)
		if err != nil {
			db.Close(ctx)
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("noesis: connect qdrant: %w", err)
		}
		if err := idx.EnsureCollections(ctx); err != nil {
			db.Close(ctx)
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("noesis: ensure qdrant collections: %w", err)
		}
		index = idx
	}

	embedder, err := newEmbeddingProvider(ctx, cfg, o, logger)
	if err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("noesis: init embedding provider: %w", err)
	}

	j := newJudge(cfg, o, logger)

	shockProp := shock.New(storage.NewShockStore(db))
	cascadeEngine := cascade.New(db, logger)
	checker := exposure.New(db, index, embedder, j, shockProp, cascadeEngine, logger, exposure.Config{
		MaxCandidates:      cfg.MaxCandidates,
		MinSimilarity:      float32(cfg.MinSimilarity),
		ViolationThreshold: cfg.ViolationConfidenceThreshold,
		ConfirmThreshold:   cfg.ConfirmConfidenceThreshold,
	})

	eventQueue := events.New(db, time.Duration(cfg.InactivityMillis)*time.Millisecond)

	backend, err := resolverBackend(cfg, o, logger)
	if err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("noesis: init resolver backend: %w", err)
	}
	disp := dispatcher.New(eventQueue, backend, logger)

	sched := scheduler.New(eventQueue, disp, shockProp, db, logger, cfg.SchedulerTickInterval, scheduler.DefaultDailyInterval)

	intakeWorker := intake.New(db, embedder, checker, logger)

	eng := engine.New(db, index, embedder, checker, logger)

	return &App{
		cfg:               cfg,
		version:           o.version,
		logger:            logger,
		db:                db,
		index:             index,
		embedder:          embedder,
		judge:             j,
		checker:           checker,
		propagator:        shockProp,
		cascade:           cascadeEngine,
		eventQueue:        eventQueue,
		dispatcher:        disp,
		scheduler:         sched,
		intake:            intakeWorker,
		Engine:            eng,
		schedulerDisabled: o.schedulerDisabled,
		otelShutdown:      otelShutdown,
	}, nil
}

// Run starts the intake worker and, unless disabled via
// WithSchedulerDisabled, the minute/daily scheduler, then blocks until ctx
// is cancelled. On return, resources are already closed via Shutdown.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.intake.Run(runCtx, a.cfg.IntakePollInterval)
	}()

	var schedDone chan struct{}
	if !a.schedulerDisabled {
		schedDone = make(chan struct{})
		go func() {
			defer close(schedDone)
			a.scheduler.Run(runCtx)
		}()
	}

	<-ctx.Done()
	cancel()

	// Best-effort, bounded drain (spec §3): give the in-flight intake/
	// dispatch work a grace window to finish before tearing down shared
	// resources out from under it.
	graceCtx, graceCancel := context.WithTimeout(context.Background(), a.cfg.EventFlushTimeout)
	defer graceCancel()
	waitFor := func(c <-chan struct{}) {
		if c == nil {
			return
		}
		select {
		case <-c:
		case <-graceCtx.Done():
			a.logger.Warn("noesis: shutdown grace period elapsed before loop exited")
		}
	}
	waitFor(done)
	waitFor(schedDone)

	return a.Shutdown(context.Background())
}

// Shutdown closes the database pool, the Qdrant collections, and the
// OpenTelemetry exporters. It is safe to call even if Run was never
// started, and is called automatically at the end of Run.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if a.index != nil {
		if err := a.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("noesis: close search index: %w", err))
		}
	}

	a.db.Close(ctx)

	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("noesis: shutdown telemetry: %w", err))
		}
	}

	return errors.Join(errs...)
}

// newEmbeddingProvider auto-detects OpenAI/Ollama/noop from config unless
// an override was supplied via WithEmbeddingClient, mirroring the
// teacher's own auto-detect order in akashi.go (OpenAI key present wins,
// else probe Ollama, else noop).
func newEmbeddingProvider(ctx context.Context, cfg config.Config, o *resolvedOptions, logger *slog.Logger) (embedding.Provider, error) {
	if o.embeddingClient != nil {
		return embeddingClientAdapter{o.embeddingClient}, nil
	}
	switch cfg.EmbeddingProvider {
	case "openai":
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	case "ollama":
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions), nil
	case "noop":
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions), nil
	default: // "auto"
		if cfg.OpenAIAPIKey != "" {
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		}
		if ollamaReachable(ctx, cfg.OllamaURL) {
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions), nil
		}
		logger.Warn("no embedding provider configured and ollama unreachable, falling back to noop")
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions), nil
	}
}

// ollamaReachable probes Ollama's root endpoint with a short timeout,
// the same auto-detect check the teacher's akashi.go performs before
// committing to the Ollama provider in "auto" mode.
func ollamaReachable(ctx context.Context, baseURL string) bool {
	if baseURL == "" {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, baseURL, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

// newJudge auto-detects OpenAI/noop from config unless an override was
// supplied via WithJudgeClient.
func newJudge(cfg config.Config, o *resolvedOptions, logger *slog.Logger) judge.Judge {
	if o.judgeClient != nil {
		return judgeClientAdapter{o.judgeClient}
	}
	if cfg.JudgeAPIKey != "" {
		j, err := judge.NewOpenAIJudge(cfg.JudgeAPIKey, cfg.JudgeModel)
		if err == nil {
			return j
		}
		logger.Warn("failed to construct openai judge, falling back to noop", "error", err)
	}
	return judge.NoopJudge{}
}

// resolverBackend auto-detects the resolver backend from RESOLVER_TYPE
// unless an override was supplied via WithResolverClient.
func resolverBackend(cfg config.Config, o *resolvedOptions, logger *slog.Logger) (dispatcher.Backend, error) {
	if o.resolverClient != nil {
		return resolverBackendAdapter{o.resolverClient}, nil
	}
	return dispatcher.NewBackend(cfg.ResolverType, cfg.ResolverURL, cfg.ResolverAPIKey, logger)
}
