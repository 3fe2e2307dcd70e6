// Package dandori is the public API for embedding the Dandori orchestration server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := dandori.New(
//	    dandori.WithVersion(version),
//	    dandori.WithLogger(logger),
//	    dandori.WithPlanner(myInProcessPlanner{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: dandori (root) imports
// internal/*, but internal/* never imports dandori (root). Public types
// (Step, PlanRequest, Excerpt) are standalone structs with no internal
// imports; conversion adapters live here because this is the only file
// that sees both sides of the boundary.
package dandori

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/dandori/internal/auth"
	"github.com/ashita-ai/dandori/internal/checkpoint"
	"github.com/ashita-ai/dandori/internal/config"
	"github.com/ashita-ai/dandori/internal/engine"
	"github.com/ashita-ai/dandori/internal/mcp"
	"github.com/ashita-ai/dandori/internal/memory"
	"github.com/ashita-ai/dandori/internal/model"
	"github.com/ashita-ai/dandori/internal/planner"
	"github.com/ashita-ai/dandori/internal/registry"
	"github.com/ashita-ai/dandori/internal/server"
	"github.com/ashita-ai/dandori/internal/taskproto"
	"github.com/ashita-ai/dandori/internal/telemetry"
	"github.com/ashita-ai/dandori/migrations"
)

// App is the Dandori server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	store        checkpoint.Store
	pg           *checkpoint.PostgresStore // nil when running on SQLite
	sqlite       *checkpoint.SQLiteStore   // nil when running on Postgres
	reg          *registry.Registry
	eng          *engine.Engine
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Dandori server. It connects to storage, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}
	// A planner must come from somewhere: either the HTTP client built from
	// DANDORI_PLANNER_URL or an in-process WithPlanner override.
	if o.planner == nil && cfg.PlannerURL == "" {
		return nil, fmt.Errorf("config: DANDORI_PLANNER_URL is required when no in-process planner is provided")
	}

	logger.Info("dandori starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Checkpoint storage. Postgres when configured, embedded SQLite otherwise.
	var (
		store  checkpoint.Store
		pg     *checkpoint.PostgresStore
		sqlite *checkpoint.SQLiteStore
	)
	if cfg.DatabaseURL != "" {
		pg, err = checkpoint.NewPostgresStore(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := pg.RunMigrations(context.Background(), migrations.FS); err != nil {
			pg.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		for i, extraFS := range o.extraMigrations {
			if err := pg.RunMigrations(context.Background(), extraFS); err != nil {
				pg.Close()
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
			}
		}
		store = pg
		logger.Info("checkpoint store: postgres")
	} else {
		sqlite, err = checkpoint.NewSQLiteStore(cfg.SQLitePath, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		store = sqlite
		logger.Info("checkpoint store: sqlite", "path", cfg.SQLitePath)
	}

	closeStore := func() {
		if pg != nil {
			pg.Close()
		}
		if sqlite != nil {
			_ = sqlite.Close()
		}
	}

	// Task protocol client doubles as the registry's health checker.
	taskClient := taskproto.NewClient(logger)

	regOpts := []registry.Option{registry.WithHealthChecker(taskClient)}
	if pg != nil {
		regOpts = append(regOpts, registry.WithPersister(registry.NewPgPersister(pg.Pool())))
	}
	reg := registry.New(logger, regOpts...)
	if pg != nil {
		if err := reg.LoadPersisted(context.Background()); err != nil {
			logger.Warn("tool registry: load persisted descriptors failed", "error", err)
		}
	}

	dispatcher := registry.NewDispatcher(reg, taskClient, logger)

	// Planner. External override takes priority over the HTTP client.
	var plan planner.Planner
	if o.planner != nil {
		plan = &plannerAdapter{p: o.planner}
	} else {
		plan = planner.WithAvailabilityRetry(
			planner.NewHTTPPlanner(cfg.PlannerURL, cfg.PlannerTimeout, logger),
			3, time.Second,
		)
	}

	// Memory. The pgvector accessor needs Postgres and an embedder.
	var (
		mem memory.Accessor = memory.Noop{}
		rec memory.Recorder = memory.Noop{}
	)
	switch {
	case o.memory != nil:
		mem = &memoryAdapter{m: o.memory}
	case cfg.MemoryEnabled && o.embedder != nil:
		pgv := memory.NewPgVector(pg.Pool(), o.embedder, logger)
		mem = pgv
		rec = pgv
		logger.Info("memory: pgvector enabled")
	case cfg.MemoryEnabled:
		logger.Warn("memory: DANDORI_MEMORY_ENABLED is set but no embedder configured, memory disabled")
	}

	tokens, err := auth.NewTokenManager(cfg.ApproverPrivateKeyPath, cfg.ApproverPublicKeyPath, cfg.ApproverTokenTTL)
	if err != nil {
		closeStore()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	var apiKeyHash string
	if cfg.APIKey != "" {
		apiKeyHash, err = auth.HashAPIKey(cfg.APIKey)
		if err != nil {
			closeStore()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: hash api key: %w", err)
		}
	} else {
		logger.Warn("api auth disabled (DANDORI_API_KEY not set)")
	}

	eng := engine.New(engine.Config{
		Planner:           plan,
		Dispatcher:        dispatcher,
		Tools:             reg,
		Store:             store,
		Memory:            mem,
		Recorder:          rec,
		Logger:            logger,
		MaxIterations:     cfg.MaxIterations,
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
	})

	mcpSrv := mcp.New(eng, reg, version, logger)

	var pinger server.Pinger
	if pg != nil {
		pinger = pg
	}

	srv := server.New(server.ServerConfig{
		Engine:               eng,
		Registry:             reg,
		Logger:               logger,
		Tokens:               tokens,
		RequireApproverToken: cfg.RequireApproverToken,
		Pinger:               pinger,
		MCPServer:            mcpSrv.MCPServer(),
		Port:                 cfg.Port,
		ReadTimeout:          cfg.ReadTimeout,
		WriteTimeout:         cfg.WriteTimeout,
		Version:              version,
		MaxRequestBodyBytes:  cfg.MaxRequestBodyBytes,
		APIKeyHash:           apiKeyHash,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		pg:           pg,
		sqlite:       sqlite,
		reg:          reg,
		eng:          eng,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background refresh loop and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return, Shutdown
// is called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	go a.reg.RefreshLoop(ctx, a.cfg.ToolRefreshInterval)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) drain active run loops so every run reaches a durable checkpoint.
// It then closes the checkpoint store and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("dandori shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	engCtx, engCancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.eng.Shutdown(engCtx); err != nil {
		a.logger.Error("engine drain incomplete, active runs will resume from their last checkpoint", "error", err)
	}
	engCancel()

	if a.pg != nil {
		a.pg.Close()
	}
	if a.sqlite != nil {
		_ = a.sqlite.Close()
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("dandori stopped")
	return nil
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// plannerAdapter wraps a public dandori.Planner to satisfy the internal
// planner.Planner. It converts internal model types at the boundary.
type plannerAdapter struct {
	p Planner
}

func (a *plannerAdapter) Plan(ctx context.Context, req planner.Request) (model.PlanStep, error) {
	step, err := a.p.Plan(ctx, toPublicRequest(req))
	if err != nil {
		return model.PlanStep{}, err
	}
	return toInternalStep(step), nil
}

// memoryAdapter wraps a public dandori.MemoryAccessor to satisfy memory.Accessor.
type memoryAdapter struct {
	m MemoryAccessor
}

func (a *memoryAdapter) Retrieve(ctx context.Context, threadID uuid.UUID, query string, limit int) ([]model.MemoryExcerpt, error) {
	excerpts, err := a.m.Retrieve(ctx, threadID, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.MemoryExcerpt, len(excerpts))
	for i, e := range excerpts {
		out[i] = model.MemoryExcerpt{
			ThreadID: threadID,
			Content:  e.Content,
			Source:   e.Source,
			Score:    e.Score,
		}
	}
	return out, nil
}

// ── Type converters ────────────────────────────────────────────────────────────

func toPublicRequest(req planner.Request) PlanRequest {
	out := PlanRequest{
		ThreadID: req.ThreadID,
		RunID:    req.RunID,
		Messages: make([]Message, len(req.Messages)),
		Tools:    make([]ToolInfo, len(req.Tools)),
	}
	for i, m := range req.Messages {
		out.Messages[i] = Message{
			Role:        string(m.Role),
			Content:     m.Content,
			SequenceNum: m.SequenceNum,
		}
	}
	for i, t := range req.Tools {
		out.Tools[i] = ToolInfo{
			Name:        t.Name,
			InputSchema: t.InputSchema,
			Endpoint:    t.Endpoint,
			Available:   t.Available,
		}
	}
	for _, e := range req.Excerpts {
		out.Excerpts = append(out.Excerpts, Excerpt{
			Content: e.Content,
			Source:  e.Source,
			Score:   e.Score,
		})
	}
	return out
}

func toInternalStep(s Step) model.PlanStep {
	return model.PlanStep{
		Kind:           model.StepKind(s.Kind),
		Reasoning:      s.Reasoning,
		ToolName:       s.ToolName,
		Arguments:      s.Arguments,
		ProposedAction: s.ProposedAction,
		ApprovalReason: s.ApprovalReason,
		Answer:         s.Answer,
	}
}
