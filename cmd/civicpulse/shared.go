package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/civicpulse/civicpulse/internal/agents"
	"github.com/civicpulse/civicpulse/internal/config"
	"github.com/civicpulse/civicpulse/internal/data311"
	"github.com/civicpulse/civicpulse/internal/geo"
	"github.com/civicpulse/civicpulse/internal/ingest"
	"github.com/civicpulse/civicpulse/internal/llm"
	"github.com/civicpulse/civicpulse/internal/llm/anthropic"
	"github.com/civicpulse/civicpulse/internal/llm/gemini"
	"github.com/civicpulse/civicpulse/internal/llm/openai"
	"github.com/civicpulse/civicpulse/internal/observability"
	"github.com/civicpulse/civicpulse/internal/orchestrator"
	"github.com/civicpulse/civicpulse/internal/reports"
	"github.com/civicpulse/civicpulse/internal/storage"
	pgstore "github.com/civicpulse/civicpulse/internal/storage/postgres"
	sqlitestore "github.com/civicpulse/civicpulse/internal/storage/sqlite"
	"github.com/civicpulse/civicpulse/internal/tools"
	"github.com/civicpulse/civicpulse/internal/tools/database"
	mcptools "github.com/civicpulse/civicpulse/internal/tools/mcp"
)

// SharedComponents holds all initialized subsystems that the server, analyze,
// and sync commands require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // Unified store (SQLite or PostgreSQL).

	Obs            *observability.Observability
	Provider       llm.Provider          // Request/response provider with fallback chain, used for grading.
	StreamProvider llm.StreamingProvider // Primary streaming provider driving the agent pipeline.
	Service        *reports.Service
	Directory      *reports.Directory
	Grader         *reports.Grader
	Sources        map[reports.City]data311.Source
	ToolReg        *tools.Registry
	Pipeline       *orchestrator.Pipeline

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization shared between the server and
// CLI commands. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// LLM providers.
	streamProvider, provider, err := newLLMProviders(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing LLM provider: %w", err)
	}
	logger.Debug("llm provider initialized", slog.String("provider", streamProvider.Name()))

	if obs != nil && obs.Metrics != nil {
		streamProvider = observability.NewInstrumentedProvider(
			streamProvider, obs.Metrics, obs.TracerOrNil(),
		)
	}
	sc.StreamProvider = streamProvider
	if provider == nil {
		provider = streamProvider
	}
	sc.Provider = provider

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	// Run migrations.
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Geocoder (optional; report creation requires it).
	var geocoder geo.Geocoder
	if cfg.Geocoding != nil && cfg.Geocoding.MapboxToken != "" {
		geocoder = geo.NewClient(cfg.Geocoding.MapboxToken, logger)
		logger.Debug("geocoder initialized")
	}

	// Report service and department directory.
	sc.Service = reports.NewService(store.Reports(), store.Comments(), geocoder, logger)

	directory, err := reports.LoadDirectory(cfg.DepartmentsPath(), geocoder, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("loading department directory: %w", err)
	}
	sc.Directory = directory

	// AI grader over the fallback-capable provider.
	sc.Grader = reports.NewGrader(sc.Provider, logger)

	// 311 feed clients, keyed by city. NYC has no public feed.
	socrataToken := ""
	if cfg.Ingest != nil {
		socrataToken = cfg.Ingest.SocrataToken
	}
	sourceList, err := ingest.BuildSources([]string{"sf", "boston"}, socrataToken)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("building 311 sources: %w", err)
	}
	sc.Sources = make(map[reports.City]data311.Source, len(sourceList))
	for _, src := range sourceList {
		sc.Sources[src.City()] = src
	}

	// Tool registry for extended agent capabilities.
	toolReg := tools.NewRegistry()

	dbDSN := cfg.Tools.Database.DSN
	if dbDSN != "" {
		dbTool := database.New(database.Config{
			DSN:            dbDSN,
			MaxRows:        cfg.Tools.Database.MaxRows,
			TimeoutSeconds: cfg.Tools.Database.TimeoutSeconds,
		}, logger)
		toolReg.Register(dbTool)
		sc.addCleanup(func() {
			if err := dbTool.Close(); err != nil {
				logger.Error("closing database tool", slog.String("error", err.Error()))
			}
		})
	}

	// MCP tool servers.
	if len(cfg.Tools.MCP) > 0 {
		mcpBridge := mcptools.NewBridge(logger)
		mcpCtx, mcpCancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, mcpCfg := range cfg.Tools.MCP {
			mcpToolList, mcpErr := mcpBridge.ConnectAndDiscover(mcpCtx, mcpCfg)
			if mcpErr != nil {
				logger.Error("MCP server failed, skipping",
					slog.String("server", mcpCfg.Name),
					slog.String("error", mcpErr.Error()),
				)
				continue
			}
			for _, t := range mcpToolList {
				toolReg.Register(t)
			}
		}
		mcpCancel()
		sc.addCleanup(mcpBridge.Close)
	}
	sc.ToolReg = toolReg
	logger.Debug("tools registered", slog.Any("tools", toolReg.List()))

	// Agent invoker with optional tool access.
	invokerOpts := []agents.Option{
		agents.WithTimeout(cfg.Agents.AgentTimeout()),
	}
	if len(toolReg.List()) > 0 {
		var executor agents.ToolExecutor = toolReg
		if obs != nil && obs.Metrics != nil {
			executor = observability.NewInstrumentedToolExecutor(executor, obs.Metrics, obs.TracerOrNil())
		}
		invokerOpts = append(invokerOpts, agents.WithTools(executor))
	}
	invoker := agents.NewInvoker(sc.StreamProvider, logger, invokerOpts...)

	// Multi-agent run pipeline.
	registry := orchestrator.NewRegistry(store.Runs(), logger)
	pipelineOpts := []orchestrator.PipelineOption{
		orchestrator.WithConcurrency(cfg.Agents.Concurrency()),
		orchestrator.WithMaxDuration(cfg.Agents.RunTimeout()),
	}
	if obs != nil && obs.Metrics != nil {
		pipelineOpts = append(pipelineOpts, orchestrator.WithMetrics(
			orchestrator.NewRunMetrics(obs.Metrics.Registry),
		))
	}
	sc.Pipeline = orchestrator.NewPipeline(registry, invoker, logger, pipelineOpts...)

	// Health checks.
	if obs != nil && obs.Health != nil {
		if cfg.Observability.Health == nil || cfg.Observability.Health.IncludeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
	}

	return sc, nil
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}

	if envDSN := os.Getenv("CIVICPULSE_DB_DSN"); envDSN != "" {
		dsn = envDSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or CIVICPULSE_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}

// newLLMProviders builds the primary streaming provider and, when a fallback
// chain is configured, a separate request/response provider that tries each
// fallback in order. The chain buffers responses, so the streaming pipeline
// always talks to the primary directly.
func newLLMProviders(cfg *config.Config, logger *slog.Logger) (llm.StreamingProvider, llm.Provider, error) {
	primary, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	if len(cfg.Providers.Fallback) == 0 {
		return primary, nil, nil
	}

	providers := []llm.Provider{primary}
	for _, name := range cfg.Providers.Fallback {
		fb, err := buildProvider(name, cfg, logger)
		if err != nil {
			logger.Warn("skipping fallback provider",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		providers = append(providers, fb)
	}
	if len(providers) == 1 {
		return primary, nil, nil
	}
	return primary, llm.NewFallbackProvider(providers, logger), nil
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.StreamingProvider, error) {
	switch name {
	case "openai", "":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "anthropic":
		return anthropic.NewClient(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.Anthropic.Model,
			logger,
		), nil
	case "gemini":
		var opts []gemini.Option
		if cfg.Providers.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Providers.Gemini.BaseURL))
		}
		client := gemini.NewClient(
			cfg.Providers.Gemini.APIKey,
			cfg.Providers.Gemini.Model,
			logger,
			opts...,
		)
		// The Gemini client is request/response only; buffer its output
		// so the streaming pipeline can still use it.
		return &llm.NonStreamingAdapter{Provider: client}, nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}
