package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/civicpulse/civicpulse/internal/config"
	"github.com/civicpulse/civicpulse/internal/gateway"
	"github.com/civicpulse/civicpulse/internal/gateway/httpapi"
	"github.com/civicpulse/civicpulse/internal/gateway/ws"
	"github.com/civicpulse/civicpulse/internal/ingest"
	"github.com/civicpulse/civicpulse/internal/ratelimit"
	goutils "github.com/jkaninda/go-utils"
)

// Path where the WebSocket run endpoint is mounted on the HTTP server.
const wsRunPath = "/v1/agents/run/ws"

var (
	serverConfigPath string
	serverPort       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the CivicPulse API server",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `civicpulse --config path` and `civicpulse server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverPort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServer starts the HTTP API server with the WebSocket run endpoint and,
// when configured, the scheduled 311 sync.
func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("CIVICPULSE_CONFIG", serverConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serverPort != "" {
		cfg.Server.ListenAddr = serverPort
	}

	logger.Info("starting server", slog.String("config", serverConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Scheduled 311 sync (optional).
	if cfg.Ingest != nil && cfg.Ingest.Enabled {
		syncer, err := buildSyncer(cfg, sc)
		if err != nil {
			return err
		}
		stopSync, err := syncer.Start(ctx, cfg.Ingest.CronSchedule())
		if err != nil {
			return fmt.Errorf("starting 311 sync scheduler: %w", err)
		}
		defer stopSync()
		logger.Info("311 sync scheduled",
			slog.String("schedule", cfg.Ingest.CronSchedule()),
			slog.Any("cities", cfg.Ingest.SyncCities()),
		)
	}

	gateways := buildGateways(cfg, sc)
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildGateways creates the HTTP gateway with the WebSocket run endpoint
// mounted alongside the API routes.
func buildGateways(cfg *config.Config, sc *SharedComponents) []gateway.Gateway {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})

	apiKeys := resolveAPIKeys(cfg)

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: cfg.Server.MaxRequestSize(),
		KeepAlive:      cfg.Server.KeepAlive(),
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	httpGW := httpapi.NewGateway(httpCfg, sc.Service, limiter, sc.Logger).
		WithDepartments(sc.Directory).
		WithGrader(sc.Grader).
		WithSources(sc.Sources).
		WithPipeline(sc.Pipeline, sc.Store.Runs())
	if cfg.Server.EnableDocs {
		httpGW.WithOpenAPIDocs()
	}

	// WebSocket run endpoint shares the HTTP listener.
	wsServer := ws.NewServer(sc.Pipeline, apiKeys, sc.Logger)
	httpGW.WithHandler(wsRunPath, wsServer.Handler())
	sc.Logger.Debug("websocket run endpoint mounted", slog.String("path", wsRunPath))

	return []gateway.Gateway{httpGW}
}

// resolveAPIKeys merges config keys with the CIVICPULSE_API_KEYS env override
// (comma-separated). Empty means open access.
func resolveAPIKeys(cfg *config.Config) []string {
	keys := cfg.Server.APIKeys
	if envKeys := os.Getenv("CIVICPULSE_API_KEYS"); envKeys != "" {
		for _, k := range strings.Split(envKeys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// buildSyncer creates the 311 ingest syncer for the configured cities.
func buildSyncer(cfg *config.Config, sc *SharedComponents) (*ingest.Syncer, error) {
	sources, err := ingest.BuildSources(cfg.Ingest.SyncCities(), cfg.Ingest.SocrataToken)
	if err != nil {
		return nil, fmt.Errorf("building 311 sources: %w", err)
	}

	opts := []ingest.Options{
		ingest.WithLogger(sc.Logger),
		ingest.WithFetchLimit(cfg.Ingest.FetchLimit()),
		ingest.WithFetchTimeout(cfg.Ingest.FetchTimeout()),
	}
	if sc.Obs != nil && sc.Obs.Metrics != nil {
		opts = append(opts, ingest.WithMetrics(ingest.NewMetrics(sc.Obs.Metrics.Registry)))
	}
	return ingest.New(sc.Store.Reports(), sources, opts...), nil
}
