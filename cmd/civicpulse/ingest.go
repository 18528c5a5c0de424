package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/civicpulse/civicpulse/internal/config"
	"github.com/civicpulse/civicpulse/internal/ingest"
	goutils "github.com/jkaninda/go-utils"
)

var (
	ingestConfigPath string
	ingestCities     []string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch 311 cases once and store them as reports",
	Long: `Run a one-shot 311 sync for the given cities without starting the server.
Useful for seeding a fresh database or for cron-style scheduling outside
the built-in scheduler.

Examples:
  civicpulse ingest --city sf
  civicpulse ingest --city sf --city boston`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	ingestCmd.Flags().StringArrayVar(&ingestCities, "city", nil, "city to sync; repeatable (default: from config)")
}

func runIngest(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("CIVICPULSE_CONFIG", ingestConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	cities := ingestCities
	if len(cities) == 0 {
		cities = cfg.Ingest.SyncCities()
	}
	socrataToken := ""
	if cfg.Ingest != nil {
		socrataToken = cfg.Ingest.SocrataToken
	}

	sources, err := ingest.BuildSources(cities, socrataToken)
	if err != nil {
		return err
	}

	syncer := ingest.New(sc.Store.Reports(), sources,
		ingest.WithLogger(logger),
		ingest.WithFetchLimit(cfg.Ingest.FetchLimit()),
		ingest.WithFetchTimeout(cfg.Ingest.FetchTimeout()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return syncer.Sync(ctx)
}
