package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/civicpulse/civicpulse/internal/agents"
	"github.com/civicpulse/civicpulse/internal/config"
	"github.com/civicpulse/civicpulse/internal/orchestrator"
	"github.com/civicpulse/civicpulse/internal/reports"
	goutils "github.com/jkaninda/go-utils"
)

var (
	analyzeConfigPath      string
	analyzeCity            string
	analyzeInput           string
	analyzeCodeInterpreter bool
	analyzeWebSearch       bool
	analyzeExtendedTools   bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the multi-agent analysis pipeline from the terminal",
	Long: `Run a full analysis for a city and stream agent output to stdout.
The run is persisted like any API-initiated run and can be inspected
afterwards via GET /v1/runs/{id}.

Examples:
  civicpulse analyze --city sf
  civicpulse analyze --city boston --input "water main complaints spiked this week" --web-search`,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	analyzeCmd.Flags().StringVar(&analyzeCity, "city", "", "city to analyze: sf, boston, or nyc (required)")
	analyzeCmd.Flags().StringVar(&analyzeInput, "input", "", "optional run input passed to the agents")
	analyzeCmd.Flags().BoolVar(&analyzeCodeInterpreter, "code-interpreter", false, "advertise code execution capability")
	analyzeCmd.Flags().BoolVar(&analyzeWebSearch, "web-search", false, "advertise web search capability")
	analyzeCmd.Flags().BoolVar(&analyzeExtendedTools, "extended-tools", false, "expose registered tools to the agents")

	_ = analyzeCmd.MarkFlagRequired("city")
}

func runAnalyze(_ *cobra.Command, _ []string) error {
	city, err := reports.ParseCity(analyzeCity)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("CIVICPULSE_CONFIG", analyzeConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := orchestrator.RunRequest{
		City:  string(city),
		Input: analyzeInput,
		Capabilities: agents.Capabilities{
			CodeInterpreter: analyzeCodeInterpreter,
			WebSearch:       analyzeWebSearch,
			ExtendedTools:   analyzeExtendedTools,
		},
	}

	return sc.Pipeline.Execute(ctx, req, &consoleEmitter{out: os.Stdout})
}

// consoleEmitter renders stream events as readable terminal output. Tokens
// from concurrent agents interleave, so each agent switch starts a labeled
// line.
type consoleEmitter struct {
	out       *os.File
	lastAgent string
}

func (e *consoleEmitter) Send(event string, data orchestrator.StreamEvent) error {
	switch event {
	case orchestrator.EventStarted:
		fmt.Fprintf(e.out, "run %s started\n", data.RunID)
	case orchestrator.EventToken:
		if data.Agent != e.lastAgent {
			if e.lastAgent != "" {
				fmt.Fprintln(e.out)
			}
			fmt.Fprintf(e.out, "[%s] ", data.Agent)
			e.lastAgent = data.Agent
		}
		fmt.Fprint(e.out, data.Text)
	case orchestrator.EventAgentDone:
		fmt.Fprintf(e.out, "\n[%s] done\n", data.Agent)
		e.lastAgent = ""
	case orchestrator.EventAgentError:
		fmt.Fprintf(e.out, "\n[%s] failed: %s\n", data.Agent, data.Error)
		e.lastAgent = ""
	case orchestrator.EventDone:
		fmt.Fprintf(e.out, "run %s complete\n", data.RunID)
	case orchestrator.EventError:
		fmt.Fprintf(e.out, "run %s failed: %s\n", data.RunID, data.Error)
	}
	return nil
}

func (e *consoleEmitter) Close() error { return nil }
