// CivicPulse — community-driven 311 reporting and analysis platform.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "civicpulse",
	Short: "CivicPulse — civic issue reporting with AI-assisted analysis.",
	Long: `CivicPulse collects civic issue reports from residents and municipal 311
feeds, and analyzes them with a staged multi-agent LLM pipeline that streams
its findings in real time over SSE and WebSocket.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, analyzeCmd, ingestCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
