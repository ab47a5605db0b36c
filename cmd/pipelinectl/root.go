package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiURL     string
	timeout    time.Duration
	jsonOutput bool
	client     *apiClient
)

var rootCmd = &cobra.Command{
	Use:   "pipelinectl",
	Short: "Operate a jobpipe kernel over its HTTP API",
	Long: `pipelinectl enqueues work items, inspects the pipeline and manages
AI agent budgets on a running jobpipe kernel.

Examples:
  pipelinectl enqueue job https://acme.example/jobs/42
  pipelinectl list --status failed
  pipelinectl agents reset`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		client = newAPIClient(apiURL, timeout)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "url", getEnvOrDefault("JOBPIPE_URL", "http://localhost:8080"), "Kernel API URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON output")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}
