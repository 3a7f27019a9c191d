// Package cmd implements the otus CLI: three subcommands (agent, agg,
// probe) sharing a cobra root, grounded on the teacher's cmd/root.go
// shape (PersistentFlags, an init()-time AddCommand list, Execute()).
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/otus-agent/otus/internal/logging"
)

var (
	configFile string
	verbosity  int
	jsonLogs   bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "otus",
	Short: "Otus - per-host network traffic observability agent",
	Long: `Otus captures per-host network traffic, attributes it to processes and
containers, and reports flow records to a Kentik-style ingestion API —
either directly (probe) or through a forwarding agent and a separate
aggregator (agent / agg).`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and runs it. Called
// once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (optional; flags and OTUS_* env vars always override it)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v",
		"increase log verbosity (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "emit JSON-formatted logs")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(aggCmd)
	rootCmd.AddCommand(probeCmd)
}

func initLogging() {
	logging.Init(logging.Config{Verbosity: verbosity, JSON: jsonLogs})
}

// stringOr returns the flag's own value when the user explicitly set it,
// otherwise fallback (a value resolved from the config file/environment
// via internal/config) — flags win, config.Load is just the base layer.
func stringOr(cmd *cobra.Command, flagName, current, fallback string) string {
	if cmd.Flags().Changed(flagName) {
		return current
	}
	if fallback != "" {
		return fallback
	}
	return current
}

func durationOr(cmd *cobra.Command, flagName string, current, fallback time.Duration) time.Duration {
	if cmd.Flags().Changed(flagName) {
		return current
	}
	if fallback != 0 {
		return fallback
	}
	return current
}

func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
