// stepguard runs multi-step tool workflows behind a risk gate.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/stepguard/internal/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "stepguard",
	Short: "Risk-gated workflow execution for operational tools.",
	Long: `stepguard executes ordered workflows of tool invocations. Every step is
risk-assessed before it runs; steps above the threshold wait for an operator
decision, failures are retried or rolled back with compensating actions, and
every invocation is written to an append-only audit log.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format: json or text")

	rootCmd.AddCommand(serveCmd, runCmd, toolsCmd, auditCmd, validateCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
