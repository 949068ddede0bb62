package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"scrapepool/pkg/config"
	"scrapepool/pkg/logger"
)

var (
	// Version information
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "scrapepool",
	Short: "Credential and proxy pool scheduler for scraping workloads",
	Long: `scrapepool multiplexes many rate-limited, ban-prone accounts and
proxies to sustain a data-collection workload without tripping
anti-abuse defenses.

Features:
  - Exclusive identity leases with least-recently-used rotation
  - Per-identity sliding windows and randomized inter-request delays
  - Proxy health tracking with circuit-breaker recovery
  - Bounded, jittered retry with error classification
  - Secure credential storage using the system keychain
  - Persisted sessions with expiry-driven re-authentication`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is .scrapepool.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`scrapepool {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig loads configuration and initializes the global logger
func loadConfig() *config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logger.Initialize(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	return cfg
}
