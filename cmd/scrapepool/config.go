package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"scrapepool/pkg/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage scrapepool configuration",
}

// configShowCmd represents the config show command
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the configuration after applying all sources in precedence
order: environment variables, .env file, config file, defaults.`,
	Run: runConfigShow,
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Args:  cobra.MaximumNArgs(1),
	Run:   runConfigInit,
}

// configValidateCmd represents the config validate command
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Run:   runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal configuration: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(data))
}

func runConfigInit(cmd *cobra.Command, args []string) {
	path := ".scrapepool.yaml"
	if len(args) > 0 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "Config file already exists: %s\n", path)
		os.Exit(1)
	}

	if err := config.DefaultConfig().Save(path); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write config file: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Default configuration written to %s\n", path)
}

func runConfigValidate(cmd *cobra.Command, args []string) {
	// Load applies validation after merging all sources
	_ = loadConfig()
	fmt.Println("Configuration is valid.")
}
