package main

import (
	"fmt"
	"os"

	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Sentinel - recovery orchestration for tunneled network sessions",
	Long: `Sentinel watches a long-lived tunnel session through connection health,
network changes and traffic patterns, and turns those signals into a
minimal, ordered and rate-limited sequence of corrective operations.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Sentinel version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Sentinel version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// loadConfig reads the config file, applies persistent flag overrides and
// initialises logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("log-level") {
		level, _ := cmd.Flags().GetString("log-level")
		cfg.Log.Level = log.Level(level)
	}
	if cmd.Flags().Changed("json-logs") {
		cfg.Log.JSONOutput, _ = cmd.Flags().GetBool("json-logs")
	}
	if cmd.Flags().Lookup("metrics-addr") != nil && cmd.Flags().Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = cmd.Flags().GetString("metrics-addr")
	}
	if cmd.Flags().Lookup("data-dir") != nil && cmd.Flags().Changed("data-dir") {
		cfg.Storage.DataDir, _ = cmd.Flags().GetString("data-dir")
		cfg.Storage.Enabled = cfg.Storage.DataDir != ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Init(cfg.Log)
	metrics.SetVersion(Version)
	return cfg, nil
}
