// Marchog Core - display fleet control plane
//
// This is the main entry point for the marchog binary. "marchog serve"
// runs the control plane; the other commands validate configuration or
// drive a running server over its command API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configPath is bound to the persistent --config flag.
var configPath string

var rootCmd = &cobra.Command{
	Use:           "marchog",
	Short:         "Marchog display fleet control plane",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "marchog %s (commit %s, built %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getConfigPath(),
		"config file path (env MARCHOG_CONFIG)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getConfigPath returns the configuration file path.
// Uses MARCHOG_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MARCHOG_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
