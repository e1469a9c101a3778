// Memoryd is the multi-tenant memory record daemon.
//
// It fronts a storage engine with native dense-vector and fulltext search,
// computes embeddings through an external HTTP endpoint, and exposes the
// memory operations over a REST API.
//
// Usage:
//
//	# Start with defaults
//	memoryd serve
//
//	# Configure via environment
//	ENGINE_HOST=engine.internal SERVER_PORT=8080 memoryd serve
//
//	# Or via config file
//	memoryd serve --config /etc/memoryd/config.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "memoryd",
	Short: "Multi-tenant memory record daemon",
	Long: `memoryd stores and retrieves memory records per tenant and project,
backed by a storage engine with hybrid vector and fulltext search.`,
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("memoryd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
