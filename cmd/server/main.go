// Package main is the CLI entry point for the governed agent execution
// runtime. The serve command's structure (cobra root, config-path flag,
// signal.NotifyContext graceful shutdown) follows the teacher's
// cmd/nexus serve command.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:   "governedrun-server",
		Short: "Run the governed agent execution runtime",
	}
	root.AddCommand(buildServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the governed agent execution runtime.

The server will:
1. Load configuration from the given path (or environment variables alone)
2. Open the embedded store and run migrations
3. Wire tenancy, budget, workspace, skills, provider, and governance services
4. Start the HTTP server

Graceful shutdown is handled on SIGINT/SIGTERM: new requests stop being
accepted, in-flight requests drain up to a grace period, then the
process exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}
