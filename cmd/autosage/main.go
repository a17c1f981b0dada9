// Package main provides the CLI entry point for the AutoSage solver backend.
//
// AutoSage exposes scientific solver tools behind an OpenAI-compatible HTTP
// API: synchronous tool execution, asynchronous jobs with persisted
// workspaces and streaming agent sessions.
//
// Start the server:
//
//	autosage serve --config autosage.yaml
//
// Print build information:
//
//	autosage version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autosage",
		Short: "AutoSage - agentic solver backend",
		Long: `AutoSage serves scientific solver tools behind an OpenAI-compatible API.

Surfaces: synchronous tool execution, asynchronous jobs with persisted
artifacts, and streaming agent sessions that chain geometry fitting,
meshing, circuit simulation and rendering over uploaded models.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "autosage %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
			return nil
		},
	}
}
