// Package main provides the CLI entry point for the nerve workspace runtime.
//
// nerve runs a daemon that manages long- and short-lived node sessions,
// executes node graphs and multi-step workflows against them, and exposes
// that control plane over a unix socket, TCP, or HTTP/WebSocket transport.
//
// # Basic Usage
//
// Start the daemon:
//
//	nerve serve --config nerve.yaml
//
// Check daemon status:
//
//	nerve status
//
// Run a graph against a running daemon:
//
//	nerve graph run --session s1 --graph g1 --input '{"text":"hi"}'
//
// # Environment Variables
//
//   - NERVE_CONFIG: Path to configuration file (default: nerve.yaml)
//   - OPENROUTER_API_KEY: API key for the OpenRouter-backed node provider
//   - GLM_API_KEY: API key for the GLM-backed node provider
//   - NERVE_SOCKET_PATH, NERVE_TCP_PORT, NERVE_HTTP_PORT: transport overrides
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached,
// separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nerve",
		Short: "nerve - workspace node/graph/workflow runtime",
		Long: `nerve runs nodes (LLM calls, shell commands, persistent terminals,
MCP tools) wired into graphs and multi-step workflows, fronted by a daemon
command plane reachable over a unix socket, TCP, or HTTP/WebSocket.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildSessionCmd(),
		buildGraphCmd(),
		buildWorkflowCmd(),
	)

	return rootCmd
}

func resolveConfigPath(path string) string {
	if path == "" {
		if env := os.Getenv("NERVE_CONFIG"); env != "" {
			return env
		}
		return "nerve.yaml"
	}
	return path
}
