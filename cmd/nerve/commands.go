// commands.go contains all cobra command definitions and their flag
// configurations. Each builder function creates a command and wires it to
// its handler in handlers.go.
package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nervehq/nerve/pkg/nerveapi"
)

// =============================================================================
// Serve command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the nerve daemon",
		Long: `Start the nerve daemon with its configured transports.

The daemon will:
1. Load configuration from the specified file (or nerve.yaml)
2. Acquire the daemon's singleton lock for that config
3. Start the enabled transports (unix socket, TCP, HTTP/WebSocket)
4. Serve CREATE_SESSION/RUN_GRAPH/EXECUTE_WORKFLOW/... commands

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  nerve serve

  # Start with a custom config
  nerve serve --config /etc/nerve/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Status command
// =============================================================================

func buildStatusCmd() *cobra.Command {
	var apiAddr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), apiAddr)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "http://127.0.0.1:7791", "Daemon HTTP transport address")
	return cmd
}

// =============================================================================
// Session command group
// =============================================================================

func buildSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage daemon sessions",
	}
	cmd.AddCommand(buildSessionCreateCmd(), buildSessionListCmd(), buildSessionDeleteCmd())
	return cmd
}

func buildSessionCreateCmd() *cobra.Command {
	var apiAddr, workspaceRoot string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiAddr)
			reply, err := client.call(cmd.Context(), nerveapi.CreateSession, nerveapi.CreateSessionParams{WorkspaceRoot: workspaceRoot})
			if err != nil {
				return err
			}
			return printPayload(reply)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "http://127.0.0.1:7791", "Daemon HTTP transport address")
	cmd.Flags().StringVar(&workspaceRoot, "workspace", ".", "Workspace root for the new session")
	return cmd
}

func buildSessionListCmd() *cobra.Command {
	var apiAddr string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiAddr)
			reply, err := client.call(cmd.Context(), nerveapi.ListSessions, nil)
			if err != nil {
				return err
			}
			return printPayload(reply)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "http://127.0.0.1:7791", "Daemon HTTP transport address")
	return cmd
}

func buildSessionDeleteCmd() *cobra.Command {
	var apiAddr, sessionID string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiAddr)
			_, err := client.call(cmd.Context(), nerveapi.DeleteSession, map[string]string{"session_id": sessionID})
			return err
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "http://127.0.0.1:7791", "Daemon HTTP transport address")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id to delete")
	return cmd
}

// =============================================================================
// Graph command group
// =============================================================================

func buildGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Run and interrupt node graphs",
	}
	cmd.AddCommand(buildGraphRunCmd(), buildGraphInterruptCmd())
	return cmd
}

func buildGraphRunCmd() *cobra.Command {
	var apiAddr, sessionID, graphID, inputJSON string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a graph against a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			var input any
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return fmt.Errorf("parse --input: %w", err)
				}
			}
			client := newAPIClient(apiAddr)
			reply, err := client.call(cmd.Context(), nerveapi.RunGraph, nerveapi.RunGraphParams{
				SessionID: sessionID,
				GraphID:   graphID,
				Input:     input,
			})
			if err != nil {
				return err
			}
			return printPayload(reply)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "http://127.0.0.1:7791", "Daemon HTTP transport address")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	cmd.Flags().StringVar(&graphID, "graph", "", "Graph id")
	cmd.Flags().StringVar(&inputJSON, "input", "", "JSON input for the entry node(s)")
	return cmd
}

func buildGraphInterruptCmd() *cobra.Command {
	var apiAddr, sessionID, graphID string
	cmd := &cobra.Command{
		Use:   "interrupt",
		Short: "Interrupt a running graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiAddr)
			_, err := client.call(cmd.Context(), nerveapi.InterruptGraph, map[string]string{
				"session_id": sessionID,
				"graph_id":   graphID,
			})
			return err
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "http://127.0.0.1:7791", "Daemon HTTP transport address")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	cmd.Flags().StringVar(&graphID, "graph", "", "Graph id")
	return cmd
}

// =============================================================================
// Workflow command group
// =============================================================================

func buildWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Execute workflows and answer gates",
	}
	cmd.AddCommand(buildWorkflowExecuteCmd(), buildWorkflowAnswerGateCmd())
	return cmd
}

func buildWorkflowExecuteCmd() *cobra.Command {
	var apiAddr, sessionID, workflowID, inputJSON string
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Start a workflow run",
		RunE: func(cmd *cobra.Command, args []string) error {
			var input any
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return fmt.Errorf("parse --input: %w", err)
				}
			}
			client := newAPIClient(apiAddr)
			reply, err := client.call(cmd.Context(), nerveapi.ExecuteWorkflow, nerveapi.ExecuteWorkflowParams{
				SessionID:  sessionID,
				WorkflowID: workflowID,
				Input:      input,
			})
			if err != nil {
				return err
			}
			return printPayload(reply)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "http://127.0.0.1:7791", "Daemon HTTP transport address")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "Workflow id")
	cmd.Flags().StringVar(&inputJSON, "input", "", "JSON input for the workflow")
	return cmd
}

func buildWorkflowAnswerGateCmd() *cobra.Command {
	var apiAddr, sessionID, runID, gateID, valueJSON string
	cmd := &cobra.Command{
		Use:   "answer-gate",
		Short: "Answer a suspended workflow gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any
			if valueJSON != "" {
				if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
					return fmt.Errorf("parse --value: %w", err)
				}
			}
			client := newAPIClient(apiAddr)
			_, err := client.call(cmd.Context(), nerveapi.AnswerGate, nerveapi.AnswerGateParams{
				SessionID: sessionID,
				RunID:     runID,
				GateID:    gateID,
				Value:     value,
			})
			return err
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "http://127.0.0.1:7791", "Daemon HTTP transport address")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	cmd.Flags().StringVar(&runID, "run", "", "Workflow run id")
	cmd.Flags().StringVar(&gateID, "gate", "", "Gate id")
	cmd.Flags().StringVar(&valueJSON, "value", "", "JSON value to answer the gate with")
	return cmd
}
