// commands.go contains all cobra command definitions and their flag
// configurations. Each command builder creates a command and wires it to
// its handler.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigName = "agentloop.yaml"

func defaultConfigPath() string {
	if path := os.Getenv("AGENTLOOP_CONFIG"); path != "" {
		return path
	}
	return defaultConfigName
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentloop",
		Short: "Agentloop - envelope-driven agent runtime",
		Long: `Agentloop runs goal-driven agent sessions: each decision cycle the model
emits one JSON envelope, the runtime dispatches it (tool calls, plans,
clarifications, approvals), and the loop continues until a terminal state.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)
Tool backends: built-in filesystem tools, MCP (stdio, SSE, direct HTTP)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildMcpCmd(),
		buildConfigCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}

func buildRunCmd() *cobra.Command {
	var (
		configPath  string
		autoApprove bool
		resumeID    string
	)

	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Run an agent session",
		Long: `Run an agent session. With a goal argument the session runs once and
exits 0 on success, 1 on failure. Without arguments an interactive REPL
starts; type /help for the available meta-commands.`,
		Example: `  # Interactive session
  agentloop run

  # One-shot goal
  agentloop run "Create hello.txt with 'Hello World'"

  # Auto-approve confirmations
  agentloop run --auto "Reorganize the docs directory"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := ""
			if len(args) == 1 {
				goal = args[0]
			}
			return runRun(cmd.Context(), configPath, goal, autoApprove, resumeID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to configuration file")
	cmd.Flags().BoolVar(&autoApprove, "auto", false,
		"Auto-approve confirmation envelopes")
	cmd.Flags().StringVar(&resumeID, "resume", "",
		"Resume a persisted session by id")
	return cmd
}

func buildMcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect and call MCP servers",
	}
	cmd.AddCommand(buildMcpServersCmd(), buildMcpToolsCmd(), buildMcpCallCmd())
	return cmd
}

func buildMcpServersCmd() *cobra.Command {
	var registryPath string
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List registered MCP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMcpServers(cmd, registryPath)
		},
	}
	cmd.Flags().StringVar(&registryPath, "registry", "mcpServers.json",
		"Path to the server registry file")
	return cmd
}

func buildMcpToolsCmd() *cobra.Command {
	var (
		registryPath string
		server       string
	)
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools a server exposes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMcpTools(cmd.Context(), cmd, registryPath, server)
		},
	}
	cmd.Flags().StringVar(&registryPath, "registry", "mcpServers.json",
		"Path to the server registry file")
	cmd.Flags().StringVar(&server, "server", "",
		"Server label (defaults to the registry's default)")
	return cmd
}

func buildMcpCallCmd() *cobra.Command {
	var (
		registryPath string
		server       string
		argsJSON     string
	)
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Call one tool on a server",
		Example: `  agentloop mcp call web_search --server search --args '{"query": "golang"}'`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMcpCall(cmd.Context(), cmd, registryPath, server, args[0], argsJSON)
		},
	}
	cmd.Flags().StringVar(&registryPath, "registry", "mcpServers.json",
		"Path to the server registry file")
	cmd.Flags().StringVar(&server, "server", "",
		"Server label (defaults to the registry's default)")
	cmd.Flags().StringVar(&argsJSON, "args", "{}",
		"Tool arguments as a JSON object")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and describe the configuration",
	}

	var configPath string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to configuration file")

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}

	cmd.AddCommand(validateCmd, schemaCmd)
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}

	var configPath string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd.Context(), cmd, configPath)
		},
	}
	listCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to configuration file")

	cmd.AddCommand(listCmd)
	return cmd
}
