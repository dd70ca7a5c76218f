// Package main provides the CLI entry point for the agentloop runtime.
//
// Agentloop runs goal-driven agent sessions against an LLM provider
// (Anthropic, OpenAI) with built-in filesystem tools or tools served over
// MCP (stdio, SSE, or direct HTTP).
//
// # Basic Usage
//
// Start an interactive session:
//
//	agentloop run
//
// Run a single goal non-interactively:
//
//	agentloop run "Create hello.txt with 'Hello World'"
//
// Inspect MCP servers:
//
//	agentloop mcp servers
//	agentloop mcp tools --server files
//
// # Environment Variables
//
//   - AGENTLOOP_CONFIG: Path to configuration file (default: agentloop.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"errors"
	"fmt"
	"os"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Sentinel exit conditions mapped to process exit codes.
var (
	errInterrupted = errors.New("interrupted")
	errTaskFailed  = errors.New("task failed")
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		switch {
		case errors.Is(err, errInterrupted):
			os.Exit(130)
		case errors.Is(err, errTaskFailed):
			os.Exit(1)
		default:
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}
}
