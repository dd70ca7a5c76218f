// Package config loads and validates the runtime configuration from YAML
// or JSON5 files, with environment expansion and $include merging.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Config is the root configuration.
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Agent         AgentConfig         `yaml:"agent"`
	Tools         ToolsConfig         `yaml:"tools"`
	MCP           MCPConfig           `yaml:"mcp"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// LLMConfig selects and tunes the decision provider.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	MaxRetries  int     `yaml:"max_retries"`
}

// AgentConfig bounds the decision loop.
type AgentConfig struct {
	MaxCycles      int           `yaml:"max_cycles"`
	MaxTotalTokens int           `yaml:"max_total_tokens"`
	MaxTime        time.Duration `yaml:"max_time"`
	AutoApprove    bool          `yaml:"auto_approve"`
	HistoryWindow  int           `yaml:"history_window"`
}

// ToolsConfig tunes tool dispatch.
type ToolsConfig struct {
	Workdir        string        `yaml:"workdir"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxParallel    int           `yaml:"max_parallel"`
	AllowedTools   []string      `yaml:"allowed_tools"`
	DangerousTools []string      `yaml:"dangerous_tools"`
}

// MCPConfig points at the server registry and transport selection.
type MCPConfig struct {
	Registry  string `yaml:"registry"`
	Transport string `yaml:"transport"`
	Server    string `yaml:"server"`
}

// SessionsConfig controls persistence. An empty path disables it.
type SessionsConfig struct {
	Path string `yaml:"path"`
}

// ObservabilityConfig controls the metrics endpoint. An empty address
// disables the listener; collectors still register either way.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 8000
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.3
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.Agent.MaxCycles == 0 {
		c.Agent.MaxCycles = 100
	}
	if c.Agent.MaxTotalTokens == 0 {
		c.Agent.MaxTotalTokens = 100_000
	}
	if c.Agent.HistoryWindow == 0 {
		c.Agent.HistoryWindow = 15
	}
	if c.Tools.Timeout == 0 {
		c.Tools.Timeout = 30 * time.Second
	}
	if c.Tools.MaxParallel == 0 {
		c.Tools.MaxParallel = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for mistakes worth failing early on.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider must be anthropic or openai, got %q", c.LLM.Provider)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be within [0,1], got %v", c.LLM.Temperature)
	}
	if c.Agent.MaxCycles < 1 {
		return fmt.Errorf("agent.max_cycles must be positive, got %d", c.Agent.MaxCycles)
	}
	if c.Agent.MaxTotalTokens < 1 {
		return fmt.Errorf("agent.max_total_tokens must be positive, got %d", c.Agent.MaxTotalTokens)
	}
	if c.Tools.MaxParallel < 1 {
		return fmt.Errorf("tools.max_parallel must be positive, got %d", c.Tools.MaxParallel)
	}
	switch c.MCP.Transport {
	case "", "stdio", "sse", "direct":
	default:
		return fmt.Errorf("mcp.transport must be stdio, sse, or direct, got %q", c.MCP.Transport)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// ResolveAPIKey returns the configured key, falling back to the vendor's
// conventional environment variable.
func (c *Config) ResolveAPIKey() string {
	if c.LLM.APIKey != "" {
		return c.LLM.APIKey
	}
	switch c.LLM.Provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}

// NewLogger builds the process logger per the logging section.
func (l LoggingConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if l.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
