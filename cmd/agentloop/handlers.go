// handlers.go contains the command implementations: stack assembly from
// configuration plus the mcp, config, and sessions subcommand bodies.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cephiq/agentloop/internal/agent"
	"github.com/cephiq/agentloop/internal/config"
	"github.com/cephiq/agentloop/internal/llm"
	"github.com/cephiq/agentloop/internal/mcp"
	"github.com/cephiq/agentloop/internal/observability"
	"github.com/cephiq/agentloop/internal/prompt"
	"github.com/cephiq/agentloop/internal/sessions"
	"github.com/cephiq/agentloop/internal/tags"
	"github.com/cephiq/agentloop/internal/tools"
	"github.com/cephiq/agentloop/pkg/models"
)

// loadConfig loads the file at path, falling back to built-in defaults when
// the default config file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigPath() {
		return config.Default(), nil
	}
	return config.Load(path)
}

// stack bundles the assembled runtime collaborators for one run.
type stack struct {
	agent     *agent.Agent
	store     *sessions.Store
	mcpClient *mcp.Client
	metricsLn *http.Server
	cfg       *config.Config
}

func (s *stack) close() {
	if s.mcpClient != nil {
		s.mcpClient.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.metricsLn != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.metricsLn.Shutdown(shutdownCtx)
	}
}

// cliRoles is the role set CLI sessions run under. The built-in role_agent
// tag binds to it.
var cliRoles = []string{"agent"}

func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	logger := cfg.Logging.NewLogger()
	slog.SetDefault(logger)

	metrics := observability.NewMetrics(nil)

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}
	client := llm.NewClient(provider, llm.ClientConfig{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		MaxRetries:  cfg.LLM.MaxRetries,
		Metrics:     metrics,
	})

	backend, catalogue, mcpClient, err := buildBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := tools.NewDispatcher(backend, tools.Config{
		AllowedTools:   cfg.Tools.AllowedTools,
		DangerousTools: cfg.Tools.DangerousTools,
		MaxParallel:    cfg.Tools.MaxParallel,
		Timeout:        cfg.Tools.Timeout,
	})

	tagStore := tags.NewStore()
	if merged := tagAllowedTools(tagStore, cfg.Tools.AllowedTools); len(merged) > 0 {
		dispatcher.SetAllowedTools(merged)
	}

	builder := prompt.NewBuilder().
		WithTagStore(tagStore).
		WithHistoryWindow(cfg.Agent.HistoryWindow)

	var store *sessions.Store
	if cfg.Sessions.Path != "" {
		store, err = sessions.Open(cfg.Sessions.Path)
		if err != nil {
			if mcpClient != nil {
				mcpClient.Close()
			}
			return nil, err
		}
	}
	var metricsLn *http.Server
	if cfg.Observability.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsLn = &http.Server{Addr: cfg.Observability.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsLn.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "addr", cfg.Observability.MetricsAddr, "error", err)
			}
		}()
	}

	return &stack{
		agent: agent.New(agent.Config{
			Client:     client,
			Dispatcher: dispatcher,
			Builder:    builder,
			Catalogue:  catalogue,
			Metrics:    metrics,
			Logger:     logger.With("component", "agent"),
		}),
		store:     store,
		mcpClient: mcpClient,
		metricsLn: metricsLn,
		cfg:       cfg,
	}, nil
}

func buildProvider(cfg *config.Config) (llm.Provider, error) {
	key := cfg.ResolveAPIKey()
	switch cfg.LLM.Provider {
	case "openai":
		return llm.NewOpenAIProvider(key, cfg.LLM.Model)
	default:
		return llm.NewAnthropicProvider(key, cfg.LLM.Model)
	}
}

// buildBackend selects the tool backend: an MCP server when a registry is
// configured, built-in filesystem tools otherwise.
func buildBackend(ctx context.Context, cfg *config.Config) (tools.Backend, []tools.Descriptor, *mcp.Client, error) {
	if cfg.MCP.Registry == "" {
		workdir := cfg.Tools.Workdir
		if workdir == "" {
			workdir, _ = os.Getwd()
		}
		return tools.NewBuiltinBackend(workdir), tools.BuiltinDescriptors(), nil, nil
	}

	registry, err := mcp.LoadRegistry(cfg.MCP.Registry)
	if err != nil {
		return nil, nil, nil, err
	}
	server, err := registry.Lookup(cfg.MCP.Server)
	if err != nil {
		return nil, nil, nil, err
	}

	client := mcp.NewClient(server)
	if err := client.Connect(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to MCP server %s: %w", server.Label, err)
	}

	var catalogue []tools.Descriptor
	for _, tool := range client.Tools() {
		catalogue = append(catalogue, tools.Descriptor{
			Name:        tool.Name,
			Description: tool.Description,
		})
	}
	return tools.NewMCPBackend(client), catalogue, client, nil
}

func runRun(ctx context.Context, configPath, goal string, autoApprove bool, resumeID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	repl := newREPL(st, os.Stdin, os.Stdout)
	repl.autoApprove = autoApprove || cfg.Agent.AutoApprove

	if resumeID != "" {
		if st.store == nil {
			return errors.New("session resume requires sessions.path in the config")
		}
		sess, err := st.store.Load(ctx, resumeID)
		if err != nil {
			return err
		}
		repl.sess = sess
	}

	if goal != "" {
		return repl.runOnce(ctx, goal)
	}
	return repl.loop(ctx)
}

// tagAllowedTools unions the configured allow-list with the tools granted
// by tags resolved for the CLI principal. An empty union leaves the
// dispatcher's allow-set as configured.
func tagAllowedTools(store *tags.Store, configured []string) []string {
	resolved := store.ResolveFor("", cliRoles, "")
	granted := tags.AllowedTools(resolved)
	if len(granted) == 0 {
		return nil
	}
	merged := append([]string(nil), configured...)
	for tool := range granted {
		merged = append(merged, tool)
	}
	return merged
}

func newSession(cfg *config.Config, goal string) *models.Session {
	sess := models.NewSession(uuid.New().String(), goal)
	sess.Roles = append([]string(nil), cliRoles...)
	sess.Budgets = models.Budgets{
		MaxCycles:      cfg.Agent.MaxCycles,
		MaxTotalTokens: cfg.Agent.MaxTotalTokens,
		MaxTime:        cfg.Agent.MaxTime,
	}
	return sess
}

func runMcpServers(cmd *cobra.Command, registryPath string) error {
	registry, err := mcp.LoadRegistry(registryPath)
	if err != nil {
		return err
	}
	defer registry.Close()

	for _, label := range registry.Labels() {
		server, err := registry.Lookup(label)
		if err != nil {
			return err
		}
		target := server.URL
		if server.Kind() == mcp.TransportStdio {
			target = server.Command
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-8s %s\n", label, server.Kind(), target)
	}
	return nil
}

func runMcpTools(ctx context.Context, cmd *cobra.Command, registryPath, label string) error {
	client, err := connectServer(ctx, registryPath, label)
	if err != nil {
		return err
	}
	defer client.Close()

	for _, tool := range client.Tools() {
		fmt.Fprintf(cmd.OutOrStdout(), "%-30s %s\n", tool.Name, tool.Description)
	}
	return nil
}

func runMcpCall(ctx context.Context, cmd *cobra.Command, registryPath, label, tool, argsJSON string) error {
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return fmt.Errorf("invalid --args: %w", err)
	}

	client, err := connectServer(ctx, registryPath, label)
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return err
	}
	if len(result.StructuredContent) > 0 {
		var pretty any
		if err := json.Unmarshal(result.StructuredContent, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), result.Text())
	return nil
}

func connectServer(ctx context.Context, registryPath, label string) (*mcp.Client, error) {
	registry, err := mcp.LoadRegistry(registryPath)
	if err != nil {
		return nil, err
	}
	defer registry.Close()

	server, err := registry.Lookup(label)
	if err != nil {
		return nil, err
	}
	client := mcp.NewClient(server)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", server.Label, err)
	}
	return client, nil
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration OK (provider=%s model=%s)\n",
		configPath, cfg.LLM.Provider, cfg.LLM.Model)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runSessionsList(ctx context.Context, cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Sessions.Path == "" {
		return errors.New("sessions.path is not configured")
	}

	store, err := sessions.Open(cfg.Sessions.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, sum := range summaries {
		fmt.Fprintf(cmd.OutOrStdout(), "%-36s %-10s %-20s %s\n",
			sum.ID, sum.Status, sum.UpdatedAt.Format("2006-01-02 15:04:05"), sum.Goal)
	}
	return nil
}
