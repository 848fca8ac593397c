package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/rcliao/teeny-agents/pkg/builtin"
	"github.com/rcliao/teeny-agents/pkg/config"
	agentctx "github.com/rcliao/teeny-agents/pkg/context"
	"github.com/rcliao/teeny-agents/pkg/loop"
	"github.com/rcliao/teeny-agents/pkg/mcpbridge"
	"github.com/rcliao/teeny-agents/pkg/memory"
	"github.com/rcliao/teeny-agents/pkg/provider"
	"github.com/rcliao/teeny-agents/pkg/session"
	"github.com/rcliao/teeny-agents/pkg/toolreg"
)

// app is the wired application shared by the subcommands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	providers *provider.Registry
	tools     *toolreg.Registry
	memory    *memory.Store
	sessions  *session.Manager
	mcp       *mcpbridge.Manager
	agent     *loop.AgentLoop
}

// newApp builds providers from the config, then the rest of the app.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	providers, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}
	return assemble(ctx, cfg, logger, providers)
}

func buildProviders(cfg *config.Config) (*provider.Registry, error) {
	pcs := cfg.ProviderConfigs()
	if len(pcs) == 0 {
		return nil, errors.New("no providers configured: add an llm section to the config file")
	}
	reg := provider.NewRegistry()
	for _, pc := range pcs {
		p, err := provider.NewFromConfig(pc)
		if err != nil {
			return nil, fmt.Errorf("llm %q: %w", pc.ID, err)
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	if cfg.DefaultProvider != "" {
		if err := reg.SetDefault(cfg.DefaultProvider); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// assemble wires storage, tools and the agent loop around providers.
func assemble(ctx context.Context, cfg *config.Config, logger *slog.Logger, providers *provider.Registry) (*app, error) {
	mem, err := openMemory(cfg)
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewManager(filepath.Join(cfg.DataDir, "sessions"), cfg.HistoryLimit)
	if err != nil {
		mem.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		providers: providers,
		tools:     toolreg.NewRegistry(),
		memory:    mem,
		sessions:  sessions,
		mcp:       mcpbridge.NewManager(logger),
	}
	a.registerTools(ctx)

	prompt := agentctx.NewBuilder(cfg.Workspace, agentctx.DefaultConfig(), a.tools).BuildSystemPrompt(cfg.SystemPrompt)
	a.agent = loop.New(providers, a.tools, loop.Config{
		MaxIterations: cfg.MaxIterations,
		SystemPrompt:  prompt,
		MaxTokens:     cfg.MaxTokens,
	}, loop.WithMemory(mem), loop.WithUsage(mem), loop.WithLogger(logger))
	return a, nil
}

func openMemory(cfg *config.Config) (*memory.Store, error) {
	return memory.Open(filepath.Join(cfg.DataDir, "memory.db"))
}

func (a *app) registerTools(ctx context.Context) {
	var tools []toolreg.Tool
	t := a.cfg.Tools
	if t.Bash.IsEnabled() {
		tools = append(tools, builtin.NewBash(t.Bash.Timeout))
	}
	if t.FileRead.IsEnabled() {
		tools = append(tools, builtin.NewFileRead(t.FileRead.AllowedDirs))
	}
	if t.FileWrite.IsEnabled() {
		tools = append(tools, builtin.NewFileWrite(t.FileWrite.AllowedDirs))
	}
	if t.WebFetch.IsEnabled() {
		tools = append(tools, builtin.NewWebFetch(t.WebFetch.BlockedDomains, t.WebFetch.Timeout))
	}
	for _, m := range toolreg.Discover(a.cfg.ToolDirs) {
		tools = append(tools, toolreg.ManifestTools(m, 0)...)
	}
	tools = append(tools, a.mcp.ConnectAll(ctx, mcpServers(a.cfg))...)

	for _, tool := range tools {
		if err := a.tools.Register(tool); err != nil {
			a.logger.Warn("skipping tool", "tool", tool.Name(), "err", err)
		}
	}
	a.logger.Debug("tools registered", "count", a.tools.Len())
}

func mcpServers(cfg *config.Config) []mcpbridge.Server {
	names := make([]string, 0, len(cfg.MCPServers))
	for name := range cfg.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]mcpbridge.Server, 0, len(names))
	for _, name := range names {
		s := cfg.MCPServers[name]
		out = append(out, mcpbridge.Server{
			Name:      name,
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			URL:       s.URL,
			Transport: s.Transport,
			Timeout:   s.Timeout,
		})
	}
	return out
}

// converse runs one turn in a persisted session.
func (a *app) converse(ctx context.Context, sessionKey, providerID, text string) (string, error) {
	reply, err := a.agent.ProcessInput(ctx, loop.Input{
		SessionID:  sessionKey,
		Text:       text,
		History:    a.sessions.GetHistory(sessionKey),
		ProviderID: providerID,
	})
	if err != nil {
		return "", err
	}
	a.sessions.AddTurn(sessionKey, text, reply)
	if err := a.sessions.Save(sessionKey); err != nil {
		a.logger.Warn("save session failed", "session", sessionKey, "err", err)
	}
	return reply, nil
}

func (a *app) Close() error {
	return errors.Join(a.mcp.Close(), a.memory.Close())
}
