// Package loop implements the core agent tool loop.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rcliao/teeny-agents/pkg/logging"
	"github.com/rcliao/teeny-agents/pkg/provider"
	"github.com/rcliao/teeny-agents/pkg/toolreg"
	"github.com/rcliao/teeny-agents/pkg/usage"
)

var (
	// ErrMaxIterations is returned when the model keeps requesting tools
	// past the iteration bound.
	ErrMaxIterations = errors.New("max iterations reached")

	// ErrNoProvider is returned when no provider is registered, or the
	// requested one is unknown.
	ErrNoProvider = errors.New("no provider")
)

// Memory is the external memory collaborator. Both calls are best-effort:
// failures are logged and never fail a turn.
type Memory interface {
	// Recall returns a context block relevant to query, or "".
	Recall(ctx context.Context, sessionID, continuityKey, query string) (string, error)
	// PersistTurn stores the user text and the final assistant text.
	PersistTurn(ctx context.Context, sessionID, continuityKey, userText, assistantText string) error
}

// Config for the agent loop.
type Config struct {
	MaxIterations int
	SystemPrompt  string
	MaxTokens     int
	Temperature   *float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxIterations: 10}
}

// Input is one user turn. Empty overrides fall back to the loop Config and
// the registry's default provider.
type Input struct {
	SessionID     string
	Text          string
	History       []provider.Message
	ContinuityKey string

	ProviderID   string
	SystemPrompt string
	MaxTokens    int
}

// AgentLoop is the core orchestrator loop. It holds no per-call state and
// is safe for concurrent use by different sessions.
type AgentLoop struct {
	providers *provider.Registry
	tools     *toolreg.Registry
	memory    Memory
	usage     usage.Recorder
	logger    *slog.Logger
	cfg       Config
}

// Option configures an AgentLoop.
type Option func(*AgentLoop)

// WithMemory sets the memory collaborator.
func WithMemory(m Memory) Option {
	return func(al *AgentLoop) { al.memory = m }
}

// WithUsage records the token usage of every completion.
func WithUsage(r usage.Recorder) Option {
	return func(al *AgentLoop) { al.usage = r }
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(al *AgentLoop) { al.logger = l }
}

// New creates an agent loop. tools may be nil for a tool-less agent.
func New(providers *provider.Registry, tools *toolreg.Registry, cfg Config, opts ...Option) *AgentLoop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if tools == nil {
		tools = toolreg.NewRegistry()
	}
	al := &AgentLoop{
		providers: providers,
		tools:     tools,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(al)
	}
	al.logger = logging.OrDiscard(al.logger).With("component", "loop")
	return al
}

// Process runs one user message through the loop with the default provider.
// Returns the final assistant text response.
func (al *AgentLoop) Process(ctx context.Context, sessionID, text string, history []provider.Message) (string, error) {
	return al.ProcessInput(ctx, Input{SessionID: sessionID, Text: text, History: history})
}

// ProcessInput runs one user turn: recall, up to MaxIterations completions
// with tool dispatch in between, then persist.
func (al *AgentLoop) ProcessInput(ctx context.Context, in Input) (string, error) {
	p, err := al.provider(in.ProviderID)
	if err != nil {
		return "", err
	}
	req := al.request(ctx, in)
	log := al.logger.With("session", in.SessionID, "provider", p.ID())

	for i := range al.cfg.MaxIterations {
		log.Debug("completion", "iteration", i+1, "max", al.cfg.MaxIterations, "messages", len(req.Messages))

		resp, err := p.Complete(ctx, req)
		if err != nil {
			return "", fmt.Errorf("LLM call failed (iteration %d): %w", i+1, err)
		}
		if resp.Usage != nil {
			log.Debug("response", "iteration", i+1, "blocks", len(resp.Content),
				"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)
			al.recordUsage(ctx, in.SessionID, p.ID(), resp)
		}

		// No tool calls → done
		if !resp.HasToolUse() {
			text := resp.Text()
			al.persist(ctx, in, text)
			return text, nil
		}

		req.Messages = append(req.Messages, provider.BlockMessage(provider.RoleAssistant, resp.Content...))
		var results []provider.ContentBlock
		for _, use := range resp.ToolUses() {
			results = append(results, al.runTool(ctx, log, use))
		}
		req.Messages = append(req.Messages, provider.BlockMessage(provider.RoleUser, results...))
	}

	log.Warn("iteration bound reached", "max", al.cfg.MaxIterations)
	return "", fmt.Errorf("%w (%d)", ErrMaxIterations, al.cfg.MaxIterations)
}

// Stream starts a single streaming completion for in, without tool
// dispatch. Memory is recalled but the turn is not persisted.
func (al *AgentLoop) Stream(ctx context.Context, in Input) (provider.Stream, error) {
	p, err := al.provider(in.ProviderID)
	if err != nil {
		return nil, err
	}
	req := al.request(ctx, in)
	req.Tools = nil
	return p.StreamComplete(ctx, req)
}

func (al *AgentLoop) provider(id string) (provider.Provider, error) {
	if al.providers == nil {
		return nil, ErrNoProvider
	}
	if id != "" {
		p, ok := al.providers.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNoProvider, id)
		}
		return p, nil
	}
	p, ok := al.providers.Default()
	if !ok {
		return nil, ErrNoProvider
	}
	return p, nil
}

// request builds the first outbound request of a turn. The message slice
// is a fresh copy owned by this call.
func (al *AgentLoop) request(ctx context.Context, in Input) *provider.Request {
	prompt := in.SystemPrompt
	if prompt == "" {
		prompt = al.cfg.SystemPrompt
	}
	maxTokens := in.MaxTokens
	if maxTokens == 0 {
		maxTokens = al.cfg.MaxTokens
	}

	messages := make([]provider.Message, 0, len(in.History)+1)
	messages = append(messages, in.History...)
	messages = append(messages, provider.TextMessage(provider.RoleUser, in.Text))

	return &provider.Request{
		Messages:    messages,
		System:      joinSystem(prompt, al.recall(ctx, in)),
		MaxTokens:   maxTokens,
		Temperature: al.cfg.Temperature,
		Tools:       al.tools.Definitions(),
	}
}

func (al *AgentLoop) recall(ctx context.Context, in Input) string {
	if al.memory == nil {
		return ""
	}
	block, err := al.memory.Recall(ctx, in.SessionID, in.ContinuityKey, in.Text)
	if err != nil {
		al.logger.Warn("memory recall failed", "session", in.SessionID, "err", err)
		return ""
	}
	return block
}

func (al *AgentLoop) persist(ctx context.Context, in Input, text string) {
	if al.memory == nil {
		return
	}
	if err := al.memory.PersistTurn(ctx, in.SessionID, in.ContinuityKey, in.Text, text); err != nil {
		al.logger.Warn("persist turn failed", "session", in.SessionID, "err", err)
	}
}

func (al *AgentLoop) recordUsage(ctx context.Context, sessionID, providerID string, resp *provider.Response) {
	if al.usage == nil {
		return
	}
	err := al.usage.RecordUsage(ctx, usage.Record{
		SessionID:    sessionID,
		Provider:     providerID,
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		al.logger.Warn("record usage failed", "session", sessionID, "err", err)
	}
}

func joinSystem(prompt, memory string) string {
	switch {
	case prompt == "":
		return memory
	case memory == "":
		return prompt
	default:
		return prompt + "\n\n" + memory
	}
}

// runTool executes one tool-use block. Every failure becomes an
// error-flagged result.
func (al *AgentLoop) runTool(ctx context.Context, log *slog.Logger, use provider.ContentBlock) provider.ContentBlock {
	tool, ok := al.tools.Get(use.Name)
	if !ok {
		log.Warn("unknown tool", "tool", use.Name)
		return provider.ToolResultBlock(use.ID, "unknown tool: "+use.Name, true)
	}

	log.Debug("executing tool", "tool", use.Name, "input", logging.Truncate(string(use.Input), 100))
	start := time.Now()
	out, err := tool.Execute(ctx, use.Input)
	if err != nil {
		log.Warn("tool invocation failed", "tool", use.Name, "err", err)
		return provider.ToolResultBlock(use.ID, fmt.Sprintf("tool %s failed: %v", use.Name, err), true)
	}
	if out.IsError {
		log.Warn("tool reported error", "tool", use.Name, "output", logging.Truncate(out.Content, 200))
	}
	log.Debug("tool result", "tool", use.Name, "elapsed", time.Since(start), "output", logging.Truncate(out.Content, 200))
	return provider.ToolResultBlock(use.ID, out.Content, out.IsError)
}

// HealthResult is one provider's health check outcome.
type HealthResult struct {
	ID      string
	Healthy bool
	Latency time.Duration
}

// HealthCheckAll checks every registered provider concurrently and waits
// for all of them. Results are in registration order.
func (al *AgentLoop) HealthCheckAll(ctx context.Context) []HealthResult {
	if al.providers == nil {
		return nil
	}
	providers := al.providers.List()
	results := make([]HealthResult, len(providers))

	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Go(func() {
			start := time.Now()
			healthy := p.HealthCheck(ctx)
			results[i] = HealthResult{ID: p.ID(), Healthy: healthy, Latency: time.Since(start)}
			if !healthy {
				al.logger.Warn("provider unhealthy", "provider", p.ID())
			}
		})
	}
	wg.Wait()
	return results
}
