// Package mcpbridge exposes the tools of Model Context Protocol servers
// through the toolreg.Tool contract.
package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rcliao/teeny-agents/pkg/logging"
	"github.com/rcliao/teeny-agents/pkg/toolreg"
)

// DefaultTimeout bounds one MCP tool call.
const DefaultTimeout = 60 * time.Second

// Server describes how to reach one MCP server. Exactly one of Command or
// URL is set.
type Server struct {
	Name      string
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Transport string // "sse" selects the SSE client; otherwise streamable HTTP
	Timeout   time.Duration
}

// Manager owns the client sessions of every connected server.
type Manager struct {
	client *mcp.Client
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*mcp.ClientSession
}

// NewManager creates a manager. A nil logger discards.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		client:   mcp.NewClient(&mcp.Implementation{Name: "teeny-agents", Version: "1.0.0"}, nil),
		logger:   logging.OrDiscard(logger).With("component", "mcp"),
		sessions: make(map[string]*mcp.ClientSession),
	}
}

// ConnectAll connects every server and returns the tools of those that
// succeed. Failures are logged and skipped.
func (m *Manager) ConnectAll(ctx context.Context, servers []Server) []toolreg.Tool {
	ordered := slices.SortedFunc(slices.Values(servers), func(a, b Server) int { return strings.Compare(a.Name, b.Name) })
	var tools []toolreg.Tool
	for _, s := range ordered {
		ts, err := m.Connect(ctx, s)
		if err != nil {
			m.logger.Warn("mcp server unavailable", "server", s.Name, "err", err)
			continue
		}
		m.logger.Info("mcp server connected", "server", s.Name, "tools", len(ts))
		tools = append(tools, ts...)
	}
	return tools
}

// Connect starts a session with s and lists its tools.
func (m *Manager) Connect(ctx context.Context, s Server) ([]toolreg.Tool, error) {
	tp, err := transport(s)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: %w", s.Name, err)
	}
	return m.ConnectTransport(ctx, s.Name, tp, s.Timeout)
}

// ConnectTransport starts a session over an explicit transport.
func (m *Manager) ConnectTransport(ctx context.Context, name string, tp mcp.Transport, timeout time.Duration) ([]toolreg.Tool, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	session, err := m.client.Connect(ctx, tp, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: connect: %w", name, err)
	}

	var tools []toolreg.Tool
	for tl, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcp %s: list tools: %w", name, err)
		}
		schema, err := schemaMap(tl.InputSchema)
		if err != nil {
			m.logger.Warn("skipping tool with unreadable schema", "server", name, "tool", tl.Name, "err", err)
			continue
		}
		tools = append(tools, &Tool{
			server:      name,
			name:        tl.Name,
			description: tl.Description,
			schema:      schema,
			session:     session,
			timeout:     timeout,
		})
	}

	m.mu.Lock()
	if old, ok := m.sessions[name]; ok {
		_ = old.Close()
	}
	m.sessions[name] = session
	m.mu.Unlock()
	return tools, nil
}

// Servers returns the names of connected servers.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sessions))
	for n := range m.sessions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close ends every session.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, s := range m.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp %s: close: %w", name, err))
		}
		delete(m.sessions, name)
	}
	return errors.Join(errs...)
}

func transport(s Server) (mcp.Transport, error) {
	switch {
	case s.Command != "" && s.URL != "":
		return nil, errors.New("both command and url set")
	case s.Command != "":
		cmd := exec.Command(s.Command, s.Args...)
		if len(s.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range s.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case s.URL != "" && strings.EqualFold(s.Transport, "sse"):
		return &mcp.SSEClientTransport{Endpoint: s.URL}, nil
	case s.URL != "":
		return &mcp.StreamableClientTransport{Endpoint: s.URL}, nil
	}
	return nil, errors.New("no command or url")
}

func schemaMap(schema any) (map[string]any, error) {
	if schema == nil {
		return nil, nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Tool is one MCP server tool, named "server.tool".
type Tool struct {
	server      string
	name        string
	description string
	schema      map[string]any
	session     *mcp.ClientSession
	timeout     time.Duration
}

func (t *Tool) Name() string { return t.server + "." + t.name }

func (t *Tool) Description() string {
	if t.description == "" {
		return fmt.Sprintf("MCP tool %s from %s", t.name, t.server)
	}
	return t.description
}

func (t *Tool) InputSchema() map[string]any { return t.schema }

// Execute calls the tool on its server. The server's isError flag becomes
// the output's error flag; a timeout is an error-flagged output.
func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (toolreg.Output, error) {
	args := map[string]any{}
	if err := toolreg.DecodeInput(input, &args); err != nil {
		return toolreg.Failure("%v", err), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res, err := t.session.CallTool(callCtx, &mcp.CallToolParams{Name: t.name, Arguments: args})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return toolreg.Failure("MCP tool %s timed out after %s", t.Name(), t.timeout), nil
		}
		return toolreg.Output{}, fmt.Errorf("mcp %s: call %s: %w", t.server, t.name, err)
	}
	return toolreg.Output{Content: renderContent(res.Content), IsError: res.IsError}, nil
}

func renderContent(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			parts = append(parts, "[non-text content]")
		}
	}
	return strings.Join(parts, "\n")
}
