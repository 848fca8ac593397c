package toolreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rcliao/teeny-agents/pkg/provider"
)

// ErrUnknownTool is returned by Execute for an unregistered name.
var ErrUnknownTool = errors.New("unknown tool")

// Registry holds tools keyed by exact name, in registration order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds tools. A duplicate name is an error and nothing after it
// is registered.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		name := t.Name()
		if name == "" {
			return fmt.Errorf("tool has empty name")
		}
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("tool %q already registered", name)
		}
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return nil
}

// Get returns the tool with exactly this name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Definitions converts all registered tools to LLM tool definitions.
func (r *Registry) Definitions() []provider.ToolDefinition {
	tools := r.List()
	defs := make([]provider.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema()
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, provider.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: schema,
		})
	}
	return defs
}

// Execute runs the named tool.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (Output, error) {
	t, ok := r.Get(name)
	if !ok {
		return Output{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t.Execute(ctx, input)
}
