// Package config loads the agent configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/teeny-agents/pkg/provider"
)

const (
	DefaultMaxIterations = 10
	DefaultMaxTokens     = 4096
	DefaultHistoryLimit  = 50
)

// Config is the full agent configuration.
type Config struct {
	DefaultProvider string `yaml:"default_provider"`
	SystemPrompt    string `yaml:"system_prompt"`
	MaxIterations   int    `yaml:"max_iterations"`
	MaxTokens       int    `yaml:"max_tokens"`
	DataDir         string `yaml:"data_dir"`
	Workspace       string `yaml:"workspace"`
	LogLevel        string `yaml:"log_level"`
	HistoryLimit    int    `yaml:"history_limit"`

	LLM        map[string]LLM       `yaml:"llm"`
	Tools      Tools                `yaml:"tools"`
	ToolDirs   []string             `yaml:"tool_dirs"`
	MCPServers map[string]MCPServer `yaml:"mcp_servers"`
	Jobs       []Job                `yaml:"jobs"`
}

// LLM configures one provider instance. The map key is its id.
type LLM struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// Tools configures the built-in tools.
type Tools struct {
	Bash      BashTool  `yaml:"bash"`
	FileRead  FileTool  `yaml:"file_read"`
	FileWrite FileTool  `yaml:"file_write"`
	WebFetch  FetchTool `yaml:"web_fetch"`
}

type BashTool struct {
	Enabled *bool         `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

type FileTool struct {
	Enabled     *bool    `yaml:"enabled"`
	AllowedDirs []string `yaml:"allowed_dirs"`
}

type FetchTool struct {
	Enabled        *bool         `yaml:"enabled"`
	Timeout        time.Duration `yaml:"timeout"`
	BlockedDomains []string      `yaml:"blocked_domains"`
}

// MCPServer is either a command (stdio) or a URL (streamable HTTP, or SSE
// when Transport is "sse").
type MCPServer struct {
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Transport string            `yaml:"transport"`
	Timeout   time.Duration     `yaml:"timeout"`
}

// Job is a scheduled prompt.
type Job struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Prompt   string `yaml:"prompt"`
	Session  string `yaml:"session"`
	Enabled  *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the tool is on. Unset means on.
func (t BashTool) IsEnabled() bool  { return enabled(t.Enabled) }
func (t FileTool) IsEnabled() bool  { return enabled(t.Enabled) }
func (t FetchTool) IsEnabled() bool { return enabled(t.Enabled) }
func (j Job) IsEnabled() bool       { return enabled(j.Enabled) }

func enabled(b *bool) bool { return b == nil || *b }

// DefaultPath returns ~/.teeny-agents/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".teeny-agents", "config.yaml")
	}
	return filepath.Join(home, ".teeny-agents", "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	dataDir := filepath.Join(filepath.Dir(DefaultPath()), "data")
	return &Config{
		MaxIterations: DefaultMaxIterations,
		MaxTokens:     DefaultMaxTokens,
		HistoryLimit:  DefaultHistoryLimit,
		DataDir:       dataDir,
		Workspace:     ".",
		LogLevel:      "info",
	}
}

// Load reads path, applies defaults and environment overrides, and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	anthropicKey, openaiKey := getenv("ANTHROPIC_API_KEY"), getenv("OPENAI_API_KEY")
	keys := map[string]string{
		"anthropic": anthropicKey,
		"claude":    anthropicKey,
		"openai":    openaiKey,
		"gpt":       openaiKey,
	}
	for id, llm := range c.LLM {
		if llm.APIKey == "" {
			llm.APIKey = keys[strings.ToLower(llm.kind(id))]
			c.LLM[id] = llm
		}
	}
	if v := getenv("TEENY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("TEENY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if strings.HasPrefix(c.DataDir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, c.DataDir[2:])
		}
	}
}

// kind is the vendor name; it defaults to the map key.
func (l LLM) kind(id string) string {
	if l.Provider != "" {
		return l.Provider
	}
	return id
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.DefaultProvider != "" {
		if _, ok := c.LLM[c.DefaultProvider]; !ok {
			return fmt.Errorf("default_provider %q is not configured under llm", c.DefaultProvider)
		}
	}
	for name, s := range c.MCPServers {
		if (s.Command == "") == (s.URL == "") {
			return fmt.Errorf("mcp server %q: exactly one of command or url is required", name)
		}
	}
	for i, j := range c.Jobs {
		if j.Name == "" || j.Schedule == "" || j.Prompt == "" {
			return fmt.Errorf("job %d: name, schedule and prompt are required", i)
		}
	}
	return nil
}

// ProviderConfigs returns the provider factory configs in id order, with
// the default provider first.
func (c *Config) ProviderConfigs() []provider.Config {
	ids := make([]string, 0, len(c.LLM))
	for id := range c.LLM {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	if i := slices.Index(ids, c.DefaultProvider); i > 0 {
		ids = slices.Insert(slices.Delete(ids, i, i+1), 0, c.DefaultProvider)
	}

	out := make([]provider.Config, 0, len(ids))
	for _, id := range ids {
		l := c.LLM[id]
		out = append(out, provider.Config{
			ID:      id,
			Name:    l.kind(id),
			APIKey:  l.APIKey,
			Model:   l.Model,
			BaseURL: l.BaseURL,
		})
	}
	return out
}
