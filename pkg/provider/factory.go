package provider

import "fmt"

// Config holds provider configuration.
type Config struct {
	ID      string // registry id; defaults to the vendor name
	Name    string // vendor: anthropic, openai, ollama (or an alias)
	APIKey  string
	Model   string
	BaseURL string // Optional: custom endpoint, scheme and host only
}

// New creates a Provider by name.
// Supported: "anthropic", "openai", "ollama".
func New(name, apiKey, model string) (Provider, error) {
	return NewFromConfig(Config{Name: name, APIKey: apiKey, Model: model})
}

// NewFromConfig creates a Provider from a full Config.
func NewFromConfig(cfg Config, opts ...Option) (Provider, error) {
	opts = append([]Option{WithBaseURL(cfg.BaseURL), WithID(cfg.ID)}, opts...)
	switch cfg.Name {
	case "anthropic", "claude":
		return NewAnthropic(cfg.APIKey, cfg.Model, opts...), nil
	case "openai", "gpt":
		return NewOpenAI(cfg.APIKey, cfg.Model, opts...), nil
	case "ollama", "local":
		return NewOllama(cfg.Model, opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q (supported: anthropic, openai, ollama)", cfg.Name)
	}
}
