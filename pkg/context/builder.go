// Package context builds the agent's system prompt from workspace files
// and the registered tools.
package context

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rcliao/teeny-agents/pkg/toolreg"
)

const truncatedMarker = "\n\n[... truncated]"

// BootstrapFiles are read from the workspace root, in order.
var BootstrapFiles = []string{
	"AGENTS.md",
	"SOUL.md",
	"USER.md",
	"IDENTITY.md",
	"TOOLS.md",
}

// Config controls context construction limits.
type Config struct {
	BootstrapMaxChars      int // Per-file cap (default 20000)
	BootstrapTotalMaxChars int // Total cap across all files (default 24000)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BootstrapMaxChars:      20000,
		BootstrapTotalMaxChars: 24000,
	}
}

// Builder constructs the system prompt.
type Builder struct {
	workspace string
	cfg       Config
	registry  *toolreg.Registry
	now       func() time.Time
}

// NewBuilder creates a context builder for a workspace. registry may be nil.
func NewBuilder(workspace string, cfg Config, registry *toolreg.Registry) *Builder {
	return &Builder{
		workspace: workspace,
		cfg:       cfg,
		registry:  registry,
		now:       time.Now,
	}
}

// BuildSystemPrompt assembles the system prompt: identity, the configured
// instructions, workspace bootstrap files, then tool summaries.
func (b *Builder) BuildSystemPrompt(instructions string) string {
	parts := []string{b.buildIdentity()}

	if s := strings.TrimSpace(instructions); s != "" {
		parts = append(parts, "## Instructions\n\n"+s)
	}
	if bootstrap := b.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}
	if toolSummary := b.buildToolSummary(); toolSummary != "" {
		parts = append(parts, toolSummary)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func (b *Builder) buildIdentity() string {
	now := b.now().Format("2006-01-02 15:04 (Monday)")
	absWorkspace, _ := filepath.Abs(b.workspace)
	return fmt.Sprintf(`# teeny-agents

You are an autonomous AI agent with access to tools.

## Current Time
%s

## Runtime
%s %s, Go %s

## Workspace
%s

## Important Rules
1. Use tools to perform actions. Do not pretend to execute commands.
2. When a tool reports an error, read it and adjust instead of repeating the same call.`,
		now, runtime.GOOS, runtime.GOARCH, runtime.Version(), absWorkspace)
}

// loadBootstrapFiles reads workspace config files with budget management.
func (b *Builder) loadBootstrapFiles() string {
	var parts []string
	totalChars := 0

	for _, filename := range BootstrapFiles {
		if totalChars >= b.cfg.BootstrapTotalMaxChars {
			break
		}
		data, err := os.ReadFile(filepath.Join(b.workspace, filename))
		if err != nil {
			continue
		}
		content := string(data)

		// Per-file cap
		content = capChars(content, b.cfg.BootstrapMaxChars)
		// Total cap
		content = capChars(content, b.cfg.BootstrapTotalMaxChars-totalChars)

		parts = append(parts, fmt.Sprintf("## %s\n\n%s", filename, content))
		totalChars += len(content)
	}

	if len(parts) == 0 {
		return ""
	}
	return "# Workspace Context\n\n" + strings.Join(parts, "\n\n")
}

// capChars cuts s to limit bytes on a rune boundary and marks the cut.
func capChars(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := max(limit, 0)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}

func (b *Builder) buildToolSummary() string {
	if b.registry == nil {
		return ""
	}
	defs := b.registry.Definitions()
	if len(defs) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Available Tools\n\nYou MUST use tools to perform actions.\n\n")
	for _, d := range defs {
		fmt.Fprintf(&sb, "- **%s**: %s\n", d.Name, d.Description)
	}
	return sb.String()
}
