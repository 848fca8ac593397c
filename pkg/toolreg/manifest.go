package toolreg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// DefaultTimeout bounds a manifest command when none is configured.
const DefaultTimeout = 30 * time.Second

// CommandDef defines a single command within a tool.
type CommandDef struct {
	Description string                  `json:"description"`
	Args        string                  `json:"args"`        // Template: "--namespace {namespace}"
	Stdin       bool                    `json:"stdin"`       // Whether content goes via stdin
	StdinParam  string                  `json:"stdin_param"` // Which parameter provides stdin (default: "content")
	Parameters  map[string]ParameterDef `json:"parameters"`
}

// ParameterDef defines a tool parameter.
type ParameterDef struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// ToolManifest is the tool.json format.
type ToolManifest struct {
	Name        string                `json:"name"`
	Binary      string                `json:"binary"`
	Description string                `json:"description"`
	Commands    map[string]CommandDef `json:"commands"`
}

// Discover scans directories for <dir>/<tool>/tool.json manifests.
// Missing directories and unreadable manifests are skipped.
func Discover(dirs []string) []*ToolManifest {
	var found []*ToolManifest
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // skip missing dirs
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name(), "tool.json"))
			if err != nil {
				continue
			}
			var manifest ToolManifest
			if err := json.Unmarshal(data, &manifest); err != nil || manifest.Name == "" {
				continue
			}
			found = append(found, &manifest)
		}
	}
	return found
}

// ManifestTools expands a manifest into one Tool per command, named
// "toolname.command", in command-name order.
func ManifestTools(m *ToolManifest, timeout time.Duration) []Tool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	names := make([]string, 0, len(m.Commands))
	for name := range m.Commands {
		names = append(names, name)
	}
	slices.Sort(names)

	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, &ManifestTool{
			manifest: m,
			command:  name,
			def:      m.Commands[name],
			timeout:  timeout,
		})
	}
	return tools
}

// ManifestTool runs one command of a manifest binary.
type ManifestTool struct {
	manifest *ToolManifest
	command  string
	def      CommandDef
	timeout  time.Duration
}

func (t *ManifestTool) Name() string { return t.manifest.Name + "." + t.command }

func (t *ManifestTool) Description() string {
	return fmt.Sprintf("[%s] %s", t.manifest.Name, t.def.Description)
}

func (t *ManifestTool) InputSchema() map[string]any { return buildJSONSchema(t.def.Parameters) }

func buildJSONSchema(params map[string]ParameterDef) map[string]any {
	properties := make(map[string]any)
	var required []string

	for name, p := range params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	slices.Sort(required)

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Execute runs the binary. A non-zero exit or timeout is an error-flagged
// output; only a binary that cannot be started is returned as an error.
func (t *ManifestTool) Execute(ctx context.Context, input json.RawMessage) (Output, error) {
	var args map[string]any
	if err := DecodeInput(input, &args); err != nil {
		return Failure("%v", err), nil
	}

	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, t.manifest.Binary, buildCommandArgs(t.def, args, t.command)...)
	if t.def.Stdin {
		if val, ok := args[stdinParam(t.def)]; ok {
			cmd.Stdin = strings.NewReader(fmt.Sprintf("%v", val))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return Failure("%s timed out after %s", t.Name(), t.timeout), nil
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = err.Error()
		}
		return Failure("%s failed: %s", t.Name(), errMsg), nil
	case err != nil:
		return Output{}, fmt.Errorf("%s: %w", t.Name(), err)
	}
	return Success(stdout.String()), nil
}

func stdinParam(def CommandDef) string {
	if def.StdinParam == "" {
		return "content"
	}
	return def.StdinParam
}

func buildCommandArgs(cmdDef CommandDef, args map[string]any, cmdName string) []string {
	result := []string{cmdName}

	if cmdDef.Args != "" {
		// Template-based: replace {param} with values
		expanded := cmdDef.Args
		for key, val := range args {
			expanded = strings.ReplaceAll(expanded, "{"+key+"}", fmt.Sprintf("%v", val))
		}
		for _, part := range strings.Fields(expanded) {
			if !strings.Contains(part, "{") { // skip unreplaced placeholders
				result = append(result, part)
			}
		}
		return result
	}

	// Flag-based: --key value for each arg, in key order
	keys := make([]string, 0, len(args))
	for key := range args {
		if cmdDef.Stdin && key == stdinParam(cmdDef) {
			continue // stdin param handled separately
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		result = append(result, "--"+key, fmt.Sprintf("%v", args[key]))
	}
	return result
}
