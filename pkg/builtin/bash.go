// Package builtin provides the tools compiled into the agent: shell
// commands, file reads and writes, and HTTP fetches. Each tool owns its
// timeout and output limits.
package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"
	"unicode/utf8"

	"github.com/rcliao/teeny-agents/pkg/toolreg"
)

const (
	DefaultBashTimeout = 30 * time.Second
	MaxBashOutput      = 32 * 1024

	truncatedSuffix = "\n... (output truncated)"
)

// Bash runs a command with bash -c.
type Bash struct {
	timeout time.Duration
	shell   string
}

// NewBash returns the bash tool. A zero timeout means DefaultBashTimeout.
func NewBash(timeout time.Duration) *Bash {
	if timeout <= 0 {
		timeout = DefaultBashTimeout
	}
	return &Bash{timeout: timeout, shell: "bash"}
}

func (b *Bash) Name() string { return "bash" }

func (b *Bash) Description() string {
	return "Execute a bash command and return its output. Use this for running shell commands, scripts, and system operations."
}

func (b *Bash) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The bash command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (b *Bash) Execute(ctx context.Context, input json.RawMessage) (toolreg.Output, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := toolreg.DecodeInput(input, &args); err != nil {
		return toolreg.Failure("%v", err), nil
	}
	if args.Command == "" {
		return toolreg.Failure("missing 'command' parameter"), nil
	}

	execCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, b.shell, "-c", args.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return toolreg.Failure("command timed out after %s", b.timeout), nil
	}

	var exitErr *exec.ExitError
	code := 0
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	case err != nil:
		return toolreg.Failure("failed to execute command: %v", err), nil
	}

	combined := stdout.String()
	if stderr.Len() > 0 {
		if combined != "" {
			combined += "\n"
		}
		combined += "STDERR:\n" + stderr.String()
	}
	combined = truncate(combined, MaxBashOutput)
	if combined == "" {
		combined = fmt.Sprintf("(exit code: %d)", code)
	}

	if code != 0 {
		return toolreg.Failure("exit code %d: %s", code, combined), nil
	}
	return toolreg.Success(combined), nil
}

// truncate cuts s to at most limit bytes on a rune boundary and marks the cut.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}
