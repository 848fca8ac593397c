// Package toolreg defines the tool contract and a registry of tools,
// including tools discovered from tool.json manifests.
package toolreg

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is a capability the model may invoke.
//
// Execute reports the tool's own failures through Output.IsError. A non-nil
// error means the tool could not be invoked at all.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input json.RawMessage) (Output, error)
}

// Output is the result of one tool invocation.
type Output struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Success returns a non-error output.
func Success(content string) Output {
	return Output{Content: content}
}

// Failure returns an error-flagged output.
func Failure(format string, args ...any) Output {
	return Output{Content: fmt.Sprintf(format, args...), IsError: true}
}

// DecodeInput unmarshals tool input into v. An empty input decodes as {}.
func DecodeInput(input json.RawMessage, v any) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("parse tool arguments: %w", err)
	}
	return nil
}
