package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rcliao/teeny-agents/pkg/toolreg"
)

// MaxFileBytes caps file_read and file_write.
const MaxFileBytes = 1024 * 1024

var (
	errTraversal  = errors.New("path traversal not allowed")
	errOutsideDir = errors.New("path outside allowed directories")
)

// pathGuard enforces the path rules shared by the file tools.
type pathGuard struct {
	allowed []string // resolved absolute directories; empty allows all
}

func newPathGuard(dirs []string) pathGuard {
	var g pathGuard
	for _, d := range dirs {
		if resolved, err := resolvePath(d); err == nil {
			g.allowed = append(g.allowed, resolved)
		}
	}
	return g
}

func (g pathGuard) check(path string) error {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return errTraversal
		}
	}
	if len(g.allowed) == 0 {
		return nil
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return fmt.Errorf("cannot resolve path: %w", err)
	}
	for _, dir := range g.allowed {
		if rel, err := filepath.Rel(dir, resolved); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
	}
	return errOutsideDir
}

// resolvePath returns the absolute path with symlinks resolved for the
// longest existing prefix, so paths that do not exist yet still resolve.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	var rest []string
	cur := abs
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

// FileRead reads a text file.
type FileRead struct {
	guard pathGuard
}

// NewFileRead returns the file_read tool. Empty allowedDirs permits any path
// without "..".
func NewFileRead(allowedDirs []string) *FileRead {
	return &FileRead{guard: newPathGuard(allowedDirs)}
}

func (f *FileRead) Name() string { return "file_read" }

func (f *FileRead) Description() string {
	return "Read the contents of a file at the given path."
}

func (f *FileRead) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path of the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (f *FileRead) Execute(_ context.Context, input json.RawMessage) (toolreg.Output, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := toolreg.DecodeInput(input, &args); err != nil {
		return toolreg.Failure("%v", err), nil
	}
	if args.Path == "" {
		return toolreg.Failure("missing 'path' parameter"), nil
	}
	if err := f.guard.check(args.Path); err != nil {
		return toolreg.Failure("%v", err), nil
	}

	info, err := os.Stat(args.Path)
	if err != nil {
		return toolreg.Failure("cannot read file metadata: %v", err), nil
	}
	if info.IsDir() {
		return toolreg.Failure("%s is a directory", args.Path), nil
	}
	if info.Size() > MaxFileBytes {
		return toolreg.Failure("file too large: %d bytes (limit: %d bytes)", info.Size(), MaxFileBytes), nil
	}

	data, err := os.ReadFile(args.Path)
	if err != nil {
		return toolreg.Failure("failed to read file: %v", err), nil
	}
	return toolreg.Success(string(data)), nil
}

// FileWrite writes a text file, creating parent directories.
type FileWrite struct {
	guard pathGuard
}

// NewFileWrite returns the file_write tool.
func NewFileWrite(allowedDirs []string) *FileWrite {
	return &FileWrite{guard: newPathGuard(allowedDirs)}
}

func (f *FileWrite) Name() string { return "file_write" }

func (f *FileWrite) Description() string {
	return "Write content to a file at the given path, creating parent directories if needed."
}

func (f *FileWrite) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path of the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (f *FileWrite) Execute(_ context.Context, input json.RawMessage) (toolreg.Output, error) {
	var args struct {
		Path    string  `json:"path"`
		Content *string `json:"content"`
	}
	if err := toolreg.DecodeInput(input, &args); err != nil {
		return toolreg.Failure("%v", err), nil
	}
	if args.Path == "" {
		return toolreg.Failure("missing 'path' parameter"), nil
	}
	if args.Content == nil {
		return toolreg.Failure("missing 'content' parameter"), nil
	}
	content := *args.Content
	if len(content) > MaxFileBytes {
		return toolreg.Failure("content too large: %d bytes (limit: %d bytes)", len(content), MaxFileBytes), nil
	}
	if err := f.guard.check(args.Path); err != nil {
		return toolreg.Failure("%v", err), nil
	}

	if err := os.MkdirAll(filepath.Dir(args.Path), 0755); err != nil {
		return toolreg.Failure("failed to create directories: %v", err), nil
	}
	if err := os.WriteFile(args.Path, []byte(content), 0644); err != nil {
		return toolreg.Failure("failed to write file: %v", err), nil
	}
	return toolreg.Success(fmt.Sprintf("wrote %d bytes to %s", len(content), args.Path)), nil
}
