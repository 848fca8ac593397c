// Package provider defines the unified LLM request/response model, the
// Provider interface, and the vendor adapters that translate to and from
// each vendor's wire protocol.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the normalized author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType tags a ContentBlock variant.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Normalized stop reasons. Anything else is a vendor string passed through.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// ContentBlock is one typed unit of message content.
//
// Which fields are meaningful depends on Type:
//   - text: Text
//   - image: URL (may be a data: URI)
//   - tool_use: ID, Name, Input
//   - tool_result: ToolUseID, Content, IsError
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	URL       string          `json:"url,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock returns an image content block referencing url.
func ImageBlock(url string) ContentBlock {
	return ContentBlock{Type: BlockImage, URL: url}
}

// ToolUseBlock returns a tool-use content block. A nil input becomes {}.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock returns a tool-result block answering toolUseID.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is a conversation message. Its content is either plain text
// (Blocks == nil) or an ordered sequence of content blocks.
type Message struct {
	Role   Role
	Text   string
	Blocks []ContentBlock
}

// TextMessage builds a plain-text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Text: text}
}

// BlockMessage builds a message whose content is a list of blocks.
func BlockMessage(role Role, blocks ...ContentBlock) Message {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return Message{Role: role, Blocks: blocks}
}

// IsText reports whether the message carries plain text content.
func (m Message) IsText() bool { return m.Blocks == nil }

// PlainText returns the message text: the plain content, or the text
// blocks joined by newlines.
func (m Message) PlainText() string {
	if m.IsText() {
		return m.Text
	}
	return joinText(m.Blocks, "\n")
}

type messageJSON struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON encodes content as a string for text messages and as an
// array of blocks otherwise.
func (m Message) MarshalJSON() ([]byte, error) {
	var content any = m.Text
	if !m.IsText() {
		content = m.Blocks
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageJSON{Role: m.Role, Content: raw})
}

// UnmarshalJSON accepts either content form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire messageJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Role = wire.Role
	m.Text, m.Blocks = "", nil
	trimmed := strings.TrimSpace(string(wire.Content))
	switch {
	case trimmed == "" || trimmed == "null":
		return nil
	case strings.HasPrefix(trimmed, "["):
		blocks := []ContentBlock{}
		if err := json.Unmarshal(wire.Content, &blocks); err != nil {
			return fmt.Errorf("message content blocks: %w", err)
		}
		m.Blocks = blocks
		return nil
	default:
		return json.Unmarshal(wire.Content, &m.Text)
	}
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"` // JSON Schema object
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is the input to a provider.
type Request struct {
	Model       string // adapter default when empty
	Messages    []Message
	System      string
	MaxTokens   int // 0 means unset
	Temperature *float64
	Tools       []ToolDefinition
}

// Response is a completed model turn.
type Response struct {
	Content    []ContentBlock
	Model      string
	Usage      *Usage
	StopReason string
}

// Text concatenates all text blocks of the response.
func (r *Response) Text() string {
	return joinText(r.Content, "")
}

// ToolUses returns the tool-use blocks in order.
func (r *Response) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// HasToolUse reports whether the response asks for any tool invocation.
func (r *Response) HasToolUse() bool {
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// Provider is the interface all LLM backends implement.
type Provider interface {
	// ID identifies the provider in a Registry.
	ID() string
	Complete(ctx context.Context, req *Request) (*Response, error)
	// StreamComplete starts a streaming completion. Adapters that cannot
	// stream return ErrStreamingUnsupported.
	StreamComplete(ctx context.Context, req *Request) (Stream, error)
	// ConfiguredModel returns the adapter's default model, or "".
	ConfiguredModel() string
	AvailableModels(ctx context.Context) ([]string, error)
	// HealthCheck never returns a transport error; failures yield false.
	HealthCheck(ctx context.Context) bool
}

func joinText(blocks []ContentBlock, sep string) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == BlockText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, sep)
}
