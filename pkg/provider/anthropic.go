package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
)

const (
	anthropicDefaultURL   = "https://api.anthropic.com"
	anthropicVersion      = "2023-06-01"
	anthropicDefaultModel = "claude-sonnet-4-20250514"

	defaultMaxTokens = 4096
)

var anthropicModels = []string{
	"claude-sonnet-4-5-20250929",
	"claude-opus-4-6",
	"claude-3-5-sonnet-20240620",
	"claude-3-opus-20240229",
}

// Anthropic implements Provider for the Messages API.
type Anthropic struct {
	client
}

// NewAnthropic creates an Anthropic provider.
// apiKey defaults to ANTHROPIC_API_KEY env var if empty.
// model defaults to claude-sonnet-4-20250514 if empty.
func NewAnthropic(apiKey, model string, opts ...Option) *Anthropic {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if model == "" {
		model = anthropicDefaultModel
	}
	a := &Anthropic{client: newClient("anthropic", apiKey, model, anthropicDefaultURL, opts)}
	a.headers = func(h http.Header) {
		h.Set("x-api-key", a.apiKey)
		h.Set("anthropic-version", anthropicVersion)
	}
	return a
}

// Anthropic API types

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicBlock
}

type anthropicBlock struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	Type       string           `json:"type"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      *anthropicUsage  `json:"usage"`
	Error      *anthropicError  `json:"error"`
}

func (a *Anthropic) checkKey() error {
	if a.apiKey == "" {
		return fmt.Errorf("anthropic: %w (ANTHROPIC_API_KEY)", ErrMissingAPIKey)
	}
	return nil
}

func (a *Anthropic) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := a.checkKey(); err != nil {
		return nil, err
	}
	apiReq, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}

	var apiResp anthropicResponse
	if err := a.doJSON(ctx, http.MethodPost, "/v1/messages", apiReq, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.Type == "error" && apiResp.Error != nil {
		return nil, &APIError{Provider: a.name, Body: apiResp.Error.Type + ": " + apiResp.Error.Message}
	}
	return a.translateResponse(&apiResp, apiReq.Model), nil
}

func (a *Anthropic) StreamComplete(ctx context.Context, req *Request) (Stream, error) {
	if err := a.checkKey(); err != nil {
		return nil, err
	}
	apiReq, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}
	apiReq.Stream = true
	return a.stream(ctx, "/v1/messages", apiReq, &anthropicParser{})
}

// AvailableModels returns a fixed list; the adapter does not query the vendor.
func (a *Anthropic) AvailableModels(context.Context) ([]string, error) {
	return append([]string(nil), anthropicModels...), nil
}

// HealthCheck sends a one-token completion.
func (a *Anthropic) HealthCheck(ctx context.Context) bool {
	_, err := a.Complete(ctx, &Request{
		Messages:  []Message{TextMessage(RoleUser, "ping")},
		MaxTokens: 1,
	})
	return err == nil
}

func (a *Anthropic) translateRequest(req *Request) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:       a.modelFor(req),
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Messages:    []anthropicMessage{},
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = defaultMaxTokens
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if text := m.PlainText(); text != "" {
				if out.System != "" {
					out.System += "\n"
				}
				out.System += text
			}
		case RoleUser, RoleTool:
			if m.IsText() {
				if m.Role == RoleTool {
					return nil, &TranslationError{Provider: a.name, Reason: "tool message without tool_result blocks"}
				}
				out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: m.Text})
				continue
			}
			blocks, err := a.translateBlocks(m.Blocks, true)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: blocks})
		case RoleAssistant:
			if m.IsText() {
				out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: m.Text})
				continue
			}
			blocks, err := a.translateBlocks(m.Blocks, false)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			return nil, &TranslationError{Provider: a.name, Reason: fmt.Sprintf("unknown role %q", m.Role)}
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out, nil
}

func (a *Anthropic) translateBlocks(blocks []ContentBlock, allowResults bool) ([]anthropicBlock, error) {
	out := make([]anthropicBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			out = append(out, anthropicBlock{Type: "text", Text: b.Text})
		case BlockImage:
			mediaType, data, ok := parseDataURL(b.URL)
			if !ok {
				return nil, &TranslationError{Provider: a.name, Reason: "image must be a base64 data URL, got " + truncateURL(b.URL)}
			}
			out = append(out, anthropicBlock{
				Type:   "image",
				Source: &anthropicSource{Type: "base64", MediaType: mediaType, Data: data},
			})
		case BlockToolUse:
			input := b.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			out = append(out, anthropicBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: input})
		case BlockToolResult:
			if !allowResults {
				return nil, &TranslationError{Provider: a.name, Reason: "tool_result block in assistant message"}
			}
			out = append(out, anthropicBlock{
				Type:      "tool_result",
				ToolUseID: b.ToolUseID,
				Content:   b.Content,
				IsError:   b.IsError,
			})
		default:
			return nil, &TranslationError{Provider: a.name, Reason: fmt.Sprintf("unknown content block %q", b.Type)}
		}
	}
	return out, nil
}

func (a *Anthropic) translateResponse(apiResp *anthropicResponse, model string) *Response {
	resp := &Response{Model: apiResp.Model, StopReason: apiResp.StopReason}
	if resp.Model == "" {
		resp.Model = model
	}
	if apiResp.Usage != nil {
		resp.Usage = &Usage{InputTokens: apiResp.Usage.InputTokens, OutputTokens: apiResp.Usage.OutputTokens}
	}
	for _, b := range apiResp.Content {
		switch b.Type {
		case "text":
			resp.Content = append(resp.Content, TextBlock(b.Text))
		case "tool_use":
			resp.Content = append(resp.Content, ToolUseBlock(b.ID, b.Name, b.Input))
		default:
			resp.Content = append(resp.Content, TextBlock("[unsupported content block: "+b.Type+"]"))
		}
	}
	return resp
}

// parseDataURL splits data:<mime>;base64,<payload>.
func parseDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, data, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, found = strings.CutSuffix(meta, ";base64")
	if !found || mediaType == "" {
		return "", "", false
	}
	return mediaType, data, true
}

func truncateURL(url string) string {
	if len(url) > 64 {
		return url[:64] + "..."
	}
	return url
}

// anthropicParser decodes the Messages API event stream.
type anthropicParser struct {
	inputTokens int
}

type anthropicStreamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	ContentBlock *anthropicBlock `json:"content_block"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Message *struct {
		Usage *anthropicUsage `json:"usage"`
	} `json:"message"`
	Usage *anthropicUsage `json:"usage"`
	Error *anthropicError `json:"error"`
}

func (p *anthropicParser) next(buf []byte, atEOF bool) (int, []StreamEvent, error) {
	frame, n := nextSSEFrame(buf, atEOF)
	if n == 0 {
		return 0, nil, nil
	}
	if strings.TrimSpace(frame.data) == "" {
		return n, nil, nil
	}

	var ev anthropicStreamEvent
	if err := json.Unmarshal([]byte(frame.data), &ev); err != nil {
		return 0, nil, fmt.Errorf("event %q: %w", frame.event, err)
	}
	if ev.Type == "" {
		ev.Type = frame.event
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil && ev.Message.Usage != nil {
			p.inputTokens = ev.Message.Usage.InputTokens
		}
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			return n, []StreamEvent{{
				Type:  EventToolUseStart,
				Index: ev.Index,
				ID:    ev.ContentBlock.ID,
				Name:  ev.ContentBlock.Name,
			}}, nil
		}
	case "content_block_delta":
		if ev.Delta == nil {
			break
		}
		switch ev.Delta.Type {
		case "text_delta":
			return n, []StreamEvent{{Type: EventTextDelta, Index: ev.Index, Text: ev.Delta.Text}}, nil
		case "input_json_delta":
			return n, []StreamEvent{{Type: EventInputJSONDelta, Index: ev.Index, PartialJSON: ev.Delta.PartialJSON}}, nil
		}
	case "content_block_stop":
		return n, []StreamEvent{{Type: EventContentBlockStop, Index: ev.Index}}, nil
	case "message_delta":
		out := StreamEvent{Type: EventMessageDelta}
		if ev.Delta != nil {
			out.StopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			in := ev.Usage.InputTokens
			if in == 0 {
				in = p.inputTokens
			}
			out.Usage = &Usage{InputTokens: in, OutputTokens: ev.Usage.OutputTokens}
		}
		return n, []StreamEvent{out}, nil
	case "message_stop":
		return n, []StreamEvent{{Type: EventMessageStop}}, nil
	case "error":
		msg := "unknown stream error"
		if ev.Error != nil {
			msg = ev.Error.Type + ": " + ev.Error.Message
		}
		return 0, nil, &APIError{Provider: "anthropic", Body: msg}
	}
	// ping and unknown event types
	return n, nil, nil
}
