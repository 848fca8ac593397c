package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	ollamaDefaultURL   = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1"

	// ollamaStop is the stop reason for a finished turn without tool calls.
	ollamaStop = "stop"
)

// Ollama implements Provider for a local Ollama server. It needs no API key.
type Ollama struct {
	client
}

// NewOllama creates an Ollama provider.
// model defaults to llama3.1 if empty.
func NewOllama(model string, opts ...Option) *Ollama {
	if model == "" {
		model = ollamaDefaultModel
	}
	return &Ollama{client: newClient("ollama", "", model, ollamaDefaultURL, opts)}
}

// Ollama API types

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Tools    []openaiTool    `json:"tools,omitempty"` // same function-tool shape
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"` // object, not a string
	} `json:"function"`
}

type ollamaResponse struct {
	Model           string         `json:"model"`
	Message         *ollamaMessage `json:"message"`
	Done            bool           `json:"done"`
	EvalCount       int            `json:"eval_count"`
	PromptEvalCount int            `json:"prompt_eval_count"`
	Error           string         `json:"error"`
}

type ollamaTags struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (o *Ollama) Complete(ctx context.Context, req *Request) (*Response, error) {
	apiReq, err := o.translateRequest(req, false)
	if err != nil {
		return nil, err
	}

	var apiResp ollamaResponse
	if err := o.doJSON(ctx, http.MethodPost, "/api/chat", apiReq, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.Error != "" {
		return nil, &APIError{Provider: o.name, Body: apiResp.Error}
	}

	resp := &Response{Model: apiResp.Model}
	if resp.Model == "" {
		resp.Model = apiReq.Model
	}
	if apiResp.Message != nil {
		if apiResp.Message.Content != "" {
			resp.Content = append(resp.Content, TextBlock(apiResp.Message.Content))
		}
		for _, tc := range apiResp.Message.ToolCalls {
			resp.Content = append(resp.Content, ToolUseBlock(newToolCallID(), tc.Function.Name, tc.Function.Arguments))
		}
	}
	if apiResp.Done {
		resp.Usage = &Usage{InputTokens: apiResp.PromptEvalCount, OutputTokens: apiResp.EvalCount}
		resp.StopReason = ollamaStop
		if resp.HasToolUse() {
			resp.StopReason = StopToolUse
		}
	}
	return resp, nil
}

func (o *Ollama) StreamComplete(ctx context.Context, req *Request) (Stream, error) {
	apiReq, err := o.translateRequest(req, true)
	if err != nil {
		return nil, err
	}
	return o.stream(ctx, "/api/chat", apiReq, &ollamaParser{})
}

// AvailableModels lists the models pulled into the local server.
func (o *Ollama) AvailableModels(ctx context.Context) ([]string, error) {
	var tags ollamaTags
	if err := o.doJSON(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, err
	}
	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	return models, nil
}

// HealthCheck reports whether the model listing succeeds.
func (o *Ollama) HealthCheck(ctx context.Context) bool {
	_, err := o.AvailableModels(ctx)
	return err == nil
}

func (o *Ollama) translateRequest(req *Request, stream bool) (*ollamaRequest, error) {
	out := &ollamaRequest{
		Model:    o.modelFor(req),
		Stream:   stream,
		Messages: []ollamaMessage{},
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		out.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	if req.System != "" {
		out.Messages = append(out.Messages, ollamaMessage{Role: "system", Content: req.System})
	}

	for _, m := range req.Messages {
		if m.IsText() {
			if m.Role == RoleTool {
				return nil, &TranslationError{Provider: o.name, Reason: "tool message without tool_result blocks"}
			}
			out.Messages = append(out.Messages, ollamaMessage{Role: string(m.Role), Content: m.Text})
			continue
		}

		msg := ollamaMessage{Role: string(m.Role)}
		if m.Role == RoleTool {
			msg.Role = string(RoleUser)
		}
		var texts []string
		var results []ollamaMessage
		for _, b := range m.Blocks {
			switch b.Type {
			case BlockText:
				texts = append(texts, b.Text)
			case BlockImage:
				msg.Images = append(msg.Images, stripDataURL(b.URL))
			case BlockToolUse:
				tc := ollamaToolCall{}
				tc.Function.Name = b.Name
				tc.Function.Arguments = b.Input
				if len(tc.Function.Arguments) == 0 {
					tc.Function.Arguments = json.RawMessage("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, tc)
			case BlockToolResult:
				if m.Role == RoleAssistant {
					return nil, &TranslationError{Provider: o.name, Reason: "tool_result block in assistant message"}
				}
				results = append(results, ollamaMessage{Role: "tool", Content: b.Content})
			default:
				return nil, &TranslationError{Provider: o.name, Reason: fmt.Sprintf("unknown content block %q", b.Type)}
			}
		}
		msg.Content = strings.Join(texts, "\n")

		out.Messages = append(out.Messages, results...)
		if len(results) == 0 || msg.Content != "" || len(msg.Images) > 0 {
			out.Messages = append(out.Messages, msg)
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out, nil
}

// stripDataURL returns the raw base64 payload of a data:image URL.
func stripDataURL(url string) string {
	if strings.HasPrefix(url, "data:image/") {
		if _, payload, ok := strings.Cut(url, ";base64,"); ok {
			return payload
		}
	}
	return url
}

func newToolCallID() string {
	return "call_" + uuid.NewString()
}

// ollamaParser decodes newline-delimited JSON chunks.
type ollamaParser struct {
	index int // next content-block index for tool calls
}

func (p *ollamaParser) next(buf []byte, atEOF bool) (int, []StreamEvent, error) {
	var line []byte
	n := bytes.IndexByte(buf, '\n')
	switch {
	case n >= 0:
		line, n = buf[:n], n+1
	case atEOF && len(buf) > 0:
		line, n = buf, len(buf)
	default:
		return 0, nil, nil
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return n, nil, nil
	}

	var chunk ollamaResponse
	if err := json.Unmarshal(line, &chunk); err != nil {
		return 0, nil, fmt.Errorf("stream line: %w", err)
	}
	if chunk.Error != "" {
		return 0, nil, &APIError{Provider: "ollama", Body: chunk.Error}
	}

	var events []StreamEvent
	hasTools := false
	if chunk.Message != nil {
		if chunk.Message.Content != "" {
			events = append(events, StreamEvent{Type: EventTextDelta, Text: chunk.Message.Content})
		}
		for _, tc := range chunk.Message.ToolCalls {
			hasTools = true
			p.index++
			args := string(tc.Function.Arguments)
			if args == "" {
				args = "{}"
			}
			events = append(events,
				StreamEvent{Type: EventToolUseStart, Index: p.index, ID: newToolCallID(), Name: tc.Function.Name},
				StreamEvent{Type: EventInputJSONDelta, Index: p.index, PartialJSON: args},
				StreamEvent{Type: EventContentBlockStop, Index: p.index},
			)
		}
	}
	if chunk.Done {
		stop := ollamaStop
		if hasTools {
			stop = StopToolUse
		}
		events = append(events,
			StreamEvent{
				Type:       EventMessageDelta,
				StopReason: stop,
				Usage:      &Usage{InputTokens: chunk.PromptEvalCount, OutputTokens: chunk.EvalCount},
			},
			StreamEvent{Type: EventMessageStop},
		)
	}
	return n, events, nil
}
