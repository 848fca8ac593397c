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
	openaiDefaultURL   = "https://api.openai.com"
	openaiDefaultModel = "gpt-4o"
)

// OpenAI implements Provider for OpenAI-compatible chat-completions APIs.
// Works with OpenAI, Groq, Together, and any compatible endpoint; the base
// URL is the origin, without the /v1 path.
type OpenAI struct {
	client
}

// NewOpenAI creates an OpenAI-compatible provider.
// apiKey defaults to OPENAI_API_KEY env var if empty.
// model defaults to gpt-4o if empty.
func NewOpenAI(apiKey, model string, opts ...Option) *OpenAI {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if model == "" {
		model = openaiDefaultModel
	}
	o := &OpenAI{client: newClient("openai", apiKey, model, openaiDefaultURL, opts)}
	o.headers = func(h http.Header) {
		h.Set("Authorization", "Bearer "+o.apiKey)
	}
	return o
}

// OpenAI API types

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"` // string, []openaiPart, or nil
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded object
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   *string          `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
	Error *openaiError `json:"error"`
}

func (o *OpenAI) checkKey() error {
	if o.apiKey == "" {
		return fmt.Errorf("openai: %w (OPENAI_API_KEY)", ErrMissingAPIKey)
	}
	return nil
}

func (o *OpenAI) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := o.checkKey(); err != nil {
		return nil, err
	}
	apiReq, err := o.translateRequest(req)
	if err != nil {
		return nil, err
	}

	var apiResp openaiResponse
	if err := o.doJSON(ctx, http.MethodPost, "/v1/chat/completions", apiReq, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.Error != nil {
		return nil, &APIError{Provider: o.name, Body: apiResp.Error.Type + ": " + apiResp.Error.Message}
	}
	return o.translateResponse(&apiResp, apiReq.Model)
}

func (o *OpenAI) StreamComplete(ctx context.Context, req *Request) (Stream, error) {
	if err := o.checkKey(); err != nil {
		return nil, err
	}
	apiReq, err := o.translateRequest(req)
	if err != nil {
		return nil, err
	}
	apiReq.Stream = true
	apiReq.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	return o.stream(ctx, "/v1/chat/completions", apiReq, newOpenAIParser())
}

// AvailableModels is not supported; it returns no models.
func (o *OpenAI) AvailableModels(context.Context) ([]string, error) {
	return nil, nil
}

// HealthCheck sends a one-token completion.
func (o *OpenAI) HealthCheck(ctx context.Context) bool {
	_, err := o.Complete(ctx, &Request{
		Messages:  []Message{TextMessage(RoleUser, "ping")},
		MaxTokens: 1,
	})
	return err == nil
}

func (o *OpenAI) translateRequest(req *Request) (*openaiRequest, error) {
	out := &openaiRequest{
		Model:       o.modelFor(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	system := req.System
	for _, m := range req.Messages {
		if m.Role != RoleSystem {
			continue
		}
		if text := m.PlainText(); text != "" {
			if system != "" {
				system += "\n"
			}
			system += text
		}
	}
	if system != "" {
		out.Messages = append(out.Messages, openaiMessage{Role: "system", Content: system})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
		case RoleUser, RoleTool:
			msgs, err := o.translateUser(m)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, msgs...)
		case RoleAssistant:
			msg, err := o.translateAssistant(m)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, msg)
		default:
			return nil, &TranslationError{Provider: o.name, Reason: fmt.Sprintf("unknown role %q", m.Role)}
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

// translateUser expands tool_result blocks into one role=tool message each,
// followed by any remaining user content.
func (o *OpenAI) translateUser(m Message) ([]openaiMessage, error) {
	if m.IsText() {
		if m.Role == RoleTool {
			return nil, &TranslationError{Provider: o.name, Reason: "tool message without tool_result blocks"}
		}
		return []openaiMessage{{Role: "user", Content: m.Text}}, nil
	}

	var out []openaiMessage
	var parts []openaiPart
	hasImage := false
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockToolResult:
			out = append(out, openaiMessage{Role: "tool", Content: b.Content, ToolCallID: b.ToolUseID})
		case BlockText:
			parts = append(parts, openaiPart{Type: "text", Text: b.Text})
		case BlockImage:
			hasImage = true
			parts = append(parts, openaiPart{Type: "image_url", ImageURL: &openaiImageURL{URL: b.URL}})
		default:
			return nil, &TranslationError{Provider: o.name, Reason: fmt.Sprintf("%s block in %s message", b.Type, m.Role)}
		}
	}

	switch {
	case hasImage:
		out = append(out, openaiMessage{Role: "user", Content: parts})
	case len(parts) > 0:
		texts := make([]string, len(parts))
		for i, p := range parts {
			texts[i] = p.Text
		}
		out = append(out, openaiMessage{Role: "user", Content: strings.Join(texts, "\n")})
	case len(out) == 0:
		out = append(out, openaiMessage{Role: "user", Content: ""})
	}
	return out, nil
}

func (o *OpenAI) translateAssistant(m Message) (openaiMessage, error) {
	if m.IsText() {
		return openaiMessage{Role: "assistant", Content: m.Text}, nil
	}

	msg := openaiMessage{Role: "assistant"}
	var texts []string
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockText:
			texts = append(texts, b.Text)
		case BlockToolUse:
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: openaiFunctionCall{Name: b.Name, Arguments: args},
			})
		default:
			return openaiMessage{}, &TranslationError{Provider: o.name, Reason: fmt.Sprintf("%s block in assistant message", b.Type)}
		}
	}
	if text := strings.Join(texts, "\n"); text != "" {
		msg.Content = text
	}
	return msg, nil
}

func (o *OpenAI) translateResponse(apiResp *openaiResponse, model string) (*Response, error) {
	resp := &Response{Model: apiResp.Model}
	if resp.Model == "" {
		resp.Model = model
	}
	if apiResp.Usage != nil {
		resp.Usage = &Usage{InputTokens: apiResp.Usage.PromptTokens, OutputTokens: apiResp.Usage.CompletionTokens}
	}
	if len(apiResp.Choices) == 0 {
		return resp, nil
	}

	choice := apiResp.Choices[0]
	resp.StopReason = normalizeFinishReason(choice.FinishReason)
	if c := choice.Message.Content; c != nil && *c != "" {
		resp.Content = append(resp.Content, TextBlock(*c))
	}
	for _, tc := range choice.Message.ToolCalls {
		input, err := parseArguments(tc.Function.Arguments)
		if err != nil {
			return nil, &DecodeError{Provider: o.name, Err: fmt.Errorf("tool call %s arguments: %w", tc.ID, err)}
		}
		resp.Content = append(resp.Content, ToolUseBlock(tc.ID, tc.Function.Name, input))
	}
	return resp, nil
}

func parseArguments(args string) (json.RawMessage, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid([]byte(args)) {
		return nil, fmt.Errorf("invalid JSON: %q", args)
	}
	return json.RawMessage(args), nil
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return StopEndTurn
	case "tool_calls":
		return StopToolUse
	default:
		return reason
	}
}

// openaiParser decodes chat-completion chunks. One chunk may yield several
// events; they are returned together and queued by the stream.
type openaiParser struct {
	seen map[int]bool
	open []int
}

func newOpenAIParser() *openaiParser {
	return &openaiParser{seen: map[int]bool{}}
}

type openaiChunk struct {
	Choices []struct {
		Delta struct {
			Content   *string `json:"content"`
			ToolCalls []struct {
				Index    int                `json:"index"`
				ID       string             `json:"id"`
				Function openaiFunctionCall `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
	Error *openaiError `json:"error"`
}

func (p *openaiParser) next(buf []byte, atEOF bool) (int, []StreamEvent, error) {
	frame, n := nextSSEFrame(buf, atEOF)
	if n == 0 {
		return 0, nil, nil
	}
	data := strings.TrimSpace(frame.data)
	if data == "" {
		return n, nil, nil
	}
	if data == "[DONE]" {
		return n, []StreamEvent{{Type: EventMessageStop}}, nil
	}

	var chunk openaiChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return 0, nil, fmt.Errorf("chunk: %w", err)
	}
	if chunk.Error != nil {
		return 0, nil, &APIError{Provider: "openai", Body: chunk.Error.Type + ": " + chunk.Error.Message}
	}

	var usage *Usage
	if chunk.Usage != nil {
		usage = &Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
	}
	if len(chunk.Choices) == 0 {
		if usage != nil {
			return n, []StreamEvent{{Type: EventMessageDelta, Usage: usage}}, nil
		}
		return n, nil, nil
	}

	var events []StreamEvent
	choice := chunk.Choices[0]
	if c := choice.Delta.Content; c != nil && *c != "" {
		events = append(events, StreamEvent{Type: EventTextDelta, Text: *c})
	}
	for _, tc := range choice.Delta.ToolCalls {
		if !p.seen[tc.Index] {
			p.seen[tc.Index] = true
			p.open = append(p.open, tc.Index)
			events = append(events, StreamEvent{
				Type:  EventToolUseStart,
				Index: tc.Index,
				ID:    tc.ID,
				Name:  tc.Function.Name,
			})
		}
		if tc.Function.Arguments != "" {
			events = append(events, StreamEvent{
				Type:        EventInputJSONDelta,
				Index:       tc.Index,
				PartialJSON: tc.Function.Arguments,
			})
		}
	}
	if fr := choice.FinishReason; fr != nil && *fr != "" {
		for _, index := range p.open {
			events = append(events, StreamEvent{Type: EventContentBlockStop, Index: index})
		}
		p.open = nil
		events = append(events, StreamEvent{
			Type:       EventMessageDelta,
			StopReason: normalizeFinishReason(*fr),
			Usage:      usage,
		})
	} else if usage != nil {
		events = append(events, StreamEvent{Type: EventMessageDelta, Usage: usage})
	}
	return n, events, nil
}
