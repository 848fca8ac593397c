package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewAnthropic_Defaults(t *testing.T) {
	a := NewAnthropic("test-key", "")
	if a.model != "claude-sonnet-4-20250514" {
		t.Errorf("default model = %q, want claude-sonnet-4-20250514", a.model)
	}
	if a.apiKey != "test-key" {
		t.Errorf("apiKey = %q, want test-key", a.apiKey)
	}
	if a.baseURL != anthropicDefaultURL {
		t.Errorf("baseURL = %q", a.baseURL)
	}
	if a.ID() != "anthropic" {
		t.Errorf("ID() = %q, want anthropic", a.ID())
	}
	if a.ConfiguredModel() != "claude-sonnet-4-20250514" {
		t.Errorf("ConfiguredModel() = %q", a.ConfiguredModel())
	}
}

func TestAnthropic_NoAPIKey(t *testing.T) {
	a := NewAnthropic("", "model")
	a.apiKey = "" // force empty
	_, err := a.Complete(context.Background(), &Request{Messages: []Message{TextMessage(RoleUser, "hi")}})
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
	if _, err := a.StreamComplete(context.Background(), &Request{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("stream err = %v, want ErrMissingAPIKey", err)
	}
}

func TestAnthropic_TranslateSystemOutOfBand(t *testing.T) {
	a := NewAnthropic("key", "")
	out, err := a.translateRequest(&Request{
		Messages: []Message{TextMessage(RoleUser, "Hello")},
		System:   "Be terse",
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.System != "Be terse" {
		t.Errorf("system = %q", out.System)
	}
	if len(out.Messages) != 1 || out.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v, want only the user turn", out.Messages)
	}
	if out.MaxTokens != 4096 {
		t.Errorf("max_tokens = %d, want 4096", out.MaxTokens)
	}

	raw, _ := json.Marshal(out)
	if strings.Count(string(raw), "Be terse") != 1 {
		t.Errorf("system text should appear once: %s", raw)
	}
}

func TestAnthropic_TranslateFoldsSystemMessages(t *testing.T) {
	a := NewAnthropic("key", "")
	out, err := a.translateRequest(&Request{
		System: "base",
		Messages: []Message{
			TextMessage(RoleSystem, "extra"),
			TextMessage(RoleUser, "hi"),
		},
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.System != "base\nextra" {
		t.Errorf("system = %q", out.System)
	}
	if len(out.Messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(out.Messages))
	}
}

func TestAnthropic_TranslateToolResults(t *testing.T) {
	a := NewAnthropic("key", "")
	out, err := a.translateRequest(&Request{
		Messages: []Message{
			TextMessage(RoleUser, "list files"),
			BlockMessage(RoleAssistant, TextBlock("checking"), ToolUseBlock("toolu_1", "bash", json.RawMessage(`{"command":"ls"}`))),
			BlockMessage(RoleTool, ToolResultBlock("toolu_1", "a.txt", false), ToolResultBlock("toolu_2", "boom", true)),
		},
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out.Messages))
	}

	assistant := out.Messages[1].Content.([]anthropicBlock)
	if assistant[1].Type != "tool_use" || string(assistant[1].Input) != `{"command":"ls"}` {
		t.Errorf("tool_use block = %+v", assistant[1])
	}

	results := out.Messages[2]
	if results.Role != "user" {
		t.Errorf("tool results role = %q, want user", results.Role)
	}
	blocks := results.Content.([]anthropicBlock)
	if len(blocks) != 2 || blocks[0].Type != "tool_result" || blocks[0].ToolUseID != "toolu_1" {
		t.Fatalf("result blocks = %+v", blocks)
	}
	if blocks[0].IsError || !blocks[1].IsError {
		t.Errorf("is_error flags = %v, %v", blocks[0].IsError, blocks[1].IsError)
	}
}

func TestAnthropic_TranslateImages(t *testing.T) {
	a := NewAnthropic("key", "")
	out, err := a.translateRequest(&Request{
		Messages: []Message{BlockMessage(RoleUser, TextBlock("what is this"), ImageBlock("data:image/png;base64,iVBORw0K"))},
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	blocks := out.Messages[0].Content.([]anthropicBlock)
	src := blocks[1].Source
	if src == nil || src.Type != "base64" || src.MediaType != "image/png" || src.Data != "iVBORw0K" {
		t.Errorf("image source = %+v", src)
	}

	_, err = a.Complete(context.Background(), &Request{
		Messages: []Message{BlockMessage(RoleUser, ImageBlock("https://example.com/cat.png"))},
	})
	if !IsTranslationError(err) {
		t.Fatalf("remote image err = %v, want translation error", err)
	}
}

func TestAnthropic_TranslateRejectsMisplacedResults(t *testing.T) {
	a := NewAnthropic("key", "")
	cases := map[string]Message{
		"result in assistant": BlockMessage(RoleAssistant, ToolResultBlock("t1", "x", false)),
		"plain tool message":  TextMessage(RoleTool, "orphan"),
	}
	for name, m := range cases {
		if _, err := a.translateRequest(&Request{Messages: []Message{m}}); !IsTranslationError(err) {
			t.Errorf("%s: err = %v, want translation error", name, err)
		}
	}
}

func TestAnthropic_Complete_SimpleResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("wrong anthropic version")
		}

		body, _ := io.ReadAll(r.Body)
		var req anthropicRequest
		json.Unmarshal(body, &req)
		if req.System != "You are helpful." {
			t.Errorf("system = %q", req.System)
		}
		if req.Stream {
			t.Errorf("stream should be false")
		}

		w.Write([]byte(`{
			"type": "message",
			"model": "claude-test",
			"content": [{"type": "text", "text": "Hello!"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 100, "output_tokens": 10}
		}`))
	}))
	defer server.Close()

	a := NewAnthropic("test-key", "", WithBaseURL(server.URL+"/"))
	resp, err := a.Complete(context.Background(), &Request{
		Messages: []Message{TextMessage(RoleUser, "Hi")},
		System:   "You are helpful.",
	})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("text = %q", resp.Text())
	}
	if resp.Model != "claude-test" || resp.StopReason != StopEndTurn {
		t.Errorf("model = %q, stop = %q", resp.Model, resp.StopReason)
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 100 || resp.Usage.OutputTokens != 10 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnthropic_Complete_ToolUseAndUnknownBlocks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"content": [
				{"type": "thinking", "thinking": "hmm"},
				{"type": "tool_use", "id": "toolu_1", "name": "file_read", "input": {"path": "a.txt"}}
			],
			"stop_reason": "tool_use"
		}`))
	}))
	defer server.Close()

	a := NewAnthropic("test-key", "m", WithBaseURL(server.URL))
	resp, err := a.Complete(context.Background(), &Request{Messages: []Message{TextMessage(RoleUser, "read")}})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if len(resp.Content) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(resp.Content))
	}
	if resp.Content[0].Text != "[unsupported content block: thinking]" {
		t.Errorf("placeholder = %q", resp.Content[0].Text)
	}
	uses := resp.ToolUses()
	if len(uses) != 1 || uses[0].Name != "file_read" || string(uses[0].Input) != `{"path": "a.txt"}` {
		t.Errorf("tool uses = %+v", uses)
	}
	if resp.Model != "m" {
		t.Errorf("model should fall back to request model, got %q", resp.Model)
	}
}

func TestAnthropic_Complete_ErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	a := NewAnthropic("test-key", "", WithBaseURL(server.URL))
	_, err := a.Complete(context.Background(), &Request{Messages: []Message{TextMessage(RoleUser, "hi")}})
	apiErr, ok := IsAPIError(err)
	if !ok {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != 429 || !strings.Contains(apiErr.Body, "slow down") {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestAnthropic_RoundTripText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		last := req.Messages[len(req.Messages)-1].Content.(string)
		json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]any{{"type": "text", "text": last}},
			"stop_reason": "end_turn",
		})
	}))
	defer server.Close()

	a := NewAnthropic("test-key", "", WithBaseURL(server.URL))
	for _, text := range []string{"hello", "multi\nline", "ünïcødé ✓", ""} {
		resp, err := a.Complete(context.Background(), &Request{Messages: []Message{TextMessage(RoleUser, text)}})
		if err != nil {
			t.Fatalf("Complete(%q): %v", text, err)
		}
		if resp.Text() != text {
			t.Errorf("round trip %q -> %q", text, resp.Text())
		}
	}
}

func TestAnthropic_HealthCheckAndModels(t *testing.T) {
	var maxTokens int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		maxTokens = req.MaxTokens
		w.Write([]byte(`{"content":[{"type":"text","text":"p"}]}`))
	}))
	defer server.Close()

	a := NewAnthropic("test-key", "", WithBaseURL(server.URL))
	if !a.HealthCheck(context.Background()) {
		t.Error("expected healthy")
	}
	if maxTokens != 1 {
		t.Errorf("health check max_tokens = %d, want 1", maxTokens)
	}

	down := NewAnthropic("test-key", "", WithBaseURL("http://127.0.0.1:1"))
	if down.HealthCheck(context.Background()) {
		t.Error("expected unhealthy for unreachable server")
	}

	models, err := a.AvailableModels(context.Background())
	if err != nil || len(models) != 4 {
		t.Errorf("models = %v, err = %v", models, err)
	}
}

const anthropicStreamFixture = `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":12,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: ping
data: {"type":"ping"}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Héllo"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" wörld"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"bash","input":{}}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"command\":"}}

event: future_event
data: {"type":"future_event","payload":1}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"ls\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":20}}

event: message_stop
data: {"type":"message_stop"}

`

func TestAnthropic_Stream_Events(t *testing.T) {
	// 7-byte chunks split frames and the multi-byte runes inside them.
	server := streamServer(t, "text/event-stream", anthropicStreamFixture, 7)
	defer server.Close()

	a := NewAnthropic("test-key", "", WithBaseURL(server.URL))
	stream, err := a.StreamComplete(context.Background(), &Request{Messages: []Message{TextMessage(RoleUser, "hi")}})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}
	events := drain(t, stream)

	want := []StreamEvent{
		{Type: EventTextDelta, Index: 0, Text: "Héllo"},
		{Type: EventTextDelta, Index: 0, Text: " wörld"},
		{Type: EventContentBlockStop, Index: 0},
		{Type: EventToolUseStart, Index: 1, ID: "toolu_1", Name: "bash"},
		{Type: EventInputJSONDelta, Index: 1, PartialJSON: `{"command":`},
		{Type: EventInputJSONDelta, Index: 1, PartialJSON: `"ls"}`},
		{Type: EventContentBlockStop, Index: 1},
		{Type: EventMessageDelta, StopReason: StopToolUse, Usage: &Usage{InputTokens: 12, OutputTokens: 20}},
		{Type: EventMessageStop},
	}
	assertEvents(t, events, want)
}

func TestAnthropic_Stream_MatchesComplete(t *testing.T) {
	server := streamServer(t, "text/event-stream", anthropicStreamFixture, 3)
	defer server.Close()

	a := NewAnthropic("test-key", "", WithBaseURL(server.URL))
	stream, err := a.StreamComplete(context.Background(), &Request{Messages: []Message{TextMessage(RoleUser, "hi")}})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}
	resp, err := Collect(stream)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if resp.Text() != "Héllo wörld" {
		t.Errorf("text = %q", resp.Text())
	}
	uses := resp.ToolUses()
	if len(uses) != 1 || string(uses[0].Input) != `{"command":"ls"}` {
		t.Errorf("tool uses = %+v", uses)
	}
	if resp.StopReason != StopToolUse {
		t.Errorf("stop = %q", resp.StopReason)
	}
}

func TestAnthropic_Stream_CRLFFraming(t *testing.T) {
	body := strings.ReplaceAll(anthropicStreamFixture, "\n", "\r\n")
	server := streamServer(t, "text/event-stream", body, 5)
	defer server.Close()

	a := NewAnthropic("test-key", "", WithBaseURL(server.URL))
	stream, err := a.StreamComplete(context.Background(), &Request{Messages: []Message{TextMessage(RoleUser, "hi")}})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}
	if events := drain(t, stream); len(events) != 9 {
		t.Errorf("expected 9 events, got %d", len(events))
	}
}

func TestAnthropic_Stream_ErrorEvent(t *testing.T) {
	body := "event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"par"}}` + "\n\n" +
		"event: error\n" +
		`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}` + "\n\n"
	server := streamServer(t, "text/event-stream", body, 64)
	defer server.Close()

	a := NewAnthropic("test-key", "", WithBaseURL(server.URL))
	stream, err := a.StreamComplete(context.Background(), &Request{Messages: []Message{TextMessage(RoleUser, "hi")}})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}
	defer stream.Close()

	if ev, err := stream.Recv(); err != nil || ev.Text != "par" {
		t.Fatalf("first event = %+v, %v", ev, err)
	}
	_, err = stream.Recv()
	apiErr, ok := IsAPIError(err)
	if !ok || !strings.Contains(apiErr.Body, "Overloaded") {
		t.Fatalf("err = %v, want overloaded APIError", err)
	}
}

func TestAnthropic_Stream_PrematureEOF(t *testing.T) {
	body := "event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"cut"}}` + "\n\n"
	server := streamServer(t, "text/event-stream", body, 64)
	defer server.Close()

	a := NewAnthropic("test-key", "", WithBaseURL(server.URL))
	stream, err := a.StreamComplete(context.Background(), &Request{Messages: []Message{TextMessage(RoleUser, "hi")}})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv: %v", err)
	}
	_, err = stream.Recv()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want unexpected EOF", err)
	}
}

func TestAnthropic_Stream_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal"))
	}))
	defer server.Close()

	a := NewAnthropic("test-key", "", WithBaseURL(server.URL))
	_, err := a.StreamComplete(context.Background(), &Request{Messages: []Message{TextMessage(RoleUser, "hi")}})
	apiErr, ok := IsAPIError(err)
	if !ok || apiErr.StatusCode != 500 {
		t.Fatalf("err = %v, want HTTP 500 APIError", err)
	}
}

func TestParseDataURL(t *testing.T) {
	tests := []struct {
		url       string
		mediaType string
		data      string
		ok        bool
	}{
		{"data:image/jpeg;base64,AAAA", "image/jpeg", "AAAA", true},
		{"data:image/png,AAAA", "", "", false},
		{"data:;base64,AAAA", "", "", false},
		{"https://example.com/a.png", "", "", false},
	}
	for _, tt := range tests {
		mt, data, ok := parseDataURL(tt.url)
		if mt != tt.mediaType || data != tt.data || ok != tt.ok {
			t.Errorf("parseDataURL(%q) = %q, %q, %v", tt.url, mt, data, ok)
		}
	}
}
