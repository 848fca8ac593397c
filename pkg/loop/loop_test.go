package loop

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rcliao/teeny-agents/pkg/provider"
	"github.com/rcliao/teeny-agents/pkg/provider/providertest"
	"github.com/rcliao/teeny-agents/pkg/toolreg"
	"github.com/rcliao/teeny-agents/pkg/usage"
)

// echoTool returns its input text, or fails when asked to.
type echoTool struct {
	name  string
	fail  error
	calls int
}

func (e *echoTool) Name() string                { return e.name }
func (e *echoTool) Description() string         { return "echo" }
func (e *echoTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }

func (e *echoTool) Execute(_ context.Context, input json.RawMessage) (toolreg.Output, error) {
	e.calls++
	if e.fail != nil {
		return toolreg.Output{}, e.fail
	}
	var args struct {
		Text  string `json:"text"`
		Error bool   `json:"error"`
	}
	if err := toolreg.DecodeInput(input, &args); err != nil {
		return toolreg.Failure("%v", err), nil
	}
	if args.Error {
		return toolreg.Failure("echo refused: %s", args.Text), nil
	}
	return toolreg.Success("echo: " + args.Text), nil
}

type fakeMemory struct {
	recall     string
	recallErr  error
	persistErr error

	mu        sync.Mutex
	persisted [][2]string
}

func (m *fakeMemory) Recall(_ context.Context, _, _, _ string) (string, error) {
	return m.recall, m.recallErr
}

func (m *fakeMemory) PersistTurn(_ context.Context, _, _, user, assistant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted = append(m.persisted, [2]string{user, assistant})
	return m.persistErr
}

func makeLoop(t *testing.T, p provider.Provider, tools []toolreg.Tool, opts ...Option) *AgentLoop {
	t.Helper()
	providers := provider.NewRegistry()
	if p != nil {
		if err := providers.Register(p); err != nil {
			t.Fatalf("register provider: %v", err)
		}
	}
	reg := toolreg.NewRegistry()
	if err := reg.Register(tools...); err != nil {
		t.Fatalf("register tools: %v", err)
	}
	cfg := DefaultConfig()
	cfg.SystemPrompt = "You are a test agent."
	return New(providers, reg, cfg, opts...)
}

// toolResults returns the tool_result blocks of the last user message in req.
func toolResults(t *testing.T, req provider.Request) []provider.ContentBlock {
	t.Helper()
	last := req.Messages[len(req.Messages)-1]
	if last.Role != provider.RoleUser {
		t.Fatalf("last message role = %s", last.Role)
	}
	return last.Blocks
}

func TestProcess_TextReply(t *testing.T) {
	p := providertest.New("test", providertest.Text("Hello!"))
	al := makeLoop(t, p, nil)

	history := []provider.Message{
		provider.TextMessage(provider.RoleUser, "earlier"),
		provider.TextMessage(provider.RoleAssistant, "reply"),
	}
	got, err := al.Process(context.Background(), "s1", "hi", history)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Hello!" {
		t.Errorf("got %q", got)
	}

	reqs := p.Requests()
	if len(reqs) != 1 {
		t.Fatalf("calls = %d", len(reqs))
	}
	if len(reqs[0].Messages) != 3 || reqs[0].Messages[2].PlainText() != "hi" {
		t.Errorf("messages = %+v", reqs[0].Messages)
	}
	if reqs[0].System != "You are a test agent." {
		t.Errorf("system = %q", reqs[0].System)
	}
	if len(history) != 2 {
		t.Error("caller history must not be modified")
	}
}

func TestProcess_ToolRoundTrip(t *testing.T) {
	p := providertest.New("test",
		providertest.ToolCall("call_1", "echo", `{"text":"ping"}`),
		providertest.Text("done"),
	)
	echo := &echoTool{name: "echo"}
	al := makeLoop(t, p, []toolreg.Tool{echo})

	got, err := al.Process(context.Background(), "s1", "go", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "done" || echo.calls != 1 {
		t.Fatalf("got %q, tool calls %d", got, echo.calls)
	}

	reqs := p.Requests()
	if len(reqs) != 2 {
		t.Fatalf("calls = %d", len(reqs))
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", reqs[0].Tools)
	}
	// user, assistant tool_use, user tool_result
	second := reqs[1]
	if len(second.Messages) != 3 || second.Messages[1].Role != provider.RoleAssistant {
		t.Fatalf("messages = %+v", second.Messages)
	}
	results := toolResults(t, second)
	if len(results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	r := results[0]
	if r.Type != provider.BlockToolResult || r.ToolUseID != "call_1" || r.Content != "echo: ping" || r.IsError {
		t.Errorf("result = %+v", r)
	}
}

func TestProcess_MultipleToolUsesShareOneMessage(t *testing.T) {
	resp := &provider.Response{
		Content: []provider.ContentBlock{
			provider.TextBlock("working"),
			provider.ToolUseBlock("a", "echo", []byte(`{"text":"1"}`)),
			provider.ToolUseBlock("b", "echo", []byte(`{"text":"2"}`)),
		},
		StopReason: provider.StopToolUse,
	}
	p := providertest.New("test", resp, providertest.Text("ok"))
	al := makeLoop(t, p, []toolreg.Tool{&echoTool{name: "echo"}})

	if _, err := al.Process(context.Background(), "s1", "go", nil); err != nil {
		t.Fatal(err)
	}
	results := toolResults(t, p.Requests()[1])
	if len(results) != 2 || results[0].ToolUseID != "a" || results[1].ToolUseID != "b" {
		t.Errorf("results = %+v", results)
	}
}

func TestProcess_UnknownTool(t *testing.T) {
	p := providertest.New("test",
		providertest.ToolCall("call_1", "nope", `{}`),
		providertest.Text("recovered"),
	)
	al := makeLoop(t, p, nil)

	got, err := al.Process(context.Background(), "s1", "go", nil)
	if err != nil || got != "recovered" {
		t.Fatalf("got %q, %v", got, err)
	}
	r := toolResults(t, p.Requests()[1])[0]
	if !r.IsError || r.Content != "unknown tool: nope" {
		t.Errorf("result = %+v", r)
	}
}

func TestProcess_ToolErrors(t *testing.T) {
	p := providertest.New("test",
		providertest.ToolCall("c1", "echo", `{"text":"x","error":true}`),
		providertest.ToolCall("c2", "broken", `{}`),
		providertest.Text("ok"),
	)
	broken := &echoTool{name: "broken", fail: errors.New("binary missing")}
	al := makeLoop(t, p, []toolreg.Tool{&echoTool{name: "echo"}, broken})

	if _, err := al.Process(context.Background(), "s1", "go", nil); err != nil {
		t.Fatal(err)
	}
	reqs := p.Requests()

	flagged := toolResults(t, reqs[1])[0]
	if !flagged.IsError || flagged.Content != "echo refused: x" {
		t.Errorf("error-flagged output should pass through: %+v", flagged)
	}
	failed := toolResults(t, reqs[2])[0]
	if !failed.IsError || !strings.Contains(failed.Content, "binary missing") {
		t.Errorf("invocation failure should become an error result: %+v", failed)
	}
}

func TestProcess_MaxIterations(t *testing.T) {
	p := providertest.New("test", providertest.ToolCall("c", "echo", `{"text":"again"}`))
	echo := &echoTool{name: "echo"}
	al := makeLoop(t, p, []toolreg.Tool{echo})

	_, err := al.Process(context.Background(), "s1", "loop forever", nil)
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("err = %v, want ErrMaxIterations", err)
	}
	if !strings.Contains(err.Error(), "(10)") {
		t.Errorf("error should name the bound: %v", err)
	}
	if p.Calls() != 10 || echo.calls != 10 {
		t.Errorf("completions = %d, tool calls = %d", p.Calls(), echo.calls)
	}
}

func TestProcess_ProviderError(t *testing.T) {
	p := providertest.New("test")
	p.Err = &provider.APIError{Provider: "test", StatusCode: 500, Body: "boom"}
	mem := &fakeMemory{}
	al := makeLoop(t, p, nil, WithMemory(mem))

	_, err := al.Process(context.Background(), "s1", "hi", nil)
	if _, ok := provider.IsAPIError(err); !ok {
		t.Fatalf("err = %v, want APIError", err)
	}
	if len(mem.persisted) != 0 {
		t.Error("failed turns are not persisted")
	}
}

func TestProcess_NoProvider(t *testing.T) {
	al := makeLoop(t, nil, nil)
	if _, err := al.Process(context.Background(), "s1", "hi", nil); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v", err)
	}

	al = makeLoop(t, providertest.New("a", providertest.Text("x")), nil)
	_, err := al.ProcessInput(context.Background(), Input{SessionID: "s1", Text: "hi", ProviderID: "missing"})
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v", err)
	}
}

func TestProcess_Memory(t *testing.T) {
	p := providertest.New("test", providertest.Text("answer"))
	mem := &fakeMemory{recall: "## Relevant Memory\n- likes tea"}
	al := makeLoop(t, p, nil, WithMemory(mem))

	got, err := al.Process(context.Background(), "s1", "question", nil)
	if err != nil || got != "answer" {
		t.Fatalf("got %q, %v", got, err)
	}
	want := "You are a test agent.\n\n## Relevant Memory\n- likes tea"
	if sys := p.Requests()[0].System; sys != want {
		t.Errorf("system = %q", sys)
	}
	if len(mem.persisted) != 1 || mem.persisted[0] != [2]string{"question", "answer"} {
		t.Errorf("persisted = %v", mem.persisted)
	}
}

func TestProcess_MemoryFailuresDegrade(t *testing.T) {
	p := providertest.New("test", providertest.Text("still works"))
	mem := &fakeMemory{
		recall:     "ignored",
		recallErr:  errors.New("db locked"),
		persistErr: errors.New("disk full"),
	}
	al := makeLoop(t, p, nil, WithMemory(mem))

	got, err := al.Process(context.Background(), "s1", "hi", nil)
	if err != nil || got != "still works" {
		t.Fatalf("got %q, %v", got, err)
	}
	if sys := p.Requests()[0].System; sys != "You are a test agent." {
		t.Errorf("system = %q", sys)
	}
}

type usageLog struct{ records []usage.Record }

func (u *usageLog) RecordUsage(_ context.Context, r usage.Record) error {
	u.records = append(u.records, r)
	return nil
}

func TestProcess_RecordsUsage(t *testing.T) {
	call := providertest.ToolCall("c", "echo", `{"text":"x"}`)
	call.Usage = &provider.Usage{InputTokens: 10, OutputTokens: 3}
	final := providertest.Text("done")
	final.Model = "m-1"
	final.Usage = &provider.Usage{InputTokens: 20, OutputTokens: 4}

	p := providertest.New("test", call, final)
	ul := &usageLog{}
	al := makeLoop(t, p, []toolreg.Tool{&echoTool{name: "echo"}}, WithUsage(ul))

	if _, err := al.Process(context.Background(), "s9", "go", nil); err != nil {
		t.Fatal(err)
	}
	if len(ul.records) != 2 {
		t.Fatalf("records = %+v", ul.records)
	}
	r := ul.records[1]
	if r.SessionID != "s9" || r.Provider != "test" || r.Model != "m-1" || r.InputTokens != 20 || r.OutputTokens != 4 {
		t.Errorf("record = %+v", r)
	}
}

func TestProcessInput_Overrides(t *testing.T) {
	a := providertest.New("a", providertest.Text("from a"))
	b := providertest.New("b", providertest.Text("from b"))
	providers := provider.NewRegistry()
	providers.Register(a)
	providers.Register(b)
	al := New(providers, nil, Config{SystemPrompt: "default", MaxTokens: 100})

	got, err := al.ProcessInput(context.Background(), Input{
		SessionID:    "s1",
		Text:         "hi",
		ProviderID:   "b",
		SystemPrompt: "custom",
		MaxTokens:    42,
	})
	if err != nil || got != "from b" {
		t.Fatalf("got %q, %v", got, err)
	}
	req := b.Requests()[0]
	if req.System != "custom" || req.MaxTokens != 42 || len(req.Tools) != 0 {
		t.Errorf("request = %+v", req)
	}
	if a.Calls() != 0 {
		t.Error("default provider should not be called")
	}
}

func TestStream(t *testing.T) {
	p := providertest.New("test", providertest.Text("streamed"))
	al := makeLoop(t, p, []toolreg.Tool{&echoTool{name: "echo"}})

	s, err := al.Stream(context.Background(), Input{SessionID: "s1", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := provider.Collect(s)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text() != "streamed" {
		t.Errorf("text = %q", resp.Text())
	}
	if len(p.Requests()[0].Tools) != 0 {
		t.Error("streaming requests carry no tools")
	}
}

// slowProvider delays its health check.
type slowProvider struct {
	*providertest.Scripted
	delay time.Duration
}

func (s *slowProvider) HealthCheck(ctx context.Context) bool {
	select {
	case <-time.After(s.delay):
		return s.Healthy
	case <-ctx.Done():
		return false
	}
}

func TestHealthCheckAll_Concurrent(t *testing.T) {
	providers := provider.NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		p := &slowProvider{Scripted: providertest.New(id), delay: 200 * time.Millisecond}
		if id == "b" {
			p.Healthy = false
		}
		providers.Register(p)
	}
	al := New(providers, nil, DefaultConfig())

	start := time.Now()
	results := al.HealthCheckAll(context.Background())
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Errorf("health checks ran sequentially: %s", elapsed)
	}
	if len(results) != 3 {
		t.Fatalf("results = %+v", results)
	}
	for i, want := range []HealthResult{{ID: "a", Healthy: true}, {ID: "b"}, {ID: "c", Healthy: true}} {
		if results[i].ID != want.ID || results[i].Healthy != want.Healthy {
			t.Errorf("results[%d] = %+v, want %+v", i, results[i], want)
		}
	}
}

// attrRecorder keeps the string attributes of every log record.
type attrRecorder struct {
	mu    sync.Mutex
	attrs map[string][]string
}

func (r *attrRecorder) Enabled(context.Context, slog.Level) bool { return true }
func (r *attrRecorder) WithAttrs([]slog.Attr) slog.Handler       { return r }
func (r *attrRecorder) WithGroup(string) slog.Handler            { return r }

func (r *attrRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.Attrs(func(a slog.Attr) bool {
		if a.Value.Kind() == slog.KindString {
			r.attrs[a.Key] = append(r.attrs[a.Key], a.Value.String())
		}
		return true
	})
	return nil
}

func TestProcess_LoggedToolOutputKeepsRunes(t *testing.T) {
	p := providertest.New("test",
		providertest.ToolCall("t1", "echo", `{"text":"`+strings.Repeat("é", 200)+`"}`),
		providertest.Text("done"),
	)
	rec := &attrRecorder{attrs: map[string][]string{}}
	al := makeLoop(t, p, []toolreg.Tool{&echoTool{name: "echo"}}, WithLogger(slog.New(rec)))

	if _, err := al.Process(context.Background(), "s1", "go", nil); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"input", "output"} {
		if len(rec.attrs[key]) == 0 {
			t.Fatalf("no %q attribute logged", key)
		}
		for _, v := range rec.attrs[key] {
			if !utf8.ValidString(v) {
				t.Errorf("%s attribute split a rune: %q", key, v)
			}
		}
	}
}

func TestNew_NilLogger(t *testing.T) {
	p := providertest.New("test", providertest.Text("ok"))
	al := makeLoop(t, p, nil, WithLogger(nil))
	if _, err := al.Process(context.Background(), "s1", "hi", nil); err != nil {
		t.Fatal(err)
	}
}
