// Package providertest provides an in-memory Provider for tests.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rcliao/teeny-agents/pkg/provider"
)

// Scripted replays canned responses in order and records every request.
// When the script runs out, the last response is repeated.
type Scripted struct {
	IDValue   string
	Model     string
	Responses []*provider.Response
	Err       error
	Healthy   bool

	mu       sync.Mutex
	requests []provider.Request
	calls    int
}

// New returns a healthy Scripted provider with the given responses.
func New(id string, responses ...*provider.Response) *Scripted {
	return &Scripted{IDValue: id, Responses: responses, Healthy: true}
}

func (s *Scripted) ID() string              { return s.IDValue }
func (s *Scripted) ConfiguredModel() string { return s.Model }

func (s *Scripted) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *req
	cp.Messages = append([]provider.Message(nil), req.Messages...)
	s.requests = append(s.requests, cp)
	s.calls++

	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.Responses) == 0 {
		return nil, errors.New("providertest: no scripted responses")
	}
	i := min(s.calls-1, len(s.Responses)-1)
	return s.Responses[i], nil
}

func (s *Scripted) StreamComplete(ctx context.Context, req *provider.Request) (provider.Stream, error) {
	resp, err := s.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return NewStream(EventsFor(resp)...), nil
}

func (s *Scripted) AvailableModels(context.Context) ([]string, error) {
	if s.Model == "" {
		return nil, nil
	}
	return []string{s.Model}, nil
}

func (s *Scripted) HealthCheck(context.Context) bool { return s.Healthy }

// Calls returns the number of Complete calls.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Requests returns a copy of every request received.
func (s *Scripted) Requests() []provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.Request(nil), s.requests...)
}

// Text is a response with a single text block.
func Text(text string) *provider.Response {
	return &provider.Response{
		Content:    []provider.ContentBlock{provider.TextBlock(text)},
		StopReason: provider.StopEndTurn,
	}
}

// ToolCall is a response asking for one tool invocation.
func ToolCall(id, name, input string) *provider.Response {
	return &provider.Response{
		Content:    []provider.ContentBlock{provider.ToolUseBlock(id, name, []byte(input))},
		StopReason: provider.StopToolUse,
	}
}

// EventsFor renders resp as the event sequence a streaming adapter would
// produce for it.
func EventsFor(resp *provider.Response) []provider.StreamEvent {
	var events []provider.StreamEvent
	for i, b := range resp.Content {
		switch b.Type {
		case provider.BlockText:
			events = append(events, provider.StreamEvent{Type: provider.EventTextDelta, Index: i, Text: b.Text})
		case provider.BlockToolUse:
			events = append(events,
				provider.StreamEvent{Type: provider.EventToolUseStart, Index: i, ID: b.ID, Name: b.Name},
				provider.StreamEvent{Type: provider.EventInputJSONDelta, Index: i, PartialJSON: string(b.Input)},
			)
		}
		events = append(events, provider.StreamEvent{Type: provider.EventContentBlockStop, Index: i})
	}
	return append(events,
		provider.StreamEvent{Type: provider.EventMessageDelta, StopReason: resp.StopReason, Usage: resp.Usage},
		provider.StreamEvent{Type: provider.EventMessageStop},
	)
}

// Stream yields a fixed event slice.
type Stream struct {
	events []provider.StreamEvent
	closed bool
}

// NewStream returns a Stream over events.
func NewStream(events ...provider.StreamEvent) *Stream {
	return &Stream{events: events}
}

func (s *Stream) Recv() (provider.StreamEvent, error) {
	if s.closed {
		return provider.StreamEvent{}, provider.ErrStreamClosed
	}
	if len(s.events) == 0 {
		return provider.StreamEvent{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *Stream) Close() error {
	s.closed = true
	return nil
}

var _ provider.Provider = (*Scripted)(nil)

// String identifies the provider in test failure output.
func (s *Scripted) String() string { return fmt.Sprintf("providertest.Scripted(%s)", s.IDValue) }
