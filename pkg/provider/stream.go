package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// EventType tags a StreamEvent variant.
type EventType string

const (
	EventTextDelta        EventType = "text_delta"
	EventToolUseStart     EventType = "tool_use_start"
	EventInputJSONDelta   EventType = "input_json_delta"
	EventContentBlockStop EventType = "content_block_stop"
	EventMessageDelta     EventType = "message_delta"
	EventMessageStop      EventType = "message_stop"
)

// StreamEvent is one unit of an incremental completion.
type StreamEvent struct {
	Type  EventType
	Index int

	Text        string // text_delta
	ID          string // tool_use_start
	Name        string // tool_use_start
	PartialJSON string // input_json_delta; fragments concatenate by Index

	StopReason string // message_delta
	Usage      *Usage // message_delta, cumulative
}

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("stream closed")

// Stream is a finite, pull-based, non-restartable sequence of events.
// Recv returns io.EOF after the message_stop event has been delivered.
// A transport or decode failure ends the stream with that error and no
// message_stop.
type Stream interface {
	Recv() (StreamEvent, error)
	Close() error
}

// Events adapts s to a range-over-func sequence. The stream is closed
// when iteration ends.
func Events(s Stream) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		defer s.Close()
		for {
			ev, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// Collect drains s into a Response: text deltas are concatenated and
// input-JSON fragments are joined per index and validated when their block
// stops.
func Collect(s Stream) (*Response, error) {
	defer s.Close()

	resp := &Response{}
	textAt := map[int]int{}
	toolAt := map[int]int{}
	args := map[int]*strings.Builder{}

	finish := func(index int) error {
		b, ok := args[index]
		if !ok {
			return nil
		}
		delete(args, index)
		raw := strings.TrimSpace(b.String())
		if raw == "" {
			raw = "{}"
		}
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("tool input for block %d is not valid JSON: %q", index, raw)
		}
		resp.Content[toolAt[index]].Input = json.RawMessage(raw)
		return nil
	}

	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return resp, nil
		}
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case EventTextDelta:
			pos, ok := textAt[ev.Index]
			if !ok {
				resp.Content = append(resp.Content, TextBlock(""))
				pos = len(resp.Content) - 1
				textAt[ev.Index] = pos
			}
			resp.Content[pos].Text += ev.Text
		case EventToolUseStart:
			resp.Content = append(resp.Content, ToolUseBlock(ev.ID, ev.Name, nil))
			toolAt[ev.Index] = len(resp.Content) - 1
			args[ev.Index] = &strings.Builder{}
		case EventInputJSONDelta:
			if b, ok := args[ev.Index]; ok {
				b.WriteString(ev.PartialJSON)
			}
		case EventContentBlockStop:
			if err := finish(ev.Index); err != nil {
				return nil, err
			}
		case EventMessageDelta:
			if ev.StopReason != "" {
				resp.StopReason = ev.StopReason
			}
			if ev.Usage != nil {
				u := *ev.Usage
				resp.Usage = &u
			}
		case EventMessageStop:
			for index := range args {
				if err := finish(index); err != nil {
					return nil, err
				}
			}
		}
	}
}

// frameParser turns buffered wire bytes into events, one wire unit per
// call. It returns the bytes consumed (0 when no complete unit is
// buffered) and the events that unit produced, which may be none.
type frameParser interface {
	next(buf []byte, atEOF bool) (n int, events []StreamEvent, err error)
}

const readChunkSize = 4096

// eventStream drives a frameParser over an HTTP body. The body is read
// only when the buffered bytes and the pending queue cannot yield an event.
type eventStream struct {
	ctx      context.Context
	provider string
	body     io.ReadCloser
	parser   frameParser

	buf     []byte
	pending []StreamEvent
	atEOF   bool
	done    bool
	err     error
}

func newEventStream(ctx context.Context, provider string, body io.ReadCloser, p frameParser) *eventStream {
	return &eventStream{ctx: ctx, provider: provider, body: body, parser: p}
}

func (s *eventStream) Recv() (StreamEvent, error) {
	for {
		if s.err != nil {
			return StreamEvent{}, s.err
		}
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if ev.Type == EventMessageStop {
				s.done = true
				s.pending = nil
				s.body.Close()
			}
			return ev, nil
		}
		if s.done {
			return StreamEvent{}, io.EOF
		}

		n, events, err := s.parser.next(s.buf, s.atEOF)
		if err != nil {
			if _, ok := IsAPIError(err); !ok {
				err = &DecodeError{Provider: s.provider, Err: err}
			}
			return StreamEvent{}, s.fail(err)
		}
		if n > 0 {
			s.buf = s.buf[n:]
			s.pending = append(s.pending, events...)
			continue
		}
		if s.atEOF {
			return StreamEvent{}, s.fail(fmt.Errorf("%s: stream ended before message_stop: %w", s.provider, io.ErrUnexpectedEOF))
		}
		if err := s.fill(); err != nil {
			return StreamEvent{}, s.fail(err)
		}
	}
}

func (s *eventStream) fill() error {
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("%s: stream: %w", s.provider, err)
	}
	chunk := make([]byte, readChunkSize)
	n, err := s.body.Read(chunk)
	s.buf = append(s.buf, chunk[:n]...)
	switch {
	case errors.Is(err, io.EOF):
		s.atEOF = true
	case err != nil:
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: stream: %w", s.provider, ctxErr)
		}
		return fmt.Errorf("%s: stream read: %w", s.provider, err)
	}
	return nil
}

func (s *eventStream) fail(err error) error {
	s.err = err
	s.pending = nil
	s.body.Close()
	return err
}

func (s *eventStream) Close() error {
	if s.err == nil {
		s.err = ErrStreamClosed
	}
	s.pending = nil
	return s.body.Close()
}
