package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// streamEvent is the normalized internal event. Every upstream wire
// format is parsed into this sum; every client-facing encoder consumes
// it. Exactly one of the payload pointers is set per type.
type streamEvent struct {
	Type string `json:"type"`

	// message_start
	Message *MessageResponse `json:"message,omitempty"`

	// content_block_start / content_block_delta / content_block_stop
	Index *int          `json:"index,omitempty"`
	Block *ContentBlock `json:"content_block,omitempty"`
	Delta *eventDelta   `json:"delta,omitempty"`

	// message_delta
	Usage *Usage `json:"usage,omitempty"`

	// error
	Err *APIError `json:"error,omitempty"`
}

// eventDelta covers both content_block_delta payloads and the
// message_delta {stop_reason, stop_sequence} object.
type eventDelta struct {
	Type         string `json:"type,omitempty"`
	Text         string `json:"text,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

func intp(i int) *int { return &i }

const (
	evMessageStart      = "message_start"
	evContentBlockStart = "content_block_start"
	evContentBlockDelta = "content_block_delta"
	evContentBlockStop  = "content_block_stop"
	evMessageDelta      = "message_delta"
	evMessageStop       = "message_stop"
	evPing              = "ping"
	evError             = "error"
)

// eventStream is a pull-based, cancellable sequence of events.
// next returns io.EOF when the stream is exhausted. close releases the
// underlying transport resources and is safe to call more than once.
type eventStream struct {
	next  func() (*streamEvent, error)
	close func()
}

func (s *eventStream) Close() {
	if s.close != nil {
		s.close()
	}
}

// sliceStream wraps a fixed event list as a stream. Used by
// short-circuit stages and tests.
func sliceStream(events []*streamEvent) *eventStream {
	i := 0
	return &eventStream{
		next: func() (*streamEvent, error) {
			if i >= len(events) {
				return nil, io.EOF
			}
			ev := events[i]
			i++
			return ev, nil
		},
		close: func() {},
	}
}

// sseReader splits a text/event-stream body into (event, data) pairs.
type sseReader struct {
	scanner *bufio.Scanner
	rc      io.ReadCloser
}

func newSSEReader(rc io.ReadCloser) *sseReader {
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &sseReader{scanner: sc, rc: rc}
}

// nextEvent returns the next complete SSE event. The event name may be
// empty when the upstream sends bare data lines.
func (r *sseReader) nextEvent() (name string, data []byte, err error) {
	var buf bytes.Buffer
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if buf.Len() > 0 {
				return name, buf.Bytes(), nil
			}
			name = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keepalive
		}
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			name = strings.TrimSpace(v)
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(strings.TrimPrefix(v, " "))
		}
	}
	if buf.Len() > 0 {
		return name, buf.Bytes(), nil
	}
	if serr := r.scanner.Err(); serr != nil {
		return "", nil, serr
	}
	return "", nil, io.EOF
}

func (r *sseReader) Close() error { return r.rc.Close() }

// parseAPIEvent decodes one Claude API SSE event into the normalized
// form. Unknown event types are dropped (nil, nil): the upstream adds
// event kinds over time and the proxy must not choke on them.
func parseAPIEvent(name string, data []byte) (*streamEvent, error) {
	switch name {
	case evMessageStart, evContentBlockStart, evContentBlockDelta,
		evContentBlockStop, evMessageDelta, evMessageStop, evPing, evError:
	default:
		return nil, nil
	}
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, wrapError(errUpstreamFatal, "malformed upstream event", err)
	}
	if ev.Type == "" {
		ev.Type = name
	}
	return &ev, nil
}

// webChunk is the shape of the web transport's completion stream. It
// is provider-driven and changes; the parser only relies on the fields
// below and ignores everything else.
type webChunk struct {
	Type       string `json:"type"`
	Completion string `json:"completion"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseWebEvent maps a web completion chunk onto the normalized form.
// The web stream has no block structure; the caller synthesizes
// message_start / block framing around the deltas returned here.
func parseWebEvent(data []byte) (*streamEvent, error) {
	var chunk webChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, wrapError(errUpstreamFatal, "malformed web event", err)
	}
	if chunk.Error != nil {
		return &streamEvent{Type: evError, Err: &APIError{Type: chunk.Error.Type, Message: chunk.Error.Message}}, nil
	}
	switch chunk.Type {
	case "completion":
		if chunk.Completion == "" {
			return nil, nil
		}
		return &streamEvent{
			Type:  evContentBlockDelta,
			Delta: &eventDelta{Type: "text_delta", Text: chunk.Completion},
		}, nil
	case "message_limit", "ping", "":
		return nil, nil
	}
	return nil, nil
}

// encodeSSE renders one normalized event as a client-facing SSE frame.
func encodeSSE(ev *streamEvent) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		data = []byte(`{"type":"error","error":{"type":"internal","message":"encode failure"}}`)
	}
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(ev.Type)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}
