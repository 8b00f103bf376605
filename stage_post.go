package main

import (
	"encoding/json"
	"io"
	"strings"
)

// mapStream wraps a stream with a per-event transform that may expand
// one upstream event into several client events or swallow it. The
// transform returns the events to release; after it reports done, the
// inner stream is closed and the wrapper drains its queue then ends.
func mapStream(inner *eventStream, transform func(ev *streamEvent, eof bool) (out []*streamEvent, done bool)) *eventStream {
	var pending []*streamEvent
	finished := false
	innerDone := false
	return &eventStream{
		next: func() (*streamEvent, error) {
			for {
				if len(pending) > 0 {
					ev := pending[0]
					pending = pending[1:]
					return ev, nil
				}
				if finished {
					return nil, io.EOF
				}
				if innerDone {
					out, _ := transform(nil, true)
					pending = append(pending, out...)
					finished = true
					continue
				}
				ev, err := inner.next()
				if err == io.EOF {
					innerDone = true
					continue
				}
				if err != nil {
					return nil, err
				}
				out, done := transform(ev, false)
				pending = append(pending, out...)
				if done {
					inner.Close()
					finished = true
				}
			}
		},
		close: inner.Close,
	}
}

// stageModelInjector rewrites the reported model to the one the client
// asked for; the web transport reports its own naming.
func stageModelInjector(pc *pipelineContext) error {
	if pc.stream == nil {
		return nil
	}
	model := pc.req.Model
	pc.stream = mapStream(pc.stream, func(ev *streamEvent, eof bool) ([]*streamEvent, bool) {
		if eof {
			return nil, true
		}
		if ev.Type == evMessageStart && ev.Message != nil {
			ev.Message.Model = model
		}
		return []*streamEvent{ev}, false
	})
	return nil
}

// stageStopSequences truncates the delta stream at the first occurrence
// of a configured stop sequence. The matcher holds back text that could
// still complete a match, so no delta crossing the boundary is ever
// released. Stops win over tool_use emission for the same text because
// this stage runs first.
func stageStopSequences(pc *pipelineContext) error {
	if pc.stream == nil || len(pc.req.StopSequences) == 0 {
		return nil
	}
	matcher := newStopMatcher(pc.req.StopSequences)
	openIndex := -1
	pc.stream = mapStream(pc.stream, func(ev *streamEvent, eof bool) ([]*streamEvent, bool) {
		if eof {
			return nil, true
		}
		switch ev.Type {
		case evContentBlockStart:
			if ev.Index != nil {
				openIndex = *ev.Index
			}
			return []*streamEvent{ev}, false

		case evContentBlockDelta:
			if ev.Delta == nil || ev.Delta.Type != "text_delta" {
				return []*streamEvent{ev}, false
			}
			emit, matched, _ := matcher.feed(ev.Delta.Text)
			var out []*streamEvent
			if emit != "" {
				out = append(out, &streamEvent{
					Type: evContentBlockDelta, Index: ev.Index,
					Delta: &eventDelta{Type: "text_delta", Text: emit},
				})
			}
			if matched != "" {
				idx := openIndex
				if ev.Index != nil {
					idx = *ev.Index
				}
				out = append(out,
					&streamEvent{Type: evContentBlockStop, Index: intp(idx)},
					&streamEvent{Type: evMessageDelta, Delta: &eventDelta{
						StopReason:   "stop_sequence",
						StopSequence: matched,
					}, Usage: &Usage{}},
					&streamEvent{Type: evMessageStop},
				)
				return out, true // cancels the upstream stream
			}
			return out, false

		case evContentBlockStop:
			// Flush held text before closing the block.
			if rest := matcher.finish(); rest != "" {
				return []*streamEvent{
					{Type: evContentBlockDelta, Index: ev.Index, Delta: &eventDelta{Type: "text_delta", Text: rest}},
					ev,
				}, false
			}
			return []*streamEvent{ev}, false

		default:
			return []*streamEvent{ev}, false
		}
	})
	return nil
}

// stageToolCallEvent recognizes the fenced tool-call convention in
// web-mode text and re-emits it as first-class tool_use events with a
// synthetic id registered in the tracker.
func stageToolCallEvent(pc *pipelineContext) error {
	if pc.stream == nil || pc.wire != "web" || len(pc.req.Tools) == 0 {
		return nil
	}
	fence := newStopMatcher([]string{toolFence})
	var capture strings.Builder
	capturing := false
	openIndex := 0

	emitToolUse := func(raw string) []*streamEvent {
		var call struct {
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}
		body := strings.TrimSpace(raw)
		if i := strings.Index(body, "```"); i >= 0 {
			body = strings.TrimSpace(body[:i])
		}
		if err := json.Unmarshal([]byte(body), &call); err != nil || call.Name == "" {
			// Not a well-formed call; surface the fenced text as-is.
			return []*streamEvent{{
				Type: evContentBlockDelta, Index: intp(openIndex),
				Delta: &eventDelta{Type: "text_delta", Text: toolFence + "\n" + raw},
			}}
		}
		id := syntheticToolID()
		input := call.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		// Registered before the event can reach the client.
		conversation := ""
		if pc.session != nil {
			conversation = pc.session.conversation
		}
		pc.svc.tracker.register(id, pc.sel.account, conversation)
		pc.toolPending = true
		if pc.session != nil {
			pc.session.pendingTool = true
		}

		toolIndex := openIndex + 1
		return []*streamEvent{
			{Type: evContentBlockStop, Index: intp(openIndex)},
			{Type: evContentBlockStart, Index: intp(toolIndex),
				Block: &ContentBlock{Type: "tool_use", ID: id, Name: call.Name, Input: json.RawMessage("{}")}},
			{Type: evContentBlockDelta, Index: intp(toolIndex),
				Delta: &eventDelta{Type: "input_json_delta", PartialJSON: string(input)}},
			{Type: evContentBlockStop, Index: intp(toolIndex)},
			{Type: evMessageDelta, Delta: &eventDelta{StopReason: "tool_use"}, Usage: &Usage{}},
			{Type: evMessageStop},
		}
	}

	pc.stream = mapStream(pc.stream, func(ev *streamEvent, eof bool) ([]*streamEvent, bool) {
		if eof {
			if capturing {
				// Stream ended mid-fence; treat what we have as a call.
				return emitToolUse(capture.String()), true
			}
			return nil, true
		}
		switch ev.Type {
		case evContentBlockStart:
			if ev.Index != nil {
				openIndex = *ev.Index
			}
			return []*streamEvent{ev}, false

		case evContentBlockDelta:
			if ev.Delta == nil || ev.Delta.Type != "text_delta" {
				return []*streamEvent{ev}, false
			}
			if capturing {
				capture.WriteString(ev.Delta.Text)
				if strings.Contains(capture.String(), "```") {
					return emitToolUse(capture.String()), true
				}
				return nil, false
			}
			emit, matched, rest := fence.feed(ev.Delta.Text)
			var out []*streamEvent
			if emit != "" {
				out = append(out, &streamEvent{
					Type: evContentBlockDelta, Index: ev.Index,
					Delta: &eventDelta{Type: "text_delta", Text: emit},
				})
			}
			if matched != "" {
				capturing = true
				capture.Reset()
				capture.WriteString(rest)
				if strings.Contains(rest, "```") {
					return append(out, emitToolUse(capture.String())...), true
				}
			}
			return out, false

		case evContentBlockStop, evMessageDelta, evMessageStop:
			if capturing {
				// Fence never closed before the framing tail; flush it
				// as a call attempt and end.
				return emitToolUse(capture.String()), true
			}
			if ev.Type == evContentBlockStop {
				if rest := fence.finish(); rest != "" {
					return []*streamEvent{
						{Type: evContentBlockDelta, Index: ev.Index, Delta: &eventDelta{Type: "text_delta", Text: rest}},
						ev,
					}, false
				}
			}
			return []*streamEvent{ev}, false

		default:
			return []*streamEvent{ev}, false
		}
	})
	return nil
}

// stageMessageCollector tees the event flow into the context so the
// non-streaming terminal, usage recording and logging all see the
// assembled message.
func stageMessageCollector(pc *pipelineContext) error {
	if pc.stream == nil {
		return nil
	}
	collected := &pc.collected
	var inputBufs []string
	pc.stream = mapStream(pc.stream, func(ev *streamEvent, eof bool) ([]*streamEvent, bool) {
		if eof {
			return nil, true
		}
		switch ev.Type {
		case evMessageStart:
			if ev.Message != nil {
				*collected = *ev.Message
				collected.Content = nil
				inputBufs = nil
			}
		case evContentBlockStart:
			if ev.Block != nil {
				collected.Content = append(collected.Content, *ev.Block)
				inputBufs = append(inputBufs, "")
			}
		case evContentBlockDelta:
			if n := len(collected.Content); n > 0 && ev.Delta != nil {
				switch ev.Delta.Type {
				case "text_delta":
					collected.Content[n-1].Text += ev.Delta.Text
				case "input_json_delta":
					inputBufs[n-1] += ev.Delta.PartialJSON
				case "thinking_delta":
					collected.Content[n-1].Thinking += ev.Delta.Thinking
				}
			}
		case evContentBlockStop:
			if n := len(collected.Content); n > 0 && collected.Content[n-1].Type == "tool_use" && inputBufs[n-1] != "" {
				collected.Content[n-1].Input = json.RawMessage(inputBufs[n-1])
			}
		case evMessageDelta:
			if ev.Delta != nil {
				collected.StopReason = ev.Delta.StopReason
				collected.StopSequence = ev.Delta.StopSequence
			}
			if ev.Usage != nil {
				collected.Usage = *ev.Usage
			}
		}
		return []*streamEvent{ev}, false
	})
	return nil
}

// stageTokenCounter attaches input tokens at message_start and keeps a
// running output total that lands on the terminating message_delta.
func stageTokenCounter(pc *pipelineContext) error {
	if pc.stream == nil {
		return nil
	}
	pc.stream = mapStream(pc.stream, func(ev *streamEvent, eof bool) ([]*streamEvent, bool) {
		if eof {
			return nil, true
		}
		switch ev.Type {
		case evMessageStart:
			if ev.Message != nil {
				ev.Message.Usage.InputTokens = pc.inputTokens
			}
		case evContentBlockDelta:
			if ev.Delta != nil {
				switch ev.Delta.Type {
				case "text_delta":
					pc.outputTokens = pc.counter.feed(ev.Delta.Text)
				case "input_json_delta":
					pc.outputTokens = pc.counter.feed(ev.Delta.PartialJSON)
				}
			}
		case evMessageDelta:
			usage := &Usage{InputTokens: pc.inputTokens, OutputTokens: pc.outputTokens}
			if ev.Usage != nil && ev.Usage.OutputTokens > pc.outputTokens {
				// The official API reports real numbers; trust them.
				usage.OutputTokens = ev.Usage.OutputTokens
			}
			if ev.Usage != nil && ev.Usage.InputTokens > 0 {
				usage.InputTokens = ev.Usage.InputTokens
			}
			ev.Usage = usage
		}
		return []*streamEvent{ev}, false
	})
	return nil
}
