package main

import (
	"io"
)

// stageEventParsing normalizes the upstream wire format into the
// internal event stream. The official API already speaks typed SSE;
// the web stream is bare completion chunks that get message and block
// framing synthesized around them.
func stageEventParsing(pc *pipelineContext) error {
	if pc.stream != nil || pc.upstreamResp == nil {
		return nil
	}
	switch pc.wire {
	case "api":
		pc.stream = apiEventStream(pc)
	case "web":
		pc.stream = webEventStream(pc)
	default:
		return perrorf(errInternal, "unknown wire %q", pc.wire)
	}
	return nil
}

func apiEventStream(pc *pipelineContext) *eventStream {
	reader := newSSEReader(pc.upstreamResp.Body)
	return &eventStream{
		next: func() (*streamEvent, error) {
			for {
				name, data, err := reader.nextEvent()
				if err != nil {
					if err == io.EOF {
						return nil, io.EOF
					}
					return nil, classifyTransportError(err)
				}
				ev, perr := parseAPIEvent(name, data)
				if perr != nil {
					return nil, perr
				}
				if ev == nil {
					continue // unknown event kind
				}
				return ev, nil
			}
		},
		close: func() { reader.Close() },
	}
}

// webEventStream adapts the completion chunk stream: one synthesized
// message_start, a single text block wrapping all deltas, then the
// message_delta / message_stop tail.
func webEventStream(pc *pipelineContext) *eventStream {
	reader := newSSEReader(pc.upstreamResp.Body)
	var pending []*streamEvent
	blockOpen := false
	finished := false

	pending = append(pending, &streamEvent{
		Type: evMessageStart,
		Message: &MessageResponse{
			ID:      "msg_" + randomID(),
			Type:    "message",
			Role:    "assistant",
			Content: []ContentBlock{},
		},
	})

	finish := func(stopReason string) {
		if blockOpen {
			pending = append(pending, &streamEvent{Type: evContentBlockStop, Index: intp(0)})
			blockOpen = false
		}
		pending = append(pending,
			&streamEvent{Type: evMessageDelta, Delta: &eventDelta{StopReason: stopReason}, Usage: &Usage{}},
			&streamEvent{Type: evMessageStop},
		)
		finished = true
	}

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
				_, data, err := reader.nextEvent()
				if err != nil {
					if err == io.EOF {
						finish("end_turn")
						continue
					}
					return nil, classifyTransportError(err)
				}
				ev, perr := parseWebEvent(data)
				if perr != nil {
					return nil, perr
				}
				if ev == nil {
					continue
				}
				if ev.Type == evError {
					pending = append(pending, ev)
					finished = true
					continue
				}
				if !blockOpen {
					blockOpen = true
					pending = append(pending, &streamEvent{
						Type: evContentBlockStart, Index: intp(0),
						Block: &ContentBlock{Type: "text"},
					})
				}
				ev.Index = intp(0)
				pending = append(pending, ev)
			}
		},
		close: func() { reader.Close() },
	}
}
