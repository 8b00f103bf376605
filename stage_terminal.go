package main

import (
	"io"
	"log"
	"time"
)

const keepaliveInterval = 15 * time.Second

// forwardUpstreamHeaders copies the sanitized upstream response headers
// onto the client response: hop-by-hop headers go per RFC 7230, entity
// headers no longer matching the re-encoded body are dropped, and the
// upstream must never set cookies on our clients. What remains is the
// useful passthrough — rate-limit state, request ids.
func (pc *pipelineContext) forwardUpstreamHeaders() {
	if pc.upstreamResp == nil {
		return
	}
	hdr := cloneHeader(pc.upstreamResp.Header)
	removeHopByHopHeaders(hdr)
	for _, k := range []string{
		"Content-Encoding", "Content-Length", "Content-Type",
		"Date", "Server", "Set-Cookie",
	} {
		hdr.Del(k)
	}
	dst := pc.w.Header()
	for k, vv := range hdr {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// stageStreamingResponse emits the normalized stream as client-facing
// SSE, flushing on event boundaries and inserting a keepalive comment
// when the upstream goes quiet.
func stageStreamingResponse(pc *pipelineContext) error {
	if pc.stream == nil || !pc.req.Stream {
		return nil
	}
	w := pc.w
	pc.forwardUpstreamHeaders()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	type pulled struct {
		ev  *streamEvent
		err error
	}
	events := make(chan pulled)
	go func() {
		for {
			ev, err := pc.stream.next()
			select {
			case events <- pulled{ev, err}:
			case <-pc.ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	flush := func() {
		if pc.flusher != nil {
			pc.flusher.Flush()
		}
	}

	for {
		select {
		case p := <-events:
			if p.err != nil {
				if p.err == io.EOF {
					pc.done = true
					pc.finishRequest(nil)
					return nil
				}
				// Stream already open: error becomes an SSE event.
				pc.writeErrorEvent(p.err)
				pc.done = true
				pc.finishRequest(p.err)
				return nil
			}
			if _, werr := w.Write(encodeSSE(p.ev)); werr != nil {
				// Client went away; cancellation propagates upstream.
				pc.cancel()
				pc.done = true
				pc.finishRequest(wrapError(errStreamCut, "client disconnected", werr))
				return nil
			}
			pc.emitted = true
			flush()

		case <-ticker.C:
			if _, werr := w.Write([]byte(": keepalive\n\n")); werr != nil {
				pc.cancel()
				pc.done = true
				pc.finishRequest(wrapError(errStreamCut, "client disconnected", werr))
				return nil
			}
			flush()

		case <-pc.ctx.Done():
			pc.done = true
			pc.finishRequest(wrapError(errStreamCut, "request cancelled", pc.ctx.Err()))
			return nil
		}
	}
}

// stageNonStreamingResponse drains the stream and emits the assembled
// message as one JSON body. Field sources match the streaming path
// event for event, so buffering the SSE form re-serializes to these
// bytes.
func stageNonStreamingResponse(pc *pipelineContext) error {
	if pc.stream == nil || pc.req.Stream {
		return nil
	}

	resp := MessageResponse{Type: "message", Role: "assistant", Content: []ContentBlock{}}
	for {
		ev, err := pc.stream.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			pc.finishRequest(err)
			return err
		}
		switch ev.Type {
		case evMessageStart:
			if ev.Message != nil {
				resp.ID = ev.Message.ID
				resp.Model = ev.Message.Model
				resp.Usage = ev.Message.Usage
			}
		case evMessageDelta:
			if ev.Delta != nil {
				resp.StopReason = ev.Delta.StopReason
				resp.StopSequence = ev.Delta.StopSequence
			}
			if ev.Usage != nil {
				resp.Usage = *ev.Usage
			}
		case evError:
			if ev.Err != nil {
				err := perrorf(errUpstreamFatal, "upstream error: %s: %s", ev.Err.Type, ev.Err.Message)
				pc.finishRequest(err)
				return err
			}
		}
	}
	if len(pc.collected.Content) > 0 {
		resp.Content = pc.collected.Content
	}

	pc.forwardUpstreamHeaders()
	respondJSON(pc.w, &resp)
	pc.emitted = true
	pc.done = true
	pc.finishRequest(nil)
	return nil
}

// writeErrorEvent emits the terminal SSE error frame.
func (pc *pipelineContext) writeErrorEvent(err error) {
	ev := &streamEvent{Type: evError, Err: &APIError{
		Type:    string(errorKind(err)),
		Message: err.Error(),
	}}
	if _, werr := pc.w.Write(encodeSSE(ev)); werr == nil && pc.flusher != nil {
		pc.flusher.Flush()
	}
}

// finishRequest records usage and counters once per request.
func (pc *pipelineContext) finishRequest(err error) {
	if pc.sel == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = string(errorKind(err))
		pc.svc.recent.add(err.Error())
	}
	pc.svc.counters.inc(status, pc.sel.account.OrganizationUUID)
	if pc.svc.usage != nil {
		ru := RequestUsage{
			Timestamp:    time.Now(),
			RequestID:    pc.reqID,
			AccountID:    pc.sel.account.OrganizationUUID,
			Model:        pc.req.Model,
			Transport:    string(pc.sel.transport),
			InputTokens:  pc.inputTokens,
			OutputTokens: pc.outputTokens,
			Status:       status,
		}
		if rerr := pc.svc.usage.record(ru); rerr != nil {
			log.Printf("[%s] usage record failed: %v", pc.reqID, rerr)
		}
	}
}
