package main

import (
	"strings"
)

// connectivityProbe matches the short fixed message API clients send
// to verify their key before real traffic.
func connectivityProbe(req *MessagesRequest) bool {
	if len(req.Messages) != 1 || req.MaxTokens > 10 {
		return false
	}
	m := req.Messages[0]
	if m.Role != "user" || len(m.Content) != 1 || m.Content[0].Type != "text" {
		return false
	}
	text := strings.ToLower(strings.TrimSpace(m.Content[0].Text))
	return text == "test" || text == "hi" || text == "ping"
}

// cannedMessage builds the full event sequence for a short-circuit
// response, preserving the one-start-one-stop framing invariant.
func cannedMessage(model, text, stopReason string) []*streamEvent {
	msg := &MessageResponse{
		ID:      "msg_" + randomID(),
		Type:    "message",
		Role:    "assistant",
		Content: []ContentBlock{},
		Model:   model,
	}
	events := []*streamEvent{
		{Type: evMessageStart, Message: msg},
	}
	if text != "" {
		events = append(events,
			&streamEvent{Type: evContentBlockStart, Index: intp(0), Block: &ContentBlock{Type: "text"}},
			&streamEvent{Type: evContentBlockDelta, Index: intp(0), Delta: &eventDelta{Type: "text_delta", Text: text}},
			&streamEvent{Type: evContentBlockStop, Index: intp(0)},
		)
	}
	events = append(events,
		&streamEvent{Type: evMessageDelta, Delta: &eventDelta{StopReason: stopReason}, Usage: &Usage{}},
		&streamEvent{Type: evMessageStop},
	)
	return events
}

// stageTestMessage validates request structure and short-circuits the
// connectivity probe with a canned reply that never touches upstream.
func stageTestMessage(pc *pipelineContext) error {
	req := pc.req
	if req.Model == "" {
		return perror(errRequestInvalid, "model is required")
	}
	if !isKnownModel(req.Model) {
		return perrorf(errRequestInvalid, "unknown model %q", req.Model)
	}
	if len(req.Messages) == 0 {
		return perror(errRequestInvalid, "messages must not be empty")
	}
	if req.MaxTokens < 0 {
		return perror(errRequestInvalid, "max_tokens must be non-negative")
	}
	for i, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return perrorf(errRequestInvalid, "messages[%d]: unsupported role %q", i, m.Role)
		}
		for j, b := range m.Content {
			switch b.Type {
			case "text", "image", "tool_use", "tool_result", "thinking":
			default:
				return perrorf(errRequestInvalid, "messages[%d].content[%d]: unsupported type %q", i, j, b.Type)
			}
			if b.Type == "image" && b.Source != nil && b.Source.Type == "url" && !pc.svc.settings.view().AllowExternalImages {
				return perrorf(errRequestInvalid, "messages[%d].content[%d]: external image URLs are disabled", i, j)
			}
		}
	}

	tokens, err := countRequestTokens(req)
	if err != nil {
		return err
	}
	pc.inputTokens = tokens
	pc.fingerprint = requestFingerprint(req)

	// max_tokens = 0 yields an empty completion without dispatch.
	if req.MaxTokens == 0 {
		pc.stream = sliceStream(cannedMessage(req.Model, "", "max_tokens"))
		return nil
	}

	if connectivityProbe(req) {
		pc.stream = sliceStream(cannedMessage(req.Model, "Hello! How can I help you today?", "end_turn"))
	}
	return nil
}

// stageToolResult detects tool_result blocks in the final user turn
// and pins the pipeline to the account and web conversation that
// produced the referenced tool_use.
func stageToolResult(pc *pipelineContext) error {
	if pc.stream != nil {
		return nil // short-circuited
	}
	last := pc.req.Messages[len(pc.req.Messages)-1]
	if last.Role != "user" {
		return nil
	}
	for _, b := range last.Content {
		if b.Type != "tool_result" {
			continue
		}
		if b.ToolUseID == "" {
			return perror(errRequestInvalid, "tool_result without tool_use_id")
		}
		acc, conversation, err := pc.svc.tracker.resolve(b.ToolUseID)
		if err != nil {
			return err
		}
		pc.sel = &selection{account: acc, transport: transportWeb}
		pc.pinnedConversation = conversation
		return nil
	}
	return nil
}
