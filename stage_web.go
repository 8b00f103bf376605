package main

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// The web interface takes one prompt string per turn, so the message
// history is flattened into a labelled transcript. Tool definitions
// are serialized into the preamble with a fenced-JSON calling
// convention; the matching detector lives in the tool-call-event
// stage.

const toolFence = "```tool_use"

const toolConvention = `When you need to call a tool, reply with exactly one fenced block:

` + "```tool_use" + `
{"name": "<tool name>", "input": {<arguments>}}
` + "```" + `

Stop after the block. The result will arrive in the next message as "Tool result: <output>".`

// padText is appended to the system preamble to stabilize prompt
// caching: a fixed, content-free run of the configured length.
func padText(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("pad ", (n+3)/4)[:n]
}

// renderTranscript flattens system prompt, tool definitions and the
// message history into the single user turn the web endpoint accepts.
func renderTranscript(sv settingsView, req *MessagesRequest) (string, error) {
	var b strings.Builder

	human := sv.HumanName
	assistant := sv.AssistantName
	if sv.UseRealRoles {
		human, assistant = "user", "assistant"
	}

	if sys := req.System.Text(); sys != "" {
		b.WriteString(sys)
		b.WriteString("\n\n")
	}
	if len(req.Tools) > 0 {
		b.WriteString("You have these tools available:\n\n")
		for _, t := range req.Tools {
			enc, err := json.Marshal(t)
			if err != nil {
				return "", wrapError(errInternal, "encode tool", err)
			}
			b.Write(enc)
			b.WriteByte('\n')
		}
		b.WriteString("\n")
		b.WriteString(toolConvention)
		b.WriteString("\n\n")
	}
	if pad := padText(sv.PadtxtLength); pad != "" {
		b.WriteString(pad)
		b.WriteString("\n\n")
	}

	for _, m := range req.Messages {
		label := human
		if m.Role == "assistant" {
			label = assistant
		}
		b.WriteString(label)
		b.WriteString(": ")
		for _, block := range m.Content {
			switch block.Type {
			case "text":
				b.WriteString(block.Text)
			case "tool_use":
				b.WriteString("\n")
				b.WriteString(toolFence)
				b.WriteString("\n")
				fmt.Fprintf(&b, `{"name": %q, "input": %s}`, block.Name, string(block.Input))
				b.WriteString("\n```")
			case "tool_result":
				b.WriteString("Tool result: ")
				b.WriteString(toolResultText(block))
			case "image":
				// uploaded out-of-band; nothing inline
			}
		}
		b.WriteString("\n\n")
	}

	b.WriteString(assistant)
	b.WriteString(":")
	return b.String(), nil
}

// toolResultText extracts the text form of a tool_result content
// field, which may be a bare string or a block list.
func toolResultText(b ContentBlock) string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var parts []string
		for _, blk := range blocks {
			if blk.Type == "text" {
				parts = append(parts, blk.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return safeText(b.Content)
}

// collectImages uploads base64 images from user turns and returns the
// upstream file ids to attach.
func collectImages(pc *pipelineContext, acc *Account) ([]string, error) {
	var ids []string
	for _, m := range pc.req.Messages {
		if m.Role != "user" {
			continue
		}
		for _, b := range m.Content {
			if b.Type != "image" || b.Source == nil {
				continue
			}
			switch b.Source.Type {
			case "base64":
				id, err := pc.svc.web.Upload(pc.ctx, acc, b.Source.MediaType, b.Source.Data)
				if err != nil {
					return nil, err
				}
				ids = append(ids, id)
			case "file":
				ids = append(ids, b.Source.FileUUID)
			}
		}
	}
	return ids, nil
}

// stageClaudeWeb dispatches via the web transport: acquire or re-enter
// a session, render the transcript, stream the completion.
func stageClaudeWeb(pc *pipelineContext) error {
	if pc.stream != nil || pc.sel == nil || pc.sel.transport != transportWeb {
		return nil
	}
	acc := pc.sel.account
	svc := pc.svc

	var session *webSession
	var err error
	if pc.pinnedConversation != "" {
		session, err = svc.sessions.pinned(acc, pc.pinnedConversation)
	} else {
		session, err = svc.sessions.acquire(pc.ctx, acc, pc.fingerprint)
	}
	if err != nil {
		return err
	}
	pc.session = session

	prompt, err := renderTranscript(svc.settings.view(), pc.req)
	if err != nil {
		return err
	}
	fileIDs, err := collectImages(pc, acc)
	if err != nil {
		return err
	}

	backoff := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		resp, derr := svc.web.Completion(pc.ctx, acc, session.conversation, prompt, fileIDs)
		if derr == nil {
			pc.upstreamResp = resp
			pc.wire = "web"
			session.pendingTool = false // consumed by this turn
			pc.noteDispatchSuccess()
			return nil
		}
		if errorKind(derr) == errUpstreamQuota {
			pe := derr.(*proxyError)
			svc.store.markCooldown(acc, pc.req.Model, time.Now().Add(pe.retryAfter))
			return derr
		}
		if !retryableUpstream(derr) || attempt >= svc.cfg.requestRetries {
			return derr
		}
		if svc.cfg.debug {
			log.Printf("[%s] web dispatch attempt %d failed: %v (retrying in %v)", pc.reqID, attempt, derr, backoff)
		}
		select {
		case <-time.After(backoff):
		case <-pc.ctx.Done():
			return wrapError(errStreamCut, "cancelled during backoff", pc.ctx.Err())
		}
		backoff *= 2
	}
}
