package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestRenderTranscriptLabels(t *testing.T) {
	sv := settingsView{HumanName: "H", AssistantName: "A"}
	req := &MessagesRequest{
		System: SystemPrompt{{Type: "text", Text: "Be terse."}},
		Messages: []InputMessage{
			{Role: "user", Content: BlockList{{Type: "text", Text: "hello"}}},
			{Role: "assistant", Content: BlockList{{Type: "text", Text: "hi"}}},
			{Role: "user", Content: BlockList{{Type: "text", Text: "more"}}},
		},
	}
	got, err := renderTranscript(sv, req)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.HasPrefix(got, "Be terse.\n\n") {
		t.Fatalf("system prompt not first:\n%s", got)
	}
	for _, want := range []string{"H: hello", "A: hi", "H: more"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
	if !strings.HasSuffix(got, "A:") {
		t.Fatalf("transcript must end with the assistant label:\n%s", got)
	}
}

func TestRenderTranscriptRealRoles(t *testing.T) {
	sv := settingsView{HumanName: "H", AssistantName: "A", UseRealRoles: true}
	req := &MessagesRequest{Messages: []InputMessage{
		{Role: "user", Content: BlockList{{Type: "text", Text: "hello"}}},
	}}
	got, _ := renderTranscript(sv, req)
	if !strings.Contains(got, "user: hello") || !strings.HasSuffix(got, "assistant:") {
		t.Fatalf("real roles not applied:\n%s", got)
	}
}

func TestRenderTranscriptToolsAndResults(t *testing.T) {
	sv := settingsView{HumanName: "Human", AssistantName: "Assistant"}
	req := &MessagesRequest{
		Tools: []Tool{{Name: "get_weather", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		Messages: []InputMessage{
			{Role: "user", Content: BlockList{{Type: "text", Text: "weather in Paris?"}}},
			{Role: "assistant", Content: BlockList{{Type: "tool_use", ID: "toolu_x", Name: "get_weather", Input: json.RawMessage(`{"city":"Paris"}`)}}},
			{Role: "user", Content: BlockList{{Type: "tool_result", ToolUseID: "toolu_x", Content: json.RawMessage(`"sunny"`)}}},
		},
	}
	got, err := renderTranscript(sv, req)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(got, "get_weather") || !strings.Contains(got, toolFence) {
		t.Fatalf("tool definitions or convention missing:\n%s", got)
	}
	if !strings.Contains(got, "Tool result: sunny") {
		t.Fatalf("tool result not rendered:\n%s", got)
	}
}

func TestPadTextLength(t *testing.T) {
	if got := padText(0); got != "" {
		t.Fatalf("padText(0) = %q", got)
	}
	if got := padText(10); len(got) != 10 {
		t.Fatalf("padText(10) length = %d", len(got))
	}
	if padText(10) != padText(10) {
		t.Fatalf("padding must be deterministic")
	}
}

// fakeWebCompletionServer serves the conversation endpoints plus a
// completion stream of the given chunks, capturing prompts.
type fakeWebCompletionServer struct {
	srv    *httptest.Server
	mu     sync.Mutex
	chunks [][]string // per-completion chunk sets; the last repeats
	prompt map[string][]string // conversation -> prompts seen
}

func newFakeWebCompletionServer(t *testing.T, chunkSets ...[]string) *fakeWebCompletionServer {
	t.Helper()
	f := &fakeWebCompletionServer{chunks: chunkSets, prompt: map[string][]string{}}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/completion") && r.Method == http.MethodPost:
			parts := strings.Split(r.URL.Path, "/")
			conversation := parts[len(parts)-2]
			body, _ := io.ReadAll(r.Body)
			var in struct {
				Prompt string `json:"prompt"`
			}
			_ = json.Unmarshal(body, &in)
			f.mu.Lock()
			f.prompt[conversation] = append(f.prompt[conversation], in.Prompt)
			chunks := f.chunks[0]
			if len(f.chunks) > 1 {
				f.chunks = f.chunks[1:]
			}
			f.mu.Unlock()
			w.Header().Set("Content-Type", "text/event-stream")
			for _, c := range chunks {
				enc, _ := json.Marshal(c)
				fmt.Fprintf(w, "data: {\"type\":\"completion\",\"completion\":%s}\n\n", enc)
			}
		case r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(map[string]string{"uuid": "conv-fixed"})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func toolRequest(messages []map[string]any) map[string]any {
	return map[string]any{
		"model":      "claude-3-5-sonnet-20241022",
		"max_tokens": 256,
		"stream":     true,
		"messages":   messages,
		"tools": []map[string]any{
			{"name": "get_weather", "input_schema": map[string]any{"type": "object"}},
		},
	}
}

func TestWebToolUseAndReentry(t *testing.T) {
	web := newFakeWebCompletionServer(t,
		[]string{
			"Let me check.\n",
			"```tool_use\n{\"name\":\"get_weather\",",
			"\"input\":{\"city\":\"Paris\"}}\n```",
		},
		[]string{"It is sunny in Paris."},
	)
	h := newTestStack(t, "http://unused.invalid", web.srv.URL)
	h.svc.store.add(webAccount("acct-web")) // cookie only: web transport

	w := doMessages(t, h, toolRequest([]map[string]any{
		{"role": "user", "content": "weather in Paris?"},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	events := decodeSSEEvents(t, w.Body.Bytes())
	checkFraming(t, events)

	var toolStart *streamEvent
	var toolJSON string
	for _, ev := range events {
		if ev.Type == evContentBlockStart && ev.Block != nil && ev.Block.Type == "tool_use" {
			toolStart = ev
		}
		if ev.Type == evContentBlockDelta && ev.Delta != nil && ev.Delta.Type == "input_json_delta" {
			toolJSON += ev.Delta.PartialJSON
		}
	}
	if toolStart == nil {
		t.Fatalf("no tool_use block emitted; body:\n%s", w.Body.String())
	}
	id := toolStart.Block.ID
	if !strings.HasPrefix(id, "toolu_") {
		t.Fatalf("bad synthetic id %q", id)
	}
	if toolStart.Block.Name != "get_weather" {
		t.Fatalf("tool name = %q", toolStart.Block.Name)
	}
	var input map[string]string
	if err := json.Unmarshal([]byte(toolJSON), &input); err != nil || input["city"] != "Paris" {
		t.Fatalf("tool input = %q err=%v", toolJSON, err)
	}
	var finalDelta *streamEvent
	for _, ev := range events {
		if ev.Type == evMessageDelta {
			finalDelta = ev
		}
	}
	if finalDelta.Delta.StopReason != "tool_use" {
		t.Fatalf("stop_reason = %q", finalDelta.Delta.StopReason)
	}
	// The id is registered until the tool_result comes back, and the
	// session survives the release.
	if !h.svc.tracker.pendingFor("conv-fixed") {
		t.Fatalf("tool call not registered")
	}
	if h.svc.sessions.liveCount("acct-web") != 1 {
		t.Fatalf("session not kept for reentry")
	}

	// Tool result reentry: same id routes back to the same
	// conversation and renders the result into the transcript.
	w = doMessages(t, h, toolRequest([]map[string]any{
		{"role": "user", "content": "weather in Paris?"},
		{"role": "assistant", "content": []map[string]any{
			{"type": "tool_use", "id": id, "name": "get_weather", "input": map[string]any{"city": "Paris"}},
		}},
		{"role": "user", "content": []map[string]any{
			{"type": "tool_result", "tool_use_id": id, "content": "sunny"},
		}},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("reentry status = %d body=%s", w.Code, w.Body.String())
	}

	web.mu.Lock()
	prompts := web.prompt["conv-fixed"]
	web.mu.Unlock()
	if len(prompts) != 2 {
		t.Fatalf("expected 2 completions on conv-fixed, got %d", len(prompts))
	}
	if !strings.Contains(prompts[1], "Tool result: sunny") {
		t.Fatalf("tool result missing from reentry prompt:\n%s", prompts[1])
	}

	// Resolved: a second tool_result with the same id is unknown.
	if h.svc.tracker.pendingFor("conv-fixed") {
		t.Fatalf("tracker entry should be consumed")
	}
}

func TestWebPlainTextResponse(t *testing.T) {
	web := newFakeWebCompletionServer(t, []string{"Just ", "an answer."})
	h := newTestStack(t, "http://unused.invalid", web.srv.URL)
	h.svc.store.add(webAccount("acct-web"))

	w := doMessages(t, h, sonnetRequest(true))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	events := decodeSSEEvents(t, w.Body.Bytes())
	checkFraming(t, events)
	if got := collectText(events); got != "Just an answer." {
		t.Fatalf("text = %q", got)
	}
	if events[0].Message.Model != "claude-3-5-sonnet-20241022" {
		t.Fatalf("web response must report the requested model")
	}
	// No tool pending: the session is discarded on release.
	waitFor(t, func() bool { return h.svc.sessions.liveCount("acct-web") == 0 })
}
