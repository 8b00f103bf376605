package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStack(t *testing.T, apiURL, webURL string) *proxyHandler {
	t.Helper()
	cfg := config{
		clientKeys:     map[string]bool{"test-key": true},
		adminKeys:      map[string]bool{"admin-key": true},
		requestRetries: 1,
		claudeAPIBase:  apiURL,
		claudeWebBase:  webURL,
		humanName:      "Human",
		assistantName:  "Assistant",
		maxSessions:    3,
		sessionIdle:    300 * time.Second,
		sessionSweep:   time.Hour,
		oauthClientID:  claudeOAuthClientID,
		oauthTokenURL:  apiURL + "/v1/oauth/token",
	}
	client := testUpstreamClient()
	store, err := newAccountStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(store.close)
	settings := newRuntimeSettings(cfg)
	web := newWebClient(cfg, client)
	sessions := newSessionManager(cfg, settings, web)
	t.Cleanup(sessions.close)
	tracker := newToolCallTracker(time.Minute)
	t.Cleanup(tracker.close)
	svc := &services{
		cfg:      cfg,
		settings: settings,
		client:   client,
		web:      web,
		store:    store,
		oauth:    newOAuthAuthenticator(cfg, client, store),
		sessions: sessions,
		tracker:  tracker,
		selector: newAccountSelector(store, sessions, true, false),
		counters: newStatCounters(),
		recent:   newRecentErrors(10),
	}
	return &proxyHandler{cfg: cfg, svc: svc}
}

func doMessages(t *testing.T, h *proxyHandler, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(raw))
	r.Header.Set("x-api-key", "test-key")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

// decodeSSEEvents parses a client-facing SSE body back into events.
func decodeSSEEvents(t *testing.T, body []byte) []*streamEvent {
	t.Helper()
	r := newSSEReader(io.NopCloser(bytes.NewReader(body)))
	var out []*streamEvent
	for {
		name, data, err := r.nextEvent()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("sse parse: %v", err)
		}
		ev, perr := parseAPIEvent(name, data)
		if perr != nil {
			t.Fatalf("event parse: %v", perr)
		}
		if ev != nil {
			out = append(out, ev)
		}
	}
}

// checkFraming asserts exactly one message_start / message_stop and
// balanced block framing.
func checkFraming(t *testing.T, events []*streamEvent) {
	t.Helper()
	starts, stops := 0, 0
	open := map[int]int{}
	for _, ev := range events {
		switch ev.Type {
		case evMessageStart:
			starts++
		case evMessageStop:
			stops++
		case evContentBlockStart:
			open[*ev.Index]++
		case evContentBlockStop:
			open[*ev.Index]--
		}
	}
	if starts != 1 || stops != 1 {
		t.Fatalf("framing: %d message_start, %d message_stop", starts, stops)
	}
	for idx, n := range open {
		if n != 0 {
			t.Fatalf("block %d unbalanced (%+d)", idx, n)
		}
	}
}

func collectText(events []*streamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == evContentBlockDelta && ev.Delta != nil && ev.Delta.Type == "text_delta" {
			b.WriteString(ev.Delta.Text)
		}
	}
	return b.String()
}

// fakeAPIServer emits a fixed delta sequence as Claude API SSE. It
// returns 429 for tokens in the limited set.
type fakeAPIServer struct {
	srv     *httptest.Server
	mu      sync.Mutex
	limited map[string]bool
	deltas  []string
}

func newFakeAPIServer(t *testing.T, deltas ...string) *fakeAPIServer {
	t.Helper()
	f := &fakeAPIServer{limited: map[string]bool{}, deltas: deltas}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Lock()
		limited := f.limited[token]
		f.mu.Unlock()
		if limited {
			w.Header().Set("anthropic-ratelimit-unified-reset",
				fmt.Sprintf("%d", time.Now().Add(time.Minute).Unix()))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"quota"}}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Anthropic-Ratelimit-Unified-Status", "allowed")
		w.Header().Set("Request-Id", "req_upstream")
		w.Header().Set("Set-Cookie", "upstream=secret")
		w.Header().Set("Connection", "keep-alive")
		writeEvent := func(name, data string) {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
		}
		writeEvent("message_start", `{"type":"message_start","message":{"id":"msg_upstream","type":"message","role":"assistant","content":[],"model":"claude-3-5-sonnet-internal","usage":{"input_tokens":12,"output_tokens":0}}}`)
		writeEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`)
		for _, d := range f.deltas {
			enc, _ := json.Marshal(d)
			writeEvent("content_block_delta",
				fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%s}}`, enc))
		}
		writeEvent("content_block_stop", `{"type":"content_block_stop","index":0}`)
		writeEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}`)
		writeEvent("message_stop", `{"type":"message_stop"}`)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func sonnetRequest(stream bool) map[string]any {
	return map[string]any{
		"model":      "claude-3-5-sonnet-20241022",
		"max_tokens": 256,
		"stream":     stream,
		"messages": []map[string]any{
			{"role": "user", "content": "Tell me about proxies"},
		},
	}
}

func TestOAuthHappyPathStreaming(t *testing.T) {
	api := newFakeAPIServer(t, "Hello", " there!")
	h := newTestStack(t, api.srv.URL, api.srv.URL)
	h.svc.store.add(oauthAccount("acct-a", CapChat, CapClaudePro))

	w := doMessages(t, h, sonnetRequest(true))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	events := decodeSSEEvents(t, w.Body.Bytes())
	checkFraming(t, events)

	if events[0].Type != evMessageStart {
		t.Fatalf("first event %s", events[0].Type)
	}
	if got := events[0].Message.Model; got != "claude-3-5-sonnet-20241022" {
		t.Fatalf("model not injected: %q", got)
	}
	if got := collectText(events); got != "Hello there!" {
		t.Fatalf("text = %q", got)
	}
	var finalDelta *streamEvent
	for _, ev := range events {
		if ev.Type == evMessageDelta {
			finalDelta = ev
		}
	}
	if finalDelta == nil || finalDelta.Delta.StopReason != "end_turn" {
		t.Fatalf("missing end_turn message_delta")
	}
	if finalDelta.Usage == nil || finalDelta.Usage.OutputTokens <= 0 {
		t.Fatalf("output tokens not attached: %+v", finalDelta.Usage)
	}

	// Usage counter bumps exactly once per request.
	acc := h.svc.store.get("acct-a")
	if acc.UsageCount != 1 {
		t.Fatalf("usage count = %d, want 1", acc.UsageCount)
	}
}

func TestUpstreamHeaderPassthrough(t *testing.T) {
	api := newFakeAPIServer(t, "hi")
	h := newTestStack(t, api.srv.URL, api.srv.URL)
	h.svc.store.add(oauthAccount("acct-a", CapChat, CapClaudePro))

	for _, stream := range []bool{true, false} {
		w := doMessages(t, h, sonnetRequest(stream))
		if w.Code != http.StatusOK {
			t.Fatalf("stream=%v status = %d", stream, w.Code)
		}
		hdr := w.Result().Header
		if hdr.Get("Anthropic-Ratelimit-Unified-Status") != "allowed" {
			t.Fatalf("stream=%v rate-limit header not forwarded", stream)
		}
		if hdr.Get("Request-Id") != "req_upstream" {
			t.Fatalf("stream=%v request id not forwarded", stream)
		}
		if hdr.Get("Set-Cookie") != "" {
			t.Fatalf("stream=%v upstream cookie leaked to client", stream)
		}
		if hdr.Get("Connection") != "" && stream == false {
			t.Fatalf("hop-by-hop header forwarded")
		}
	}
}

func TestNonStreamingMatchesStreaming(t *testing.T) {
	api := newFakeAPIServer(t, "alpha ", "beta")
	h := newTestStack(t, api.srv.URL, api.srv.URL)
	h.svc.store.add(oauthAccount("acct-a", CapChat, CapClaudePro))

	ws := doMessages(t, h, sonnetRequest(true))
	events := decodeSSEEvents(t, ws.Body.Bytes())

	wn := doMessages(t, h, sonnetRequest(false))
	if wn.Code != http.StatusOK {
		t.Fatalf("non-streaming status %d: %s", wn.Code, wn.Body.String())
	}
	var resp MessageResponse
	if err := json.Unmarshal(wn.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got := collectText(events); got != resp.Content[0].Text {
		t.Fatalf("text mismatch: stream %q vs buffered %q", got, resp.Content[0].Text)
	}
	var finalDelta *streamEvent
	for _, ev := range events {
		if ev.Type == evMessageDelta {
			finalDelta = ev
		}
	}
	if resp.StopReason != finalDelta.Delta.StopReason {
		t.Fatalf("stop_reason mismatch")
	}
	if resp.Usage != *finalDelta.Usage {
		t.Fatalf("usage mismatch: %+v vs %+v", resp.Usage, finalDelta.Usage)
	}
	if resp.Model != "claude-3-5-sonnet-20241022" {
		t.Fatalf("model = %q", resp.Model)
	}
}

func TestStopSequenceMidDelta(t *testing.T) {
	api := newFakeAPIServer(t, "Hello, wo", "rld! Goodbye")
	h := newTestStack(t, api.srv.URL, api.srv.URL)
	h.svc.store.add(oauthAccount("acct-a", CapChat, CapClaudePro))

	req := sonnetRequest(true)
	req["stop_sequences"] = []string{"world"}
	w := doMessages(t, h, req)
	events := decodeSSEEvents(t, w.Body.Bytes())
	checkFraming(t, events)

	text := collectText(events)
	if text != "Hello, " {
		t.Fatalf("emitted text = %q, want %q", text, "Hello, ")
	}
	if strings.Contains(text, "world") {
		t.Fatalf("stop sequence leaked into output")
	}
	var finalDelta *streamEvent
	for _, ev := range events {
		if ev.Type == evMessageDelta {
			finalDelta = ev
		}
	}
	if finalDelta.Delta.StopReason != "stop_sequence" || finalDelta.Delta.StopSequence != "world" {
		t.Fatalf("stop fields: %+v", finalDelta.Delta)
	}
}

func TestCooldownFailover(t *testing.T) {
	api := newFakeAPIServer(t, "served by b")
	h := newTestStack(t, api.srv.URL, api.srv.URL)
	a := oauthAccount("acct-a", CapChat, CapClaudeMax)
	b := oauthAccount("acct-b", CapChat, CapClaudeMax)
	a.UsageCount = 0
	b.UsageCount = 1 // selector tries a first
	h.svc.store.add(a)
	h.svc.store.add(b)
	api.mu.Lock()
	api.limited[a.OAuth.AccessToken] = true
	api.mu.Unlock()

	req := sonnetRequest(true)
	req["model"] = "claude-opus-4-1"
	w := doMessages(t, h, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if text := collectText(decodeSSEEvents(t, w.Body.Bytes())); text != "served by b" {
		t.Fatalf("text = %q", text)
	}
	if !a.coolingDown("claude-opus-4-1", time.Now()) {
		t.Fatalf("rate-limited account not cooled down")
	}
	if b.UsageCount != 2 {
		t.Fatalf("b usage = %d, want 2", b.UsageCount)
	}

	// A follow-up inside the window must skip the cooled account.
	w = doMessages(t, h, req)
	if w.Code != http.StatusOK {
		t.Fatalf("second status = %d", w.Code)
	}
	if a.UsageCount != 0 {
		t.Fatalf("cooled account was used")
	}
}

func TestHandlerUnauthorized(t *testing.T) {
	h := newTestStack(t, "http://unused.invalid", "http://unused.invalid")
	raw, _ := json.Marshal(sonnetRequest(false))
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(raw))
	r.Header.Set("x-api-key", "wrong")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHandlerEmptyMessages(t *testing.T) {
	h := newTestStack(t, "http://unused.invalid", "http://unused.invalid")
	w := doMessages(t, h, map[string]any{
		"model": "claude-3-5-sonnet-20241022", "max_tokens": 10,
		"messages": []any{},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
}

func TestHandlerNoAccounts(t *testing.T) {
	h := newTestStack(t, "http://unused.invalid", "http://unused.invalid")
	w := doMessages(t, h, sonnetRequest(false))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var body struct {
		Detail struct {
			Code string `json:"code"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Detail.Code != "no_account_available" {
		t.Fatalf("error body: %s", w.Body.String())
	}
}

func TestHandlerProbeShortCircuit(t *testing.T) {
	// The probe never needs an account or an upstream.
	h := newTestStack(t, "http://unused.invalid", "http://unused.invalid")
	w := doMessages(t, h, map[string]any{
		"model": "claude-3-5-sonnet-20241022", "max_tokens": 1,
		"messages": []map[string]any{{"role": "user", "content": "test"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var resp MessageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(resp.Content) == 0 || resp.Content[0].Text == "" {
		t.Fatalf("expected canned text, got %+v", resp.Content)
	}
}

func TestHandlerMaxTokensZero(t *testing.T) {
	h := newTestStack(t, "http://unused.invalid", "http://unused.invalid")
	w := doMessages(t, h, map[string]any{
		"model": "claude-3-5-sonnet-20241022", "max_tokens": 0,
		"messages": []map[string]any{{"role": "user", "content": "write a novel"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var resp MessageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.StopReason != "max_tokens" || len(resp.Content) != 0 {
		t.Fatalf("got stop=%q content=%+v", resp.StopReason, resp.Content)
	}
}

func TestHandlerUnknownToolResult(t *testing.T) {
	h := newTestStack(t, "http://unused.invalid", "http://unused.invalid")
	w := doMessages(t, h, map[string]any{
		"model": "claude-3-5-sonnet-20241022", "max_tokens": 100,
		"messages": []map[string]any{
			{"role": "user", "content": []map[string]any{
				{"type": "tool_result", "tool_use_id": "toolu_expired", "content": "sunny"},
			}},
		},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "unknown_tool_call") {
		t.Fatalf("body: %s", w.Body.String())
	}
}
