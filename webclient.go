package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// webClient wraps the scraped web interface: conversation lifecycle,
// completion streaming and out-of-band file upload. All calls ride the
// fingerprinted transport with the account's session cookie pinned.
type webClient struct {
	cfg    config
	client *upstreamClient
}

func newWebClient(cfg config, client *upstreamClient) *webClient {
	return &webClient{cfg: cfg, client: client}
}

func (w *webClient) base() string {
	return strings.TrimRight(w.cfg.claudeWebBase, "/")
}

func (w *webClient) headers(acc *Account) (http.Header, string) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "text/event-stream, application/json")
	h.Set("Origin", w.base())
	h.Set("Referer", w.base()+"/chats")
	acc.mu.Lock()
	cookie := "sessionKey=" + acc.CookieValue
	acc.mu.Unlock()
	return h, cookie
}

// CreateConversation opens a new upstream conversation and returns its
// identifier.
func (w *webClient) CreateConversation(ctx context.Context, acc *Account) (string, error) {
	convUUID := uuid.NewString()
	body, _ := json.Marshal(map[string]any{
		"uuid": convUUID,
		"name": "",
	})
	headers, cookie := w.headers(acc)
	resp, err := w.client.do(ctx, upstreamRequest{
		method:  http.MethodPost,
		url:     fmt.Sprintf("%s/api/organizations/%s/chat_conversations", w.base(), acc.OrganizationUUID),
		headers: headers,
		cookie:  cookie,
		body:    body,
		web:     true,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := w.checkStatus(resp); err != nil {
		return "", err
	}
	var created struct {
		UUID string `json:"uuid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", wrapError(errUpstreamFatal, "decode conversation", err)
	}
	if created.UUID != "" {
		convUUID = created.UUID
	}
	return convUUID, nil
}

// DeleteConversation removes an upstream conversation. Best effort:
// reap paths log and continue on failure.
func (w *webClient) DeleteConversation(ctx context.Context, acc *Account, convUUID string) error {
	headers, cookie := w.headers(acc)
	resp, err := w.client.do(ctx, upstreamRequest{
		method:  http.MethodDelete,
		url:     fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s", w.base(), acc.OrganizationUUID, convUUID),
		headers: headers,
		cookie:  cookie,
		web:     true,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return perrorf(errUpstreamTransient, "delete conversation: %s", resp.Status)
	}
	return nil
}

// Completion posts a prompt to a conversation and returns the raw
// streaming response. attachments are upstream file ids from Upload.
func (w *webClient) Completion(ctx context.Context, acc *Account, convUUID, prompt string, fileIDs []string) (*http.Response, error) {
	payload := map[string]any{
		"prompt":      prompt,
		"timezone":    "UTC",
		"attachments": []any{},
		"files":       fileIDs,
	}
	body, _ := json.Marshal(payload)
	headers, cookie := w.headers(acc)
	resp, err := w.client.do(ctx, upstreamRequest{
		method:  http.MethodPost,
		url:     fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s/completion", w.base(), acc.OrganizationUUID, convUUID),
		headers: headers,
		cookie:  cookie,
		body:    body,
		stream:  true,
		web:     true,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, w.statusError(resp)
	}
	return resp, nil
}

// Upload pushes an image out-of-band and returns the upstream file id
// used to reference it from a completion.
func (w *webClient) Upload(ctx context.Context, acc *Account, mediaType, b64data string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64data)
	if err != nil {
		return "", perrorf(errRequestInvalid, "image data: %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	ext := "bin"
	if i := strings.IndexByte(mediaType, '/'); i >= 0 {
		ext = mediaType[i+1:]
	}
	part, err := mw.CreateFormFile("file", "upload."+ext)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	headers, cookie := w.headers(acc)
	headers.Set("Content-Type", mw.FormDataContentType())
	resp, err := w.client.do(ctx, upstreamRequest{
		method:  http.MethodPost,
		url:     fmt.Sprintf("%s/api/%s/upload", w.base(), acc.OrganizationUUID),
		headers: headers,
		cookie:  cookie,
		body:    buf.Bytes(),
		web:     true,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := w.checkStatus(resp); err != nil {
		return "", err
	}
	var uploaded struct {
		FileUUID string `json:"file_uuid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", wrapError(errUpstreamFatal, "decode upload", err)
	}
	return uploaded.FileUUID, nil
}

func (w *webClient) checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	return w.statusError(resp)
}

// statusError maps an upstream web status onto the error taxonomy.
// The body is consumed for the message.
func (w *webClient) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := safeText(body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		pe := perrorf(errUpstreamQuota, "web rate limited: %s", msg)
		pe.retryAfter = parseRetryAfter(resp.Header, time.Hour)
		return pe
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return perrorf(errUpstreamFatal, "web auth rejected: %s: %s", resp.Status, msg)
	case resp.StatusCode >= 500:
		return perrorf(errUpstreamTransient, "web upstream error: %s", resp.Status)
	default:
		return perrorf(errUpstreamFatal, "web request failed: %s: %s", resp.Status, msg)
	}
}

// parseRetryAfter reads a Retry-After seconds value, clamped to sane
// bounds, with a fallback used when the header is absent or garbled.
func parseRetryAfter(h http.Header, fallback time.Duration) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return fallback
	}
	var secs int
	if _, err := fmt.Sscanf(raw, "%d", &secs); err != nil || secs <= 0 {
		return fallback
	}
	d := time.Duration(secs) * time.Second
	if d > 24*time.Hour {
		return 24 * time.Hour
	}
	return d
}
