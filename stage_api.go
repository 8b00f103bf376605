package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	anthropicVersion  = "2023-06-01"
	oauthBetaFeature  = "oauth-2025-04-20"
	spoofSystemPrompt = "You are Claude Code, Anthropic's official CLI for Claude."
)

// apiRequestBody renders the client request for the official API.
// OAuth organizations only accept requests that look like the first-
// party CLI, so the identity line is prepended to the system prompt
// unless the client already sent it.
func apiRequestBody(req *MessagesRequest) ([]byte, error) {
	out := *req
	identity := ContentBlock{Type: "text", Text: spoofSystemPrompt}
	switch {
	case len(out.System) == 0:
		out.System = SystemPrompt{identity}
	case out.System[0].Text == spoofSystemPrompt:
		// already present, leave as is
	default:
		out.System = append(SystemPrompt{identity}, out.System...)
	}
	out.Stream = true // upstream is always consumed as a stream
	return json.Marshal(&out)
}

// apiHeaders prepares the OAuth request headers, merging any client
// beta features with the one OAuth requires.
func apiHeaders(accessToken string, clientBeta string) http.Header {
	beta := []string{oauthBetaFeature}
	for _, b := range strings.Split(clientBeta, ",") {
		b = strings.TrimSpace(b)
		if b != "" && b != oauthBetaFeature {
			beta = append(beta, b)
		}
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("anthropic-beta", strings.Join(beta, ","))
	h.Set("anthropic-version", anthropicVersion)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "text/event-stream")
	return h
}

// unifiedResetCooldown reads the provider's rate-limit reset header,
// falling back to the top of the next hour.
func unifiedResetCooldown(h http.Header, now time.Time) time.Time {
	if raw := h.Get("anthropic-ratelimit-unified-reset"); raw != "" {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.Unix(ts, 0)
		}
	}
	return now.Truncate(time.Hour).Add(time.Hour)
}

// stageClaudeAPI dispatches via the OAuth transport. Retries are
// bounded and only happen before any stream byte reaches the client.
func stageClaudeAPI(pc *pipelineContext) error {
	if pc.stream != nil || pc.sel == nil || pc.sel.transport != transportOAuth {
		return nil
	}
	acc := pc.sel.account
	svc := pc.svc

	if svc.oauth.NeedsRefresh(acc, time.Now()) {
		if err := svc.oauth.Refresh(pc.ctx, acc); err != nil {
			// Demoted to web by the Invalid flag; surface so the
			// handler can reselect.
			return err
		}
	}

	body, err := apiRequestBody(pc.req)
	if err != nil {
		return wrapError(errInternal, "encode request", err)
	}

	endpoint := strings.TrimRight(svc.cfg.claudeAPIBase, "/") + "/v1/messages?beta=true"
	backoff := 250 * time.Millisecond
	reauthed := false

	for attempt := 1; ; attempt++ {
		acc.mu.Lock()
		accessToken := ""
		if acc.OAuth != nil {
			accessToken = acc.OAuth.AccessToken
		}
		acc.mu.Unlock()
		if accessToken == "" {
			return perror(errOAuthRefresh, "account has no access token")
		}

		resp, err := svc.client.do(pc.ctx, upstreamRequest{
			method:  http.MethodPost,
			url:     endpoint,
			headers: apiHeaders(accessToken, pc.clientBeta),
			body:    body,
			stream:  true,
		})
		if err == nil {
			switch {
			case resp.StatusCode == http.StatusOK:
				pc.upstreamResp = resp
				pc.wire = "api"
				pc.noteDispatchSuccess()
				return nil

			case resp.StatusCode == http.StatusTooManyRequests:
				until := unifiedResetCooldown(resp.Header, time.Now())
				resp.Body.Close()
				svc.store.markCooldown(acc, pc.req.Model, until)
				pe := perrorf(errUpstreamQuota, "account %s rate limited for %s", acc.OrganizationUUID, pc.req.Model)
				pe.retryAfter = time.Until(until)
				return pe

			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				apiErr := readAPIError(resp)
				if !reauthed && acc.webUsable() {
					// Token revoked; one re-auth from the cookie, then
					// retry on the same account.
					log.Printf("[%s] %d from api for %s, re-authenticating from cookie",
						pc.reqID, resp.StatusCode, acc.OrganizationUUID)
					if rerr := svc.oauth.ExchangeFromCookie(pc.ctx, acc); rerr == nil {
						reauthed = true
						continue
					}
				}
				return perrorf(errUpstreamFatal, "api auth rejected: %s", apiErr)

			case resp.StatusCode == http.StatusBadRequest:
				apiErr := readAPIError(resp)
				if strings.Contains(apiErr, "Invalid model name") {
					return perrorf(errRequestInvalid, "upstream rejected model %q", pc.req.Model)
				}
				return perrorf(errRequestInvalid, "upstream rejected request: %s", apiErr)

			case resp.StatusCode >= 500:
				resp.Body.Close()
				err = perrorf(errUpstreamTransient, "api returned %s", resp.Status)

			default:
				apiErr := readAPIError(resp)
				return perrorf(errUpstreamFatal, "api returned %s: %s", resp.Status, apiErr)
			}
		}

		if !retryableUpstream(err) || attempt >= svc.cfg.requestRetries {
			return err
		}
		if svc.cfg.debug {
			log.Printf("[%s] api dispatch attempt %d failed: %v (retrying in %v)", pc.reqID, attempt, err, backoff)
		}
		select {
		case <-time.After(backoff):
		case <-pc.ctx.Done():
			return wrapError(errStreamCut, "cancelled during backoff", pc.ctx.Err())
		}
		backoff *= 2
	}
}

// readAPIError drains an error response into its message, closing the
// body.
func readAPIError(resp *http.Response) string {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return safeText(raw)
}
