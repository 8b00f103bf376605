package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
)

type proxyHandler struct {
	cfg config
	svc *services
}

// clientKey extracts the caller's API key from either accepted header.
func clientKey(r *http.Request) string {
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if v, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// handleMessages serves POST /v1/messages: authenticate, parse, select
// an account, run the pipeline, with transparent re-selection when an
// account hits quota before any byte is emitted.
func (h *proxyHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	reqID := randomID()

	key := clientKey(r)
	if key == "" || !h.cfg.clientKeys[key] {
		respondError(w, perror(errUnauthorized, "invalid api key"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		respondError(w, wrapError(errRequestInvalid, "read body", err))
		return
	}
	var req MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, wrapError(errRequestInvalid, "parse body", err))
		return
	}

	if h.cfg.debug {
		log.Printf("[%s] %s model=%s stream=%v messages=%d key=%s…",
			reqID, r.URL.Path, req.Model, req.Stream, len(req.Messages), keyPrefix(key))
	}

	flusher, _ := w.(http.Flusher)

	// Client disconnect cancels the pipeline context.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	exclude := map[string]bool{}
	var lastQuota error
	for {
		pc := &pipelineContext{
			ctx:        ctx,
			cancel:     cancel,
			svc:        h.svc,
			reqID:      reqID,
			req:        &req,
			clientBeta: r.Header.Get("anthropic-beta"),
			w:          w,
			flusher:    flusher,
		}

		err := h.prepare(pc, exclude)
		if err == nil {
			err = runPipeline(pc)
		}
		if err == nil {
			return
		}

		kind := errorKind(err)
		// Quota failover: burn the account and reselect, as long as
		// nothing has reached the client yet.
		if kind == errUpstreamQuota && !pc.emitted && pc.sel != nil {
			exclude[pc.sel.account.OrganizationUUID] = true
			lastQuota = err
			if h.cfg.debug {
				log.Printf("[%s] account %s exhausted, reselecting", reqID, pc.sel.account.OrganizationUUID)
			}
			continue
		}
		if kind == errNoAccount && lastQuota != nil {
			// Every candidate hit quota; 429 tells the client more
			// than a bare 503 would.
			err = lastQuota
		}

		h.svc.recent.add(err.Error())
		h.svc.counters.inc(string(kind), "")
		if pc.emitted {
			pc.writeErrorEvent(err)
			return
		}
		respondError(w, err)
		return
	}
}

// prepare runs validation-independent selection: the pre stages set
// pc.sel themselves for tool_result pins; otherwise the selector
// chooses. Selection happens lazily here so the validate stage can
// reject junk before an account is charged.
func (h *proxyHandler) prepare(pc *pipelineContext, exclude map[string]bool) error {
	// Pre-compute the fingerprint the selector needs; the validate
	// stage recomputes the rest.
	if len(pc.req.Messages) == 0 {
		return nil // validate stage reports the error with full context
	}
	if hasToolResult(pc.req) {
		return nil // tool-result stage pins account and transport
	}
	if connectivityProbe(pc.req) || pc.req.MaxTokens == 0 {
		return nil // short-circuited without an account
	}
	fingerprint := requestFingerprint(pc.req)
	sel, err := h.svc.selector.Select(pc.req.Model, fingerprint, exclude)
	if err != nil {
		return err
	}
	pc.sel = sel
	return nil
}

func hasToolResult(req *MessagesRequest) bool {
	if len(req.Messages) == 0 {
		return false
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		return false
	}
	for _, b := range last.Content {
		if b.Type == "tool_result" {
			return true
		}
	}
	return false
}

func keyPrefix(k string) string {
	if len(k) > 8 {
		return k[:8]
	}
	return k
}

func (h *proxyHandler) serveHealth(w http.ResponseWriter) {
	respondJSON(w, map[string]any{
		"status":   "ok",
		"accounts": len(h.svc.store.list()),
		"web":      h.svc.client.webEnabled(),
	})
}
