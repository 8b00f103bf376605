package main

import (
	"log"
	"net/http"
	"strings"
)

// ServeHTTP routes incoming requests. The public surface is a single
// endpoint; everything under /api/admin requires an admin key.
func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.debug {
		log.Printf("incoming %s %s", r.Method, r.URL.Path)
	}

	switch r.URL.Path {
	case "/v1/messages":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleMessages(w, r)
		return
	case "/health":
		h.serveHealth(w)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/admin/") {
		if !h.adminAuthorized(r) {
			respondError(w, perror(errUnauthorized, "invalid admin key"))
			return
		}
		h.serveAdmin(w, r)
		return
	}

	http.NotFound(w, r)
}

func (h *proxyHandler) serveAdmin(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/admin/")

	switch path {
	case "accounts":
		h.handleAccounts(w, r)
		return
	case "accounts/oauth/exchange":
		h.handleOAuthExchange(w, r)
		return
	case "settings":
		h.handleSettings(w, r)
		return
	case "statistics":
		h.handleStatistics(w, r)
		return
	}

	// /api/admin/accounts/{id} and /api/admin/accounts/{id}/reauthenticate
	if rest, ok := strings.CutPrefix(path, "accounts/"); ok {
		if id, found := strings.CutSuffix(rest, "/reauthenticate"); found {
			h.handleReauthenticate(w, r, id)
			return
		}
		if !strings.Contains(rest, "/") {
			h.handleAccountByID(w, r, rest)
			return
		}
	}

	http.NotFound(w, r)
}
