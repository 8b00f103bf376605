package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// In-progress OAuth flows, keyed by a one-time state id handed to the
// admin alongside the authorize URL.
var oauthSessions = struct {
	sync.Mutex
	m map[string]*oauthSession
}{m: map[string]*oauthSession{}}

type oauthSession struct {
	pkce      *PKCE
	createdAt time.Time
}

func cleanupOAuthSessions() {
	oauthSessions.Lock()
	defer oauthSessions.Unlock()
	for id, s := range oauthSessions.m {
		if time.Since(s.createdAt) > 15*time.Minute {
			delete(oauthSessions.m, id)
		}
	}
}

func (h *proxyHandler) adminAuthorized(r *http.Request) bool {
	key := clientKey(r)
	return key != "" && h.cfg.adminKeys[key]
}

// accountView is the admin-facing account shape; secrets are elided to
// prefixes.
type accountView struct {
	OrganizationUUID string               `json:"organization_uuid"`
	AuthType         string               `json:"auth_type"`
	Capabilities     []Capability         `json:"capabilities"`
	PreferredAuth    AuthPreference       `json:"preferred_auth"`
	Cooldowns        map[string]time.Time `json:"cooldowns,omitempty"`
	UsageCount       int64                `json:"usage_count"`
	LastUsed         time.Time            `json:"last_used,omitempty"`
	SessionsLive     int                  `json:"sessions_live"`
	TokenExpiresAt   time.Time            `json:"token_expires_at,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
}

func (h *proxyHandler) accountView(a *Account) accountView {
	authType := a.AuthType()
	a.mu.Lock()
	v := accountView{
		OrganizationUUID: a.OrganizationUUID,
		AuthType:         authType,
		Capabilities:     a.Capabilities,
		PreferredAuth:    a.PreferredAuth,
		Cooldowns:        a.Cooldowns,
		UsageCount:       a.UsageCount,
		LastUsed:         a.LastUsed,
		CreatedAt:        a.CreatedAt,
	}
	if a.OAuth != nil {
		v.TokenExpiresAt = a.OAuth.ExpiresAt
	}
	a.mu.Unlock()
	v.SessionsLive = h.svc.sessions.liveCount(v.OrganizationUUID)
	return v
}

func (h *proxyHandler) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		accounts := h.svc.store.list()
		views := make([]accountView, 0, len(accounts))
		for _, a := range accounts {
			views = append(views, h.accountView(a))
		}
		respondJSON(w, views)

	case http.MethodPost:
		var in struct {
			OrganizationUUID string         `json:"organization_uuid"`
			CookieValue      string         `json:"cookie_value"`
			Cookies          []string       `json:"cookies"` // batch import
			Capabilities     []Capability   `json:"capabilities"`
			PreferredAuth    AuthPreference `json:"preferred_auth"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			respondError(w, wrapError(errRequestInvalid, "parse body", err))
			return
		}
		cookies := in.Cookies
		if in.CookieValue != "" {
			cookies = append(cookies, in.CookieValue)
		}
		if len(cookies) == 0 {
			respondError(w, perror(errRequestInvalid, "cookie_value or cookies required"))
			return
		}
		now := time.Now().UTC()
		var created []accountView
		for _, cookie := range cookies {
			org := in.OrganizationUUID
			if org == "" || len(cookies) > 1 {
				org = uuid.NewString()
			}
			if existing := h.svc.store.get(org); existing != nil {
				existing.mu.Lock()
				existing.CookieValue = strings.TrimSpace(cookie)
				existing.UpdatedAt = time.Now().UTC()
				existing.mu.Unlock()
				h.svc.store.scheduleSave()
				created = append(created, h.accountView(existing))
				continue
			}
			acc := &Account{
				OrganizationUUID: org,
				CookieValue:      strings.TrimSpace(cookie),
				Capabilities:     in.Capabilities,
				PreferredAuth:    in.PreferredAuth,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if acc.PreferredAuth == "" {
				acc.PreferredAuth = AuthAuto
			}
			if len(acc.Capabilities) == 0 {
				acc.Capabilities = []Capability{CapChat}
			}
			h.svc.store.add(acc)
			created = append(created, h.accountView(acc))
		}
		respondJSON(w, created)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *proxyHandler) handleAccountByID(w http.ResponseWriter, r *http.Request, id string) {
	acc := h.svc.store.get(id)
	if acc == nil {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, h.accountView(acc))

	case http.MethodPut:
		var in struct {
			CookieValue   *string         `json:"cookie_value"`
			Capabilities  *[]Capability   `json:"capabilities"`
			PreferredAuth *AuthPreference `json:"preferred_auth"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			respondError(w, wrapError(errRequestInvalid, "parse body", err))
			return
		}
		acc.mu.Lock()
		if in.CookieValue != nil {
			acc.CookieValue = *in.CookieValue
		}
		if in.Capabilities != nil {
			acc.Capabilities = *in.Capabilities
		}
		if in.PreferredAuth != nil {
			acc.PreferredAuth = *in.PreferredAuth
		}
		acc.UpdatedAt = time.Now().UTC()
		acc.mu.Unlock()
		h.svc.store.scheduleSave()
		respondJSON(w, h.accountView(acc))

	case http.MethodDelete:
		if !h.svc.store.remove(id) {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleOAuthExchange drives the two-step admin OAuth flow: a GET
// yields the authorize URL and flow id, a POST with the pasted code
// completes the exchange.
func (h *proxyHandler) handleOAuthExchange(w http.ResponseWriter, r *http.Request) {
	cleanupOAuthSessions()
	switch r.Method {
	case http.MethodGet:
		authURL, pkce, err := h.svc.oauth.AuthorizeURL()
		if err != nil {
			respondError(w, wrapError(errInternal, "authorize url", err))
			return
		}
		flowID := randomID()
		oauthSessions.Lock()
		oauthSessions.m[flowID] = &oauthSession{pkce: pkce, createdAt: time.Now()}
		oauthSessions.Unlock()
		respondJSON(w, map[string]string{
			"flow_id":       flowID,
			"authorize_url": authURL,
		})

	case http.MethodPost:
		var in struct {
			FlowID           string       `json:"flow_id"`
			Code             string       `json:"code"`
			OrganizationUUID string       `json:"organization_uuid"`
			Capabilities     []Capability `json:"capabilities"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			respondError(w, wrapError(errRequestInvalid, "parse body", err))
			return
		}
		oauthSessions.Lock()
		flow := oauthSessions.m[in.FlowID]
		delete(oauthSessions.m, in.FlowID)
		oauthSessions.Unlock()
		if flow == nil {
			respondError(w, perror(errRequestInvalid, "unknown or expired flow_id"))
			return
		}
		acc, err := h.svc.oauth.ExchangeFromCode(r.Context(), in.OrganizationUUID, in.Code, flow.pkce.Verifier, in.Capabilities)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, h.accountView(acc))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleReauthenticate bootstraps OAuth from the account's cookie.
func (h *proxyHandler) handleReauthenticate(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	acc := h.svc.store.get(id)
	if acc == nil {
		http.NotFound(w, r)
		return
	}
	if err := h.svc.oauth.ExchangeFromCookie(r.Context(), acc); err != nil {
		log.Printf("reauthenticate %s: %v", id, err)
		respondError(w, err)
		return
	}
	respondJSON(w, h.accountView(acc))
}

func (h *proxyHandler) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, h.svc.settings.view())
	case http.MethodPut:
		var v settingsView
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			respondError(w, wrapError(errRequestInvalid, "parse body", err))
			return
		}
		h.svc.settings.apply(v)
		respondJSON(w, h.svc.settings.view())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *proxyHandler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	requests, perAccount := h.svc.counters.snapshot()
	out := map[string]any{
		"requests":      requests,
		"per_account":   perAccount,
		"recent_errors": h.svc.recent.snapshot(),
	}
	if h.svc.usage != nil {
		if aggs, err := h.svc.usage.aggregates(); err == nil {
			out["usage"] = aggs
		}
		if recent, err := h.svc.usage.recentRequests(50); err == nil {
			out["recent_requests"] = recent
		}
	}
	respondJSON(w, out)
}
