package main

import (
	"sync"
	"time"
)

// Capability tags which model tiers an account may serve over OAuth.
type Capability string

const (
	CapChat      Capability = "chat"
	CapClaudePro Capability = "claude_pro"
	CapClaudeMax Capability = "claude_max"
)

// AuthPreference is the admin-set transport preference for an account.
type AuthPreference string

const (
	AuthAuto  AuthPreference = "auto"
	AuthOAuth AuthPreference = "oauth"
	AuthWeb   AuthPreference = "web"
)

// transportKind is the concrete upstream interface chosen per request.
type transportKind string

const (
	transportOAuth transportKind = "oauth"
	transportWeb   transportKind = "web"
)

// OAuthBundle is the token set attached to an account.
type OAuthBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
	Invalid      bool      `json:"invalid,omitempty"`
}

const oauthExpirySkew = 60 * time.Second

func (b *OAuthBundle) expired(now time.Time) bool {
	return now.Add(oauthExpirySkew).After(b.ExpiresAt)
}

// Account is one upstream organization with its credentials and
// scheduling state. Mutable fields are guarded by mu; the store takes
// snapshots for persistence.
type Account struct {
	mu sync.Mutex

	OrganizationUUID string
	CookieValue      string
	OAuth            *OAuthBundle
	Capabilities     []Capability
	PreferredAuth    AuthPreference
	Cooldowns        map[string]time.Time // model -> until
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// Scheduling state, persisted for continuity across restarts.
	UsageCount int64
	LastUsed   time.Time

	// extra carries unknown persisted fields through load/save cycles.
	extra map[string]any
}

// AuthType is derived: which transports this account can serve at all.
func (a *Account) AuthType() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	hasOAuth := a.OAuth != nil && a.OAuth.AccessToken != "" && !a.OAuth.Invalid
	hasWeb := a.CookieValue != ""
	switch {
	case hasOAuth && hasWeb:
		return "both"
	case hasOAuth:
		return "oauth"
	case hasWeb:
		return "web"
	default:
		return "none"
	}
}

func (a *Account) hasCapability(c Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// coolingDown reports whether (account, model) is inside a cooldown
// window at now.
func (a *Account) coolingDown(model string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	until, ok := a.Cooldowns[model]
	return ok && until.After(now)
}

// markCooldown records an upstream quota signal. Cooldowns only move
// forward per (account, model).
func (a *Account) markCooldown(model string, until time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Cooldowns == nil {
		a.Cooldowns = make(map[string]time.Time)
	}
	if existing, ok := a.Cooldowns[model]; !ok || until.After(existing) {
		a.Cooldowns[model] = until
	}
	a.UpdatedAt = time.Now().UTC()
}

// noteUse bumps the load-balancing counters after a dispatch.
func (a *Account) noteUse(now time.Time) {
	a.mu.Lock()
	a.UsageCount++
	a.LastUsed = now
	a.UpdatedAt = now.UTC()
	a.mu.Unlock()
}

// loadRank returns the (usage, last-used) ordering tuple under lock.
func (a *Account) loadRank() (int64, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.UsageCount, a.LastUsed
}

func (a *Account) oauthUsable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.OAuth != nil && a.OAuth.AccessToken != "" && !a.OAuth.Invalid
}

func (a *Account) webUsable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.CookieValue != ""
}
