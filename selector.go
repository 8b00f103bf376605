package main

import (
	"log"
	"strings"
	"sync"
	"time"
)

// modelTier returns the capability an account needs to serve a model
// over OAuth. Any enabled model may be served over web regardless.
func modelTier(model string) Capability {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"):
		return CapClaudeMax
	case strings.Contains(m, "sonnet"), strings.Contains(m, "haiku"):
		return CapClaudePro
	default:
		return CapChat
	}
}

func capabilityAdmits(acc *Account, tier Capability) bool {
	switch tier {
	case CapClaudeMax:
		return acc.hasCapability(CapClaudeMax)
	case CapClaudePro:
		return acc.hasCapability(CapClaudePro) || acc.hasCapability(CapClaudeMax)
	default:
		return len(acc.Capabilities) > 0
	}
}

// selection is the outcome of account selection.
type selection struct {
	account   *Account
	transport transportKind
}

// accountSelector picks (account, transport) for a request under
// capability, cooldown and preference constraints, with a soft
// prompt-cache affinity pin per request fingerprint.
type accountSelector struct {
	store      *accountStore
	sessions   *sessionManager
	webEnabled bool
	debug      bool

	mu        sync.Mutex
	cachePins map[string]string // fingerprint -> organization uuid
}

func newAccountSelector(store *accountStore, sessions *sessionManager, webEnabled, debug bool) *accountSelector {
	return &accountSelector{
		store:      store,
		sessions:   sessions,
		webEnabled: webEnabled,
		debug:      debug,
		cachePins:  make(map[string]string),
	}
}

// pin remembers which account served a fingerprint, for prompt-cache
// affinity on the next request of the same logical session.
func (s *accountSelector) pin(fingerprint, orgUUID string) {
	s.mu.Lock()
	s.cachePins[fingerprint] = orgUUID
	// Bound the map; pins are soft and cheap to lose.
	if len(s.cachePins) > 4096 {
		for k := range s.cachePins {
			delete(s.cachePins, k)
			if len(s.cachePins) <= 2048 {
				break
			}
		}
	}
	s.mu.Unlock()
}

func (s *accountSelector) pinnedAccount(fingerprint string) *Account {
	s.mu.Lock()
	id, ok := s.cachePins[fingerprint]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.store.get(id)
}

// eligible reports whether the account can serve (model, transport)
// right now.
func (s *accountSelector) eligible(acc *Account, model string, tr transportKind, now time.Time) bool {
	if acc.coolingDown(model, now) {
		return false
	}
	acc.mu.Lock()
	pref := acc.PreferredAuth
	acc.mu.Unlock()
	switch tr {
	case transportOAuth:
		if pref == AuthWeb {
			return false
		}
		return acc.oauthUsable() && capabilityAdmits(acc, modelTier(model))
	case transportWeb:
		if !s.webEnabled {
			return false
		}
		if pref == AuthOAuth {
			return false
		}
		return acc.webUsable()
	}
	return false
}

// pick selects the least-loaded eligible account for a transport.
// Ties break on the stable organization id order.
func (s *accountSelector) pick(accounts []*Account, model string, tr transportKind, exclude map[string]bool, now time.Time) *Account {
	var best *Account
	var bestUsage int64
	var bestLast time.Time
	for _, a := range accounts {
		if exclude[a.OrganizationUUID] {
			continue
		}
		if !s.eligible(a, model, tr, now) {
			continue
		}
		usage, last := a.loadRank()
		if best == nil ||
			usage < bestUsage ||
			(usage == bestUsage && last.Before(bestLast)) ||
			(usage == bestUsage && last.Equal(bestLast) && a.OrganizationUUID < best.OrganizationUUID) {
			best, bestUsage, bestLast = a, usage, last
		}
	}
	return best
}

// Select returns (account, transport) for the request, honoring the
// fingerprint affinity pin when that account is still eligible.
// exclude carries accounts already burned this request (quota
// failover).
func (s *accountSelector) Select(model, fingerprint string, exclude map[string]bool) (*selection, error) {
	now := time.Now()
	accounts := s.store.list()

	order := []transportKind{transportOAuth, transportWeb}

	// Prompt-cache affinity: soft preference, skipped when the pinned
	// account is excluded, cooling down or otherwise ineligible.
	if pinned := s.pinnedAccount(fingerprint); pinned != nil && !exclude[pinned.OrganizationUUID] {
		for _, tr := range order {
			if tr == transportWeb && s.sessions != nil && s.sessions.atCapacity(pinned.OrganizationUUID) {
				continue // saturated; affinity is only a soft preference
			}
			if s.eligible(pinned, model, tr, now) {
				if s.debug {
					log.Printf("selector: affinity hit %s via %s", pinned.OrganizationUUID, tr)
				}
				return &selection{account: pinned, transport: tr}, nil
			}
		}
	}

	// Accounts that force web go to the web pass below.
	for _, tr := range order {
		if a := s.pick(accounts, model, tr, exclude, now); a != nil {
			if s.debug {
				log.Printf("selector: picked %s via %s for %s", a.OrganizationUUID, tr, model)
			}
			return &selection{account: a, transport: tr}, nil
		}
	}

	return nil, perrorf(errNoAccount, "no account can serve %s", model)
}
