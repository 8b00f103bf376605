package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const accountsFileVersion = 1

// accountJSON is the persisted shape of one account. Unknown fields
// from newer writers are carried in the raw map and preserved on save.
type accountJSON struct {
	Version          int                  `json:"version"`
	OrganizationUUID string               `json:"organization_uuid"`
	CookieValue      string               `json:"cookie_value,omitempty"`
	OAuth            *OAuthBundle         `json:"oauth,omitempty"`
	Capabilities     []Capability         `json:"capabilities"`
	PreferredAuth    AuthPreference       `json:"preferred_auth"`
	Cooldowns        map[string]time.Time `json:"cooldowns,omitempty"`
	UsageCount       int64                `json:"usage_count"`
	LastUsed         time.Time            `json:"last_used,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

var accountKnownFields = map[string]bool{
	"version": true, "organization_uuid": true, "cookie_value": true,
	"oauth": true, "capabilities": true, "preferred_auth": true,
	"cooldowns": true, "usage_count": true, "last_used": true,
	"created_at": true, "updated_at": true,
}

// accountStore owns the account set and its accounts.json persistence.
// Mutations schedule a coalesced write-through: at most one write is in
// flight, and further mutations collapse into the next one.
type accountStore struct {
	mu       sync.Mutex
	accounts []*Account
	path     string
	debug    bool

	saveMu   sync.Mutex // serializes file writes
	dirty    chan struct{}
	shutdown chan struct{}
	done     chan struct{}
}

func newAccountStore(dataDir string, debug bool) (*accountStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &accountStore{
		path:     filepath.Join(dataDir, "accounts.json"),
		debug:    debug,
		dirty:    make(chan struct{}, 1),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	go s.saveLoop()
	return s, nil
}

func (s *accountStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	var rawList []map[string]any
	if err := json.Unmarshal(raw, &rawList); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	var typedList []accountJSON
	if err := json.Unmarshal(raw, &typedList); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	accounts := make([]*Account, 0, len(typedList))
	for i, aj := range typedList {
		if aj.OrganizationUUID == "" {
			log.Printf("skipping account %d in %s: no organization_uuid", i, s.path)
			continue
		}
		acc := &Account{
			OrganizationUUID: aj.OrganizationUUID,
			CookieValue:      aj.CookieValue,
			OAuth:            aj.OAuth,
			Capabilities:     aj.Capabilities,
			PreferredAuth:    aj.PreferredAuth,
			Cooldowns:        aj.Cooldowns,
			UsageCount:       aj.UsageCount,
			LastUsed:         aj.LastUsed,
			CreatedAt:        aj.CreatedAt,
			UpdatedAt:        aj.UpdatedAt,
		}
		if acc.PreferredAuth == "" {
			acc.PreferredAuth = AuthAuto
		}
		extra := make(map[string]any)
		for k, v := range rawList[i] {
			if !accountKnownFields[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			acc.extra = extra
		}
		accounts = append(accounts, acc)
	}
	s.accounts = accounts
	if s.debug {
		log.Printf("loaded %d accounts from %s", len(accounts), s.path)
	}
	return nil
}

// list returns a snapshot of the account slice. The accounts
// themselves are shared; callers lock per-account state as needed.
func (s *accountStore) list() []*Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Account, len(s.accounts))
	copy(out, s.accounts)
	return out
}

func (s *accountStore) get(orgUUID string) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.OrganizationUUID == orgUUID {
			return a
		}
	}
	return nil
}

func (s *accountStore) add(a *Account) {
	s.mu.Lock()
	s.accounts = append(s.accounts, a)
	s.mu.Unlock()
	s.scheduleSave()
}

func (s *accountStore) remove(orgUUID string) bool {
	s.mu.Lock()
	removed := false
	out := s.accounts[:0]
	for _, a := range s.accounts {
		if a.OrganizationUUID == orgUUID {
			removed = true
			continue
		}
		out = append(out, a)
	}
	s.accounts = out
	s.mu.Unlock()
	if removed {
		s.scheduleSave()
	}
	return removed
}

// markCooldown records an upstream quota signal for (account, model)
// and schedules persistence.
func (s *accountStore) markCooldown(a *Account, model string, until time.Time) {
	a.markCooldown(model, until)
	s.scheduleSave()
}

// scheduleSave requests a write-through. Multiple calls while a write
// is pending collapse into a single write.
func (s *accountStore) scheduleSave() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *accountStore) saveLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.dirty:
			if err := s.saveNow(); err != nil {
				log.Printf("accounts save failed: %v", err)
			}
		case <-s.shutdown:
			// Final flush regardless of dirty state.
			if err := s.saveNow(); err != nil {
				log.Printf("accounts save on shutdown failed: %v", err)
			}
			return
		}
	}
}

// saveNow snapshots the accounts and writes them atomically.
func (s *accountStore) saveNow() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	accounts := make([]*Account, len(s.accounts))
	copy(accounts, s.accounts)
	s.mu.Unlock()

	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].OrganizationUUID < accounts[j].OrganizationUUID
	})

	out := make([]map[string]any, 0, len(accounts))
	for _, a := range accounts {
		a.mu.Lock()
		aj := accountJSON{
			Version:          accountsFileVersion,
			OrganizationUUID: a.OrganizationUUID,
			CookieValue:      a.CookieValue,
			OAuth:            a.OAuth,
			Capabilities:     a.Capabilities,
			PreferredAuth:    a.PreferredAuth,
			Cooldowns:        a.Cooldowns,
			UsageCount:       a.UsageCount,
			LastUsed:         a.LastUsed,
			CreatedAt:        a.CreatedAt,
			UpdatedAt:        a.UpdatedAt,
		}
		extra := a.extra
		a.mu.Unlock()

		enc, err := json.Marshal(aj)
		if err != nil {
			return err
		}
		var m map[string]any
		if err := json.Unmarshal(enc, &m); err != nil {
			return err
		}
		for k, v := range extra {
			m[k] = v
		}
		out = append(out, m)
	}
	return atomicWriteJSON(s.path, out)
}

// close flushes pending state and stops the writer.
func (s *accountStore) close() {
	close(s.shutdown)
	<-s.done
}

// atomicWriteJSON writes via temp file + rename so a crash never
// leaves a half-written accounts file.
func atomicWriteJSON(filePath string, data any) error {
	enc, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(enc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filePath)
}
