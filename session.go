package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// requestFingerprint derives the conversation key from prefix-stable
// content: the system prompt plus all but the last turn. Successive
// requests in one logical session land on the same upstream
// conversation, and the selector uses the same key for prompt-cache
// affinity.
func requestFingerprint(req *MessagesRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Model))
	h.Write([]byte{0})
	for _, b := range req.System {
		enc, _ := json.Marshal(b)
		h.Write(enc)
		h.Write([]byte{0})
	}
	msgs := req.Messages
	if len(msgs) > 0 {
		msgs = msgs[:len(msgs)-1]
	}
	for _, m := range msgs {
		h.Write([]byte(m.Role))
		h.Write([]byte{1})
		enc, _ := json.Marshal(m.Content)
		h.Write(enc)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// webSession is one live upstream conversation.
type webSession struct {
	account      *Account
	key          string
	conversation string
	lastActivity time.Time
	active       bool
	pendingTool  bool // a tool_use id is outstanding; reap must keep it
}

// accountSessions is the per-account shard: its own lock so acquire
// and release on different accounts never contend.
type accountSessions struct {
	mu    sync.Mutex
	byKey map[string]*webSession
}

// sessionManager maintains (account, conversation-key) -> live
// conversation, enforces the per-account cap and reaps idle entries.
type sessionManager struct {
	cfg      config
	settings *runtimeSettings
	web      *webClient
	mu       sync.RWMutex // guards the account map; sweeper takes read lock
	accs     map[string]*accountSessions

	stop chan struct{}
	done chan struct{}
}

func newSessionManager(cfg config, settings *runtimeSettings, web *webClient) *sessionManager {
	m := &sessionManager{
		cfg:      cfg,
		settings: settings,
		web:      web,
		accs:     make(map[string]*accountSessions),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *sessionManager) shard(orgUUID string) *accountSessions {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.accs[orgUUID]
	if !ok {
		s = &accountSessions{byKey: make(map[string]*webSession)}
		m.accs[orgUUID] = s
	}
	return s
}

// acquire returns the live session for (account, key), opening a new
// conversation when none exists. Fails fast: session-busy when the key
// is already active, session-exhausted at the per-account cap.
func (m *sessionManager) acquire(ctx context.Context, acc *Account, key string) (*webSession, error) {
	shard := m.shard(acc.OrganizationUUID)

	shard.mu.Lock()
	if s, ok := shard.byKey[key]; ok {
		if s.active {
			shard.mu.Unlock()
			return nil, perrorf(errSessionBusy, "conversation key %s already active", key)
		}
		s.active = true
		s.lastActivity = time.Now()
		shard.mu.Unlock()
		return s, nil
	}
	if len(shard.byKey) >= m.cfg.maxSessions {
		shard.mu.Unlock()
		pe := perrorf(errSessionExhausted, "account %s at session capacity", acc.OrganizationUUID)
		pe.retryAfter = m.cfg.sessionIdle
		return nil, pe
	}
	// Reserve the slot before the upstream call so a concurrent
	// acquire cannot overshoot the cap.
	s := &webSession{account: acc, key: key, active: true, lastActivity: time.Now()}
	shard.byKey[key] = s
	shard.mu.Unlock()

	convUUID, err := m.web.CreateConversation(ctx, acc)
	if err != nil {
		shard.mu.Lock()
		delete(shard.byKey, key)
		shard.mu.Unlock()
		return nil, err
	}
	s.conversation = convUUID
	return s, nil
}

// pinned returns the existing session for (account, conversation) when
// a tool_result re-enters an earlier turn. Fails with session-busy if
// it is active, unknown-tool-call if it is gone.
func (m *sessionManager) pinned(acc *Account, conversation string) (*webSession, error) {
	shard := m.shard(acc.OrganizationUUID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	for _, s := range shard.byKey {
		if s.conversation == conversation {
			if s.active {
				return nil, perrorf(errSessionBusy, "conversation %s already active", conversation)
			}
			s.active = true
			s.lastActivity = time.Now()
			return s, nil
		}
	}
	return nil, perrorf(errUnknownToolCall, "conversation %s no longer held", conversation)
}

// release marks the session inactive. With keep=false the conversation
// is torn down upstream and dropped from the map; a session with an
// outstanding tool call is always kept so the tool_result can land.
func (m *sessionManager) release(s *webSession, keep bool) {
	if s == nil {
		return
	}
	shard := m.shard(s.account.OrganizationUUID)
	shard.mu.Lock()
	s.active = false
	s.lastActivity = time.Now()
	if keep || s.pendingTool {
		shard.mu.Unlock()
		return
	}
	delete(shard.byKey, s.key)
	shard.mu.Unlock()

	go m.deleteUpstream(s)
}

func (m *sessionManager) deleteUpstream(s *webSession) {
	if s.conversation == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.web.DeleteConversation(ctx, s.account, s.conversation); err != nil {
		log.Printf("delete conversation %s: %v", s.conversation, err)
	}
}

// atCapacity reports whether the account is at its session cap.
func (m *sessionManager) atCapacity(orgUUID string) bool {
	return m.liveCount(orgUUID) >= m.cfg.maxSessions
}

// liveCount reports the number of live conversations for an account.
func (m *sessionManager) liveCount(orgUUID string) int {
	m.mu.RLock()
	shard, ok := m.accs[orgUUID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return len(shard.byKey)
}

func (m *sessionManager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.sessionSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.stop:
			return
		}
	}
}

// sweep reaps idle sessions. With preserve-chats set, only the local
// entry goes; the upstream conversation stays.
func (m *sessionManager) sweep(now time.Time) {
	m.mu.RLock()
	shards := make([]*accountSessions, 0, len(m.accs))
	for _, s := range m.accs {
		shards = append(shards, s)
	}
	m.mu.RUnlock()

	var reaped []*webSession
	for _, shard := range shards {
		shard.mu.Lock()
		for key, s := range shard.byKey {
			if s.active {
				continue
			}
			if now.Sub(s.lastActivity) < m.cfg.sessionIdle {
				continue
			}
			delete(shard.byKey, key)
			reaped = append(reaped, s)
		}
		shard.mu.Unlock()
	}

	preserve := m.cfg.preserveChats
	if m.settings != nil {
		preserve = m.settings.view().PreserveChats
	}
	for _, s := range reaped {
		if preserve {
			continue
		}
		m.deleteUpstream(s)
	}
}

func (m *sessionManager) close() {
	close(m.stop)
	<-m.done
}
