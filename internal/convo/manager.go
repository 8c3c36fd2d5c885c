package convo

import (
	"sync"
	"time"
)

// Manager is the process-wide session registry: it hands out live Sessions
// keyed by id and expires ones nobody has touched within the idle TTL.
// All sessions share one offload cache and one reduction config.
type Manager struct {
	cfg        Config
	summarizer Summarizer
	offload    *OffloadCache

	mu       sync.Mutex
	sessions map[string]*managedSession
	now      func() time.Time
}

type managedSession struct {
	sess     *Session
	lastSeen time.Time
}

// NewManager creates a Manager whose sessions all use cfg, summarizer, and
// the shared offload cache.
func NewManager(cfg Config, summarizer Summarizer, offload *OffloadCache) *Manager {
	return &Manager{
		cfg:        cfg,
		summarizer: summarizer,
		offload:    offload,
		sessions:   make(map[string]*managedSession),
		now:        time.Now,
	}
}

// Get returns the live session for id, creating it on first use, and
// refreshes its idle clock.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		ms = &managedSession{sess: NewSession(id, m.cfg, m.summarizer, m.offload)}
		m.sessions[id] = ms
	}
	ms.lastSeen = m.now()
	return ms.sess
}

// SweepIdle drops every session idle for longer than ttl and returns the
// expired ids so the caller can announce them.
func (m *Manager) SweepIdle(ttl time.Duration) []string {
	cutoff := m.now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []string
	for id, ms := range m.sessions {
		if ms.lastSeen.Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	return expired
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
