// Package session tracks per-connection sessions and resolves the identity
// behind a connection handshake.
package session

import (
	"sync"
	"time"

	"ticketrelay/pkg/types"
)

// Manager is the directory of live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewManager creates an empty session directory. A nil clock uses time.Now.
func NewManager(now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		sessions: make(map[string]*Session),
		now:      now,
	}
}

// Open creates and tracks a session for a freshly accepted connection.
func (m *Manager) Open(identity types.Identity) *Session {
	s := newSession(identity, m.now)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	return s
}

// Close forgets the session. It is idempotent.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Idle returns sessions with no inbound activity for longer than maxIdle.
func (m *Manager) Idle(maxIdle time.Duration) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var idle []*Session
	for _, s := range m.sessions {
		if now.Sub(s.LastActivity()) > maxIdle {
			idle = append(idle, s)
		}
	}
	return idle
}

// GetStats returns session counts by identity kind.
func (m *Manager) GetStats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]int{
		"total_sessions":                 len(m.sessions),
		"bound_sessions":                 0,
		string(types.IdentityAnonymous):  0,
		string(types.IdentityGuest):      0,
		string(types.IdentityRegistered): 0,
	}
	for _, s := range m.sessions {
		stats[string(s.identity.Kind)]++
		if _, ok := s.BoundTicket(); ok {
			stats["bound_sessions"]++
		}
	}
	return stats
}
