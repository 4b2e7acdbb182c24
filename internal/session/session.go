package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"ticketrelay/pkg/types"
)

// Session is the per-connection state. The identity never changes after
// creation; only the ticket binding and activity time do.
type Session struct {
	id        string
	identity  types.Identity
	createdAt time.Time
	now       func() time.Time

	mu           sync.RWMutex
	boundTicket  int64
	lastActivity time.Time
}

func newSession(identity types.Identity, now func() time.Time) *Session {
	t := now()
	return &Session{
		id:           uuid.NewString(),
		identity:     identity,
		createdAt:    t,
		lastActivity: t,
		now:          now,
	}
}

// New creates a standalone session, for callers that do not track sessions
// in a Manager.
func New(identity types.Identity) *Session {
	return newSession(identity, time.Now)
}

// ID returns the session's UUID.
func (s *Session) ID() string { return s.id }

// Identity returns the identity resolved at handshake.
func (s *Session) Identity() types.Identity { return s.identity }

// CreatedAt returns when the connection was accepted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Authenticated reports whether the session carries a resolved identity.
// Anonymous counts as resolved.
func (s *Session) Authenticated() bool { return !s.identity.IsZero() }

// RateLimitKey returns the key the rate limiter counts this session under.
func (s *Session) RateLimitKey() string {
	return s.identity.RateLimitKey(s.id)
}

// Touch records inbound activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last inbound event.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// BindTicket binds the session to a ticket after a successful join.
func (s *Session) BindTicket(ticketID int64) {
	s.mu.Lock()
	s.boundTicket = ticketID
	s.mu.Unlock()
}

// BoundTicket returns the bound ticket id, if any.
func (s *Session) BoundTicket() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundTicket, s.boundTicket > 0
}

// Unbind clears the binding if it points at ticketID and reports whether
// it did.
func (s *Session) Unbind(ticketID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundTicket != ticketID || ticketID <= 0 {
		return false
	}
	s.boundTicket = 0
	return true
}
