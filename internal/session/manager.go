// Package session manages in-memory conversation sessions with TTL
// based expiry.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"scenechat/internal/logging"
)

// Message is one turn of conversation history.
type Message struct {
	Role string // "user" or "model"
	Text string
}

// Session is one user conversation. History access goes through the
// owning Manager's lock.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	lastActive time.Time
	history    []Message
}

// Manager tracks active sessions and reaps them after the TTL.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration

	now func() time.Time // test hook
}

// NewManager creates a Manager with the given session TTL.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
	logging.Session("session manager initialized (ttl=%s)", ttl)
	return m
}

// GetOrCreate returns the session with the given id if it exists and
// belongs to userID, refreshing its activity timestamp. Otherwise a new
// session is created; a stale or foreign id is ignored rather than
// surfaced as an error.
func (m *Manager) GetOrCreate(userID, sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID != "" {
		if s, ok := m.sessions[sessionID]; ok && s.UserID == userID {
			s.lastActive = m.now()
			return s, false
		}
	}

	s := &Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		CreatedAt:  m.now(),
		lastActive: m.now(),
	}
	m.sessions[s.ID] = s
	logging.Session("created session %s for user %s", s.ID, userID)
	return s, true
}

// Get returns the session if it exists and belongs to userID.
func (m *Manager) Get(userID, sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, false
	}
	s.lastActive = m.now()
	return s, true
}

// Delete removes the session if it belongs to userID.
func (m *Manager) Delete(userID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return false
	}
	delete(m.sessions, sessionID)
	logging.Session("deleted session %s", sessionID)
	return true
}

// Append records one message on the session's history.
func (m *Manager) Append(sessionID string, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	s.history = append(s.history, msg)
	s.lastActive = m.now()
}

// History returns a copy of the session's message history.
func (m *Manager) History(sessionID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// CleanupExpired removes sessions idle longer than the TTL and returns
// how many were reaped.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.ttl)
	reaped := 0
	for id, s := range m.sessions {
		if s.lastActive.Before(cutoff) {
			delete(m.sessions, id)
			reaped++
		}
	}
	if reaped > 0 {
		logging.Session("cleaned up %d expired sessions", reaped)
	}
	return reaped
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// RunJanitor reaps expired sessions every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}
