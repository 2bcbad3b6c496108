// Package session binds opaque session ids to the user id the delivery
// engine trusts. It does not validate credentials.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrEnded         = errors.New("session ended")
	ErrMissingUserID = errors.New("user_id is required")
)

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// SetExpireHook registers a callback for sessions that end, either
// explicitly or by inactivity. It runs outside the manager lock.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(userID string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrMissingUserID
	}
	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Resolve returns the user bound to an active session and marks it used.
func (m *Manager) Resolve(sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return "", ErrNotFound
	}
	if s.Status != StatusActive {
		return "", ErrEnded
	}
	s.LastActivityAt = m.now()
	return s.UserID, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = m.now()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	wasActive := s.Status == StatusActive
	s.Status = StatusEnded
	s.LastActivityAt = m.now()
	out := clone(s)
	hook := m.onExpire
	m.mu.Unlock()

	if wasActive && hook != nil {
		hook(clone(out))
	}
	return out, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

// expireInactive ends idle sessions and forgets sessions that have been
// ended for longer than the inactivity timeout.
func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		idle := now.Sub(s.LastActivityAt)
		if s.Status != StatusActive {
			if idle >= m.inactivityTimeout {
				delete(m.sessions, id)
			}
			continue
		}
		if idle < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
