package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/chatproto/internal/protocol"
)

// Status is the lifecycle phase of a Session.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// ErrNotFound is returned when a chat id has no live Session.
var ErrNotFound = errors.New("session: not found")

// Session is one negotiated chat_id: the Config agreed at the start of
// the connection, the currently open request (if any), and bookkeeping
// for the inactivity janitor. A Session outlives any single request — a
// new request begins as soon as the previous one reaches OutputEnd.
type Session struct {
	ChatID         uuid.UUID       `json:"chat_id"`
	Status         Status          `json:"status"`
	Config         protocol.Config `json:"config"`
	ActiveRequest  uuid.UUID       `json:"active_request_id"`
	RequestCount   int             `json:"request_count"`
	StartedAt      time.Time       `json:"started_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
}

// Manager is a registry of live Sessions: an RWMutex-guarded map,
// clone-on-read, and a ticker-driven janitor that ends sessions idle past
// a timeout. There is no protocol-level heartbeat, so inactivity expiry is
// purely a local housekeeping policy, not a wire behavior.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[uuid.UUID]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

// NewManager returns an empty registry. inactivityTimeout <= 0 selects
// the default of 2 minutes.
func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[uuid.UUID]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

// SetExpireHook installs a callback invoked for each Session the janitor
// ends due to inactivity.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers a new Session for chatID with the given negotiated
// Config, as emitted in a ServerReady event.
func (m *Manager) Create(chatID uuid.UUID, cfg protocol.Config) *Session {
	now := time.Now().UTC()
	s := &Session{
		ChatID:         chatID,
		Status:         StatusActive,
		Config:         cfg,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[chatID] = s
	return clone(s)
}

// Get returns a snapshot of the Session for chatID.
func (m *Manager) Get(chatID uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Touch records activity on chatID's Session, resetting its inactivity
// window.
func (m *Manager) Touch(chatID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[chatID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// BeginRequest records requestID as the Session's active request.
func (m *Manager) BeginRequest(chatID, requestID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[chatID]
	if !ok {
		return ErrNotFound
	}
	s.ActiveRequest = requestID
	s.RequestCount++
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// EndRequest clears the Session's active request, making way for the
// next one.
func (m *Manager) EndRequest(chatID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[chatID]
	if !ok {
		return ErrNotFound
	}
	s.ActiveRequest = uuid.Nil
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End marks chatID's Session as ended, as driven by SessionEnd or
// transport loss.
func (m *Manager) End(chatID uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.ActiveRequest = uuid.Nil
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

// StartJanitor runs expireInactive on interval until ctx is canceled.
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

// ActiveCount returns the number of Sessions currently active.
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

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.ActiveRequest = uuid.Nil
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
