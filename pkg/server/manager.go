package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tinkerbay/agentd/pkg/config"
	"github.com/tinkerbay/agentd/pkg/llms"
	"github.com/tinkerbay/agentd/pkg/protocol"
)

// ErrSessionConnected rejects a second concurrent connection to a session.
var ErrSessionConnected = errors.New("session already connected")

// Manager tracks live sessions by id. A disconnected session leaves only its
// journal behind; reconnecting builds a fresh session resumed from it.
type Manager struct {
	cfg      *config.Config
	provider llms.Provider

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg *config.Config, provider llms.Provider) *Manager {
	return &Manager{
		cfg:      cfg,
		provider: provider,
		sessions: make(map[string]*Session),
	}
}

// Connect creates (or resumes) the session for id. An empty id mints a new
// session; a malformed one is rejected.
func (m *Manager) Connect(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = protocol.NewSessionID()
	} else if !protocol.IsSessionID(id) {
		return nil, fmt.Errorf("invalid session id %q", id)
	}

	m.mu.Lock()
	if _, live := m.sessions[id]; live {
		m.mu.Unlock()
		return nil, ErrSessionConnected
	}
	// Reserve the slot before the (potentially slow) session build.
	m.sessions[id] = nil
	m.mu.Unlock()

	session, err := newSession(ctx, m.cfg, m.provider, id)

	m.mu.Lock()
	if err != nil {
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, err
	}
	m.sessions[id] = session
	m.mu.Unlock()
	return session, nil
}

// Disconnect closes the session and forgets it.
func (m *Manager) Disconnect(session *Session) {
	m.mu.Lock()
	delete(m.sessions, session.ID)
	m.mu.Unlock()
	session.Close()
}

// CloseAll tears down every live session (server shutdown).
func (m *Manager) CloseAll() {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			live = append(live, s)
		}
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range live {
		s.Close()
	}
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
