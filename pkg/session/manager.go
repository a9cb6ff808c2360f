package session

import (
	"context"
	"sync"

	"github.com/matrixagent/matrix/pkg/protocol"
)

// Manager keeps the live sessions of one process keyed by id. Foreground
// turns are single-flight per session; different ids run in parallel.
type Manager struct {
	services *Services

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(services *Services) *Manager {
	return &Manager{
		services: services,
		sessions: make(map[string]*Session),
	}
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetOrCreate returns the live session for id, building and
// initializing one on first use.
func (m *Manager) GetOrCreate(id string, opts Options) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	s := New(id, m.services, opts)
	if err := s.Init(); err != nil {
		return nil, err
	}
	m.sessions[id] = s
	return s, nil
}

// Run executes one turn on the named session, creating it if needed.
func (m *Manager) Run(ctx context.Context, id, input string, image *protocol.ImageData, runOpts *RunOptions) (*RunResult, error) {
	s, err := m.GetOrCreate(id, Options{})
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, input, image, runOpts)
}

// Adopt registers an externally built session, typically one produced
// by Deserialize. An existing session with the same id is disconnected
// first.
func (m *Manager) Adopt(s *Session) {
	m.mu.Lock()
	old, exists := m.sessions[s.ID]
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if exists && old != s {
		old.Disconnect()
	}
}

// Remove disconnects and drops a session. Its durable history stays in
// the store.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.Disconnect()
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown disconnects every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}
}
