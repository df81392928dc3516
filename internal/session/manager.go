// Package session tracks the capture decode sessions of a running server,
// providing create/remove/list operations used by the ingest layer and the
// REST API.
package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/usbtrace/internal/pipe"
	"github.com/zsiec/usbtrace/internal/pipeline"
)

// Session is one capture being decoded.
type Session struct {
	ID        string
	Key       string
	StartedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	pipeline *pipeline.Pipeline
	pipes    []pipe.Key
}

// Info is the JSON summary of a session.
type Info struct {
	ID        string             `json:"id"`
	Key       string             `json:"key"`
	StartedAt int64              `json:"startedAt"`
	Pipes     []string           `json:"pipes"`
	Stats     *pipeline.Snapshot `json:"stats,omitempty"`
}

// SetPipeline attaches the decoder whose counters the session reports.
func (s *Session) SetPipeline(p *pipeline.Pipeline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline = p
}

// NotePipe records a discovered pipe. It is meant to be called from the
// pipeline's OnPipe callback, which runs on the decode goroutine.
func (s *Session) NotePipe(address, endpoint uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipes = append(s.pipes, pipe.Key{Address: address, Endpoint: endpoint})
}

// Done is closed when the session is removed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:        s.ID,
		Key:       s.Key,
		StartedAt: s.StartedAt.UnixMilli(),
		Pipes:     make([]string, len(s.pipes)),
	}
	for i, k := range s.pipes {
		info.Pipes[i] = k.String()
	}
	if s.pipeline != nil {
		snap := s.pipeline.Snapshot()
		info.Stats = &snap
	}
	return info
}

// Manager manages the lifecycle of active sessions.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a new session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session. Returns the session and true if created,
// or nil and false if a session with this key already exists.
func (m *Manager) Create(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	s := &Session{
		ID:        uuid.NewString(),
		Key:       key,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	m.sessions[key] = s
	m.log.Info("session created", "key", key, "id", s.ID)
	return s, true
}

// Remove removes a session from the manager.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("session removed", "key", key, "id", s.ID)
	}
}

// Get returns the session for key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Lookup finds a session by key or by id.
func (m *Manager) Lookup(keyOrID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[keyOrID]; ok {
		return s, nil
	}
	if _, err := uuid.Parse(keyOrID); err == nil {
		for _, s := range m.sessions {
			if s.ID == keyOrID {
				return s, nil
			}
		}
	}
	return nil, fmt.Errorf("capture %q not found", keyOrID)
}

// List returns all active sessions sorted by key.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Key < sessions[j].Key })
	return sessions
}

// Infos returns the summary of every active session, sorted by key.
func (m *Manager) Infos() []Info {
	sessions := m.List()
	out := make([]Info, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	return out
}
