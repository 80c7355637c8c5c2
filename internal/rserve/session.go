package rserve

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned for an expired or unknown session id
var ErrSessionNotFound = errors.New("rserve: session not found")

// Conn is the part of a connection shared through sessions
type Conn interface {
	Eval(ctx context.Context, expr string) (interface{}, error)
	Close() error
}

// DialFunc opens a new connection
type DialFunc func(ctx context.Context) (Conn, error)

// SessionInfo describes a shared session
type SessionInfo struct {
	ID        string    `json:"id"`
	RefCount  int       `json:"refCount"`
	CreatedAt time.Time `json:"createdAt"`
}

type session struct {
	conn    Conn
	refs    int
	created time.Time
}

// SessionManager shares named connections across report executions.
// Every Acquire must be matched by a Release. The connection is closed
// when the count reaches zero.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session
	dial     DialFunc
	logger   *slog.Logger
}

// NewSessionManager creates a session registry that opens connections with dial
func NewSessionManager(dial DialFunc, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions: make(map[string]*session),
		dial:     dial,
		logger:   logger.With(slog.String("component", "rserve_sessions")),
	}
}

// Create opens a connection and registers it. The creator holds one reference.
func (m *SessionManager) Create(ctx context.Context) (string, error) {
	conn, err := m.dial(ctx)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	m.mu.Lock()
	m.sessions[id] = &session{conn: conn, refs: 1, created: time.Now()}
	m.mu.Unlock()

	m.logger.Info("Created R session", slog.String("session_id", id))
	return id, nil
}

// Acquire takes a reference on a session and returns its connection
func (m *SessionManager) Acquire(id string) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.refs++
	return s.conn, nil
}

// Release drops a reference and closes the session when none remain
func (m *SessionManager) Release(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	s.refs--
	if s.refs > 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.logger.Info("Closing R session", slog.String("session_id", id))
	return s.conn.Close()
}

// Close removes a session regardless of outstanding references
func (m *SessionManager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	return s.conn.Close()
}

// CloseAll closes every session
func (m *SessionManager) CloseAll() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns the open sessions ordered by creation time
func (m *SessionManager) List() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SessionInfo, 0, len(m.sessions))
	for id, s := range m.sessions {
		out = append(out, SessionInfo{ID: id, RefCount: s.refs, CreatedAt: s.created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
