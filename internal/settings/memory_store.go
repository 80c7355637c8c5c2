package settings

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of PropertyStore
type MemoryStore struct {
	mu    sync.RWMutex
	props map[Scope]map[string]string
}

// NewMemoryStore creates a new in-memory property store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{props: make(map[Scope]map[string]string)}
}

// Properties returns a copy of the map stored for scope
func (s *MemoryStore) Properties(_ context.Context, scope Scope) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.props[scope]))
	for k, v := range s.props[scope] {
		out[k] = v
	}
	return out, nil
}

// SetProperty stores one value
func (s *MemoryStore) SetProperty(_ context.Context, scope Scope, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.props[scope]
	if m == nil {
		m = make(map[string]string)
		s.props[scope] = m
	}
	m[key] = value
	return nil
}

// RemoveProperty deletes one value
func (s *MemoryStore) RemoveProperty(_ context.Context, scope Scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.props[scope], key)
	return nil
}

// SaveProperties replaces the whole map for scope
func (s *MemoryStore) SaveProperties(_ context.Context, scope Scope, props map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := make(map[string]string, len(props))
	for k, v := range props {
		m[k] = v
	}
	s.props[scope] = m
	return nil
}

// DeleteContainer drops every map scoped to the container
func (s *MemoryStore) DeleteContainer(_ context.Context, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for scope := range s.props {
		if scope.ContainerID == containerID {
			delete(s.props, scope)
		}
	}
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }
