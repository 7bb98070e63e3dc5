// Package state persists agent session state between worker generations.
package state

import (
	"sync"

	"github.com/haasonsaas/agentd/internal/agent"
)

// Store is the pluggable persistence interface, keyed by agent name.
// Load returns nil for an unknown agent. Save is called after every
// successful turn and on agent deletion; Load when an agent is recreated
// within the same daemon generation.
type Store interface {
	Load(agentName string) (*agent.SessionState, error)
	Save(agentName string, st *agent.SessionState) error
	Delete(agentName string) error
}

// MemoryStore is the default in-memory implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*agent.SessionState
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*agent.SessionState)}
}

func (s *MemoryStore) Load(agentName string) (*agent.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[agentName].Clone(), nil
}

func (s *MemoryStore) Save(agentName string, st *agent.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[agentName] = st.Clone()
	return nil
}

func (s *MemoryStore) Delete(agentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, agentName)
	return nil
}
