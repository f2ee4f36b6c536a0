// ABOUTME: Session store for bot state keyed by client address
// ABOUTME: In-memory cache in front of the persisted Client.ConversationState

package bot

import "sync"

// SessionStore holds the current bot state per client address. Callers
// serialize access per address; implementations only need to be safe for
// concurrent use across different addresses.
type SessionStore interface {
	Get(address string) (State, bool)
	Set(address string, state State)
	Clear(address string)
}

// MemorySessions is a process-local SessionStore.
type MemorySessions struct {
	mu       sync.RWMutex
	sessions map[string]State
}

// NewMemorySessions creates an empty session store.
func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[string]State)}
}

// Get returns the cached state for address.
func (m *MemorySessions) Get(address string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[address]
	return st, ok
}

// Set caches state for address.
func (m *MemorySessions) Set(address string, state State) {
	m.mu.Lock()
	m.sessions[address] = state
	m.mu.Unlock()
}

// Clear drops the cached state for address.
func (m *MemorySessions) Clear(address string) {
	m.mu.Lock()
	delete(m.sessions, address)
	m.mu.Unlock()
}

// Len returns the number of cached sessions.
func (m *MemorySessions) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CurrentState returns the state for address from sessions, falling back to
// the persisted value and caching it. repaired is true when the persisted
// value was not a known state and was replaced by StateWelcome.
func CurrentState(sessions SessionStore, address, persisted string) (state State, repaired bool) {
	if st, ok := sessions.Get(address); ok {
		return st, false
	}
	st, ok := ParseState(persisted)
	sessions.Set(address, st)
	return st, !ok
}

var _ SessionStore = (*MemorySessions)(nil)
