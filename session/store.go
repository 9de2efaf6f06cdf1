// Package session holds the opaque backend session credential for each game.
//
// The backend is session-affine per game, not per player, so exactly one
// credential exists per game id. It is set from the backend's Set-Cookie
// headers, reset when a game is (re)started, and released when the game's
// room is torn down.
package session

import (
	"context"
	"sync"
)

// Store is the credential table shared by the gateway and the relay.
// Implementations never fail loudly: a lookup that cannot be served returns
// an empty credential.
type Store interface {
	Get(ctx context.Context, gameID string) string
	Set(ctx context.Context, gameID, credential string)
	// Reset empties the credential for gameID. Called before a game starts.
	Reset(ctx context.Context, gameID string)
	// Release forgets gameID entirely.
	Release(ctx context.Context, gameID string)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{credentials: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, gameID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentials[gameID]
}

func (s *MemoryStore) Set(_ context.Context, gameID, credential string) {
	s.mu.Lock()
	s.credentials[gameID] = credential
	s.mu.Unlock()
}

func (s *MemoryStore) Reset(_ context.Context, gameID string) {
	s.mu.Lock()
	s.credentials[gameID] = ""
	s.mu.Unlock()
}

func (s *MemoryStore) Release(_ context.Context, gameID string) {
	s.mu.Lock()
	delete(s.credentials, gameID)
	s.mu.Unlock()
}

// Len reports how many games currently have an entry, empty or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.credentials)
}
