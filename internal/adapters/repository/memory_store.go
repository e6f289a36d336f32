package repository

import (
	"context"
	"sync"

	"github.com/khunghaydien/sellbridge-backend/internal/core/ports"
)

// Ensure MemoryTokenStore implements PageTokenStore
var _ ports.PageTokenStore = (*MemoryTokenStore)(nil)

// MemoryTokenStore keeps page tokens for the process lifetime.
// Used when neither MariaDB nor Redis is configured.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewMemoryTokenStore creates an empty store
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]string)}
}

func (m *MemoryTokenStore) GetPageAccessToken(_ context.Context, pageID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.tokens[pageID]
	if !ok {
		return "", ports.ErrTokenNotFound
	}
	return token, nil
}

func (m *MemoryTokenStore) PutPageAccessToken(_ context.Context, pageID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[pageID] = token
	return nil
}

func (m *MemoryTokenStore) DeactivatePage(_ context.Context, pageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, pageID)
	return nil
}
