package imagestore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process image store used by tests and the mock
// analyzer setup. Every image exists unless Missing is populated.
type MemoryStore struct {
	mu      sync.RWMutex
	missing map[uuid.UUID]bool
	baseURL string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		missing: make(map[uuid.UUID]bool),
		baseURL: "mem://images",
	}
}

// MarkMissing makes subsequent Exists calls for imageID return false.
func (s *MemoryStore) MarkMissing(imageID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing[imageID] = true
}

func (s *MemoryStore) Exists(_ context.Context, imageID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.missing[imageID], nil
}

func (s *MemoryStore) URL(imageID uuid.UUID) string {
	return s.baseURL + "/" + imageID.String()
}

var _ Store = (*MemoryStore)(nil)
