package pipeline

import (
	"context"
	"sync"
)

// MemoryVectorStore is an in-process VectorStore keyed by chunk ID. Upserts
// with an already-present ID replace the stored chunk, so re-runs over
// unchanged documents never grow the store. Used by tests and dry runs.
type MemoryVectorStore struct {
	mu     sync.RWMutex
	chunks map[string]Chunk
}

// NewMemoryVectorStore creates an empty in-memory store
func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{chunks: make(map[string]Chunk)}
}

// Upsert stores chunks idempotently by ID
func (s *MemoryVectorStore) Upsert(ctx context.Context, chunks []Chunk, projectID, modelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	return nil
}

// Len returns the number of distinct chunks stored
func (s *MemoryVectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

var _ VectorStore = (*MemoryVectorStore)(nil)
