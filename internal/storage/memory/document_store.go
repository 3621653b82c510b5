package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
)

// DocumentStore keeps state documents in a map. It survives a StateManager
// restart within one process, which is all tests need.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
	// writes counts WriteDocument calls per document.
	writes map[string]int
}

// NewDocumentStore creates an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs:   make(map[string][]byte),
		writes: make(map[string]int),
	}
}

// ReadDocument returns a copy of the document or collector.ErrDocumentNotFound.
func (s *DocumentStore) ReadDocument(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.docs[name]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", name, collector.ErrDocumentNotFound)
	}
	return append([]byte(nil), data...), nil
}

// WriteDocument replaces the document.
func (s *DocumentStore) WriteDocument(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = append([]byte(nil), data...)
	s.writes[name]++
	return nil
}

// Writes reports how many times name has been written.
func (s *DocumentStore) Writes(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[name]
}
