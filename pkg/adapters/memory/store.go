package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/template"
)

// Store implements ports.TemplateStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[int]template.Descriptor
	mu   sync.RWMutex
}

// NewStore creates a new in-memory store, optionally seeded with descriptors.
func NewStore(seed ...template.Descriptor) *Store {
	s := &Store{
		data: make(map[int]template.Descriptor),
	}
	for _, d := range seed {
		s.data[d.ID] = d.Clone()
	}
	return s
}

// Save stores a copy of the descriptor.
func (s *Store) Save(ctx context.Context, d template.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[d.ID] = d.Clone()
	return nil
}

// Load retrieves a copy of the descriptor so callers can't mutate the store.
func (s *Store) Load(ctx context.Context, id int) (template.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.data[id]
	if !ok {
		return template.Descriptor{}, fmt.Errorf("template %d: %w", id, domain.ErrTemplateNotFound)
	}
	return d.Clone(), nil
}

// Delete removes the descriptor.
func (s *Store) Delete(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

// List returns every descriptor ordered by id.
func (s *Store) List(ctx context.Context) ([]template.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]template.Descriptor, 0, len(s.data))
	for _, id := range slices.Sorted(maps.Keys(s.data)) {
		out = append(out, s.data[id].Clone())
	}
	return out, nil
}
