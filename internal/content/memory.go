package content

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// MemoryStore is an in-process Store. It backs tests and local trial runs.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int
	entities map[string]Entity
	order    []string
	down     atomic.Bool

	// FailOn, when set, is consulted before every write. A non-nil error is
	// returned to the caller instead of performing the write.
	FailOn func(op, entityType string, data map[string]any) error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: make(map[string]Entity)}
}

// SetDown makes every call fail with ErrUnavailable until reset.
func (s *MemoryStore) SetDown(down bool) {
	s.down.Store(down)
}

func (s *MemoryStore) check(op, entityType string, data map[string]any) error {
	if s.down.Load() {
		return ErrUnavailable
	}
	if s.FailOn != nil {
		return s.FailOn(op, entityType, data)
	}
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, entityType string, data map[string]any) (string, error) {
	if err := s.check("create", entityType, data); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := "e" + strconv.Itoa(s.seq)
	s.entities[id] = Entity{ID: id, Type: entityType, Data: Clone(data)}
	s.order = append(s.order, id)
	return id, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return ErrNotFound
	}
	if err := s.check("update", e.Type, data); err != nil {
		return err
	}
	merged := Clone(e.Data)
	for k, v := range data {
		merged[k] = v
	}
	e.Data = merged
	s.entities[id] = e
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return ErrNotFound
	}
	if err := s.check("delete", e.Type, e.Data); err != nil {
		return err
	}
	delete(s.entities, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Find(ctx context.Context, entityType string, query Query) ([]Entity, error) {
	if s.down.Load() {
		return nil, ErrUnavailable
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entity
	for _, id := range s.order {
		e := s.entities[id]
		if entityType != "" && e.Type != entityType {
			continue
		}
		if query.Matches(e) {
			out = append(out, Entity{ID: e.ID, Type: e.Type, Data: Clone(e.Data)})
		}
	}
	return out, nil
}

// Len returns the number of stored entities.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// All returns every entity, oldest first.
func (s *MemoryStore) All() []Entity {
	all, _ := s.Find(context.Background(), "", nil)
	return all
}
