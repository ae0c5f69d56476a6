package auditlog

import (
	"context"
	"sync"
)

// Store persists trails. Implementations only append: there is no update
// or delete. Append must fail with ErrConflict when e does not directly
// extend the stored head of its trail.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Load(ctx context.Context, signatureID string) ([]Event, error)
	Head(ctx context.Context, signatureID string) (*Event, error)
	Close() error
}

// MemoryStore keeps trails in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	trails map[string][]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trails: make(map[string][]Event)}
}

func (s *MemoryStore) Append(ctx context.Context, e *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	trail := s.trails[e.SignatureID]
	if !extends(trail, e) {
		return ErrConflict
	}
	s.trails[e.SignatureID] = append(trail, e.clone())
	return nil
}

func extends(trail []Event, e *Event) bool {
	if len(trail) == 0 {
		return e.Sequence == 1 && e.PreviousHash == ""
	}
	head := trail[len(trail)-1]
	return e.Sequence == head.Sequence+1 && e.PreviousHash == head.Hash
}

func (s *MemoryStore) Load(ctx context.Context, signatureID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trail := s.trails[signatureID]
	out := make([]Event, len(trail))
	for i, e := range trail {
		out[i] = e.clone()
	}
	return out, nil
}

func (s *MemoryStore) Head(ctx context.Context, signatureID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trail := s.trails[signatureID]
	if len(trail) == 0 {
		return nil, nil
	}
	e := trail[len(trail)-1].clone()
	return &e, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
