package checkpoint

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore keeps encoded records in process memory, so a load sees the
// same precision loss as a persistent backend.
type MemoryStore struct {
	precision Precision

	mu          sync.RWMutex
	initialized bool
	payloads    map[string][]byte
	latest      string
}

func NewMemoryStore(precision Precision) *MemoryStore {
	return &MemoryStore{precision: precision}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		s.initialized = true
		s.payloads = make(map[string][]byte)
	}
	return nil
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	payload, err := Encode(rec, s.precision)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.payloads[rec.ID] = payload
	s.latest = rec.ID
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (Record, bool, error) {
	s.mu.RLock()
	payload, ok := s.payloads[id]
	s.mu.RUnlock()

	if !ok {
		return Record{}, false, nil
	}
	rec, err := Decode(payload)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *MemoryStore) Latest(ctx context.Context) (Record, bool, error) {
	s.mu.RLock()
	id := s.latest
	s.mu.RUnlock()

	if id == "" {
		return Record{}, false, nil
	}
	return s.Load(ctx, id)
}

func (s *MemoryStore) Close() error { return nil }
