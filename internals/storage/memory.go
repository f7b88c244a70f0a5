package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps room records in process memory. It backs tests and
// degraded operation when Redis is unreachable; records do not survive
// a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]RoomRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]RoomRecord)}
}

func (s *MemoryStore) Load(_ context.Context, roomID string) (*RoomRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *MemoryStore) Save(_ context.Context, roomID string, rec *RoomRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms[roomID] = *rec
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
