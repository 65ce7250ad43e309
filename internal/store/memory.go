package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps the snapshot in process memory, for tests and for runs
// that accept losing state on exit
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	snap.Version = snapshotVersion
	snap.SavedAt = time.Now()

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(s.data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
