package snapshot

import (
	"context"
	"errors"
	"sync"
)

// Store persists project file snapshots keyed by chat id. A snapshot is the
// serialized file set of a session, written when a deploy sync fails (so the
// files can be retried) and read by the export endpoint.
type Store interface {
	Put(ctx context.Context, chatID string, data []byte) error
	Get(ctx context.Context, chatID string) ([]byte, error)
}

var ErrNotFound = errors.New("snapshot not found")

// MemoryStore keeps snapshots in process memory, for local runs and tests.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, chatID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[chatID] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, chatID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.byID[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}
