package mergestore

import (
	"context"
	"encoding/json"
	"sync"
)

type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]json.RawMessage
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]json.RawMessage)}
}

func (m *MemoryStorage) Load(_ context.Context, name string) ([]json.RawMessage, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneRecords(m.data[name]), nil
}

func (m *MemoryStorage) Save(_ context.Context, name string, records []json.RawMessage) error {
	if err := checkName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = cloneRecords(records)
	return nil
}
