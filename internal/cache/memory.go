package cache

import (
	"context"
	"strings"
	"sync"
)

type memoryTier struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory builds the in-process tier. Entries outlive their TTL; the store
// classifies them as stale and the entity layer decides when a stale value may
// still serve. Removal happens only through overwrite, delete, or clear.
func NewMemory() Tier {
	return &memoryTier{entries: make(map[string]Entry)}
}

func (m *memoryTier) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (m *memoryTier) Put(_ context.Context, key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry
	return nil
}

func (m *memoryTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memoryTier) DeleteByPrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *memoryTier) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]Entry)
	return nil
}

func (m *memoryTier) Size(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}

func (m *memoryTier) Close(context.Context) error {
	return nil
}
