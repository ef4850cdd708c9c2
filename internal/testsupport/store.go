package testsupport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/book-expert/stream-worker/internal/core"
)

// MemoryObjectStore is a concurrency-safe in-memory core.ObjectStore that
// records every write.
type MemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string]core.Object
	puts    []string
	// PutErr, when set, is returned by every write.
	PutErr error
}

// NewMemoryObjectStore returns an empty store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: map[string]core.Object{}}
}

// Download implements core.ObjectStore.
func (m *MemoryObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	object, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("download %s: %w", key, core.ErrObjectNotFound)
	}

	return append([]byte(nil), object.Data...), nil
}

// Put implements core.ObjectStore.
func (m *MemoryObjectStore) Put(_ context.Context, object core.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PutErr != nil {
		return m.PutErr
	}

	object.Data = append([]byte(nil), object.Data...)
	m.objects[object.Key] = object
	m.puts = append(m.puts, object.Key)

	return nil
}

// Exists implements core.ObjectStore.
func (m *MemoryObjectStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.objects[key]

	return ok, nil
}

// List implements core.ObjectStore.
func (m *MemoryObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.objects))
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			names = append(names, key)
		}
	}

	sort.Strings(names)

	return names, nil
}

// Object returns a stored object and whether it exists.
func (m *MemoryObjectStore) Object(key string) (core.Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	object, ok := m.objects[key]

	return object, ok
}

// Puts returns the keys written, in write order.
func (m *MemoryObjectStore) Puts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.puts...)
}

type memoryEntry struct {
	value    []byte
	revision uint64
}

// MemoryKeyValue is a concurrency-safe in-memory core.KeyValue with the same
// revision semantics as a JetStream bucket.
type MemoryKeyValue struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	sequence uint64
}

// NewMemoryKeyValue returns an empty bucket.
func NewMemoryKeyValue() *MemoryKeyValue {
	return &MemoryKeyValue{entries: map[string]memoryEntry{}}
}

// Get implements core.KeyValue.
func (m *MemoryKeyValue) Get(_ context.Context, key string) (core.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return core.Entry{}, fmt.Errorf("get %s: %w", key, core.ErrKeyNotFound)
	}

	return core.Entry{Value: append([]byte(nil), entry.value...), Revision: entry.revision}, nil
}

// Create implements core.KeyValue.
func (m *MemoryKeyValue) Create(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		return 0, fmt.Errorf("create %s: %w", key, core.ErrKeyExists)
	}

	return m.store(key, value), nil
}

// Update implements core.KeyValue.
func (m *MemoryKeyValue) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || entry.revision != revision {
		return 0, fmt.Errorf("update %s: %w", key, core.ErrRevisionMismatch)
	}

	return m.store(key, value), nil
}

// Put implements core.KeyValue.
func (m *MemoryKeyValue) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.store(key, value), nil
}

// Delete implements core.KeyValue.
func (m *MemoryKeyValue) Delete(_ context.Context, key string, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || entry.revision != revision {
		return fmt.Errorf("delete %s: %w", key, core.ErrRevisionMismatch)
	}

	delete(m.entries, key)

	return nil
}

// Keys implements core.KeyValue.
func (m *MemoryKeyValue) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys, nil
}

func (m *MemoryKeyValue) store(key string, value []byte) uint64 {
	m.sequence++
	m.entries[key] = memoryEntry{value: append([]byte(nil), value...), revision: m.sequence}

	return m.sequence
}
