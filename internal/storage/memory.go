package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemoryDB implements DB using an in-memory map. Used by tests.
type MemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates a new in-memory database.
func NewMemory() *MemoryDB {
	return &MemoryDB{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key.
func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Put stores a key-value pair.
func (m *MemoryDB) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}

// Delete removes a key.
func (m *MemoryDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

// Has checks if a key exists.
func (m *MemoryDB) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

// ForEach iterates over all keys with the given prefix in ascending key
// order, matching badger's iteration order.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.RLock()
	p := string(prefix)
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	snapshot := make([][]byte, len(keys))
	for i, k := range keys {
		snapshot[i] = m.data[k]
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := fn([]byte(k), snapshot[i]); err != nil {
			return err
		}
	}
	return nil
}

// Update runs fn against a staged view of the map; writes are applied
// only when fn returns nil, mirroring badger's transaction semantics.
func (m *MemoryDB) Update(fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stage := &memoryTx{
		db:      m,
		writes:  make(map[string][]byte),
		deletes: make(map[string]bool),
	}
	if err := fn(stage); err != nil {
		return err
	}
	for k, v := range stage.writes {
		m.data[k] = v
	}
	for k := range stage.deletes {
		delete(m.data, k)
	}
	return nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	return nil
}

// memoryTx buffers writes until the Update callback succeeds.
// Callers already hold the database lock.
type memoryTx struct {
	db      *MemoryDB
	writes  map[string][]byte
	deletes map[string]bool
}

func (t *memoryTx) Get(key []byte) ([]byte, error) {
	k := string(key)
	if t.deletes[k] {
		return nil, ErrNotFound
	}
	if v, ok := t.writes[k]; ok {
		return v, nil
	}
	v, ok := t.db.data[k]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (t *memoryTx) Put(key, value []byte) error {
	k := string(key)
	delete(t.deletes, k)
	t.writes[k] = value
	return nil
}

func (t *memoryTx) Delete(key []byte) error {
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = true
	return nil
}

func (t *memoryTx) Has(key []byte) (bool, error) {
	_, err := t.Get(key)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
