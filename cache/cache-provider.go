package cache

import (
	"context"
	"errors"
	"sync"
)

// ErrGenerationDeleted is returned when writing into a generation that
// has been deleted from its storage after it was opened.
var ErrGenerationDeleted = errors.New("cache: generation deleted")

// Storage is the process-wide cache storage.
// It holds named generations, each of which maps request keys to
// serialized response snapshots. A generation is only ever removed as a whole.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the generation with the given name, creating it if absent.
	Open(ctx context.Context, name string) (Generation, error)
	// Get returns the generation with the given name without creating it.
	Get(ctx context.Context, name string) (Generation, bool, error)
	// Has reports whether a generation with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Keys returns the names of all generations in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the generation and all of its entries.
	// It reports whether the generation existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Close releases the underlying resources.
	Close() error
}

// Generation is a single named cache generation.
type Generation interface {
	// Name returns the generation name (the agent version identifier).
	Name() string
	// Match returns the stored bytes for the key, if present.
	Match(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores the bytes under the key, replacing any previous value.
	Put(ctx context.Context, key string, bytes []byte) error
	// PutAll stores all entries at once. Either all of them are written or none are.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys returns all keys stored in the generation.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes a single entry. It reports whether the entry existed.
	Delete(ctx context.Context, key string) (bool, error)
}

type Entry struct {
	Key   string
	Bytes []byte
}

// Match looks the key up in every generation of the storage and returns the first hit.
// The preferred generation, if it exists, is searched first; the others follow in creation order.
func Match(ctx context.Context, s Storage, preferred, key string) ([]byte, bool, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, false, err
	}
	ordered := make([]string, 0, len(names))
	for _, name := range names {
		if name == preferred {
			ordered = append([]string{name}, ordered...)
		} else {
			ordered = append(ordered, name)
		}
	}
	for _, name := range ordered {
		// a generation deleted since Keys is skipped, never recreated
		gen, ok, err := s.Get(ctx, name)
		if err != nil {
			return nil, false, err
		} else if !ok {
			continue
		}
		if b, ok, err := gen.Match(ctx, key); err != nil {
			return nil, false, err
		} else if ok {
			return b, true, nil
		}
	}
	return nil, false, nil
}

type memGeneration struct {
	storage *MemStorage
	name    string
	entries map[string][]byte
}

// MemStorage keeps all generations in process memory.
type MemStorage struct {
	mutex *sync.RWMutex
	order []string
	db    map[string]*memGeneration
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex: &sync.RWMutex{},
		db:    make(map[string]*memGeneration),
	}
}

func (m *MemStorage) Open(ctx context.Context, name string) (Generation, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if gen, ok := m.db[name]; ok {
		return gen, nil
	}
	gen := &memGeneration{storage: m, name: name, entries: make(map[string][]byte)}
	m.db[name] = gen
	m.order = append(m.order, name)
	return gen, nil
}

func (m *MemStorage) Get(ctx context.Context, name string) (Generation, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if gen, ok := m.db[name]; ok {
		return gen, true, nil
	}
	return nil, false, nil
}

func (m *MemStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[name]
	return ok, nil
}

func (m *MemStorage) Keys(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, len(m.order))
	copy(keys, m.order)
	return keys, nil
}

func (m *MemStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[name]; !ok {
		return false, nil
	}
	delete(m.db, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Close() error {
	return nil
}

func (g *memGeneration) Name() string {
	return g.name
}

// live reports whether the generation is still attached to its storage.
// Callers must hold the storage mutex.
func (g *memGeneration) live() bool {
	return g.storage.db[g.name] == g
}

func (g *memGeneration) Match(ctx context.Context, key string) ([]byte, bool, error) {
	g.storage.mutex.RLock()
	defer g.storage.mutex.RUnlock()
	b, ok := g.entries[key]
	return b, ok, nil
}

func (g *memGeneration) Put(ctx context.Context, key string, bytes []byte) error {
	g.storage.mutex.Lock()
	defer g.storage.mutex.Unlock()
	if !g.live() {
		return ErrGenerationDeleted
	}
	g.entries[key] = bytes
	return nil
}

func (g *memGeneration) PutAll(ctx context.Context, entries []Entry) error {
	g.storage.mutex.Lock()
	defer g.storage.mutex.Unlock()
	if !g.live() {
		return ErrGenerationDeleted
	}
	for _, e := range entries {
		g.entries[e.Key] = e.Bytes
	}
	return nil
}

func (g *memGeneration) Keys(ctx context.Context) ([]string, error) {
	g.storage.mutex.RLock()
	defer g.storage.mutex.RUnlock()
	keys := make([]string, 0, len(g.entries))
	for key := range g.entries {
		keys = append(keys, key)
	}
	return keys, nil
}

func (g *memGeneration) Delete(ctx context.Context, key string) (bool, error) {
	g.storage.mutex.Lock()
	defer g.storage.mutex.Unlock()
	_, ok := g.entries[key]
	delete(g.entries, key)
	return ok, nil
}
