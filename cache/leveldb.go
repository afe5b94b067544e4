package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key layout:
//
//	g:<generation>            -> gob(generationMeta)
//	e:<generation>\x00<key>   -> snapshot bytes
const (
	levelGenPrefix   = "g:"
	levelEntryPrefix = "e:"
	levelSeparator   = "\x00"
)

type generationMeta struct {
	CreatedAt int64 // unix nanoseconds
}

type LevelDBStorage struct {
	db *leveldb.DB
	// serializes generation create/delete against entry writes
	mu          *sync.Mutex
	lastCreated *int64
}

type levelGeneration struct {
	s    LevelDBStorage
	name string
}

// NewLevelDBStorage opens (or creates) a LevelDB database in the given directory.
func NewLevelDBStorage(path string) (LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return LevelDBStorage{}, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return LevelDBStorage{db: db, mu: &sync.Mutex{}, lastCreated: new(int64)}, nil
}

func genKey(name string) []byte {
	return []byte(levelGenPrefix + name)
}

func entryPrefix(name string) []byte {
	return []byte(levelEntryPrefix + name + levelSeparator)
}

func entryKey(name, key string) []byte {
	return append(entryPrefix(name), key...)
}

func (s LevelDBStorage) Open(ctx context.Context, name string) (Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.db.Has(genKey(name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		created := time.Now().UnixNano()
		if created <= *s.lastCreated {
			created = *s.lastCreated + 1
		}
		*s.lastCreated = created
		b, err := encodeGob(generationMeta{CreatedAt: created})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put(genKey(name), b, nil); err != nil {
			return nil, err
		}
	}
	return levelGeneration{s: s, name: name}, nil
}

func (s LevelDBStorage) Get(ctx context.Context, name string) (Generation, bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return levelGeneration{s: s, name: name}, true, nil
}

func (s LevelDBStorage) Has(ctx context.Context, name string) (bool, error) {
	return s.db.Has(genKey(name), nil)
}

func (s LevelDBStorage) Keys(ctx context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelGenPrefix)), nil)
	defer it.Release()

	type gen struct {
		name string
		meta generationMeta
	}
	gens := make([]gen, 0)
	for it.Next() {
		var meta generationMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		name := string(bytes.TrimPrefix(it.Key(), []byte(levelGenPrefix)))
		gens = append(gens, gen{name, meta})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(gens, func(i, j int) bool {
		return gens[i].meta.CreatedAt < gens[j].meta.CreatedAt
	})
	names := make([]string, len(gens))
	for i, g := range gens {
		names[i] = g.name
	}
	return names, nil
}

func (s LevelDBStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.db.Has(genKey(name), nil)
	if err != nil || !ok {
		return false, err
	}
	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(genKey(name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s LevelDBStorage) Close() error {
	return s.db.Close()
}

func (g levelGeneration) Name() string {
	return g.name
}

func (g levelGeneration) Match(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := g.s.db.Get(entryKey(g.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (g levelGeneration) Put(ctx context.Context, key string, bytes []byte) error {
	return g.PutAll(ctx, []Entry{{Key: key, Bytes: bytes}})
}

func (g levelGeneration) PutAll(ctx context.Context, entries []Entry) error {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	ok, err := g.s.db.Has(genKey(g.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGenerationDeleted
	}
	batch := new(leveldb.Batch)
	for _, e := range entries {
		batch.Put(entryKey(g.name, e.Key), e.Bytes)
	}
	return g.s.db.Write(batch, nil)
}

func (g levelGeneration) Keys(ctx context.Context) ([]string, error) {
	prefix := entryPrefix(g.name)
	it := g.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return keys, it.Error()
}

func (g levelGeneration) Delete(ctx context.Context, key string) (bool, error) {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	k := entryKey(g.name, key)
	ok, err := g.s.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	return true, g.s.db.Delete(k, nil)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
