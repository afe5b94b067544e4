package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient is the subset of the go-redis client used by RedisStorage.
type RedisClient interface {
	redis.Cmdable
	Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error
	Close() error
}

// RedisStorage keeps generations in Redis, which lets several agent processes share one cache.
// Generation names live in a sorted set scored by creation time, entries in one hash per generation.
type RedisStorage struct {
	r      RedisClient
	prefix string
}

type redisGeneration struct {
	s    *RedisStorage
	name string
}

// NewRedisStorage creates a new Redis-backed storage.
// All keys are namespaced with the given prefix.
func NewRedisStorage(r RedisClient, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "offline-cache"
	}
	return &RedisStorage{r: r, prefix: prefix}
}

func (s *RedisStorage) generationsKey() string {
	return s.prefix + ":generations"
}

func (s *RedisStorage) entriesKey(name string) string {
	return s.prefix + ":generation:" + name
}

func (s *RedisStorage) Open(ctx context.Context, name string) (Generation, error) {
	err := s.r.ZAddNX(ctx, s.generationsKey(), &redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: name,
	}).Err()
	if err != nil {
		return nil, err
	}
	return &redisGeneration{s: s, name: name}, nil
}

func (s *RedisStorage) Get(ctx context.Context, name string) (Generation, bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return &redisGeneration{s: s, name: name}, true, nil
}

func (s *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := s.r.ZScore(ctx, s.generationsKey(), name).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	return s.r.ZRange(ctx, s.generationsKey(), 0, -1).Result()
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.r.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.generationsKey(), name)
		pipe.Del(ctx, s.entriesKey(name))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *RedisStorage) Close() error {
	return s.r.Close()
}

func (g *redisGeneration) Name() string {
	return g.name
}

func (g *redisGeneration) Match(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := g.s.r.HGet(ctx, g.s.entriesKey(g.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (g *redisGeneration) Put(ctx context.Context, key string, bytes []byte) error {
	return g.PutAll(ctx, []Entry{{Key: key, Bytes: bytes}})
}

// number of attempts when the generation index changes during a write
const redisPutRetries = 3

// PutAll writes the entries in a transaction that watches the generation index,
// so a concurrent Delete either happens before (ErrGenerationDeleted) or after the write.
func (g *redisGeneration) PutAll(ctx context.Context, entries []Entry) error {
	values := make([]interface{}, 0, 2*len(entries))
	for _, e := range entries {
		values = append(values, e.Key, e.Bytes)
	}
	put := func(tx *redis.Tx) error {
		err := tx.ZScore(ctx, g.s.generationsKey(), g.name).Err()
		if errors.Is(err, redis.Nil) {
			return ErrGenerationDeleted
		} else if err != nil {
			return err
		}
		if len(values) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, g.s.entriesKey(g.name), values...)
			return nil
		})
		return err
	}
	var err error
	for i := 0; i < redisPutRetries; i++ {
		err = g.s.r.Watch(ctx, put, g.s.generationsKey())
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (g *redisGeneration) Keys(ctx context.Context) ([]string, error) {
	return g.s.r.HKeys(ctx, g.s.entriesKey(g.name)).Result()
}

func (g *redisGeneration) Delete(ctx context.Context, key string) (bool, error) {
	n, err := g.s.r.HDel(ctx, g.s.entriesKey(g.name), key).Result()
	return n > 0, err
}
