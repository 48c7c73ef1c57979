package rbac

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// RedisStore adapts a go-redis client to CacheStore. INCR is atomic across processes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

type localEntry struct {
	value     string
	expiresAt time.Time
}

func (e localEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// LocalStore is an in-process CacheStore for single-node deployments.
// Cached results live in a bounded LRU; version counters are kept outside it
// so eviction can never roll a user's version back.
type LocalStore struct {
	mu       sync.Mutex
	entries  *lru.Cache[string, localEntry]
	counters map[string]localEntry
	now      func() time.Time
}

// NewLocalStore builds a LocalStore holding at most size cached results.
func NewLocalStore(size int) (*LocalStore, error) {
	if size <= 0 {
		size = 10000
	}
	entries, err := lru.New[string, localEntry](size)
	if err != nil {
		return nil, fmt.Errorf("rbac: local cache: %w", err)
	}
	return &LocalStore{entries: entries, counters: make(map[string]localEntry), now: time.Now}, nil
}

func (s *LocalStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.counters[key]; ok {
		if e.expired(now) {
			delete(s.counters, key)
			return "", false, nil
		}
		return e.value, true, nil
	}
	e, ok := s.entries.Get(key)
	if !ok {
		return "", false, nil
	}
	if e.expired(now) {
		s.entries.Remove(key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *LocalStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := localEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	if _, ok := s.counters[key]; ok {
		s.counters[key] = e
		return nil
	}
	s.entries.Add(key, e)
	return nil
}

func (s *LocalStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.counters[key]
	if !ok {
		if cached, found := s.entries.Get(key); found {
			e, ok = cached, true
			s.entries.Remove(key)
		}
	}
	var current int64
	if ok && !e.expired(now) {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("rbac: value at %s is not an integer", key)
		}
		current = v
	} else {
		e = localEntry{}
	}
	current++
	e.value = strconv.FormatInt(current, 10)
	s.counters[key] = e
	return current, nil
}

var (
	_ CacheStore = (*RedisStore)(nil)
	_ CacheStore = (*LocalStore)(nil)
)
