// Package cache provides explicitly owned expiring caches. Callers construct
// an instance and inject it; there is no process-wide cache.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/redis"

	"github.com/pkg/errors"
)

// DefaultTTL applies when Set is called with a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// Cache stores string values under string keys until they expire.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// New builds the cache named by cfg.BasicConfig.CacheBackend.
func New(cfg *config.Config) (Cache, func() error, error) {
	switch strings.ToLower(cfg.BasicConfig.CacheBackend) {
	case "", "memory":
		return NewMemory[string](), func() error { return nil }, nil
	case "redis":
		client, err := redis.NewRedisClient(cfg)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open redis cache")
		}
		return NewRedis(client), client.Close, nil
	default:
		return nil, nil, errors.Errorf("unsupported cache backend: %s", cfg.BasicConfig.CacheBackend)
	}
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Memory is an in-process cache. Expired entries are dropped lazily on
// access and by Sweep.
type Memory[V any] struct {
	mu    sync.Mutex
	items map[string]entry[V]
	now   func() time.Time
}

func NewMemory[V any]() *Memory[V] {
	return &Memory[V]{items: make(map[string]entry[V]), now: time.Now}
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero V
	it, ok := m.items[key]
	if !ok {
		return zero, false, nil
	}
	if m.now().After(it.expiresAt) {
		delete(m.items, key)
		return zero, false, nil
	}
	return it.value, true, nil
}

func (m *Memory[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	m.items[key] = entry[V]{value: value, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// GetOrSet returns the live value for key, storing the result of create when
// there is none. The ttl is refreshed on every call.
func (m *Memory[V]) GetOrSet(key string, ttl time.Duration, create func() V) V {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	it, ok := m.items[key]
	if !ok || now.After(it.expiresAt) {
		it = entry[V]{value: create()}
	}
	it.expiresAt = now.Add(ttl)
	m.items[key] = it
	return it.value
}

func (m *Memory[V]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Clear drops every entry.
func (m *Memory[V]) Clear() {
	m.mu.Lock()
	m.items = make(map[string]entry[V])
	m.mu.Unlock()
}

// Sweep removes expired entries and returns how many were dropped.
func (m *Memory[V]) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, it := range m.items {
		if now.After(it.expiresAt) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// Len counts entries, including expired ones not yet swept.
func (m *Memory[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Redis keeps values in redis with native expiry.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, "cache:"+key)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "cache get %s", key)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := r.client.Set(ctx, "cache:"+key, value, ttl); err != nil {
		return errors.Wrapf(err, "cache set %s", key)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, "cache:"+key); err != nil {
		return errors.Wrapf(err, "cache delete %s", key)
	}
	return nil
}
