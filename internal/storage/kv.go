package storage

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/redis"

	"github.com/pkg/errors"
)

// ErrKeyNotFound is returned by Get for a key that was never written or was deleted.
var ErrKeyNotFound = errors.New("key not found")

// KV is the durable key-value storage behind the chat store.
// Values are opaque bytes; callers own the encoding.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// NewKV opens the backend named by cfg.Storage.Driver.
func NewKV(cfg *config.Config) (KV, error) {
	driver := strings.ToLower(cfg.Storage.Driver)
	switch driver {
	case "memory":
		return NewMemoryKV(), nil
	case "redis":
		client, err := redis.NewRedisClient(cfg)
		if err != nil {
			return nil, errors.Wrap(err, "open redis storage")
		}
		return NewRedisKV(client), nil
	case "sqlite", "sqlite3", "mysql", "postgres", "pgx":
		db, err := Open(driver, cfg)
		if err != nil {
			return nil, err
		}
		if err := Migrate(db, driver); err != nil {
			db.Close()
			return nil, err
		}
		return NewSQLKV(db, driver), nil
	default:
		return nil, errors.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
}

// SQLKV stores keys in the kv table created by Migrate.
type SQLKV struct {
	db         *sql.DB
	getStmt    string
	setStmt    string
	deleteStmt string
}

// NewSQLKV wraps an already migrated database.
func NewSQLKV(db *sql.DB, driver string) *SQLKV {
	kv := &SQLKV{db: db}
	switch strings.ToLower(driver) {
	case "mysql":
		kv.getStmt = `SELECT v FROM kv WHERE k = ?`
		kv.setStmt = `INSERT INTO kv (k, v, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE v = VALUES(v), updated_at = VALUES(updated_at)`
		kv.deleteStmt = `DELETE FROM kv WHERE k = ?`
	case "postgres", "pgx":
		kv.getStmt = `SELECT v FROM kv WHERE k = $1`
		kv.setStmt = `INSERT INTO kv (k, v, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, updated_at = EXCLUDED.updated_at`
		kv.deleteStmt = `DELETE FROM kv WHERE k = $1`
	default:
		kv.getStmt = `SELECT v FROM kv WHERE k = ?`
		kv.setStmt = `INSERT INTO kv (k, v, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`
		kv.deleteStmt = `DELETE FROM kv WHERE k = ?`
	}
	return kv
}

func (s *SQLKV) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, s.getStmt, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, errors.Wrapf(err, "get %s", key)
	}
	return v, nil
}

func (s *SQLKV) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, s.setStmt, key, value, time.Now().UTC()); err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	return nil
}

func (s *SQLKV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.deleteStmt, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

func (s *SQLKV) Close() error {
	return s.db.Close()
}

// RedisKV keeps keys in redis without expiry.
type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return nil, ErrKeyNotFound
		}
		return nil, errors.Wrapf(err, "get %s", key)
	}
	return []byte(v), nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, 0); err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}

// MemoryKV is a process-local KV used by tests and throwaway sessions.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Close() error { return nil }
