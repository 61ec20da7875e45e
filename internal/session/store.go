package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store mirrors session records outside the process so that ended sessions
// can still be told apart from unknown ones after a restart.
type Store interface {
	Save(ctx context.Context, s Session, ttl time.Duration) error
	Load(ctx context.Context, id string) (Session, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

type memoryRecord struct {
	s         Session
	expiresAt time.Time
}

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) Save(_ context.Context, sess Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := memoryRecord{s: sess}
	if ttl > 0 {
		rec.expiresAt = s.now().Add(ttl)
	}
	s.records[sess.ID] = rec
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !rec.expiresAt.IsZero() && s.now().After(rec.expiresAt) {
		delete(s.records, id)
		return Session{}, ErrNotFound
	}
	return rec.s, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// RedisStore keeps session records as JSON strings under a key prefix with a
// per-record TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client; tests pass a miniredis one.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "voxgate:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + "session:" + id
}

func (s *RedisStore) Save(ctx context.Context, sess Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (Session, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
