package audiocache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is the index record for a stored artifact.
type Entry struct {
	Ref          string    `json:"ref"`
	BlobKey      string    `json:"blob_key"`
	Format       string    `json:"format"`
	SampleRate   int       `json:"sample_rate"`
	DurationMS   int64     `json:"duration_ms"`
	Size         int       `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessAt time.Time `json:"last_access_at"`
}

// Index maps references to entries. Get refreshes the entry's access time.
type Index interface {
	Get(ctx context.Context, ref string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, ref string) error
	// Sweep removes entries idle for longer than the TTL and returns them.
	Sweep(ctx context.Context, now time.Time) ([]Entry, error)
}

type MemoryIndex struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryIndex(ttl time.Duration) *MemoryIndex {
	return &MemoryIndex{
		entries: make(map[string]Entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (i *MemoryIndex) Get(_ context.Context, ref string) (Entry, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.entries[ref]
	if !ok {
		return Entry{}, false, nil
	}
	now := i.now()
	if i.ttl > 0 && now.Sub(e.LastAccessAt) > i.ttl {
		return Entry{}, false, nil
	}
	e.LastAccessAt = now
	i.entries[ref] = e
	return e, true, nil
}

func (i *MemoryIndex) Put(_ context.Context, e Entry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	e.LastAccessAt = i.now()
	i.entries[e.Ref] = e
	return nil
}

func (i *MemoryIndex) Delete(_ context.Context, ref string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, ref)
	return nil
}

func (i *MemoryIndex) Sweep(_ context.Context, now time.Time) ([]Entry, error) {
	if i.ttl <= 0 {
		return nil, nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	var evicted []Entry
	for ref, e := range i.entries {
		if now.Sub(e.LastAccessAt) > i.ttl {
			evicted = append(evicted, e)
			delete(i.entries, ref)
		}
	}
	return evicted, nil
}

func (i *MemoryIndex) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entries)
}

// RedisIndex stores entries as JSON with a sliding expiry refreshed on every
// read. Redis does the eviction, so Sweep has nothing to do.
type RedisIndex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisIndex(client *redis.Client, prefix string, ttl time.Duration) *RedisIndex {
	if prefix == "" {
		prefix = "voxgate:"
	}
	return &RedisIndex{client: client, prefix: prefix, ttl: ttl}
}

func (i *RedisIndex) key(ref string) string {
	return i.prefix + "audio:" + ref
}

func (i *RedisIndex) Get(ctx context.Context, ref string) (Entry, bool, error) {
	data, err := i.client.GetEx(ctx, i.key(ref), i.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("audio index get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("audio index decode: %w", err)
	}
	e.LastAccessAt = time.Now().UTC()
	return e, true, nil
}

func (i *RedisIndex) Put(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audio index encode: %w", err)
	}
	if err := i.client.Set(ctx, i.key(e.Ref), data, i.ttl).Err(); err != nil {
		return fmt.Errorf("audio index put: %w", err)
	}
	return nil
}

func (i *RedisIndex) Delete(ctx context.Context, ref string) error {
	return i.client.Del(ctx, i.key(ref)).Err()
}

func (i *RedisIndex) Sweep(context.Context, time.Time) ([]Entry, error) { return nil, nil }
