package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/voxgate/internal/reliability"
)

// ConnLimiter enforces the ceiling on concurrently open stream connections.
type ConnLimiter interface {
	// Acquire reserves a slot. The returned release is idempotent.
	Acquire(ctx context.Context) (release func(), err error)
}

func errTooManyConnections() error {
	return reliability.New(reliability.KindCapacityExceeded, "gateway.connect",
		"Too many open connections. Please try again shortly.", nil)
}

// LocalLimiter counts connections in this process. max <= 0 disables it.
type LocalLimiter struct {
	max  int64
	open atomic.Int64
}

func NewLocalLimiter(max int) *LocalLimiter {
	return &LocalLimiter{max: int64(max)}
}

func (l *LocalLimiter) Acquire(context.Context) (func(), error) {
	if l.max <= 0 {
		return func() {}, nil
	}
	if l.open.Add(1) > l.max {
		l.open.Add(-1)
		return nil, errTooManyConnections()
	}
	var once sync.Once
	return func() { once.Do(func() { l.open.Add(-1) }) }, nil
}

func (l *LocalLimiter) Open() int { return int(l.open.Load()) }

// RedisLimiter shares one counter across gateway replicas.
type RedisLimiter struct {
	client *redis.Client
	key    string
	max    int64
}

func NewRedisLimiter(client *redis.Client, key string, max int) *RedisLimiter {
	return &RedisLimiter{client: client, key: key, max: int64(max)}
}

func (l *RedisLimiter) Acquire(ctx context.Context) (func(), error) {
	if l.max <= 0 {
		return func() {}, nil
	}
	n, err := l.client.Incr(ctx, l.key).Result()
	if err != nil {
		return nil, fmt.Errorf("connection counter incr: %w", err)
	}
	if n > l.max {
		l.decr()
		return nil, errTooManyConnections()
	}
	var once sync.Once
	return func() { once.Do(l.decr) }, nil
}

func (l *RedisLimiter) decr() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = l.client.Decr(ctx, l.key).Err()
}
