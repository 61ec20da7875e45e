// Package audiocache deduplicates synthesized audio by content key. Concurrent
// requests for the same key share one synthesis.
package audiocache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/voxgate/internal/blob"
	"github.com/ent0n29/voxgate/internal/observability"
)

var ErrNotFound = errors.New("audio artifact not found")

// Artifact is freshly synthesized audio ready to be stored.
type Artifact struct {
	Data       []byte
	Format     string
	SampleRate int
	DurationMS int64
}

// SynthesizeFunc produces the artifact on a cache miss.
type SynthesizeFunc func(ctx context.Context) (Artifact, error)

type Options struct {
	Index   Index
	Blobs   blob.Store
	Metrics *observability.Metrics
	Logger  zerolog.Logger
	// FillTimeout bounds a shared synthesis independently of any caller.
	FillTimeout time.Duration
}

type Cache struct {
	index   Index
	blobs   blob.Store
	group   singleflight.Group
	metrics *observability.Metrics
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	waiters map[string]*fillWaiters
}

// fillWaiters counts the callers waiting on one key. The shared fill runs on
// ctx, which is cancelled when the last of them leaves.
type fillWaiters struct {
	ctx    context.Context
	cancel context.CancelFunc
	n      int
}

func New(opts Options) *Cache {
	if opts.FillTimeout <= 0 {
		opts.FillTimeout = 30 * time.Second
	}
	return &Cache{
		index:   opts.Index,
		blobs:   opts.Blobs,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		timeout: opts.FillTimeout,
		waiters: make(map[string]*fillWaiters),
	}
}

// GetOrCreate returns the entry for key, synthesizing it at most once across
// concurrent callers. cached reports whether the entry already existed.
func (c *Cache) GetOrCreate(ctx context.Context, key Key, synth SynthesizeFunc) (Entry, bool, error) {
	ref := key.ID()

	if e, ok, err := c.index.Get(ctx, ref); err != nil {
		c.logger.Warn().Err(err).Str("ref", ref).Msg("audio index lookup failed")
	} else if ok {
		c.metrics.CacheLookup("hit")
		return e, true, nil
	}

	w := c.join(ctx, ref)
	defer c.leave(ref, w)

	leader := false
	ch := c.group.DoChan(ref, func() (any, error) {
		leader = true
		return c.fill(w.ctx, ref, synth)
	})

	select {
	case <-ctx.Done():
		return Entry{}, false, ctx.Err()
	case res := <-ch:
		if leader {
			c.metrics.CacheLookup("miss")
		} else {
			c.metrics.CacheLookup("shared")
		}
		if res.Err != nil {
			return Entry{}, false, res.Err
		}
		return res.Val.(Entry), !leader, nil
	}
}

// join registers a caller for ref. The fill context is detached from any one
// caller so a waiter giving up does not fail the others.
func (c *Cache) join(ctx context.Context, ref string) *fillWaiters {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waiters[ref]
	if !ok {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		w = &fillWaiters{ctx: fillCtx, cancel: cancel}
		c.waiters[ref] = w
	}
	w.n++
	return w
}

// leave drops a caller. When nobody is left the fill is cancelled and the
// flight forgotten, so the next caller starts a fresh synthesis.
func (c *Cache) leave(ref string, w *fillWaiters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w.n--
	if w.n > 0 {
		return
	}
	w.cancel()
	if c.waiters[ref] == w {
		delete(c.waiters, ref)
	}
	c.group.Forget(ref)
}

func (c *Cache) fill(ctx context.Context, ref string, synth SynthesizeFunc) (Entry, error) {
	// A concurrent fill may have finished between our lookup and DoChan.
	if e, ok, err := c.index.Get(ctx, ref); err == nil && ok {
		return e, nil
	}

	art, err := synth(ctx)
	if err != nil {
		return Entry{}, err
	}
	if len(art.Data) == 0 {
		return Entry{}, errors.New("synthesis returned no audio")
	}

	blobKey := ref + "." + art.Format
	if err := c.blobs.Put(ctx, blobKey, art.Data, ContentType(art.Format)); err != nil {
		return Entry{}, fmt.Errorf("store audio blob: %w", err)
	}
	now := time.Now().UTC()
	e := Entry{
		Ref:          ref,
		BlobKey:      blobKey,
		Format:       art.Format,
		SampleRate:   art.SampleRate,
		DurationMS:   art.DurationMS,
		Size:         len(art.Data),
		CreatedAt:    now,
		LastAccessAt: now,
	}
	if err := c.index.Put(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("index audio entry: %w", err)
	}
	return e, nil
}

// Open returns the entry and bytes for ref and refreshes its access time.
func (c *Cache) Open(ctx context.Context, ref string) (Entry, []byte, error) {
	e, ok, err := c.index.Get(ctx, ref)
	if err != nil {
		return Entry{}, nil, err
	}
	if !ok {
		return Entry{}, nil, ErrNotFound
	}
	data, err := c.blobs.Get(ctx, e.BlobKey)
	if errors.Is(err, blob.ErrNotFound) {
		_ = c.index.Delete(ctx, ref)
		return Entry{}, nil, ErrNotFound
	}
	if err != nil {
		return Entry{}, nil, err
	}
	return e, data, nil
}

// Sweep evicts idle entries and deletes their blobs.
func (c *Cache) Sweep(ctx context.Context, now time.Time) int {
	evicted, err := c.index.Sweep(ctx, now)
	if err != nil {
		c.logger.Warn().Err(err).Msg("audio index sweep failed")
		return 0
	}
	for _, e := range evicted {
		if err := c.blobs.Delete(ctx, e.BlobKey); err != nil {
			c.logger.Warn().Err(err).Str("ref", e.Ref).Msg("audio blob delete failed")
		}
	}
	return len(evicted)
}

func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := c.Sweep(ctx, now); n > 0 {
					c.logger.Debug().Int("evicted", n).Msg("audio cache sweep")
				}
			}
		}
	}()
}

// ContentType maps an artifact format to its MIME type.
func ContentType(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}
