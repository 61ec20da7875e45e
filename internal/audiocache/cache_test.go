package audiocache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voxgate/internal/blob"
)

func newTestCache(idx Index) (*Cache, *blob.MemoryStore) {
	blobs := blob.NewMemoryStore()
	return New(Options{Index: idx, Blobs: blobs, Logger: zerolog.Nop()}), blobs
}

func wavArtifact(ctx context.Context) (Artifact, error) {
	return Artifact{Data: []byte("RIFFxxxxWAVE"), Format: "wav", SampleRate: 16000, DurationMS: 120}, nil
}

func TestKeyNormalization(t *testing.T) {
	a := Key{Text: "  Hello   world ", Voice: "v1", Language: "EN-us", Emotion: "Calm"}
	b := Key{Text: "Hello world", Voice: "v1", Language: "en-US", Emotion: "calm"}
	require.Equal(t, a.ID(), b.ID())
	require.Len(t, a.ID(), 64)

	c := Key{Text: "Hello world", Voice: "v2", Language: "en-US", Emotion: "calm"}
	require.NotEqual(t, a.ID(), c.ID())

	// A separator inside one field must not alias a split across two.
	d := Key{Text: "yes|no", Voice: "v", Language: "en-US", Emotion: "calm"}
	e := Key{Text: "yes", Voice: "no|v", Language: "en-US", Emotion: "calm"}
	require.NotEqual(t, d.ID(), e.ID())
	f := Key{Text: "a", Voice: "", Language: "en-us|calm"}
	g := Key{Text: "a", Voice: "", Language: "en-us", Emotion: "calm"}
	require.NotEqual(t, f.ID(), g.ID())
}

func TestGetOrCreateHitAfterMiss(t *testing.T) {
	cache, blobs := newTestCache(NewMemoryIndex(time.Hour))
	ctx := context.Background()
	key := Key{Text: "hello", Voice: "v", Language: "en-US"}

	first, cached, err := cache.GetOrCreate(ctx, key, wavArtifact)
	require.NoError(t, err)
	require.False(t, cached)
	require.Equal(t, key.ID(), first.Ref)
	require.Equal(t, 1, blobs.Len())

	second, cached, err := cache.GetOrCreate(ctx, key, func(context.Context) (Artifact, error) {
		t.Fatal("synthesize must not run on a hit")
		return Artifact{}, nil
	})
	require.NoError(t, err)
	require.True(t, cached)
	require.Equal(t, first.Ref, second.Ref)

	e, data, err := cache.Open(ctx, first.Ref)
	require.NoError(t, err)
	require.Equal(t, "wav", e.Format)
	require.Equal(t, []byte("RIFFxxxxWAVE"), data)
}

func TestGetOrCreateSingleFlight(t *testing.T) {
	cache, _ := newTestCache(NewMemoryIndex(time.Hour))
	key := Key{Text: "same text", Voice: "v", Language: "en-US"}

	var calls atomic.Int32
	release := make(chan struct{})
	synth := func(ctx context.Context) (Artifact, error) {
		calls.Add(1)
		<-release
		return wavArtifact(ctx)
	}

	const callers = 16
	var wg sync.WaitGroup
	refs := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, _, err := cache.GetOrCreate(context.Background(), key, synth)
			refs[i], errs[i] = e.Ref, err
		}(i)
	}

	// Let every caller reach the flight before the leader finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, key.ID(), refs[i])
	}
}

func TestGetOrCreateCallerCancelDoesNotFailOthers(t *testing.T) {
	cache, _ := newTestCache(NewMemoryIndex(time.Hour))
	key := Key{Text: "slow", Voice: "v"}
	release := make(chan struct{})
	synth := func(ctx context.Context) (Artifact, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return Artifact{}, ctx.Err()
		}
		return wavArtifact(ctx)
	}

	impatient, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := cache.GetOrCreate(impatient, key, synth)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	patient := make(chan error, 1)
	go func() {
		_, _, err := cache.GetOrCreate(context.Background(), key, synth)
		patient <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	close(release)
	require.NoError(t, <-patient)
}

func TestGetOrCreateLastCallerLeavingCancelsFill(t *testing.T) {
	cache, blobs := newTestCache(NewMemoryIndex(time.Hour))
	key := Key{Text: "abandoned", Voice: "v"}

	started := make(chan struct{})
	aborted := make(chan error, 1)
	synth := func(ctx context.Context) (Artifact, error) {
		close(started)
		<-ctx.Done()
		aborted <- ctx.Err()
		return Artifact{}, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := cache.GetOrCreate(ctx, key, synth)
		done <- err
	}()
	<-started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	select {
	case err := <-aborted:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("synthesis kept running after its only caller left")
	}
	require.Equal(t, 0, blobs.Len())

	// The abandoned flight is forgotten; the next caller synthesizes afresh.
	e, cached, err := cache.GetOrCreate(context.Background(), key, wavArtifact)
	require.NoError(t, err)
	require.False(t, cached)
	require.Equal(t, key.ID(), e.Ref)
}

func TestGetOrCreateErrorIsNotCached(t *testing.T) {
	cache, _ := newTestCache(NewMemoryIndex(time.Hour))
	key := Key{Text: "flaky"}
	boom := errors.New("provider down")

	_, _, err := cache.GetOrCreate(context.Background(), key, func(context.Context) (Artifact, error) {
		return Artifact{}, boom
	})
	require.ErrorIs(t, err, boom)

	_, cached, err := cache.GetOrCreate(context.Background(), key, wavArtifact)
	require.NoError(t, err)
	require.False(t, cached)
}

func TestMemoryIndexSlidingTTLAndSweep(t *testing.T) {
	idx := NewMemoryIndex(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	idx.now = func() time.Time { return now }
	cache, blobs := newTestCache(idx)
	ctx := context.Background()

	e, _, err := cache.GetOrCreate(ctx, Key{Text: "keep"}, wavArtifact)
	require.NoError(t, err)
	_, _, err = cache.GetOrCreate(ctx, Key{Text: "drop"}, wavArtifact)
	require.NoError(t, err)
	require.Equal(t, 2, blobs.Len())

	now = now.Add(50 * time.Second)
	_, ok, _ := idx.Get(ctx, e.Ref) // access slides the window
	require.True(t, ok)

	now = now.Add(20 * time.Second)
	require.Equal(t, 1, cache.Sweep(ctx, now))
	require.Equal(t, 1, idx.Len())
	require.Equal(t, 1, blobs.Len())

	_, _, err = cache.Open(ctx, Key{Text: "drop"}.ID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenDropsDanglingIndexEntry(t *testing.T) {
	idx := NewMemoryIndex(time.Hour)
	cache, blobs := newTestCache(idx)
	ctx := context.Background()
	e, _, err := cache.GetOrCreate(ctx, Key{Text: "x"}, wavArtifact)
	require.NoError(t, err)
	require.NoError(t, blobs.Delete(ctx, e.BlobKey))

	_, _, err = cache.Open(ctx, e.Ref)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 0, idx.Len())
}

func TestRedisIndexSlidingExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	idx := NewRedisIndex(client, "test:", time.Minute)
	ctx := context.Background()

	require.NoError(t, idx.Put(ctx, Entry{Ref: "r1", BlobKey: "r1.wav", Format: "wav"}))
	mr.FastForward(50 * time.Second)

	e, ok, err := idx.Get(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r1.wav", e.BlobKey)
	require.Equal(t, time.Minute, mr.TTL("test:audio:r1"))

	mr.FastForward(61 * time.Second)
	_, ok, err = idx.Get(ctx, "r1")
	require.NoError(t, err)
	require.False(t, ok)
}
