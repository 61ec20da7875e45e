package synthesis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voxgate/internal/audio"
	"github.com/ent0n29/voxgate/internal/audiocache"
	"github.com/ent0n29/voxgate/internal/blob"
	"github.com/ent0n29/voxgate/internal/reliability"
	"github.com/ent0n29/voxgate/internal/voice"
)

// countingProvider wraps the mock and fails the first failures streams.
type countingProvider struct {
	*voice.MockProvider
	calls    atomic.Int32
	failures int32
}

func (p *countingProvider) StartStream(ctx context.Context, cfg voice.TTSStreamConfig) (voice.TTSStream, error) {
	n := p.calls.Add(1)
	if n <= p.failures {
		return nil, errors.New("upstream 503")
	}
	return p.MockProvider.StartStream(ctx, cfg)
}

func newOrchestrator(p voice.TTSProvider) (*Orchestrator, *blob.MemoryStore) {
	blobs := blob.NewMemoryStore()
	cache := audiocache.New(audiocache.Options{
		Index:  audiocache.NewMemoryIndex(time.Hour),
		Blobs:  blobs,
		Logger: zerolog.Nop(),
	})
	return New(Options{
		Provider:     p,
		Cache:        cache,
		DefaultVoice: "narrator",
		RetryBackoff: time.Millisecond,
		Logger:       zerolog.Nop(),
	}), blobs
}

func TestSynthesizeStoresWAV(t *testing.T) {
	o, blobs := newOrchestrator(voice.NewMockProvider())
	ctx := context.Background()

	res, err := o.Synthesize(ctx, Request{Text: "hello", Language: "en-US"})
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.Equal(t, "wav", res.Entry.Format)
	require.Equal(t, 16000, res.Entry.SampleRate)
	require.Equal(t, int64(200), res.Entry.DurationMS)

	data, err := blobs.Get(ctx, res.Entry.BlobKey)
	require.NoError(t, err)
	pcm, format, err := audio.DecodeWAV(data)
	require.NoError(t, err)
	require.Equal(t, 16000, format.SampleRate)
	require.Len(t, pcm, 6400)
}

func TestSynthesizeReusesArtifact(t *testing.T) {
	p := &countingProvider{MockProvider: voice.NewMockProvider()}
	o, _ := newOrchestrator(p)
	ctx := context.Background()

	first, err := o.Synthesize(ctx, Request{Text: "Hello  there", Language: "en-US"})
	require.NoError(t, err)
	second, err := o.Synthesize(ctx, Request{Text: "Hello there", Voice: "narrator", Language: "en-us"})
	require.NoError(t, err)

	require.True(t, second.Cached)
	require.Equal(t, first.Entry.Ref, second.Entry.Ref)
	require.Equal(t, int32(1), p.calls.Load())

	other, err := o.Synthesize(ctx, Request{Text: "Hello there", Voice: "alto", Language: "en-US"})
	require.NoError(t, err)
	require.NotEqual(t, first.Entry.Ref, other.Entry.Ref)
}

func TestSynthesizeConcurrentSameTextCallsProviderOnce(t *testing.T) {
	mock := voice.NewMockProvider()
	mock.Delay = 40 * time.Millisecond
	p := &countingProvider{MockProvider: mock}
	o, blobs := newOrchestrator(p)

	var wg sync.WaitGroup
	refs := make(chan string, 12)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Synthesize(context.Background(), Request{Text: "one artifact", Language: "en-US"})
			if err == nil {
				refs <- res.Entry.Ref
			}
		}()
	}
	wg.Wait()
	close(refs)

	seen := map[string]int{}
	for ref := range refs {
		seen[ref]++
	}
	require.Len(t, seen, 1)
	for _, n := range seen {
		require.Equal(t, 12, n)
	}
	require.Equal(t, int32(1), p.calls.Load())
	require.Equal(t, 1, blobs.Len())
}

func TestSynthesizeRetriesOnce(t *testing.T) {
	p := &countingProvider{MockProvider: voice.NewMockProvider(), failures: 1}
	o, _ := newOrchestrator(p)

	_, err := o.Synthesize(context.Background(), Request{Text: "retry me", Language: "en-US"})
	require.NoError(t, err)
	require.Equal(t, int32(2), p.calls.Load())
}

func TestSynthesizeProviderUnavailable(t *testing.T) {
	p := &countingProvider{MockProvider: voice.NewMockProvider(), failures: 5}
	o, blobs := newOrchestrator(p)

	_, err := o.Synthesize(context.Background(), Request{Text: "nope", Language: "en-US"})
	require.ErrorIs(t, err, reliability.ErrProviderUnavailable)
	require.Equal(t, int32(2), p.calls.Load())
	require.Equal(t, 0, blobs.Len())
}

func TestSynthesizeRejectsEmptyText(t *testing.T) {
	o, _ := newOrchestrator(voice.NewMockProvider())
	_, err := o.Synthesize(context.Background(), Request{Text: "   "})
	require.ErrorIs(t, err, ErrEmptyText)
}
