package recognition

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voxgate/internal/reliability"
	"github.com/ent0n29/voxgate/internal/voice"
)

type flakyProvider struct {
	failures atomic.Int32
	calls    atomic.Int32
	inner    voice.STTProvider
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) StartSession(ctx context.Context, cfg voice.STTSessionConfig) (voice.STTSession, <-chan voice.STTEvent, error) {
	p.calls.Add(1)
	if p.failures.Add(-1) >= 0 {
		return nil, nil, errors.New("upstream 503")
	}
	return p.inner.StartSession(ctx, cfg)
}

type stuckSession struct{}

func (stuckSession) SendAudioChunk(ctx context.Context, _ []byte, _ int, _ bool) error {
	<-ctx.Done()
	return ctx.Err()
}
func (stuckSession) Close() error { return nil }

type scriptedProvider struct {
	session voice.STTSession
	events  chan voice.STTEvent
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) StartSession(context.Context, voice.STTSessionConfig) (voice.STTSession, <-chan voice.STTEvent, error) {
	return p.session, p.events, nil
}

func newOrchestrator(p voice.STTProvider) *Orchestrator {
	return New(Options{
		Provider:      p,
		ChunkDeadline: 50 * time.Millisecond,
		FinalDeadline: 500 * time.Millisecond,
		RetryBackoff:  time.Millisecond,
		Logger:        zerolog.Nop(),
	})
}

func TestRecognizeWithMockProvider(t *testing.T) {
	o := newOrchestrator(voice.NewMockProvider())
	res, err := o.Recognize(context.Background(), Request{SessionID: "s1", Language: "ru-RU"},
		[][]byte{[]byte("какая "), []byte("погода")})
	require.NoError(t, err)
	require.True(t, res.IsFinal)
	require.Equal(t, "какая погода", res.Text)
	require.InDelta(t, 0.92, res.Confidence, 0.001)
}

func TestStreamYieldsPartialsThenOneFinal(t *testing.T) {
	o := newOrchestrator(voice.NewMockProvider())
	ctx := context.Background()
	st, err := o.Open(ctx, Request{SessionID: "s1"})
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Send(ctx, []byte("hello"), false))
	require.NoError(t, st.Send(ctx, []byte(" world"), true))

	var partials, finals int
	var last Result
	for r := range st.Results() {
		if r.IsFinal {
			finals++
		} else {
			partials++
		}
		last = r
	}
	require.Equal(t, 2, partials)
	require.Equal(t, 1, finals)
	require.Equal(t, "hello world", last.Text)
	require.NoError(t, st.Err())
}

func TestOpenRetriesOnce(t *testing.T) {
	p := &flakyProvider{inner: voice.NewMockProvider()}
	p.failures.Store(1)
	o := newOrchestrator(p)

	st, err := o.Open(context.Background(), Request{SessionID: "s1"})
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.Equal(t, int32(2), p.calls.Load())
}

func TestOpenFailsAfterSecondAttempt(t *testing.T) {
	p := &flakyProvider{inner: voice.NewMockProvider()}
	p.failures.Store(5)
	o := newOrchestrator(p)

	_, err := o.Open(context.Background(), Request{SessionID: "s1"})
	require.ErrorIs(t, err, reliability.ErrProviderUnavailable)
	require.Equal(t, int32(2), p.calls.Load())
}

func TestSendBoundedByChunkDeadline(t *testing.T) {
	p := &scriptedProvider{session: stuckSession{}, events: make(chan voice.STTEvent)}
	o := newOrchestrator(p)
	st, err := o.Open(context.Background(), Request{SessionID: "s1"})
	require.NoError(t, err)
	defer st.Close()

	start := time.Now()
	err = st.Send(context.Background(), []byte{1, 2}, false)
	require.ErrorIs(t, err, reliability.ErrProviderUnavailable)
	require.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestProviderErrorEventEndsStream(t *testing.T) {
	events := make(chan voice.STTEvent, 1)
	events <- voice.STTEvent{Type: voice.STTEventError, Code: "quota_exceeded", Detail: "no credits"}
	o := newOrchestrator(&scriptedProvider{session: stuckSession{}, events: events})

	st, err := o.Open(context.Background(), Request{SessionID: "s1"})
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Final(context.Background())
	require.ErrorIs(t, err, reliability.ErrProviderUnavailable)
}

func TestFromText(t *testing.T) {
	r := FromText("  open settings ")
	require.Equal(t, Result{Text: "open settings", Confidence: 1, IsFinal: true}, r)
}
