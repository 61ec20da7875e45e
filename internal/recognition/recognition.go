// Package recognition turns streamed audio chunks into transcripts using the
// configured speech-to-text provider.
package recognition

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/voxgate/internal/observability"
	"github.com/ent0n29/voxgate/internal/reliability"
	"github.com/ent0n29/voxgate/internal/voice"
)

// Result is one transcript update. Exactly one final result ends a stream.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
}

type Request struct {
	SessionID  string
	Language   string
	SampleRate int
}

type Options struct {
	Provider      voice.STTProvider
	ChunkDeadline time.Duration // per-chunk send bound
	FinalDeadline time.Duration // wait for the committed transcript
	RetryBackoff  time.Duration
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

type Orchestrator struct {
	opts Options
}

func New(opts Options) *Orchestrator {
	if opts.ChunkDeadline <= 0 {
		opts.ChunkDeadline = 2 * time.Second
	}
	if opts.FinalDeadline <= 0 {
		opts.FinalDeadline = 4 * opts.ChunkDeadline
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 150 * time.Millisecond
	}
	return &Orchestrator{opts: opts}
}

type opened struct {
	session voice.STTSession
	events  <-chan voice.STTEvent
}

// Open starts a provider session, retrying once on a transient failure.
func (o *Orchestrator) Open(ctx context.Context, req Request) (*Stream, error) {
	provider := o.opts.Provider
	cfg := voice.STTSessionConfig{SessionID: req.SessionID, Language: req.Language, SampleRate: req.SampleRate}

	start := time.Now()
	res, err := reliability.RetryOnce(ctx, o.opts.RetryBackoff, func(ctx context.Context) (opened, error) {
		openCtx, cancel := context.WithTimeout(ctx, o.opts.ChunkDeadline)
		defer cancel()
		s, events, err := provider.StartSession(openCtx, cfg)
		if err != nil {
			return opened{}, reliability.ProviderUnavailable("recognition.open", err)
		}
		return opened{session: s, events: events}, nil
	})
	if err != nil {
		o.opts.Metrics.ObserveProvider(provider.Name(), "stt_open", time.Since(start), string(reliability.KindOf(err)))
		return nil, err
	}
	o.opts.Metrics.ObserveProvider(provider.Name(), "stt_open", time.Since(start), "")

	streamCtx, cancel := context.WithCancel(ctx)
	st := &Stream{
		session:    res.session,
		results:    make(chan Result, 32),
		done:       make(chan struct{}),
		cancel:     cancel,
		provider:   provider.Name(),
		sampleRate: req.SampleRate,
		opts:       o.opts,
		logger:     o.opts.Logger.With().Str("session_id", req.SessionID).Logger(),
	}
	go st.pump(streamCtx, res.events)
	return st, nil
}

// Recognize runs a complete utterance through a fresh stream and returns the
// final transcript.
func (o *Orchestrator) Recognize(ctx context.Context, req Request, chunks [][]byte) (Result, error) {
	st, err := o.Open(ctx, req)
	if err != nil {
		return Result{}, err
	}
	defer st.Close()

	type outcome struct {
		r   Result
		err error
	}
	finalCh := make(chan outcome, 1)
	go func() {
		r, err := st.Final(ctx)
		finalCh <- outcome{r, err}
	}()

	if len(chunks) == 0 {
		chunks = [][]byte{nil}
	}
	for i, chunk := range chunks {
		if err := st.Send(ctx, chunk, i == len(chunks)-1); err != nil {
			_ = st.Close()
			<-finalCh
			return Result{}, err
		}
	}
	out := <-finalCh
	return out.r, out.err
}

// FromText wraps typed input as a final transcript.
func FromText(text string) Result {
	return Result{Text: strings.TrimSpace(text), Confidence: 1.0, IsFinal: true}
}

// Stream is one turn's recognition session. Send must not be called
// concurrently with itself; Results may be read from another goroutine.
type Stream struct {
	session    voice.STTSession
	results    chan Result
	done       chan struct{}
	cancel     context.CancelFunc
	provider   string
	sampleRate int
	opts       Options
	logger     zerolog.Logger

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

// Send forwards one chunk. final asks the provider to commit the transcript.
func (s *Stream) Send(ctx context.Context, pcm []byte, final bool) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.opts.ChunkDeadline)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- s.session.SendAudioChunk(sendCtx, pcm, s.sampleRate, final) }()

	var err error
	select {
	case err = <-errCh:
	case <-sendCtx.Done():
		err = sendCtx.Err()
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		s.opts.Metrics.ObserveProvider(s.provider, "stt_chunk", time.Since(start), "send_failed")
		return reliability.ProviderUnavailable("recognition.send", err)
	}
	return nil
}

// Results yields partial transcripts and then exactly one final result.
// The channel is closed after the final result or on failure; check Err.
func (s *Stream) Results() <-chan Result { return s.results }

// Final waits for the final result, bounded by the final deadline.
func (s *Stream) Final(ctx context.Context) (Result, error) {
	timer := time.NewTimer(s.opts.FinalDeadline)
	defer timer.Stop()
	for {
		select {
		case r, ok := <-s.results:
			if !ok {
				if err := s.Err(); err != nil {
					return Result{}, err
				}
				return Result{}, reliability.ProviderUnavailable("recognition.final", errors.New("stream ended without transcript"))
			}
			if r.IsFinal {
				return r, nil
			}
		case <-timer.C:
			return Result{}, reliability.ProviderUnavailable("recognition.final", context.DeadlineExceeded)
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.session.Close()
	})
	<-s.done
	return err
}

func (s *Stream) pump(ctx context.Context, events <-chan voice.STTEvent) {
	defer close(s.done)
	defer close(s.results)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Type {
			case voice.STTEventPartial:
				if strings.TrimSpace(evt.Text) == "" {
					continue
				}
				s.deliver(ctx, Result{Text: evt.Text, Confidence: clampConfidence(evt.Confidence)})
			case voice.STTEventCommitted:
				s.deliver(ctx, Result{Text: strings.TrimSpace(evt.Text), Confidence: clampConfidence(evt.Confidence), IsFinal: true})
				return
			case voice.STTEventError:
				s.logger.Warn().Str("code", evt.Code).Str("detail", evt.Detail).Msg("stt provider error")
				s.opts.Metrics.ObserveProvider(s.provider, "stt_stream", 0, evt.Code)
				s.mu.Lock()
				s.err = reliability.ProviderUnavailable("recognition.stream", errors.New(evt.Code+": "+evt.Detail))
				s.mu.Unlock()
				return
			}
		}
	}
}

func (s *Stream) deliver(ctx context.Context, r Result) {
	select {
	case s.results <- r:
	case <-ctx.Done():
	}
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
