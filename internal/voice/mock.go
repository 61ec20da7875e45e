package voice

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

const mockFallbackTranscript = "simulated voice input"

// MockProvider is a local provider used when no remote backend is configured.
// Recognition echoes chunk bytes that decode as printable UTF-8 text, so text
// can be "spoken" through the audio path in tests and demos. Synthesis
// produces silence proportional to the text length.
type MockProvider struct {
	// Delay is applied before each synthesized stream finishes.
	Delay      time.Duration
	sampleRate int
}

func NewMockProvider() *MockProvider { return &MockProvider{sampleRate: 16000} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) SampleRate() int { return p.sampleRate }

func (p *MockProvider) StartSession(_ context.Context, _ STTSessionConfig) (STTSession, <-chan STTEvent, error) {
	events := make(chan STTEvent, 64)
	return &mockSTTSession{events: events}, events, nil
}

func (p *MockProvider) StartStream(_ context.Context, _ TTSStreamConfig) (TTSStream, error) {
	return &mockTTSStream{
		events:     make(chan TTSEvent, 128),
		delay:      p.Delay,
		sampleRate: p.sampleRate,
	}, nil
}

type mockSTTSession struct {
	mu     sync.Mutex
	events chan STTEvent
	buf    []byte
	closed bool
}

func (s *mockSTTSession) SendAudioChunk(ctx context.Context, pcm []byte, _ int, commit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if len(pcm) > 0 {
		s.buf = append(s.buf, pcm...)
		if err := s.emit(ctx, STTEvent{Type: STTEventPartial, Text: partialText(s.buf), Confidence: 0.5, Source: "mock", Timestamp: time.Now().UnixMilli()}); err != nil {
			return err
		}
	}
	if !commit {
		return nil
	}
	text, confidence := transcriptFor(s.buf)
	s.buf = s.buf[:0]
	return s.emit(ctx, STTEvent{Type: STTEventCommitted, Text: text, Confidence: confidence, Source: "mock_commit", Timestamp: time.Now().UnixMilli()})
}

func (s *mockSTTSession) emit(ctx context.Context, evt STTEvent) error {
	select {
	case s.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *mockSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func transcriptFor(buf []byte) (string, float64) {
	if len(buf) == 0 {
		return "", 0
	}
	if text, ok := printableText(buf); ok {
		return text, 0.92
	}
	return mockFallbackTranscript, 0.7
}

func partialText(buf []byte) string {
	if text, ok := printableText(buf); ok {
		return text
	}
	return "..."
}

func printableText(buf []byte) (string, bool) {
	if !utf8.Valid(buf) {
		return "", false
	}
	text := strings.TrimSpace(string(buf))
	if text == "" {
		return "", false
	}
	for _, r := range text {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return "", false
		}
	}
	return text, true
}

type mockTTSStream struct {
	mu         sync.Mutex
	events     chan TTSEvent
	closed     bool
	delay      time.Duration
	sampleRate int
}

func (s *mockTTSStream) SendText(_ context.Context, text string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || strings.TrimSpace(text) == "" {
		return nil
	}
	// 40ms of silence per rune, 16-bit mono.
	samples := utf8.RuneCountInString(text) * s.sampleRate / 25
	s.events <- TTSEvent{Type: TTSEventAudio, Audio: make([]byte, samples*2)}
	return nil
}

func (s *mockTTSStream) CloseInput(ctx context.Context) error {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.events <- TTSEvent{Type: TTSEventFinal}
	return nil
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
