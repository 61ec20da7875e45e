package voice

import "context"

type stubSTTProvider struct {
	calls        int
	startSession func(ctx context.Context, cfg STTSessionConfig) (STTSession, <-chan STTEvent, error)
}

func (p *stubSTTProvider) Name() string { return "stub" }

func (p *stubSTTProvider) StartSession(ctx context.Context, cfg STTSessionConfig) (STTSession, <-chan STTEvent, error) {
	p.calls++
	return p.startSession(ctx, cfg)
}

type stubTTSProvider struct {
	calls       int
	rate        int
	startStream func(ctx context.Context, cfg TTSStreamConfig) (TTSStream, error)
}

func (p *stubTTSProvider) Name() string { return "stub" }

func (p *stubTTSProvider) SampleRate() int {
	if p.rate == 0 {
		return 16000
	}
	return p.rate
}

func (p *stubTTSProvider) StartStream(ctx context.Context, cfg TTSStreamConfig) (TTSStream, error) {
	p.calls++
	return p.startStream(ctx, cfg)
}

type stubSTTSession struct{}

func (s *stubSTTSession) SendAudioChunk(context.Context, []byte, int, bool) error { return nil }
func (s *stubSTTSession) Close() error                                            { return nil }

// scriptedTTSStream replays a fixed list of events once input is closed.
type scriptedTTSStream struct {
	script []TTSEvent
	events chan TTSEvent
	closed bool
}

func newScriptedTTSStream(script ...TTSEvent) *scriptedTTSStream {
	return &scriptedTTSStream{script: script, events: make(chan TTSEvent, len(script)+1)}
}

func (s *scriptedTTSStream) SendText(context.Context, string, bool) error { return nil }

func (s *scriptedTTSStream) CloseInput(context.Context) error {
	for _, evt := range s.script {
		s.events <- evt
	}
	return nil
}

func (s *scriptedTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *scriptedTTSStream) Close() error {
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}
