package voice

import "context"

type STTEventType string

const (
	STTEventPartial   STTEventType = "partial"
	STTEventCommitted STTEventType = "committed"
	STTEventError     STTEventType = "error"
)

type STTEvent struct {
	Type       STTEventType
	Text       string
	Confidence float64
	Source     string
	Code       string
	Detail     string
	Retryable  bool
	Timestamp  int64
}

// STTSessionConfig describes a recognition session at open time.
type STTSessionConfig struct {
	SessionID  string
	Language   string
	SampleRate int
}

type STTSession interface {
	SendAudioChunk(ctx context.Context, pcm []byte, sampleRate int, commit bool) error
	Close() error
}

type STTProvider interface {
	Name() string
	StartSession(ctx context.Context, cfg STTSessionConfig) (STTSession, <-chan STTEvent, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

type TTSEvent struct {
	Type      TTSEventType
	Audio     []byte
	Code      string
	Detail    string
	Retryable bool
}

type TTSSettings struct {
	Stability       float64
	SimilarityBoost float64
	Speed           float64
}

// TTSStreamConfig selects the voice for one synthesis stream.
type TTSStreamConfig struct {
	VoiceID  string
	ModelID  string
	Language string
	Settings TTSSettings
}

type TTSStream interface {
	SendText(ctx context.Context, text string, tryTrigger bool) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	Name() string
	// SampleRate is the rate of the 16-bit mono PCM the provider emits.
	SampleRate() int
	StartStream(ctx context.Context, cfg TTSStreamConfig) (TTSStream, error)
}
