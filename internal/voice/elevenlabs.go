package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voxgate/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey     string
	WSBaseURL  string
	STTModelID string
	TTSModelID string
	SampleRate int
}

// ElevenLabsProvider speaks the ElevenLabs realtime websocket APIs for both
// directions. Audio is exchanged as 16-bit mono PCM at SampleRate.
type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v2_realtime"
	}
	if strings.TrimSpace(cfg.TTSModelID) == "" {
		cfg.TTSModelID = "eleven_multilingual_v2"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &ElevenLabsProvider{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

func (p *ElevenLabsProvider) SampleRate() int { return p.cfg.SampleRate }

func (p *ElevenLabsProvider) headers() http.Header {
	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)
	return headers
}

func (p *ElevenLabsProvider) StartSession(ctx context.Context, cfg STTSessionConfig) (STTSession, <-chan STTEvent, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.STTModelID)
	q.Set("commit_strategy", "manual")
	if lang := languageCode(cfg.Language); lang != "" {
		q.Set("language_code", lang)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := p.dialer.DialContext(ctx, u.String(), p.headers())
	if err != nil {
		return nil, nil, dialError("stt", resp, err)
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = p.cfg.SampleRate
	}
	events := make(chan STTEvent, 256)
	s := &elevenSTTSession{conn: conn, events: events, sampleRate: rate}
	go s.readLoop()
	return s, events, nil
}

func (p *ElevenLabsProvider) StartStream(ctx context.Context, cfg TTSStreamConfig) (TTSStream, error) {
	if strings.TrimSpace(cfg.VoiceID) == "" {
		return nil, fmt.Errorf("voice_id is required")
	}
	modelID := cfg.ModelID
	if strings.TrimSpace(modelID) == "" {
		modelID = p.cfg.TTSModelID
	}
	settings := cfg.Settings.normalized()

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(cfg.VoiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", modelID)
	q.Set("output_format", "pcm_"+strconv.Itoa(p.cfg.SampleRate))
	if lang := languageCode(cfg.Language); lang != "" {
		q.Set("language_code", lang)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := p.dialer.DialContext(ctx, u.String(), p.headers())
	if err != nil {
		return nil, dialError("tts", resp, err)
	}

	s := &elevenTTSStream{conn: conn, events: make(chan TTSEvent, 512)}
	go s.readLoop()
	// The first message primes the stream and carries the voice settings.
	if err := s.writeJSON(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        settings.Stability,
			"similarity_boost": settings.SimilarityBoost,
			"speed":            settings.Speed,
		},
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("prime tts stream: %w", err)
	}
	return s, nil
}

func dialError(direction string, resp *http.Response, err error) error {
	if resp != nil && reliability.IsRetryableHTTPStatus(resp.StatusCode) {
		return reliability.ProviderUnavailable("elevenlabs."+direction, fmt.Errorf("dial %s websocket: status %d: %w", direction, resp.StatusCode, err))
	}
	return fmt.Errorf("dial %s websocket: %w", direction, err)
}

// languageCode reduces a BCP-47 tag such as "ru-RU" to its primary subtag.
func languageCode(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

type elevenSTTSession struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	closeOnce  sync.Once
	events     chan STTEvent
	sampleRate int
}

func (s *elevenSTTSession) SendAudioChunk(ctx context.Context, pcm []byte, sampleRate int, commit bool) error {
	if sampleRate <= 0 {
		sampleRate = s.sampleRate
	}
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(pcm),
		"commit":        commit,
		"sample_rate":   sampleRate,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer func() { _ = s.conn.SetWriteDeadline(time.Time{}) }()
	}
	return s.conn.WriteJSON(payload)
}

func (s *elevenSTTSession) readLoop() {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType := asString(raw["message_type"])
		switch messageType {
		case "partial_transcript":
			s.events <- STTEvent{Type: STTEventPartial, Text: asString(raw["text"]), Source: "elevenlabs", Timestamp: time.Now().UnixMilli()}
		case "committed_transcript", "committed_transcript_with_timestamps":
			s.events <- STTEvent{
				Type:       STTEventCommitted,
				Text:       asString(raw["text"]),
				Confidence: confidenceFrom(raw),
				Source:     "elevenlabs",
				Timestamp:  time.Now().UnixMilli(),
			}
		case "session_started", "", "input_audio_chunk":
		default:
			s.events <- STTEvent{
				Type:      STTEventError,
				Code:      messageType,
				Detail:    asString(raw["error"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(messageType),
				Timestamp: time.Now().UnixMilli(),
			}
		}
	}
}

func (s *elevenSTTSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.events)
	})
	return retErr
}

type elevenTTSStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan TTSEvent
}

func (s *elevenTTSStream) SendText(_ context.Context, text string, tryTrigger bool) error {
	return s.writeJSON(map[string]any{
		"text":                   text,
		"try_trigger_generation": tryTrigger,
	})
}

func (s *elevenTTSStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *elevenTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *elevenTTSStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.events)
	})
	return retErr
}

func (s *elevenTTSStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenTTSStream) readLoop() {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		if encoded := asString(raw["audio"]); encoded != "" {
			if pcm, err := base64.StdEncoding.DecodeString(encoded); err == nil {
				s.events <- TTSEvent{Type: TTSEventAudio, Audio: pcm}
			}
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			s.events <- TTSEvent{Type: TTSEventFinal}
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			code := asString(raw["message_type"])
			s.events <- TTSEvent{Type: TTSEventError, Code: code, Detail: errMsg, Retryable: reliability.IsRetryableRealtimeMessageType(code)}
		}
	}
}

func confidenceFrom(raw map[string]any) float64 {
	if v, ok := raw["confidence"].(float64); ok && v >= 0 && v <= 1 {
		return v
	}
	// The realtime API does not always report confidence on commits.
	return 0.9
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
