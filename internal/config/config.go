package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the voice gateway.
type Config struct {
	BindAddr         string
	PublicBaseURL    string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogPretty        bool
	AllowAnyOrigin   bool

	MaxSessions      int
	SessionTTL       time.Duration
	SessionGrace     time.Duration
	SessionRetention time.Duration
	SweepInterval    time.Duration
	IdleTimeout      time.Duration

	MaxConnections          int
	KeepaliveInterval       time.Duration
	KeepaliveMissLimit      int
	InboundRatePerSec       float64
	InboundBurst            int
	SessionCreatePerMinute  int
	MaxPendingInputs        int
	OutboundQueueSize       int
	ConnectionCounterRedis  bool
	ConnectionCounterPrefix string

	VoiceProvider        string
	ProviderTimeout      time.Duration
	ChunkDeadline        time.Duration
	RetryBackoff         time.Duration
	DefaultLanguage      string
	DefaultVoice         string
	ElevenLabsAPIKey     string
	ElevenLabsWSBaseURL  string
	ElevenLabsTTSModel   string
	ElevenLabsSTTModel   string
	ElevenLabsSampleRate int

	ConfidenceThreshold float64
	ContextMaxTurns     int
	ContextMaxChars     int
	WakeWord            string

	AnswerEngineMode   string
	AnswerEngineURL    string
	AnswerStreamStrict bool

	AudioCacheTTL      time.Duration
	CacheSweepInterval time.Duration
	BlobBackend        string
	BlobDir            string
	S3Bucket           string
	S3Prefix           string
	S3Region           string

	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	RedisPrefix          string
	DatabaseURL          string
	InteractionRetention time.Duration
	InteractionQueueSize int
}

// source resolves a key from the environment first, then from an optional
// YAML file named by APP_CONFIG_FILE whose keys mirror the variable names.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v, ok := os.LookupEnv(key); ok && trimSpace(v) != "" {
		return trimSpace(v)
	}
	return trimSpace(s.file[key])
}

// Load reads environment variables (and APP_CONFIG_FILE) and applies safe defaults.
func Load() (Config, error) {
	src := source{}
	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}
	return load(src)
}

func load(src source) (Config, error) {
	cfg := Config{
		BindAddr:         src.envOrDefault("APP_BIND_ADDR", ":8080"),
		PublicBaseURL:    src.get("APP_PUBLIC_BASE_URL"),
		MetricsNamespace: src.envOrDefault("APP_METRICS_NAMESPACE", "voxgate"),
		LogLevel:         src.envOrDefault("LOG_LEVEL", "info"),
		ShutdownTimeout:  15 * time.Second,

		MaxSessions:      1000,
		SessionTTL:       2 * time.Minute,
		SessionGrace:     30 * time.Second,
		SessionRetention: 10 * time.Minute,
		SweepInterval:    5 * time.Second,
		// Observed default for the conversational idle window; tune per deployment.
		IdleTimeout: 30 * time.Second,

		MaxConnections:          1000,
		KeepaliveInterval:       15 * time.Second,
		KeepaliveMissLimit:      3,
		InboundRatePerSec:       50,
		InboundBurst:            100,
		SessionCreatePerMinute:  60,
		MaxPendingInputs:        4,
		OutboundQueueSize:       256,
		ConnectionCounterPrefix: src.envOrDefault("CONN_COUNTER_PREFIX", "voxgate:conns"),

		VoiceProvider:        src.envOrDefault("VOICE_PROVIDER", "auto"),
		ProviderTimeout:      8 * time.Second,
		ChunkDeadline:        2 * time.Second,
		RetryBackoff:         150 * time.Millisecond,
		DefaultLanguage:      src.envOrDefault("DEFAULT_LANGUAGE", "en-US"),
		DefaultVoice:         src.envOrDefault("DEFAULT_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		ElevenLabsAPIKey:     src.get("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:  src.envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSModel:   src.envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsSTTModel:   src.envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v2_realtime"),
		ElevenLabsSampleRate: 16000,

		ConfidenceThreshold: 0.5,
		ContextMaxTurns:     8,
		ContextMaxChars:     2000,
		WakeWord:            src.envOrDefault("WAKE_WORD", "assistant"),

		AnswerEngineMode: src.envOrDefault("ANSWER_ENGINE_MODE", "auto"),
		AnswerEngineURL:  src.get("ANSWER_ENGINE_URL"),

		AudioCacheTTL:      24 * time.Hour,
		CacheSweepInterval: time.Minute,
		BlobBackend:        src.envOrDefault("BLOB_BACKEND", "memory"),
		BlobDir:            src.envOrDefault("BLOB_DIR", ".data/audio"),
		S3Bucket:           src.get("S3_BUCKET"),
		S3Prefix:           src.envOrDefault("S3_PREFIX", "audio/"),
		S3Region:           src.get("S3_REGION"),

		RedisAddr:            src.get("REDIS_ADDR"),
		RedisPassword:        src.get("REDIS_PASSWORD"),
		RedisPrefix:          src.envOrDefault("REDIS_PREFIX", "voxgate:"),
		DatabaseURL:          src.get("DATABASE_URL"),
		InteractionRetention: 30 * 24 * time.Hour,
		InteractionQueueSize: 1024,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SESSION_TTL", &cfg.SessionTTL},
		{"SESSION_GRACE", &cfg.SessionGrace},
		{"SESSION_RETENTION", &cfg.SessionRetention},
		{"SESSION_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"SESSION_IDLE_TIMEOUT", &cfg.IdleTimeout},
		{"KEEPALIVE_INTERVAL", &cfg.KeepaliveInterval},
		{"PROVIDER_TIMEOUT", &cfg.ProviderTimeout},
		{"RECOGNITION_CHUNK_DEADLINE", &cfg.ChunkDeadline},
		{"PROVIDER_RETRY_BACKOFF", &cfg.RetryBackoff},
		{"AUDIO_CACHE_TTL", &cfg.AudioCacheTTL},
		{"AUDIO_CACHE_SWEEP_INTERVAL", &cfg.CacheSweepInterval},
		{"INTERACTION_RETENTION", &cfg.InteractionRetention},
	}
	for _, d := range durations {
		if *d.dst, err = src.durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SESSION_MAX_ACTIVE", &cfg.MaxSessions},
		{"GATEWAY_MAX_CONNECTIONS", &cfg.MaxConnections},
		{"KEEPALIVE_MISS_LIMIT", &cfg.KeepaliveMissLimit},
		{"INBOUND_BURST", &cfg.InboundBurst},
		{"SESSION_CREATE_PER_MINUTE", &cfg.SessionCreatePerMinute},
		{"SESSION_MAX_PENDING_INPUTS", &cfg.MaxPendingInputs},
		{"OUTBOUND_QUEUE_SIZE", &cfg.OutboundQueueSize},
		{"ELEVENLABS_SAMPLE_RATE", &cfg.ElevenLabsSampleRate},
		{"DIALOGUE_CONTEXT_MAX_TURNS", &cfg.ContextMaxTurns},
		{"DIALOGUE_CONTEXT_MAX_CHARS", &cfg.ContextMaxChars},
		{"REDIS_DB", &cfg.RedisDB},
		{"INTERACTION_QUEUE_SIZE", &cfg.InteractionQueueSize},
	}
	for _, n := range ints {
		if *n.dst, err = src.intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	if cfg.InboundRatePerSec, err = src.floatFromEnv("INBOUND_RATE_PER_SEC", cfg.InboundRatePerSec); err != nil {
		return Config{}, err
	}
	if cfg.ConfidenceThreshold, err = src.floatFromEnv("DIALOGUE_CONFIDENCE_THRESHOLD", cfg.ConfidenceThreshold); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = src.boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.LogPretty, err = src.boolFromEnv("LOG_PRETTY", cfg.LogPretty); err != nil {
		return Config{}, err
	}
	if cfg.AnswerStreamStrict, err = src.boolFromEnv("ANSWER_ENGINE_STREAM_STRICT", cfg.AnswerStreamStrict); err != nil {
		return Config{}, err
	}
	if cfg.ConnectionCounterRedis, err = src.boolFromEnv("CONN_COUNTER_REDIS", cfg.ConnectionCounterRedis); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxSessions <= 0 {
		return fmt.Errorf("SESSION_MAX_ACTIVE must be positive")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("GATEWAY_MAX_CONNECTIONS must be positive")
	}
	if c.SessionTTL < 5*time.Second {
		return fmt.Errorf("SESSION_TTL must be at least 5s")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive")
	}
	if c.KeepaliveInterval <= 0 || c.KeepaliveMissLimit <= 0 {
		return fmt.Errorf("KEEPALIVE_INTERVAL and KEEPALIVE_MISS_LIMIT must be positive")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("DIALOGUE_CONFIDENCE_THRESHOLD must be within [0,1]")
	}
	if c.ProviderTimeout <= 0 || c.ChunkDeadline <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT and RECOGNITION_CHUNK_DEADLINE must be positive")
	}
	switch strings.ToLower(c.BlobBackend) {
	case "memory", "fs":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND=s3")
		}
	default:
		return fmt.Errorf("invalid BLOB_BACKEND: %q (expected memory|fs|s3)", c.BlobBackend)
	}
	if c.ConnectionCounterRedis && c.RedisAddr == "" {
		return fmt.Errorf("CONN_COUNTER_REDIS requires REDIS_ADDR")
	}
	return nil
}

// KeepaliveTimeout is how long a connection may stay silent before it is lost.
func (c Config) KeepaliveTimeout() time.Duration {
	return c.KeepaliveInterval * time.Duration(c.KeepaliveMissLimit)
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		if v == nil {
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

func (s source) envOrDefault(key, fallback string) string {
	v := s.get(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func (s source) durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s source) intFromEnv(key string, fallback int) (int, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s source) floatFromEnv(key string, fallback float64) (float64, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func (s source) boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.get(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
