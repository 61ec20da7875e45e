// Package synthesis produces spoken audio for reply text and stores it in the
// audio cache so identical requests reuse one artifact.
package synthesis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/voxgate/internal/audio"
	"github.com/ent0n29/voxgate/internal/audiocache"
	"github.com/ent0n29/voxgate/internal/observability"
	"github.com/ent0n29/voxgate/internal/reliability"
	"github.com/ent0n29/voxgate/internal/voice"
)

var ErrEmptyText = errors.New("synthesis text is empty")

type Request struct {
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language"`
	Emotion  string `json:"emotion,omitempty"`
}

type Result struct {
	Entry  audiocache.Entry
	Cached bool
}

type Options struct {
	Provider     voice.TTSProvider
	Cache        *audiocache.Cache
	DefaultVoice string
	ModelID      string
	Deadline     time.Duration
	RetryBackoff time.Duration
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}

type Orchestrator struct {
	opts Options
}

func New(opts Options) *Orchestrator {
	if opts.Deadline <= 0 {
		opts.Deadline = 8 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 150 * time.Millisecond
	}
	return &Orchestrator{opts: opts}
}

// Synthesize returns the cached artifact for req, generating it on a miss.
// Provider failures surface as reliability.ErrProviderUnavailable.
func (o *Orchestrator) Synthesize(ctx context.Context, req Request) (Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Result{}, ErrEmptyText
	}
	voiceID := strings.TrimSpace(req.Voice)
	if voiceID == "" {
		voiceID = o.opts.DefaultVoice
	}
	key := audiocache.Key{Text: text, Voice: voiceID, Language: req.Language, Emotion: req.Emotion}

	start := time.Now()
	entry, cached, err := o.opts.Cache.GetOrCreate(ctx, key, func(ctx context.Context) (audiocache.Artifact, error) {
		return o.generate(ctx, voiceID, text, req)
	})
	if err != nil {
		return Result{}, err
	}
	o.opts.Metrics.ObserveTurnStage("synthesis", time.Since(start))
	o.opts.Logger.Debug().
		Str("ref", entry.Ref).
		Bool("cached", cached).
		Int64("duration_ms", entry.DurationMS).
		Msg("synthesized")
	return Result{Entry: entry, Cached: cached}, nil
}

func (o *Orchestrator) generate(ctx context.Context, voiceID, text string, req Request) (audiocache.Artifact, error) {
	provider := o.opts.Provider
	cfg := voice.TTSStreamConfig{
		VoiceID:  voiceID,
		ModelID:  o.opts.ModelID,
		Language: req.Language,
		Settings: voice.SettingsForEmotion(req.Emotion),
	}

	start := time.Now()
	pcm, err := reliability.RetryOnce(ctx, o.opts.RetryBackoff, func(ctx context.Context) ([]byte, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.opts.Deadline)
		defer cancel()
		pcm, err := voice.Synthesize(callCtx, provider, cfg, text)
		if err != nil {
			return nil, reliability.ProviderUnavailable("synthesis.generate", err)
		}
		return pcm, nil
	})
	if err != nil {
		o.opts.Metrics.ObserveProvider(provider.Name(), "tts", time.Since(start), string(reliability.KindOf(err)))
		return audiocache.Artifact{}, err
	}
	o.opts.Metrics.ObserveProvider(provider.Name(), "tts", time.Since(start), "")

	rate := provider.SampleRate()
	return audiocache.Artifact{
		Data:       audio.EncodeWAVPCM16LE(pcm, rate),
		Format:     "wav",
		SampleRate: rate,
		DurationMS: audio.Duration(len(pcm), rate).Milliseconds(),
	}, nil
}
