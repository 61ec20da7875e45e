package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// NewFailoverProviderPair returns STT and TTS providers that share one
// primary/fallback switch. A failed start on the primary moves both to the
// fallback, which stays in use until it fails to start; then the primary is
// tried again.
func NewFailoverProviderPair(
	primarySTT STTProvider,
	primaryTTS TTSProvider,
	fallbackSTT STTProvider,
	fallbackTTS TTSProvider,
	fallbackVoiceID string,
) (STTProvider, TTSProvider) {
	sw := &failoverSwitch{}
	return &failoverSTT{sw: sw, primary: primarySTT, fallback: fallbackSTT},
		&failoverTTS{sw: sw, primary: primaryTTS, fallback: fallbackTTS, fallbackVoice: strings.TrimSpace(fallbackVoiceID)}
}

type failoverSwitch struct {
	onFallback atomic.Bool
}

// failoverStart runs the preferred backend first and the other one on failure,
// flipping the switch when the non-preferred backend is the one that works.
func failoverStart[T any](sw *failoverSwitch, kind string, primary, fallback func() (T, error)) (T, error) {
	first, second := primary, fallback
	firstName, secondName := "primary", "fallback"
	useFallback := sw.onFallback.Load()
	if useFallback {
		first, second = fallback, primary
		firstName, secondName = secondName, firstName
	}

	out, err1 := first()
	if err1 == nil {
		return out, nil
	}
	out, err2 := second()
	if err2 != nil {
		var zero T
		return zero, errors.Join(
			fmt.Errorf("%s %s: %w", kind, firstName, err1),
			fmt.Errorf("%s %s: %w", kind, secondName, err2),
		)
	}
	sw.onFallback.Store(!useFallback)
	return out, nil
}

type failoverSTT struct {
	sw       *failoverSwitch
	primary  STTProvider
	fallback STTProvider
}

func (p *failoverSTT) Name() string { return p.primary.Name() + "+" + p.fallback.Name() }

type sttStart struct {
	session STTSession
	events  <-chan STTEvent
}

func (p *failoverSTT) StartSession(ctx context.Context, cfg STTSessionConfig) (STTSession, <-chan STTEvent, error) {
	open := func(provider STTProvider) func() (sttStart, error) {
		return func() (sttStart, error) {
			s, ev, err := provider.StartSession(ctx, cfg)
			return sttStart{session: s, events: ev}, err
		}
	}
	got, err := failoverStart(p.sw, "stt", open(p.primary), open(p.fallback))
	if err != nil {
		return nil, nil, err
	}
	return got.session, got.events, nil
}

type failoverTTS struct {
	sw            *failoverSwitch
	primary       TTSProvider
	fallback      TTSProvider
	fallbackVoice string
}

func (p *failoverTTS) Name() string { return p.primary.Name() + "+" + p.fallback.Name() }

// SampleRate reports the rate of whichever backend is currently serving.
func (p *failoverTTS) SampleRate() int {
	if p.sw.onFallback.Load() {
		return p.fallback.SampleRate()
	}
	return p.primary.SampleRate()
}

func (p *failoverTTS) StartStream(ctx context.Context, cfg TTSStreamConfig) (TTSStream, error) {
	return failoverStart(p.sw, "tts",
		func() (TTSStream, error) { return p.primary.StartStream(ctx, cfg) },
		func() (TTSStream, error) {
			// Voice and model ids are provider specific.
			fb := cfg
			if p.fallbackVoice != "" {
				fb.VoiceID = p.fallbackVoice
			}
			fb.ModelID = ""
			return p.fallback.StartStream(ctx, fb)
		},
	)
}
