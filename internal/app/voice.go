package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/voxgate/internal/config"
	"github.com/ent0n29/voxgate/internal/voice"
)

type voiceSetup struct {
	registry       *voice.Registry
	stt            voice.STTProvider
	tts            voice.TTSProvider
	resolved       string
	defaultVoiceID string
	defaultModelID string
	detail         string
}

// resolveVoiceProviders fills the provider registry from config and picks the
// active pair. It runs once per process.
func resolveVoiceProviders(cfg config.Config) (voiceSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "auto"
	}

	reg := voice.NewRegistry()
	mock := voice.NewMockProvider()
	hasKey := strings.TrimSpace(cfg.ElevenLabsAPIKey) != ""
	var eleven *voice.ElevenLabsProvider
	if hasKey {
		eleven = voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:     cfg.ElevenLabsAPIKey,
			WSBaseURL:  cfg.ElevenLabsWSBaseURL,
			STTModelID: cfg.ElevenLabsSTTModel,
			TTSModelID: cfg.ElevenLabsTTSModel,
			SampleRate: cfg.ElevenLabsSampleRate,
		})
	}

	setup := voiceSetup{registry: reg, defaultVoiceID: cfg.DefaultVoice}
	switch mode {
	case "mock":
		reg.RegisterSTT(mock)
		reg.RegisterTTS(mock)
		setup.detail = "mock"
	case "elevenlabs":
		if eleven == nil {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
		reg.RegisterSTT(eleven)
		reg.RegisterTTS(eleven)
		setup.defaultModelID = cfg.ElevenLabsTTSModel
		setup.detail = "elevenlabs realtime"
	case "auto":
		if eleven == nil {
			reg.RegisterSTT(mock)
			reg.RegisterTTS(mock)
			setup.detail = "mock (no ELEVENLABS_API_KEY)"
			break
		}
		// Primary first so the failover pair becomes the default.
		stt, tts := voice.NewFailoverProviderPair(eleven, eleven, mock, mock, "")
		reg.RegisterSTT(stt)
		reg.RegisterTTS(tts)
		reg.RegisterSTT(eleven)
		reg.RegisterTTS(eleven)
		reg.RegisterSTT(mock)
		reg.RegisterTTS(mock)
		setup.defaultModelID = cfg.ElevenLabsTTSModel
		setup.detail = "elevenlabs realtime with mock failover"
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER %q (expected auto|elevenlabs|mock)", cfg.VoiceProvider)
	}

	stt, err := reg.STT("")
	if err != nil {
		return voiceSetup{}, err
	}
	tts, err := reg.TTS("")
	if err != nil {
		return voiceSetup{}, err
	}
	setup.stt, setup.tts = stt, tts
	setup.resolved = tts.Name()
	return setup, nil
}
