package voice

import "strings"

// SettingsForEmotion maps an emotion hint onto provider voice settings.
// Unknown or empty hints get neutral defaults.
func SettingsForEmotion(emotion string) TTSSettings {
	switch strings.ToLower(strings.TrimSpace(emotion)) {
	case "calm", "soft":
		return TTSSettings{Stability: 0.7, SimilarityBoost: 0.85, Speed: 0.92}
	case "excited", "happy":
		return TTSSettings{Stability: 0.3, SimilarityBoost: 0.8, Speed: 1.08}
	case "serious":
		return TTSSettings{Stability: 0.6, SimilarityBoost: 0.9, Speed: 0.97}
	default:
		return TTSSettings{Stability: 0.42, SimilarityBoost: 0.85, Speed: 1.0}
	}
}

func (s TTSSettings) normalized() TTSSettings {
	if s.Stability <= 0 {
		s.Stability = 0.42
	}
	s.Stability = clamp(s.Stability, 0, 1)
	if s.SimilarityBoost <= 0 {
		s.SimilarityBoost = 0.85
	}
	s.SimilarityBoost = clamp(s.SimilarityBoost, 0, 1)
	if s.Speed <= 0 {
		s.Speed = 1.0
	}
	s.Speed = clamp(s.Speed, 0.7, 1.2)
	return s
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
