// Package answer adapts external knowledge/answer engines behind one
// interface. Retrieval and ranking live in the engine, not here.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Turn is one prior exchange passed to the engine as context.
type Turn struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// Request is the normalized request sent to an engine.
type Request struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	UserID    string `json:"user_id,omitempty"`
	Project   string `json:"project,omitempty"`
	Language  string `json:"language"`
	Query     string `json:"query"`
	Context   []Turn `json:"context,omitempty"`
}

type Source struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// Answer is the final response after any streamed deltas.
type Answer struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources,omitempty"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

type Engine interface {
	Respond(ctx context.Context, req Request, onDelta DeltaHandler) (Answer, error)
}

// Config controls engine construction.
type Config struct {
	Mode         string // auto, http, mock
	URL          string
	StreamStrict bool
	Timeout      time.Duration
}

func NewEngine(cfg Config) (Engine, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return NewFallbackEngine(NewHTTPEngine(cfg.URL, cfg.StreamStrict, cfg.Timeout), NewMockEngine()), nil
		}
		return NewMockEngine(), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("answer engine url is required for http mode")
		}
		return NewHTTPEngine(cfg.URL, cfg.StreamStrict, cfg.Timeout), nil
	case "mock":
		return NewMockEngine(), nil
	default:
		return nil, fmt.Errorf("unsupported answer engine mode %q", cfg.Mode)
	}
}
