// Package interaction keeps the append-only log of what happened in each
// session: transcripts, replies, navigation and errors.
package interaction

import (
	"context"
	"time"
)

type Type string

const (
	TypeRecognition Type = "recognition"
	TypeResponse    Type = "response"
	TypeNavigation  Type = "navigation"
	TypeError       Type = "error"
)

// Interaction is one logged event. Seq is monotonic within a session.
type Interaction struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	Seq         int64             `json:"seq"`
	Type        Type              `json:"type"`
	Text        string            `json:"text,omitempty"`
	Confidence  float64           `json:"confidence,omitempty"`
	Intent      string            `json:"intent,omitempty"`
	Entities    map[string]string `json:"entities,omitempty"`
	Payload     map[string]any    `json:"payload,omitempty"`
	PIIRedacted bool              `json:"pii_redacted,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Store persists interactions.
type Store interface {
	Append(ctx context.Context, it Interaction) error
	// List returns the newest limit interactions of a session in Seq order.
	List(ctx context.Context, sessionID string, limit int) ([]Interaction, error)
	// Purge deletes interactions created before the cutoff.
	Purge(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
