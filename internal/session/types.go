package session

import "time"

// Phase is the conversational state a session is in. Exactly one at a time.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseListening  Phase = "listening"
	PhaseProcessing Phase = "processing"
	PhaseSpeaking   Phase = "speaking"
	PhaseError      Phase = "error"
)

// Valid reports whether p is one of the five defined phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIdle, PhaseListening, PhaseProcessing, PhaseSpeaking, PhaseError:
		return true
	}
	return false
}

type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
	StatusExpired    Status = "expired"
)

// Session is the record owned by the Manager. Callers always receive copies.
type Session struct {
	ID                string    `json:"session_id"`
	Project           string    `json:"project"`
	UserID            string    `json:"user_id"`
	Language          string    `json:"language"`
	VoicePreference   string    `json:"voice_preference,omitempty"`
	Status            Status    `json:"status"`
	Phase             Phase     `json:"phase"`
	Connected         bool      `json:"connected"`
	TurnCount         int       `json:"turn_count"`
	InterruptionCount int       `json:"interruption_count"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	DetachedAt        time.Time `json:"detached_at,omitempty"`
	EndedAt           time.Time `json:"ended_at,omitempty"`
}

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	Project         string `json:"project"`
	UserID          string `json:"user_id,omitempty"`
	Language        string `json:"language"`
	VoicePreference string `json:"voice_preference,omitempty"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	StreamEndpoint  string    `json:"stream_endpoint"`
	ExpiresAt       time.Time `json:"expires_at"`
	InitialGreeting string    `json:"initial_greeting,omitempty"`
	Language        string    `json:"language"`
	Phase           Phase     `json:"phase"`
}
