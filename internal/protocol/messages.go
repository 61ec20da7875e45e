package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeAudioChunk        MessageType = "audio_chunk"
	TypeTextInput         MessageType = "text_input"
	TypeNavigationCommand MessageType = "navigation_command"
	TypeControl           MessageType = "control"
	TypePing              MessageType = "ping"

	TypeTranscription MessageType = "transcription"
	TypeResponse      MessageType = "response"
	TypeStatus        MessageType = "status"
	TypePong          MessageType = "pong"
	TypeError         MessageType = "error"
)

// Control actions accepted from clients.
const (
	ActionCaptureStart     = "capture_start"
	ActionPlaybackComplete = "playback_complete"
	ActionInterrupt        = "interrupt"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

// Frame is implemented by every message that travels over the stream.
type Frame interface {
	FrameType() MessageType
}

type Envelope struct {
	Type MessageType `json:"type"`
}

// AudioChunk carries one base64 encoded PCM16LE slice of a user utterance.
type AudioChunk struct {
	Type       MessageType `json:"type"`
	Data       string      `json:"data"`
	Sequence   int64       `json:"sequence"`
	IsFinal    bool        `json:"is_final"`
	SampleRate int         `json:"sample_rate,omitempty"`

	PCM []byte `json:"-"`
}

type TextInput struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type NavigationCommand struct {
	Type   MessageType    `json:"type"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

type Control struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
	Reason string      `json:"reason,omitempty"`
}

type Ping struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

type Transcription struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TurnID     string      `json:"turn_id,omitempty"`
	Text       string      `json:"text"`
	IsFinal    bool        `json:"is_final"`
	Confidence float64     `json:"confidence"`
}

// AudioReference points at a cached synthesized artifact.
type AudioReference struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Format     string `json:"format"`
	DurationMS int64  `json:"duration_ms"`
}

type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

type SuggestedAction struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

type Response struct {
	Type             MessageType       `json:"type"`
	SessionID        string            `json:"session_id"`
	TurnID           string            `json:"turn_id,omitempty"`
	Text             string            `json:"text"`
	Intent           string            `json:"intent,omitempty"`
	AudioReference   *AudioReference   `json:"audio_reference,omitempty"`
	Sources          []Source          `json:"sources,omitempty"`
	SuggestedActions []SuggestedAction `json:"suggested_actions,omitempty"`
}

type Status struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Phase     string      `json:"phase"`
	Message   string      `json:"message,omitempty"`
}

type Pong struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

type Error struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

func (AudioChunk) FrameType() MessageType        { return TypeAudioChunk }
func (TextInput) FrameType() MessageType         { return TypeTextInput }
func (NavigationCommand) FrameType() MessageType { return TypeNavigationCommand }
func (Control) FrameType() MessageType           { return TypeControl }
func (Ping) FrameType() MessageType              { return TypePing }
func (Transcription) FrameType() MessageType     { return TypeTranscription }
func (Response) FrameType() MessageType          { return TypeResponse }
func (Status) FrameType() MessageType            { return TypeStatus }
func (Pong) FrameType() MessageType              { return TypePong }
func (Error) FrameType() MessageType             { return TypeError }

// ParseClientMessage decodes and validates one client frame.
func ParseClientMessage(raw []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Sequence < 0 {
			return nil, fmt.Errorf("%w: audio_chunk sequence must be >= 0", ErrInvalidMessage)
		}
		if msg.Data == "" && !msg.IsFinal {
			return nil, fmt.Errorf("%w: audio_chunk without data", ErrInvalidMessage)
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: audio_chunk data: %v", ErrInvalidMessage, err)
		}
		msg.PCM = pcm
		return msg, nil
	case TypeTextInput:
		var msg TextInput
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.Text == "" {
			return nil, fmt.Errorf("%w: empty text_input", ErrInvalidMessage)
		}
		return msg, nil
	case TypeNavigationCommand:
		var msg NavigationCommand
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Action) == "" {
			return nil, fmt.Errorf("%w: navigation_command without action", ErrInvalidMessage)
		}
		return msg, nil
	case TypeControl:
		var msg Control
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionCaptureStart, ActionPlaybackComplete, ActionInterrupt:
		default:
			return nil, fmt.Errorf("%w: unknown control action %q", ErrInvalidMessage, msg.Action)
		}
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes a server frame; used by clients.
func ParseServerMessage(raw []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	var (
		out Frame
		err error
	)
	switch env.Type {
	case TypeTranscription:
		var msg Transcription
		err = json.Unmarshal(raw, &msg)
		out = msg
	case TypeResponse:
		var msg Response
		err = json.Unmarshal(raw, &msg)
		out = msg
	case TypeStatus:
		var msg Status
		err = json.Unmarshal(raw, &msg)
		out = msg
	case TypePong:
		var msg Pong
		err = json.Unmarshal(raw, &msg)
		out = msg
	case TypeError:
		var msg Error
		err = json.Unmarshal(raw, &msg)
		out = msg
	default:
		return nil, ErrUnsupportedType
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NewAudioChunk encodes pcm for the wire.
func NewAudioChunk(pcm []byte, seq int64, final bool, sampleRate int) AudioChunk {
	return AudioChunk{
		Type:       TypeAudioChunk,
		Data:       base64.StdEncoding.EncodeToString(pcm),
		Sequence:   seq,
		IsFinal:    final,
		SampleRate: sampleRate,
		PCM:        pcm,
	}
}
