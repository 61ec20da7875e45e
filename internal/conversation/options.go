package conversation

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/voxgate/internal/dialogue"
	"github.com/ent0n29/voxgate/internal/interaction"
	"github.com/ent0n29/voxgate/internal/observability"
	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/recognition"
	"github.com/ent0n29/voxgate/internal/session"
	"github.com/ent0n29/voxgate/internal/synthesis"
)

// SessionTracker receives lifecycle updates for the session a machine drives.
type SessionTracker interface {
	Touch(id string) error
	SetPhase(id string, phase session.Phase) error
	RecordTurn(id string) error
	RecordInterrupt(id string) error
}

type Recognizer interface {
	Open(ctx context.Context, req recognition.Request) (*recognition.Stream, error)
}

type Responder interface {
	Respond(ctx context.Context, text string, dctx dialogue.Context) (dialogue.Reply, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req synthesis.Request) (synthesis.Result, error)
}

type Options struct {
	Sessions     SessionTracker
	Recognition  Recognizer
	Dialogue     Responder
	Synthesis    Synthesizer
	Interactions *interaction.Log

	// AudioURL turns a cache reference into the URL clients fetch it from.
	AudioURL func(ref string) string

	IdleTimeout      time.Duration
	MaxPendingInputs int
	ContextMaxTurns  int
	ContextMaxChars  int
	WakeWord         string
	SampleRate       int
	// FinalTranscriptDeadline bounds the wait for the committed transcript
	// after the final chunk.
	FinalTranscriptDeadline time.Duration
	// SendTimeout bounds how long a status, response or error frame may wait
	// for the writer before it is dropped.
	SendTimeout time.Duration

	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.MaxPendingInputs <= 0 {
		o.MaxPendingInputs = 4
	}
	if o.ContextMaxTurns <= 0 {
		o.ContextMaxTurns = 8
	}
	if o.ContextMaxChars <= 0 {
		o.ContextMaxChars = 4000
	}
	if o.SampleRate <= 0 {
		o.SampleRate = 16000
	}
	if o.FinalTranscriptDeadline <= 0 {
		o.FinalTranscriptDeadline = 8 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 600 * time.Millisecond
	}
	if o.AudioURL == nil {
		o.AudioURL = func(ref string) string { return "/v1/audio/" + ref }
	}
	return o
}

// Runner starts a Machine for each connection that attaches to a session.
type Runner struct {
	opts Options
}

func NewRunner(opts Options) *Runner {
	return &Runner{opts: opts}
}

func (r *Runner) RunConnection(ctx context.Context, s session.Session, inbound <-chan protocol.Frame, outbound chan<- protocol.Frame) error {
	return New(r.opts, s).Run(ctx, inbound, outbound)
}
