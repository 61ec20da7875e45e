package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/reliability"
)

var (
	ErrBusy        = errors.New("client: a turn is already in progress")
	ErrBackingOff  = errors.New("client: backing off after an error")
	ErrStreamEnded = errors.New("client: stream ended")
)

// LoopState is the client-side turn state. Exactly one of Idle, Listening,
// AwaitingTurn or ErrorBackoff.
type LoopState interface {
	loopState()
	String() string
}

type Idle struct{}

type Listening struct {
	Since time.Time
}

type AwaitingTurn struct {
	Since time.Time
}

type ErrorBackoff struct {
	Until time.Time
	Cause error
}

func (Idle) loopState()         {}
func (Listening) loopState()    {}
func (AwaitingTurn) loopState() {}
func (ErrorBackoff) loopState() {}

func (Idle) String() string         { return "idle" }
func (Listening) String() string    { return "listening" }
func (AwaitingTurn) String() string { return "awaiting_turn" }
func (ErrorBackoff) String() string { return "error_backoff" }

// Transport is the stream a Loop talks over; *Conn implements it.
type Transport interface {
	Send(ctx context.Context, frame protocol.Frame) error
	Frames() <-chan protocol.Frame
}

// TurnResult is what the server produced for one user input.
type TurnResult struct {
	Transcript *protocol.Transcription
	Response   *protocol.Response
	Errors     []protocol.Error
	EndReason  string // status message that closed the turn, if any
}

type LoopOptions struct {
	Player       Player
	ErrorBackoff time.Duration
	TurnTimeout  time.Duration
	Logger       zerolog.Logger
	Now          func() time.Time
	// OnFrame observes every server frame, e.g. to print partial transcripts.
	OnFrame func(protocol.Frame)
}

// Loop drives one conversation turn at a time and mirrors the server phase.
type Loop struct {
	transport Transport
	opts      LoopOptions
	logger    zerolog.Logger

	mu    sync.Mutex
	state LoopState
	phase string
}

func NewLoop(t Transport, opts LoopOptions) *Loop {
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 2 * time.Second
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 45 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loop{
		transport: t,
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "client_loop").Logger(),
		state:     Idle{},
		phase:     "idle",
	}
}

func (l *Loop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ServerPhase is the last phase the server reported.
func (l *Loop) ServerPhase() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// begin moves Idle (or an expired ErrorBackoff) into next.
func (l *Loop) begin(next LoopState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch s := l.state.(type) {
	case Idle:
	case ErrorBackoff:
		if l.opts.Now().Before(s.Until) {
			return ErrBackingOff
		}
	default:
		return ErrBusy
	}
	l.state = next
	return nil
}

func (l *Loop) set(next LoopState) {
	l.mu.Lock()
	l.state = next
	l.mu.Unlock()
}

// Ask sends a text turn and waits for it to finish.
func (l *Loop) Ask(ctx context.Context, text string) (TurnResult, error) {
	if err := l.begin(AwaitingTurn{Since: l.opts.Now()}); err != nil {
		return TurnResult{}, err
	}
	if err := l.transport.Send(ctx, protocol.TextInput{Type: protocol.TypeTextInput, Text: text}); err != nil {
		l.backoff(err)
		return TurnResult{}, err
	}
	return l.await(ctx)
}

// Say streams capture as one utterance and waits for the turn to finish.
func (l *Loop) Say(ctx context.Context, capture Capture) (TurnResult, error) {
	if err := l.begin(Listening{Since: l.opts.Now()}); err != nil {
		return TurnResult{}, err
	}
	if err := l.stream(ctx, capture); err != nil {
		l.backoff(err)
		return TurnResult{}, err
	}
	l.set(AwaitingTurn{Since: l.opts.Now()})
	return l.await(ctx)
}

// Interrupt asks the server to stop the current turn.
func (l *Loop) Interrupt(ctx context.Context) error {
	return l.transport.Send(ctx, protocol.Control{
		Type:   protocol.TypeControl,
		Action: protocol.ActionInterrupt,
		Reason: "user",
	})
}

func (l *Loop) stream(ctx context.Context, capture Capture) error {
	err := l.transport.Send(ctx, protocol.Control{Type: protocol.TypeControl, Action: protocol.ActionCaptureStart})
	if err != nil {
		return err
	}
	var (
		seq     int64
		pending []byte
	)
	for {
		chunk, err := capture.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		if pending != nil {
			if err := l.transport.Send(ctx, protocol.NewAudioChunk(pending, seq, false, capture.SampleRate())); err != nil {
				return err
			}
			seq++
		}
		pending = chunk
	}
	return l.transport.Send(ctx, protocol.NewAudioChunk(pending, seq, true, capture.SampleRate()))
}

func (l *Loop) await(ctx context.Context) (TurnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.TurnTimeout)
	defer cancel()

	var res TurnResult
	for {
		select {
		case <-ctx.Done():
			l.backoff(ctx.Err())
			return res, ctx.Err()
		case frame, ok := <-l.transport.Frames():
			if !ok {
				l.set(ErrorBackoff{Until: l.opts.Now().Add(l.opts.ErrorBackoff), Cause: ErrStreamEnded})
				return res, ErrStreamEnded
			}
			if l.opts.OnFrame != nil {
				l.opts.OnFrame(frame)
			}
			done, err := l.handle(ctx, frame, &res)
			if err != nil {
				return res, err
			}
			if done {
				l.set(Idle{})
				return res, nil
			}
		}
	}
}

func (l *Loop) handle(ctx context.Context, frame protocol.Frame, res *TurnResult) (bool, error) {
	switch f := frame.(type) {
	case protocol.Transcription:
		if f.IsFinal {
			res.Transcript = &f
		}
	case protocol.Response:
		res.Response = &f
		if f.AudioReference != nil && l.opts.Player != nil {
			if err := l.opts.Player.Play(ctx, *f.AudioReference); err != nil {
				l.logger.Warn().Err(err).Str("audio_id", f.AudioReference.ID).Msg("playback failed")
			}
			err := l.transport.Send(ctx, protocol.Control{Type: protocol.TypeControl, Action: protocol.ActionPlaybackComplete})
			if err != nil {
				l.backoff(err)
				return false, err
			}
		}
	case protocol.Error:
		res.Errors = append(res.Errors, f)
		if f.Code == string(reliability.KindInvalidSequence) || (f.Code == string(reliability.KindProviderUnavailable) && res.Response != nil) {
			// Non-fatal to the turn: a skipped chunk or audio-less reply.
			return false, nil
		}
		err := reliability.New(reliability.Kind(f.Code), "client.turn", f.Message, nil)
		l.backoff(err)
		return false, err
	case protocol.Status:
		l.mu.Lock()
		l.phase = f.Phase
		l.mu.Unlock()
		if f.Phase != "idle" {
			return false, nil
		}
		if res.Response != nil || f.Message != "" {
			res.EndReason = f.Message
			return true, nil
		}
		// An idle status before any reply is left over from connect.
	}
	return false, nil
}

func (l *Loop) backoff(cause error) {
	l.set(ErrorBackoff{Until: l.opts.Now().Add(l.opts.ErrorBackoff), Cause: cause})
}
