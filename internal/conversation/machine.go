// Package conversation runs the per-session state machine that moves a
// connection through listening, processing and speaking.
//
// A Machine is an actor: Run owns every piece of state and is the only
// goroutine that touches it. Inbound frames and results from the recognition
// and turn workers arrive over channels, so transitions are serialized
// without locks. Each turn carries a generation number; barge-in, interrupt
// and idle timeout bump it and cancel the turn's context, and any result
// tagged with an older generation is dropped.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voxgate/internal/answer"
	"github.com/ent0n29/voxgate/internal/dialogue"
	"github.com/ent0n29/voxgate/internal/interaction"
	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/recognition"
	"github.com/ent0n29/voxgate/internal/reliability"
	"github.com/ent0n29/voxgate/internal/session"
)

// maxPendingFrames bounds buffered audio chunks of queued utterances.
const maxPendingFrames = 512

type Machine struct {
	opts   Options
	sess   session.Session
	logger zerolog.Logger

	events chan event
	out    chan<- protocol.Frame
	wg     sync.WaitGroup
	ctx    context.Context

	phase session.Phase
	gen   int64
	turn  *turnState

	pending       []pendingFrame
	pendingInputs int
	pendingAudio  bool

	idle *time.Timer
}

type turnState struct {
	id        string
	gen       int64
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	// Audio capture; nil for typed turns.
	chunks    chan chunk
	explicit  bool
	lastSeq   int64
	finalSent bool
}

type chunk struct {
	pcm   []byte
	final bool
}

type pendingFrame struct {
	frame   protocol.Frame
	counted bool
}

func New(opts Options, s session.Session) *Machine {
	opts = opts.withDefaults()
	return &Machine{
		opts:   opts,
		sess:   s,
		logger: opts.Logger.With().Str("session_id", s.ID).Logger(),
		events: make(chan event, 64),
		phase:  session.PhaseIdle,
	}
}

// Run drives the session until inbound is closed or ctx is done. Frames are
// written to out; Run never closes it. All workers have exited when Run
// returns.
func (m *Machine) Run(ctx context.Context, inbound <-chan protocol.Frame, out chan<- protocol.Frame) error {
	ctx, cancel := context.WithCancel(ctx)
	m.ctx = ctx
	m.out = out
	m.idle = time.NewTimer(m.opts.IdleTimeout)
	defer func() {
		m.idle.Stop()
		m.endTurn()
		cancel()
		m.wg.Wait()
	}()

	// A previous connection may have left the record mid-turn.
	if err := m.opts.Sessions.SetPhase(m.sess.ID, m.phase); err != nil {
		m.logger.Debug().Err(err).Msg("set session phase")
	}
	m.sendStatus("")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-inbound:
			if !ok {
				return nil
			}
			m.activity()
			if err := m.opts.Sessions.Touch(m.sess.ID); err != nil {
				m.logger.Debug().Err(err).Msg("touch session")
			}
			m.handleFrame(frame)
		case ev := <-m.events:
			if ev.generation() != m.gen {
				m.opts.Metrics.SessionEvent("stale_result_dropped")
				continue
			}
			m.activity()
			m.handleEvent(ev)
		case <-m.idle.C:
			m.onIdleTimeout()
		}
		m.drainPending()
	}
}

func (m *Machine) handleFrame(frame protocol.Frame) {
	if _, ping := frame.(protocol.Ping); !ping && m.phase == session.PhaseError {
		m.setPhase(session.PhaseIdle, "")
	}
	switch f := frame.(type) {
	case protocol.AudioChunk:
		m.onAudioChunk(f)
	case protocol.TextInput:
		m.onTextInput(f)
	case protocol.NavigationCommand:
		m.onNavigation(f)
	case protocol.Control:
		m.onControl(f)
	case protocol.Ping:
		m.send(protocol.Pong{Type: protocol.TypePong, TSMs: f.TSMs})
	default:
		m.logger.Debug().Str("type", string(frame.FrameType())).Msg("ignoring frame")
	}
}

func (m *Machine) onAudioChunk(f protocol.AudioChunk) {
	switch m.phase {
	case session.PhaseProcessing:
		m.enqueue(f)
		return
	case session.PhaseListening:
	case session.PhaseSpeaking:
		m.bargeIn()
		m.startCapture(false)
	default:
		m.startCapture(false)
	}
	m.routeChunk(f)
}

func (m *Machine) routeChunk(f protocol.AudioChunk) {
	t := m.turn
	if f.Sequence <= t.lastSeq {
		m.opts.Metrics.SessionEvent("invalid_sequence")
		m.logger.Warn().
			Int64("sequence", f.Sequence).
			Int64("last_sequence", t.lastSeq).
			Str("phase", string(m.phase)).
			Msg("audio chunk out of order")
		m.sendError(reliability.New(reliability.KindInvalidSequence, "conversation.audio", "", nil), false)
		return
	}
	t.lastSeq = f.Sequence

	select {
	case t.chunks <- chunk{pcm: f.PCM, final: f.IsFinal}:
	default:
		// The recognizer has fallen a full buffer behind.
		m.fail(reliability.ProviderUnavailable("conversation.audio", errors.New("recognition backlog full")))
		return
	}
	if f.IsFinal {
		t.finalSent = true
		close(t.chunks)
		m.setPhase(session.PhaseProcessing, "")
	}
}

func (m *Machine) onTextInput(f protocol.TextInput) {
	switch m.phase {
	case session.PhaseProcessing:
		m.enqueue(f)
		return
	case session.PhaseSpeaking:
		m.bargeIn()
	}
	m.beginTurn()
	r := recognition.FromText(f.Text)
	m.send(protocol.Transcription{
		Type:       protocol.TypeTranscription,
		SessionID:  m.sess.ID,
		TurnID:     m.turn.id,
		Text:       r.Text,
		IsFinal:    true,
		Confidence: r.Confidence,
	})
	m.setPhase(session.PhaseProcessing, "")
	m.respond(r)
}

func (m *Machine) onNavigation(f protocol.NavigationCommand) {
	if m.phase == session.PhaseListening || m.phase == session.PhaseProcessing {
		m.enqueue(f)
		return
	}
	m.record(interaction.Interaction{
		Type:    interaction.TypeNavigation,
		Intent:  string(dialogue.IntentNavigation),
		Payload: map[string]any{"action": f.Action, "params": f.Params, "origin": "client"},
	})
	m.send(protocol.Response{
		Type:             protocol.TypeResponse,
		SessionID:        m.sess.ID,
		Intent:           string(dialogue.IntentNavigation),
		SuggestedActions: []protocol.SuggestedAction{{Action: f.Action, Params: f.Params}},
	})
}

func (m *Machine) onControl(f protocol.Control) {
	switch f.Action {
	case protocol.ActionCaptureStart:
		switch m.phase {
		case session.PhaseListening:
			// Already capturing; a second start is ignored.
		case session.PhaseProcessing:
			m.enqueue(f)
		case session.PhaseSpeaking:
			m.bargeIn()
			m.startCapture(true)
		default:
			m.startCapture(true)
		}
	case protocol.ActionPlaybackComplete:
		if m.phase == session.PhaseSpeaking {
			m.endTurn()
			m.setPhase(session.PhaseIdle, "")
		}
	case protocol.ActionInterrupt:
		if m.phase == session.PhaseIdle {
			return
		}
		if m.phase == session.PhaseSpeaking {
			if err := m.opts.Sessions.RecordInterrupt(m.sess.ID); err != nil {
				m.logger.Debug().Err(err).Msg("record interrupt")
			}
		}
		m.endTurn()
		m.clearPending()
		m.opts.Metrics.SessionEvent("interrupted")
		m.opts.Metrics.ObserveIndicator("interrupt")
		m.setPhase(session.PhaseIdle, "interrupted")
	}
}

// bargeIn cancels the turn being spoken so its output can never follow the
// new input.
func (m *Machine) bargeIn() {
	m.endTurn()
	m.opts.Metrics.SessionEvent("barge_in")
	m.opts.Metrics.ObserveIndicator("barge_in")
	if err := m.opts.Sessions.RecordInterrupt(m.sess.ID); err != nil {
		m.logger.Debug().Err(err).Msg("record interrupt")
	}
}

// beginTurn replaces any current turn with a new generation.
func (m *Machine) beginTurn() {
	m.endTurn()
	ctx, cancel := context.WithCancel(m.ctx)
	m.turn = &turnState{
		id:        uuid.NewString(),
		gen:       m.gen,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
		lastSeq:   -1,
	}
}

// endTurn cancels the current turn. Results still in flight for it carry
// the old generation and are dropped on arrival.
func (m *Machine) endTurn() {
	m.gen++
	if m.turn == nil {
		return
	}
	m.turn.cancel()
	m.turn = nil
}

func (m *Machine) startCapture(explicit bool) {
	m.beginTurn()
	t := m.turn
	t.chunks = make(chan chunk, 256)
	t.explicit = explicit

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runCapture(t.ctx, t.gen, t.id, t.chunks)
	}()
	m.setPhase(session.PhaseListening, "")
}

func (m *Machine) onTranscript(ev transcriptEvent) {
	t := m.turn
	if t == nil || t.id != ev.turnID {
		return
	}
	m.send(protocol.Transcription{
		Type:       protocol.TypeTranscription,
		SessionID:  m.sess.ID,
		TurnID:     t.id,
		Text:       ev.result.Text,
		IsFinal:    ev.result.IsFinal,
		Confidence: ev.result.Confidence,
	})
	if !ev.result.IsFinal {
		return
	}

	t.finalSent = true
	result := ev.result
	if m.opts.WakeWord != "" && !t.explicit {
		rest, ok := stripWakeWord(result.Text, m.opts.WakeWord)
		if !ok {
			m.opts.Metrics.SessionEvent("wake_word_missing")
			m.endTurn()
			m.setPhase(session.PhaseIdle, "")
			return
		}
		result.Text = rest
	}
	if strings.TrimSpace(result.Text) == "" {
		m.endTurn()
		m.setPhase(session.PhaseIdle, "no_speech")
		return
	}
	m.opts.Metrics.ObserveTurnStage("recognition", time.Since(t.startedAt))
	m.setPhase(session.PhaseProcessing, "")
	m.respond(result)
}

// respond logs the user's utterance and starts the dialogue worker.
func (m *Machine) respond(r recognition.Result) {
	t := m.turn
	dctx := dialogue.Context{
		SessionID: m.sess.ID,
		TurnID:    t.id,
		UserID:    m.sess.UserID,
		Project:   m.sess.Project,
		Language:  m.sess.Language,
		Turns:     m.dialogueContext(),
	}
	m.record(interaction.Interaction{
		Type:       interaction.TypeRecognition,
		Text:       r.Text,
		Confidence: r.Confidence,
		Payload:    map[string]any{"turn_id": t.id},
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runTurn(t.ctx, t.gen, t.id, r.Text, dctx)
	}()
}

func (m *Machine) onTurnResult(ev turnResult) {
	t := m.turn
	if t == nil || t.id != ev.turnID {
		return
	}
	if ev.err != nil {
		m.fail(ev.err)
		return
	}

	reply := ev.reply
	resp := protocol.Response{
		Type:             protocol.TypeResponse,
		SessionID:        m.sess.ID,
		TurnID:           t.id,
		Text:             reply.Text,
		Intent:           string(reply.Intent),
		Sources:          reply.Sources,
		SuggestedActions: reply.SuggestedActions,
	}
	payload := map[string]any{"turn_id": t.id}
	if ev.audio != nil {
		e := ev.audio.Entry
		resp.AudioReference = &protocol.AudioReference{
			ID:         e.Ref,
			URL:        m.opts.AudioURL(e.Ref),
			Format:     e.Format,
			DurationMS: e.DurationMS,
		}
		payload["audio_ref"] = e.Ref
		payload["cached"] = ev.audio.Cached
	}
	if len(reply.SuggestedActions) > 0 {
		payload["suggested_actions"] = reply.SuggestedActions
	}
	m.record(interaction.Interaction{
		Type:       interaction.TypeResponse,
		Text:       reply.Text,
		Confidence: reply.Confidence,
		Intent:     string(reply.Intent),
		Entities:   reply.Entities,
		Payload:    payload,
	})
	if err := m.opts.Sessions.RecordTurn(m.sess.ID); err != nil {
		m.logger.Debug().Err(err).Msg("record turn")
	}
	m.send(resp)
	m.opts.Metrics.ObserveTurnStage("turn_total", time.Since(t.startedAt))

	if resp.AudioReference == nil {
		if ev.synthErr != nil {
			m.logger.Warn().Err(ev.synthErr).Str("turn_id", t.id).Msg("reply sent without audio")
			m.opts.Metrics.ObserveIndicator("text_only_reply")
			m.sendError(ev.synthErr, true)
		}
		m.endTurn()
		m.setPhase(session.PhaseIdle, "")
		return
	}
	m.opts.Metrics.ObserveFirstAudioLatency(time.Since(t.startedAt))
	m.setPhase(session.PhaseSpeaking, "")
}

// fail surfaces a turn failure and parks the machine in the error phase until
// the next user action.
func (m *Machine) fail(err error) {
	m.logger.Warn().Err(err).
		Str("phase", string(m.phase)).
		Str("kind", string(reliability.KindOf(err))).
		Msg("turn failed")
	m.record(interaction.Interaction{
		Type: interaction.TypeError,
		Text: reliability.UserMessage(err),
		Payload: map[string]any{
			"code":  string(reliability.KindOf(err)),
			"phase": string(m.phase),
		},
	})
	m.sendError(err, true)
	m.endTurn()
	m.setPhase(session.PhaseError, string(reliability.KindOf(err)))
}

func (m *Machine) onIdleTimeout() {
	m.idle.Reset(m.opts.IdleTimeout)
	if m.phase == session.PhaseIdle {
		return
	}
	m.opts.Metrics.SessionEvent("idle_timeout")
	m.logger.Info().Str("phase", string(m.phase)).Msg("idle timeout")
	m.endTurn()
	m.clearPending()
	m.setPhase(session.PhaseIdle, "idle_timeout")
}

func (m *Machine) activity() {
	if !m.idle.Stop() {
		select {
		case <-m.idle.C:
		default:
		}
	}
	m.idle.Reset(m.opts.IdleTimeout)
}

func (m *Machine) setPhase(next session.Phase, message string) {
	if next == m.phase && message == "" {
		return
	}
	if next != m.phase {
		m.opts.Metrics.PhaseTransition(string(m.phase), string(next))
		m.logger.Debug().Str("from", string(m.phase)).Str("to", string(next)).Msg("phase transition")
	}
	m.phase = next
	if m.ctx.Err() != nil {
		return
	}
	if err := m.opts.Sessions.SetPhase(m.sess.ID, next); err != nil {
		m.logger.Debug().Err(err).Msg("set session phase")
	}
	m.sendStatus(message)
}

func (m *Machine) enqueue(f protocol.Frame) {
	c, isChunk := f.(protocol.AudioChunk)
	// Chunks after the first of a queued utterance ride on its slot.
	counted := !isChunk || !m.pendingAudio
	if (counted && m.pendingInputs >= m.opts.MaxPendingInputs) || len(m.pending) >= maxPendingFrames {
		m.opts.Metrics.SessionEvent("pending_input_rejected")
		m.sendError(reliability.New(reliability.KindCapacityExceeded, "conversation.enqueue",
			"Still working on the previous request. Please wait.", nil), true)
		return
	}
	if isChunk {
		m.pendingAudio = !c.IsFinal
	}
	if counted {
		m.pendingInputs++
	}
	m.pending = append(m.pending, pendingFrame{frame: f, counted: counted})
}

func (m *Machine) clearPending() {
	m.pending = nil
	m.pendingInputs = 0
	m.pendingAudio = false
}

// drainPending replays queued input once the machine can accept it.
func (m *Machine) drainPending() {
	for len(m.pending) > 0 && (m.phase == session.PhaseIdle || m.phase == session.PhaseError) {
		next := m.pending[0]
		m.pending = m.pending[1:]
		if next.counted {
			m.pendingInputs--
		}
		if len(m.pending) == 0 {
			m.pendingAudio = false
		}
		m.handleFrame(next.frame)
	}
}

func (m *Machine) dialogueContext() []answer.Turn {
	if m.opts.Interactions == nil {
		return nil
	}
	recent := m.opts.Interactions.Recent(m.sess.ID, m.opts.ContextMaxTurns*2)
	turns := make([]answer.Turn, 0, len(recent))
	for _, it := range recent {
		switch it.Type {
		case interaction.TypeRecognition:
			turns = append(turns, answer.Turn{Role: "user", Text: it.Text})
		case interaction.TypeResponse:
			turns = append(turns, answer.Turn{Role: "assistant", Text: it.Text})
		}
	}
	return dialogue.BuildContext(turns, m.opts.ContextMaxTurns, m.opts.ContextMaxChars)
}

func (m *Machine) record(it interaction.Interaction) {
	if m.opts.Interactions == nil {
		return
	}
	it.SessionID = m.sess.ID
	m.opts.Interactions.Record(it)
}

func (m *Machine) sendStatus(message string) {
	m.send(protocol.Status{
		Type:      protocol.TypeStatus,
		SessionID: m.sess.ID,
		Phase:     string(m.phase),
		Message:   message,
	})
}

func (m *Machine) sendError(err error, retryable bool) {
	kind := reliability.KindOf(err)
	msg := reliability.UserMessage(err)
	if kind == reliability.KindProviderUnavailable {
		msg = dialogue.Unavailable(m.sess.Language)
	}
	m.send(protocol.Error{
		Type:      protocol.TypeError,
		SessionID: m.sess.ID,
		Code:      string(kind),
		Message:   msg,
		Retryable: retryable,
	})
}

// send delivers f to the writer. Transcription partials are dropped when the
// writer is behind; everything else waits up to SendTimeout.
func (m *Machine) send(f protocol.Frame) {
	critical := true
	if t, ok := f.(protocol.Transcription); ok && !t.IsFinal {
		critical = false
	}
	if !critical {
		select {
		case m.out <- f:
			m.opts.Metrics.WSMessage("outbound", string(f.FrameType()))
		default:
			m.opts.Metrics.SessionEvent("outbound_drop")
		}
		return
	}
	timer := time.NewTimer(m.opts.SendTimeout)
	defer timer.Stop()
	select {
	case m.out <- f:
		m.opts.Metrics.WSMessage("outbound", string(f.FrameType()))
	case <-timer.C:
		m.opts.Metrics.SessionEvent("outbound_drop")
		m.logger.Warn().Str("type", string(f.FrameType())).Msg("outbound frame dropped")
	case <-m.ctx.Done():
	}
}

func stripWakeWord(text, wake string) (string, bool) {
	fields := strings.Fields(text)
	want := strings.Fields(strings.ToLower(wake))
	if len(want) == 0 || len(fields) < len(want) {
		return "", false
	}
	for i, w := range want {
		if strings.ToLower(strings.Trim(fields[i], ",.!?;:")) != w {
			return "", false
		}
	}
	return strings.Join(fields[len(want):], " "), true
}
