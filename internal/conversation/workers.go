package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/voxgate/internal/dialogue"
	"github.com/ent0n29/voxgate/internal/recognition"
	"github.com/ent0n29/voxgate/internal/reliability"
	"github.com/ent0n29/voxgate/internal/synthesis"
)

// event is a worker result posted to the machine's mailbox.
type event interface {
	generation() int64
}

type transcriptEvent struct {
	gen    int64
	turnID string
	result recognition.Result
}

type captureFailed struct {
	gen    int64
	turnID string
	err    error
}

type turnResult struct {
	gen      int64
	turnID   string
	reply    dialogue.Reply
	audio    *synthesis.Result
	err      error
	synthErr error
}

func (e transcriptEvent) generation() int64 { return e.gen }
func (e captureFailed) generation() int64   { return e.gen }
func (e turnResult) generation() int64      { return e.gen }

func (m *Machine) handleEvent(ev event) {
	switch e := ev.(type) {
	case transcriptEvent:
		m.onTranscript(e)
	case captureFailed:
		if m.turn != nil && m.turn.id == e.turnID {
			m.fail(e.err)
		}
	case turnResult:
		m.onTurnResult(e)
	}
}

// post hands ev to the machine unless the turn was cancelled first.
func (m *Machine) post(ctx context.Context, ev event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

// runCapture owns the recognition stream for one audio turn. It forwards
// chunks in the order the machine accepted them and reports partial and final
// transcripts.
func (m *Machine) runCapture(ctx context.Context, gen int64, turnID string, chunks <-chan chunk) {
	failed := func(err error) {
		m.post(ctx, captureFailed{gen: gen, turnID: turnID, err: err})
	}

	stream, err := m.opts.Recognition.Open(ctx, recognition.Request{
		SessionID:  m.sess.ID,
		Language:   m.sess.Language,
		SampleRate: m.opts.SampleRate,
	})
	if err != nil {
		if ctx.Err() == nil {
			failed(err)
		}
		return
	}
	defer stream.Close()

	results := stream.Results()
	var finalTimer <-chan time.Time
	timer := time.NewTimer(m.opts.FinalTranscriptDeadline)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if err := stream.Send(ctx, c.pcm, c.final); err != nil {
				if ctx.Err() == nil {
					failed(err)
				}
				return
			}
			if c.final {
				timer.Reset(m.opts.FinalTranscriptDeadline)
				finalTimer = timer.C
			}
		case r, ok := <-results:
			if !ok {
				err := stream.Err()
				if err == nil {
					err = reliability.ProviderUnavailable("conversation.capture", errors.New("recognition stream ended without transcript"))
				}
				failed(err)
				return
			}
			m.post(ctx, transcriptEvent{gen: gen, turnID: turnID, result: r})
			if r.IsFinal {
				discard(ctx, chunks)
				return
			}
		case <-finalTimer:
			failed(reliability.ProviderUnavailable("conversation.capture", context.DeadlineExceeded))
			return
		}
	}
}

// discard drains chunks that arrive after the provider committed early, so
// the machine never blocks handing them over.
func discard(ctx context.Context, chunks <-chan chunk) {
	if chunks == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-chunks:
			if !ok {
				return
			}
		}
	}
}

// runTurn asks the dialogue layer for a reply and synthesizes it. A synthesis
// failure still delivers the text.
func (m *Machine) runTurn(ctx context.Context, gen int64, turnID, text string, dctx dialogue.Context) {
	start := time.Now()
	reply, err := m.opts.Dialogue.Respond(ctx, text, dctx)
	if err != nil {
		if ctx.Err() == nil {
			m.post(ctx, turnResult{gen: gen, turnID: turnID, err: err})
		}
		return
	}
	m.opts.Metrics.ObserveTurnStage("dialogue", time.Since(start))

	res := turnResult{gen: gen, turnID: turnID, reply: reply}
	if m.opts.Synthesis != nil {
		audio, err := m.opts.Synthesis.Synthesize(ctx, synthesis.Request{
			Text:     reply.Text,
			Voice:    m.sess.VoicePreference,
			Language: m.sess.Language,
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			res.synthErr = err
		} else {
			res.audio = &audio
		}
	}
	m.post(ctx, res)
}
