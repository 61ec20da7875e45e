// Package dialogue decides how to answer a finished transcript: classify the
// intent, clarify when unsure, handle navigation and greetings locally and
// delegate everything else to the answer engine.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ent0n29/voxgate/internal/answer"
	"github.com/ent0n29/voxgate/internal/observability"
	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/reliability"
)

// Context carries who is asking and the bounded recent history.
type Context struct {
	SessionID string
	TurnID    string
	UserID    string
	Project   string
	Language  string
	Turns     []answer.Turn
}

type Reply struct {
	Text             string
	Intent           Intent
	Confidence       float64
	Entities         map[string]string
	Sources          []protocol.Source
	SuggestedActions []protocol.SuggestedAction
	Clarification    bool
}

type Options struct {
	Engine              answer.Engine
	ConfidenceThreshold float64
	EngineTimeout       time.Duration
	RetryBackoff        time.Duration
	Metrics             *observability.Metrics
	Logger              zerolog.Logger
}

type Orchestrator struct {
	opts Options
}

func New(opts Options) *Orchestrator {
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.5
	}
	if opts.EngineTimeout <= 0 {
		opts.EngineTimeout = 8 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 150 * time.Millisecond
	}
	if opts.Engine == nil {
		opts.Engine = answer.NewMockEngine()
	}
	return &Orchestrator{opts: opts}
}

func (o *Orchestrator) Classify(text, language string) Classification {
	return Classify(text, language)
}

// Respond produces the reply for one finished user utterance.
func (o *Orchestrator) Respond(ctx context.Context, text string, dctx Context) (Reply, error) {
	class := Classify(text, dctx.Language)
	reply := Reply{Intent: class.Intent, Confidence: class.Confidence, Entities: class.Entities}

	if class.Confidence < o.opts.ConfidenceThreshold {
		reply.Text = localize(dctx.Language, msgClarify)
		reply.Clarification = true
		return reply, nil
	}

	switch class.Intent {
	case IntentGreeting:
		reply.Text = localize(dctx.Language, msgGreeting)
		return reply, nil
	case IntentNavigation:
		return o.navigate(reply, dctx.Language), nil
	}

	start := time.Now()
	ans, err := reliability.RetryOnce(ctx, o.opts.RetryBackoff, func(ctx context.Context) (answer.Answer, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.opts.EngineTimeout)
		defer cancel()
		ans, err := o.opts.Engine.Respond(callCtx, answer.Request{
			SessionID: dctx.SessionID,
			TurnID:    dctx.TurnID,
			UserID:    dctx.UserID,
			Project:   dctx.Project,
			Language:  dctx.Language,
			Query:     strings.TrimSpace(text),
			Context:   dctx.Turns,
		}, nil)
		if err != nil && ctx.Err() == nil && reliability.KindOf(err) == reliability.KindInternal {
			// Unclassified engine failures and per-call deadlines are outages.
			err = reliability.ProviderUnavailable("dialogue.answer", err)
		}
		return ans, err
	})
	if err != nil {
		o.opts.Metrics.ObserveProvider("answer_engine", "respond", time.Since(start), string(reliability.KindOf(err)))
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		o.opts.Logger.Warn().Err(err).Str("session_id", dctx.SessionID).Msg("answer engine failed")
		return Reply{}, err
	}
	o.opts.Metrics.ObserveProvider("answer_engine", "respond", time.Since(start), "")

	reply.Text = strings.TrimSpace(ans.Text)
	if reply.Text == "" {
		reply.Text = localize(dctx.Language, msgNoAnswer)
	}
	for _, src := range ans.Sources {
		reply.Sources = append(reply.Sources, protocol.Source{Title: src.Title, URL: src.URL})
	}
	return reply, nil
}

func (o *Orchestrator) navigate(reply Reply, language string) Reply {
	target := reply.Entities["target"]
	if target == "back" {
		reply.Text = localize(language, msgNavigatingBack)
		reply.SuggestedActions = []protocol.SuggestedAction{{Action: "navigate_back"}}
		return reply
	}
	reply.Text = fmt.Sprintf(localize(language, msgNavigating), target)
	reply.SuggestedActions = []protocol.SuggestedAction{{
		Action: "navigate",
		Params: map[string]any{"target": target},
	}}
	return reply
}

// BuildContext keeps the most recent turns that fit within maxTurns and
// maxChars, preserving chronological order. turns must be oldest first.
func BuildContext(turns []answer.Turn, maxTurns, maxChars int) []answer.Turn {
	if maxTurns <= 0 || len(turns) == 0 {
		return nil
	}
	start := len(turns)
	chars := 0
	for i := len(turns) - 1; i >= 0 && len(turns)-i <= maxTurns; i-- {
		n := utf8.RuneCountInString(turns[i].Text)
		if maxChars > 0 && chars+n > maxChars {
			break
		}
		chars += n
		start = i
	}
	out := make([]answer.Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}

// IsUnavailable reports whether err should be surfaced as a provider outage.
func IsUnavailable(err error) bool {
	return errors.Is(err, reliability.ErrProviderUnavailable)
}
