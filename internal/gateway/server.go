// Package gateway exposes the HTTP API and the per-session websocket stream.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voxgate/internal/audio"
	"github.com/ent0n29/voxgate/internal/audiocache"
	"github.com/ent0n29/voxgate/internal/config"
	"github.com/ent0n29/voxgate/internal/dialogue"
	"github.com/ent0n29/voxgate/internal/interaction"
	"github.com/ent0n29/voxgate/internal/observability"
	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/recognition"
	"github.com/ent0n29/voxgate/internal/reliability"
	"github.com/ent0n29/voxgate/internal/session"
	"github.com/ent0n29/voxgate/internal/synthesis"
)

// Conversations runs the state machine for one attached connection.
type Conversations interface {
	RunConnection(ctx context.Context, s session.Session, inbound <-chan protocol.Frame, outbound chan<- protocol.Frame) error
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req synthesis.Request) (synthesis.Result, error)
}

type Recognizer interface {
	Recognize(ctx context.Context, req recognition.Request, chunks [][]byte) (recognition.Result, error)
}

type AudioSource interface {
	Open(ctx context.Context, ref string) (audiocache.Entry, []byte, error)
}

type Deps struct {
	Config        config.Config
	Sessions      *session.Manager
	Conversations Conversations
	Synthesis     Synthesizer
	Recognition   Recognizer
	Audio         AudioSource
	Interactions  *interaction.Log
	Limiter       ConnLimiter
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
}

type Server struct {
	cfg           config.Config
	sessions      *session.Manager
	conversations Conversations
	synthesis     Synthesizer
	recognition   Recognizer
	audio         AudioSource
	interactions  *interaction.Log
	limiter       ConnLimiter
	metrics       *observability.Metrics
	logger        zerolog.Logger
	ready         func(ctx context.Context) error
	upgrader      websocket.Upgrader
}

func New(d Deps) *Server {
	if d.Limiter == nil {
		d.Limiter = NewLocalLimiter(d.Config.MaxConnections)
	}
	cfg := d.Config
	return &Server{
		cfg:           cfg,
		sessions:      d.Sessions,
		conversations: d.Conversations,
		synthesis:     d.Synthesis,
		recognition:   d.Recognition,
		audio:         d.Audio,
		interactions:  d.Interactions,
		limiter:       d.Limiter,
		metrics:       d.Metrics,
		logger:        d.Logger,
		ready:         d.Ready,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handlePerfReset)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.With(s.createLimit()).Post("/", s.handleCreateSession)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleEndSession)
		r.Get("/{id}/interactions", s.handleListInteractions)
		r.Get("/{id}/stream", s.handleStream)
	})
	r.Post("/v1/synthesize", s.handleSynthesize)
	r.Post("/v1/recognize", s.handleRecognize)
	r.Get("/v1/audio/{ref}", s.handleAudio)

	return r
}

func (s *Server) createLimit() func(http.Handler) http.Handler {
	if s.cfg.SessionCreatePerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		s.cfg.SessionCreatePerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			respondError(w, http.StatusTooManyRequests, "rate_limited", "too many sessions created, slow down")
		}),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.TurnStageSnapshot())
}

func (s *Server) handlePerfReset(w http.ResponseWriter, _ *http.Request) {
	s.metrics.ResetTurnStages()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Project) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "project is required")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = s.cfg.DefaultLanguage
	}
	if strings.TrimSpace(req.VoicePreference) == "" {
		req.VoicePreference = s.cfg.DefaultVoice
	}

	sess, err := s.sessions.Create(req)
	if err != nil {
		s.metrics.SessionEvent("rejected")
		respondFailure(w, err)
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.SessionEvent("created")
	s.logger.Info().
		Str("session_id", sess.ID).
		Str("project", sess.Project).
		Str("language", sess.Language).
		Msg("session created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		StreamEndpoint:  streamEndpoint(s.cfg.PublicBaseURL, sess.ID),
		ExpiresAt:       sess.ExpiresAt,
		InitialGreeting: dialogue.Welcome(sess.Language),
		Language:        sess.Language,
		Phase:           sess.Phase,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Terminate(id)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if s.interactions != nil {
		s.interactions.Forget(id)
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.SessionEvent("ended")
	respondJSON(w, http.StatusOK, map[string]any{
		"acknowledged": true,
		"session":      sess,
	})
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil && !errors.Is(err, reliability.ErrSessionExpired) {
		respondFailure(w, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	if s.interactions == nil {
		respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "interactions": []interaction.Interaction{}})
		return
	}
	items, err := s.interactions.History(r.Context(), id, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("list interactions")
		respondError(w, http.StatusInternalServerError, "internal", "could not load interactions")
		return
	}
	if items == nil {
		items = []interaction.Interaction{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "interactions": items})
}

type synthesizeResponse struct {
	AudioReference protocol.AudioReference `json:"audio_reference"`
	DurationMS     int64                   `json:"duration_ms"`
	Format         string                  `json:"format"`
	Cached         bool                    `json:"cached"`
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if s.synthesis == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "synthesis not configured")
		return
	}
	var req synthesis.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = s.cfg.DefaultLanguage
	}

	res, err := s.synthesis.Synthesize(r.Context(), req)
	if err != nil {
		s.logger.Warn().Err(err).Msg("synthesize request failed")
		respondFailure(w, err)
		return
	}
	e := res.Entry
	respondJSON(w, http.StatusOK, synthesizeResponse{
		AudioReference: protocol.AudioReference{
			ID:         e.Ref,
			URL:        AudioURL(s.cfg.PublicBaseURL, e.Ref),
			Format:     e.Format,
			DurationMS: e.DurationMS,
		},
		DurationMS: e.DurationMS,
		Format:     e.Format,
		Cached:     res.Cached,
	})
}

type recognizeRequest struct {
	AudioBase64 string `json:"audio_base64"`
	Language    string `json:"language"`
	SampleRate  int    `json:"sample_rate,omitempty"`
}

// recognizeChunkBytes is 100ms of 16kHz PCM16.
const recognizeChunkBytes = 3200

func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	if s.recognition == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "recognition not configured")
		return
	}
	var req recognizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.AudioBase64)
	if err != nil || len(raw) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "audio_base64 must be non-empty base64")
		return
	}
	pcm, rate := raw, req.SampleRate
	if decoded, format, err := audio.DecodeWAV(raw); err == nil {
		pcm, rate = decoded, format.SampleRate
	} else if !errors.Is(err, audio.ErrNotWAV) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = s.cfg.DefaultLanguage
	}

	result, err := s.recognition.Recognize(r.Context(), recognition.Request{
		SessionID:  "rest",
		Language:   req.Language,
		SampleRate: rate,
	}, audio.Split(pcm, recognizeChunkBytes))
	if err != nil {
		s.logger.Warn().Err(err).Msg("recognize request failed")
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	if s.audio == nil {
		respondError(w, http.StatusNotFound, "audio_not_found", "audio not found")
		return
	}
	ref := chi.URLParam(r, "ref")
	entry, data, err := s.audio.Open(r.Context(), ref)
	if errors.Is(err, audiocache.ErrNotFound) {
		respondError(w, http.StatusNotFound, "audio_not_found", "audio not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("ref", ref).Msg("open audio")
		respondError(w, http.StatusInternalServerError, "internal", "could not load audio")
		return
	}
	w.Header().Set("Content-Type", audiocache.ContentType(entry.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// AudioURL is where clients fetch a cached artifact.
func AudioURL(base, ref string) string {
	return strings.TrimRight(base, "/") + "/v1/audio/" + ref
}

func streamEndpoint(base, id string) string {
	path := "/v1/sessions/" + id + "/stream"
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + path
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + path
	default:
		return base + path
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 8<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondFailure maps a classified error onto its HTTP status.
func respondFailure(w http.ResponseWriter, err error) {
	kind := reliability.KindOf(err)
	respondError(w, statusFor(kind), string(kind), reliability.UserMessage(err))
}

func statusFor(kind reliability.Kind) int {
	switch kind {
	case reliability.KindCapacityExceeded, reliability.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case reliability.KindSessionNotFound:
		return http.StatusNotFound
	case reliability.KindSessionExpired:
		return http.StatusGone
	case reliability.KindProtocolViolation, reliability.KindInvalidSequence:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
