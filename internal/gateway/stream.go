package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ent0n29/voxgate/internal/logging"
	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/reliability"
)

const (
	writeWait       = 10 * time.Second
	maxFrameBytes   = 1 << 20
	controlQueueLen = 8
)

// closing is the last frame written before the socket is torn down.
type closing struct {
	frame  protocol.Frame
	code   int
	reason string
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondFailure(w, err)
		return
	}
	release, err := s.limiter.Acquire(r.Context())
	if err != nil {
		s.metrics.SessionEvent("connection_rejected")
		respondFailure(w, err)
		return
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	log := logging.ForSession("gateway", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		finalMu sync.Mutex
		final   *closing
		kicked  bool
	)
	closeWith := func(c closing) {
		finalMu.Lock()
		if final == nil {
			final = &c
		}
		finalMu.Unlock()
		cancel()
	}
	kick := func() {
		finalMu.Lock()
		kicked = true
		finalMu.Unlock()
		cancel()
	}

	detach, err := s.sessions.Attach(sessionID, kick)
	if err != nil {
		writeFinal(conn, closing{
			frame:  errorFrame(sessionID, err, false),
			code:   websocket.ClosePolicyViolation,
			reason: string(reliability.KindOf(err)),
		})
		return
	}
	defer detach()

	keepalive := s.cfg.KeepaliveTimeout()
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(keepalive))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(keepalive))
	})

	inbound := make(chan protocol.Frame, 16)
	outbound := make(chan protocol.Frame, max(s.cfg.OutboundQueueSize, 1))
	control := make(chan protocol.Frame, controlQueueLen)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx, cancel, conn, control, outbound)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		if err := s.conversations.RunConnection(ctx, *sess, inbound, outbound); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("conversation ended with error")
		}
	}()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer close(inbound)
		defer cancel()
		s.readLoop(ctx, conn, sessionID, keepalive, inbound, control, closeWith)
	}()

	<-ctx.Done()
	wg.Wait()

	finalMu.Lock()
	out, wasKicked := final, kicked
	finalMu.Unlock()
	if out == nil && wasKicked {
		out = s.kickReason(sessionID)
	}
	if out != nil {
		writeFinal(conn, *out)
	}
	_ = conn.Close()
	<-readerDone
	log.Info().Bool("kicked", wasKicked).Msg("stream closed")
}

func (s *Server) readLoop(
	ctx context.Context,
	conn *websocket.Conn,
	sessionID string,
	keepalive time.Duration,
	inbound chan<- protocol.Frame,
	control chan<- protocol.Frame,
	closeWith func(closing),
) {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.InboundRatePerSec), max(s.cfg.InboundBurst, 1))
	if s.cfg.InboundRatePerSec <= 0 {
		limiter.SetLimit(rate.Inf)
	}
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(keepalive))
		if msgType != websocket.TextMessage {
			closeWith(closing{
				frame:  protocolViolation(sessionID, "binary frames are not supported"),
				code:   websocket.CloseUnsupportedData,
				reason: string(reliability.KindProtocolViolation),
			})
			return
		}

		frame, err := protocol.ParseClientMessage(raw)
		if err != nil {
			s.metrics.WSMessage("in", "invalid")
			closeWith(closing{
				frame:  protocolViolation(sessionID, err.Error()),
				code:   websocket.ClosePolicyViolation,
				reason: string(reliability.KindProtocolViolation),
			})
			return
		}
		s.metrics.WSMessage("in", string(frame.FrameType()))

		if ping, ok := frame.(protocol.Ping); ok {
			_ = s.sessions.Touch(sessionID)
			pushControl(control, protocol.Pong{Type: protocol.TypePong, TSMs: ping.TSMs})
			continue
		}
		if !limiter.Allow() {
			s.metrics.SessionEvent("inbound_rate_limited")
			pushControl(control, protocol.Error{
				Type:      protocol.TypeError,
				SessionID: sessionID,
				Code:      string(reliability.KindCapacityExceeded),
				Message:   "Too many messages. Please slow down.",
				Retryable: true,
			})
			continue
		}

		select {
		case inbound <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop is the only goroutine that writes to conn while it is live.
func (s *Server) writeLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	control <-chan protocol.Frame,
	outbound <-chan protocol.Frame,
) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	write := func(frame protocol.Frame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			cancel()
			return false
		}
		s.metrics.WSMessage("out", string(frame.FrameType()))
		return true
	}

	for {
		select {
		case frame := <-control:
			if !write(frame) {
				return
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case frame := <-control:
			if !write(frame) {
				return
			}
		case frame := <-outbound:
			if !write(frame) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				cancel()
				return
			}
		}
	}
}

func (s *Server) kickReason(sessionID string) *closing {
	_, err := s.sessions.Get(sessionID)
	if err == nil {
		return &closing{code: websocket.CloseGoingAway, reason: "superseded"}
	}
	return &closing{
		frame:  errorFrame(sessionID, err, false),
		code:   websocket.CloseNormalClosure,
		reason: string(reliability.KindOf(err)),
	}
}

func pushControl(control chan<- protocol.Frame, frame protocol.Frame) {
	select {
	case control <- frame:
	default:
	}
}

func writeFinal(conn *websocket.Conn, c closing) {
	deadline := time.Now().Add(writeWait)
	if c.frame != nil {
		_ = conn.SetWriteDeadline(deadline)
		if raw, err := json.Marshal(c.frame); err == nil {
			_ = conn.WriteMessage(websocket.TextMessage, raw)
		}
	}
	code := c.code
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, c.reason), deadline)
}

func protocolViolation(sessionID, detail string) protocol.Error {
	return protocol.Error{
		Type:      protocol.TypeError,
		SessionID: sessionID,
		Code:      string(reliability.KindProtocolViolation),
		Message:   "Malformed message: " + detail,
	}
}

func errorFrame(sessionID string, err error, retryable bool) protocol.Error {
	return protocol.Error{
		Type:      protocol.TypeError,
		SessionID: sessionID,
		Code:      string(reliability.KindOf(err)),
		Message:   reliability.UserMessage(err),
		Retryable: retryable,
	}
}
