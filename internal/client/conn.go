// Package client is the conversational client: a reconnecting stream
// connection, the turn loop on top of it and the REST calls it needs.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/reliability"
)

var (
	ErrClosed       = errors.New("client: connection closed")
	ErrNotConnected = errors.New("client: not connected")
)

// TerminalError ends a Conn. No further reconnects are attempted.
type TerminalError struct {
	Attempts int
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("client: giving up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

type ConnOptions struct {
	Endpoint     string
	Header       http.Header
	Dialer       *websocket.Dialer
	MaxAttempts  int // consecutive failed dials before giving up
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PingInterval time.Duration
	MissLimit    int // unanswered pings before the link is considered lost
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.MissLimit <= 0 {
		o.MissLimit = 3
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Conn is a stream connection that survives network loss. At most one
// websocket is open at any time; the old one is closed before redialing.
type Conn struct {
	opts   ConnOptions
	logger zerolog.Logger
	frames chan protocol.Frame
	done   chan struct{}
	cancel context.CancelFunc

	mu         sync.Mutex
	ws         *websocket.Conn
	err        error
	live       int
	maxLive    int
	reconnects int

	writeMu sync.Mutex
	missed  atomic.Int32
}

// Dial opens the stream, retrying with backoff up to MaxAttempts.
func Dial(ctx context.Context, opts ConnOptions) (*Conn, error) {
	opts = opts.withDefaults()
	c := &Conn{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "client_conn").Logger(),
		frames: make(chan protocol.Frame, 64),
		done:   make(chan struct{}),
	}
	ws, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.attach(ws)
	go c.supervise(runCtx, ws)
	return c, nil
}

// Frames delivers server frames in order across reconnects. It is closed
// once the Conn is done.
func (c *Conn) Frames() <-chan protocol.Frame { return c.frames }

func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the Conn ended; nil while it is running.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Send writes one frame to the live websocket.
func (c *Conn) Send(ctx context.Context, frame protocol.Frame) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		select {
		case <-c.done:
			return ErrClosed
		default:
			return ErrNotConnected
		}
	}
	return c.write(ctx, ws, frame)
}

func (c *Conn) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	<-c.done
	return nil
}

func (c *Conn) write(ctx context.Context, ws *websocket.Conn, frame protocol.Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(deadline)
	return ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.Endpoint, c.opts.Header)
		if err == nil {
			return ws, nil
		}
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusNotFound:
				return nil, &TerminalError{Attempts: attempt, Err: reliability.New(reliability.KindSessionNotFound, "client.dial", "", err)}
			case http.StatusGone:
				return nil, &TerminalError{Attempts: attempt, Err: reliability.New(reliability.KindSessionExpired, "client.dial", "", err)}
			}
		}
		lastErr = err
		if attempt == c.opts.MaxAttempts {
			break
		}
		wait := reliability.ExponentialBackoff(attempt-1, c.opts.BaseBackoff, c.opts.MaxBackoff)
		c.logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("dial failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, &TerminalError{Attempts: c.opts.MaxAttempts, Err: lastErr}
}

func (c *Conn) attach(ws *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws = ws
	c.live++
	c.maxLive = max(c.maxLive, c.live)
	c.missed.Store(0)
}

func (c *Conn) detach(ws *websocket.Conn) {
	_ = ws.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == ws {
		c.ws = nil
		c.live--
	}
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.frames)
	close(c.done)
}

func (c *Conn) supervise(ctx context.Context, ws *websocket.Conn) {
	for {
		lost := c.serve(ctx, ws)
		c.detach(ws)
		if ctx.Err() != nil {
			c.finish(ErrClosed)
			return
		}
		if terminal := terminalCause(lost); terminal != nil {
			c.finish(&TerminalError{Attempts: 0, Err: terminal})
			return
		}
		c.logger.Warn().Err(lost).Msg("stream lost, reconnecting")

		next, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = ErrClosed
			}
			c.finish(err)
			return
		}
		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()
		c.attach(next)
		ws = next
	}
}

// errServerEnded carries the error frame the server sent before closing.
type errServerEnded struct{ frame protocol.Error }

func (e errServerEnded) Error() string { return e.frame.Code + ": " + e.frame.Message }

// serve reads ws until it fails and returns the cause.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go c.keepalive(ctx, ws, stop)

	var fatal *protocol.Error
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if fatal != nil {
				return errServerEnded{frame: *fatal}
			}
			return err
		}
		frame, err := protocol.ParseServerMessage(raw)
		if err != nil {
			c.logger.Debug().Err(err).Msg("skip unknown server frame")
			continue
		}
		switch f := frame.(type) {
		case protocol.Pong:
			c.missed.Store(0)
		case protocol.Error:
			switch reliability.Kind(f.Code) {
			case reliability.KindSessionExpired, reliability.KindSessionNotFound, reliability.KindProtocolViolation:
				fatal = &f
			}
		}
		select {
		case c.frames <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conn) keepalive(ctx context.Context, ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if int(c.missed.Add(1)) > c.opts.MissLimit {
				c.logger.Warn().Int("missed", c.opts.MissLimit).Msg("keepalive lost")
				_ = ws.Close()
				return
			}
			ping := protocol.Ping{Type: protocol.TypePing, TSMs: time.Now().UnixMilli()}
			if err := c.write(ctx, ws, ping); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

// terminalCause reports whether a lost stream must not be redialed.
func terminalCause(err error) error {
	var ended errServerEnded
	if errors.As(err, &ended) {
		return reliability.New(reliability.Kind(ended.frame.Code), "client.stream", ended.frame.Message, nil)
	}
	if websocket.IsCloseError(err, websocket.CloseGoingAway) {
		return fmt.Errorf("superseded by another connection: %w", err)
	}
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		return reliability.New(reliability.KindProtocolViolation, "client.stream", "", err)
	}
	return nil
}
