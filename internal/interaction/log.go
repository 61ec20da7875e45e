package interaction

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voxgate/internal/observability"
)

type LogOptions struct {
	Store     Store
	QueueSize int
	// Retention bounds how long interactions are kept; zero keeps them forever.
	Retention time.Duration
	// RecentLimit is the number of interactions kept in memory per session
	// for building dialogue context without a store round trip.
	RecentLimit int
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Log assigns sequence numbers and writes interactions to the store from a
// background worker. Record never blocks: when the queue is full the entry is
// dropped and counted.
type Log struct {
	store   Store
	queue   chan Interaction
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	retention   time.Duration
	recentLimit int

	mu       sync.Mutex
	sessions map[string]*sessionLog
	closed   bool

	done chan struct{}
}

type sessionLog struct {
	seq    int64
	recent []Interaction
}

func NewLog(opts LogOptions) *Log {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 32
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Log{
		store:       opts.Store,
		queue:       make(chan Interaction, opts.QueueSize),
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
		retention:   opts.Retention,
		recentLimit: opts.RecentLimit,
		sessions:    make(map[string]*sessionLog),
		done:        make(chan struct{}),
	}
	go l.run()
	return l
}

// Record stamps it with an id, sequence number and time, redacts its text
// and queues it for storage. The stamped interaction is returned.
func (l *Log) Record(it Interaction) (Interaction, bool) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = l.now().UTC()
	}
	if redacted, changed := RedactPII(it.Text); changed {
		it.Text = redacted
		it.PIIRedacted = true
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return it, false
	}
	s := l.sessions[it.SessionID]
	if s == nil {
		s = &sessionLog{}
		l.sessions[it.SessionID] = s
	}
	s.seq++
	it.Seq = s.seq
	s.recent = append(s.recent, it)
	if over := len(s.recent) - l.recentLimit; over > 0 {
		s.recent = append(s.recent[:0:0], s.recent[over:]...)
	}

	// Enqueue under the lock so the store sees each session in Seq order.
	select {
	case l.queue <- it:
		l.mu.Unlock()
		return it, true
	default:
		l.mu.Unlock()
		l.metrics.InteractionDropped()
		l.logger.Warn().
			Str("session_id", it.SessionID).
			Int64("seq", it.Seq).
			Str("type", string(it.Type)).
			Msg("interaction log queue full, dropping entry")
		return it, false
	}
}

// Recent returns up to limit of the session's latest interactions from memory,
// oldest first.
func (l *Log) Recent(sessionID string, limit int) []Interaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.sessions[sessionID]
	if s == nil {
		return nil
	}
	arr := s.recent
	if limit > 0 && limit < len(arr) {
		arr = arr[len(arr)-limit:]
	}
	out := make([]Interaction, len(arr))
	copy(out, arr)
	return out
}

// History reads the session's interactions from the store.
func (l *Log) History(ctx context.Context, sessionID string, limit int) ([]Interaction, error) {
	return l.store.List(ctx, sessionID, limit)
}

// Forget releases the in-memory state of a finished session.
func (l *Log) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

func (l *Log) run() {
	defer close(l.done)
	for it := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := l.store.Append(ctx, it); err != nil {
			l.logger.Warn().Err(err).
				Str("session_id", it.SessionID).
				Int64("seq", it.Seq).
				Msg("interaction append failed")
		}
		cancel()
	}
}

// Purge applies the retention window once.
func (l *Log) Purge(ctx context.Context) (int64, error) {
	if l.retention <= 0 {
		return 0, nil
	}
	return l.store.Purge(ctx, l.now().Add(-l.retention))
}

func (l *Log) StartJanitor(ctx context.Context, interval time.Duration) {
	if l.retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := l.Purge(ctx)
				if err != nil {
					l.logger.Warn().Err(err).Msg("interaction purge failed")
					continue
				}
				if n > 0 {
					l.logger.Debug().Int64("removed", n).Msg("interaction purge")
				}
			}
		}
	}()
}

// Close stops accepting entries and waits for queued ones to be written, or
// for ctx to end.
func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.store.Close()
}
