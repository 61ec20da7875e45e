package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voxgate/internal/reliability"
)

var (
	ErrNotFound = reliability.ErrSessionNotFound
	ErrExpired  = reliability.ErrSessionExpired
	ErrCapacity = reliability.ErrCapacityExceeded
)

const storeTimeout = 2 * time.Second

// Options configures a Manager.
type Options struct {
	MaxSessions int
	TTL         time.Duration // extended on every touch
	Grace       time.Duration // how long a disconnected session survives
	Retention   time.Duration // how long ended sessions are remembered
	Store       Store
	Logger      zerolog.Logger
	Now         func() time.Time
}

type entry struct {
	s        Session
	release  func()
	attachID uint64
}

// Manager owns session records and enforces the live-session ceiling.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	live     int
	attachID uint64
	opts     Options
	onExpire func(*Session)
}

func NewManager(opts Options) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 1000
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Minute
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		sessions: make(map[string]*entry),
		opts:     opts,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers a new session or rejects it when the ceiling is reached.
func (m *Manager) Create(req CreateRequest) (*Session, error) {
	now := m.opts.Now()

	m.mu.Lock()
	if m.live >= m.opts.MaxSessions {
		m.mu.Unlock()
		return nil, reliability.New(reliability.KindCapacityExceeded, "session.create", "", nil)
	}
	e := &entry{s: Session{
		ID:              uuid.NewString(),
		Project:         req.Project,
		UserID:          req.UserID,
		Language:        req.Language,
		VoicePreference: req.VoicePreference,
		Status:          StatusActive,
		Phase:           PhaseIdle,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.opts.TTL),
		LastActivityAt:  now,
	}}
	m.sessions[e.s.ID] = e
	m.live++
	out := e.s
	m.mu.Unlock()

	m.persist(out, m.opts.TTL+m.opts.Retention)
	return &out, nil
}

// Get returns a copy of the session. Ended sessions report ErrExpired.
func (m *Manager) Get(id string) (*Session, error) {
	now := m.opts.Now()
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		out := e.s
		m.mu.Unlock()
		if out.Status != StatusActive || now.After(out.ExpiresAt) {
			return &out, ErrExpired
		}
		return &out, nil
	}
	m.mu.Unlock()

	if m.opts.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if stored, err := m.opts.Store.Load(ctx, id); err == nil {
			return &stored, ErrExpired
		}
	}
	return nil, ErrNotFound
}

// Touch records activity and pushes the expiry forward; it never moves it back.
func (m *Manager) Touch(id string) error {
	now := m.opts.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.activeLocked(id, now)
	if err != nil {
		return err
	}
	e.s.LastActivityAt = now
	if next := now.Add(m.opts.TTL); next.After(e.s.ExpiresAt) {
		e.s.ExpiresAt = next
	}
	return nil
}

// SetPhase records the state-machine phase for observers.
func (m *Manager) SetPhase(id string, phase Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	e.s.Phase = phase
	return nil
}

func (m *Manager) RecordTurn(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	e.s.TurnCount++
	return nil
}

func (m *Manager) RecordInterrupt(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	e.s.InterruptionCount++
	return nil
}

// Terminate ends the session and closes its connection, if any.
func (m *Manager) Terminate(id string) (*Session, error) {
	now := m.opts.Now()
	m.mu.Lock()
	e, err := m.activeLocked(id, now)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	release := m.endLocked(e, StatusTerminated, now)
	out := e.s
	m.mu.Unlock()

	if release != nil {
		release()
	}
	m.persist(out, m.opts.Retention)
	return &out, nil
}

// Attach binds a live connection to the session. A previously attached
// connection is released first. The returned detach func is idempotent,
// starts the grace period and puts the phase back to idle; it does nothing
// once a newer connection has attached.
func (m *Manager) Attach(id string, release func()) (func(), error) {
	now := m.opts.Now()
	m.mu.Lock()
	e, err := m.activeLocked(id, now)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	previous := e.release
	m.attachID++
	myID := m.attachID
	e.attachID = myID
	e.release = release
	e.s.Connected = true
	e.s.DetachedAt = time.Time{}
	e.s.LastActivityAt = now
	m.mu.Unlock()

	if previous != nil {
		previous()
	}

	var once sync.Once
	detach := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			cur, ok := m.sessions[id]
			if !ok || cur.attachID != myID {
				return
			}
			cur.release = nil
			cur.s.Connected = false
			cur.s.DetachedAt = m.opts.Now()
			cur.s.Phase = PhaseIdle
		})
	}
	return detach, nil
}

// Sweep expires sessions past their expiry or grace period and forgets
// tombstones older than the retention window. It is safe to call concurrently;
// each session is expired exactly once.
func (m *Manager) Sweep(now time.Time) []*Session {
	var (
		expired  []*Session
		releases []func()
	)

	m.mu.Lock()
	for id, e := range m.sessions {
		switch e.s.Status {
		case StatusActive:
			lapsed := now.After(e.s.ExpiresAt)
			orphaned := !e.s.Connected && !e.s.DetachedAt.IsZero() && now.Sub(e.s.DetachedAt) >= m.opts.Grace
			if !lapsed && !orphaned {
				continue
			}
			if r := m.endLocked(e, StatusExpired, now); r != nil {
				releases = append(releases, r)
			}
			s := e.s
			expired = append(expired, &s)
		default:
			if now.Sub(e.s.EndedAt) >= m.opts.Retention {
				delete(m.sessions, id)
			}
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, r := range releases {
		r()
	}
	for _, s := range expired {
		m.persist(*s, m.opts.Retention)
		if hook != nil {
			hook(s)
		}
	}
	return expired
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(m.opts.Now())
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

func (m *Manager) activeLocked(id string, now time.Time) (*entry, error) {
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.s.Status != StatusActive || now.After(e.s.ExpiresAt) {
		return nil, ErrExpired
	}
	return e, nil
}

func (m *Manager) endLocked(e *entry, status Status, now time.Time) func() {
	e.s.Status = status
	e.s.EndedAt = now
	e.s.Connected = false
	m.live--
	release := e.release
	e.release = nil
	return release
}

func (m *Manager) persist(s Session, ttl time.Duration) {
	if m.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.opts.Store.Save(ctx, s, ttl); err != nil {
		m.opts.Logger.Warn().Err(err).Str("session_id", s.ID).Msg("session store save failed")
	}
}
