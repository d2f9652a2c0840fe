package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// Config for a Manager.
type Config struct {
	SampleRate  int
	MaxDuration time.Duration
	Realtime    bool
	Timeout     time.Duration
}

// Manager owns the capture sessions of one node, keyed by session id.
type Manager struct {
	cfg Config
	tr  Transcriber
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session

	hookMu   sync.RWMutex
	onResult func(Update)
	onState  func(StateChange)
}

func NewManager(parent context.Context, cfg Config, tr Transcriber, log *slog.Logger) *Manager {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		cfg:      cfg,
		tr:       tr,
		log:      log.With(slog.String("component", "capture")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// OnResult registers the handler that receives finished transcriptions.
func (m *Manager) OnResult(fn func(Update)) {
	m.hookMu.Lock()
	m.onResult = fn
	m.hookMu.Unlock()
}

// OnState registers the handler for capture state changes.
func (m *Manager) OnState(fn func(StateChange)) {
	m.hookMu.Lock()
	m.onState = fn
	m.hookMu.Unlock()
}

// Session returns the session for id, creating an idle one if needed.
func (m *Manager) Session(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	now := time.Now()
	s := &Session{
		id:         id,
		m:          m,
		buf:        audio.NewAccumulator(m.cfg.SampleRate, m.cfg.MaxDuration),
		realtime:   m.cfg.Realtime,
		created:    now,
		lastActive: now,
	}
	m.sessions[id] = s
	return s
}

// Lookup returns an existing session.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove forgets a session. In-flight work still completes.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Len is the number of known sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Evict drops sessions that have been idle for longer than ttl.
func (m *Manager) Evict(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, s := range m.sessions {
		idle := s.idleSince()
		if !idle.IsZero() && idle.Before(cutoff) {
			delete(m.sessions, id)
			evicted++
		}
	}
	return evicted
}

// Wait blocks until all background transcriptions have finished.
func (m *Manager) Wait() { m.wg.Wait() }

// Close cancels in-flight transcriptions and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) emitResult(u Update) {
	m.hookMu.RLock()
	fn := m.onResult
	m.hookMu.RUnlock()
	if fn != nil {
		fn(u)
	}
}

func (m *Manager) emitState(c StateChange) {
	m.hookMu.RLock()
	fn := m.onState
	m.hookMu.RUnlock()
	if fn != nil {
		fn(c)
	}
}
