// Package capture implements live capture sessions: audio accumulates in a
// bounded buffer while capturing, and transcriptions run one at a time in the
// background with results handed back through callbacks.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/transcribe"
)

var (
	ErrNotCapturing     = errors.New("session is not capturing")
	ErrAlreadyCapturing = errors.New("session is already capturing")
	ErrBufferFull       = audio.ErrBufferFull
)

// State change reasons.
const (
	ReasonStarted     = "started"
	ReasonStopped     = "stopped"
	ReasonBufferFull  = "buffer_full"
	ReasonRealtimeOn  = "realtime_on"
	ReasonRealtimeOff = "realtime_off"
)

// Transcriber is the part of transcribe.Transcriber a session needs.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, opts transcribe.Options) (transcribe.Result, error)
}

// State is a snapshot of the session flags.
type State struct {
	Capturing    bool          `json:"capturing"`
	Transcribing bool          `json:"transcribing"`
	Realtime     bool          `json:"realtime"`
	Samples      int           `json:"samples"`
	Recorded     time.Duration `json:"recorded"`
	// Full is set once the buffer overflowed and stays set until that audio
	// is handed to a final transcription or capture is restarted.
	Full bool `json:"full"`
}

// Update carries a finished transcription.
type Update struct {
	SessionID string
	Result    transcribe.Result
	Realtime  bool
	Final     bool
	Err       error
}

// StateChange is emitted whenever capturing or realtime flips.
type StateChange struct {
	SessionID string
	State     State
	Reason    string
}

type Session struct {
	id      string
	m       *Manager
	buf     *audio.Accumulator
	created time.Time

	mu           sync.Mutex
	capturing    bool
	transcribing bool
	realtime     bool
	pendingFinal bool
	full         bool
	lastActive   time.Time
}

func (s *Session) ID() string { return s.id }

// State returns the current flags.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	return State{
		Capturing:    s.capturing,
		Transcribing: s.transcribing,
		Realtime:     s.realtime,
		Samples:      s.buf.Len(),
		Recorded:     s.buf.Duration(),
		Full:         s.full,
	}
}

// Start clears the buffer and begins accepting audio. Audio of a full buffer
// that was never flushed is discarded.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.capturing {
		s.mu.Unlock()
		return ErrAlreadyCapturing
	}
	s.buf.Reset()
	s.full = false
	s.capturing = true
	s.lastActive = time.Now()
	st := s.stateLocked()
	s.mu.Unlock()

	s.m.log.Info("start capturing", slog.String("session_id", s.id))
	s.m.emitState(StateChange{SessionID: s.id, State: st, Reason: ReasonStarted})
	return nil
}

// Stop ends capture; buffered audio is kept for a later Transcribe.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.capturing {
		s.mu.Unlock()
		return
	}
	s.capturing = false
	st := s.stateLocked()
	s.mu.Unlock()

	s.m.log.Info("stop capturing", slog.String("session_id", s.id), slog.Int("samples", st.Samples))
	s.m.emitState(StateChange{SessionID: s.id, State: st, Reason: ReasonStopped})
}

// Toggle starts an idle session and stops a capturing one.
func (s *Session) Toggle() error {
	if s.State().Capturing {
		s.Stop()
		return nil
	}
	return s.Start()
}

// SetRealtime switches continuous transcription on or off.
func (s *Session) SetRealtime(on bool) {
	s.mu.Lock()
	if s.realtime == on {
		s.mu.Unlock()
		return
	}
	s.realtime = on
	st := s.stateLocked()
	s.mu.Unlock()

	reason := ReasonRealtimeOff
	if on {
		reason = ReasonRealtimeOn
	}
	s.m.emitState(StateChange{SessionID: s.id, State: st, Reason: reason})
}

// ToggleRealtime flips realtime mode and returns the new value.
func (s *Session) ToggleRealtime() bool {
	on := !s.State().Realtime
	s.SetRealtime(on)
	return on
}

// Append adds a PCM16 chunk. Audio arriving while idle is ignored with
// ErrNotCapturing. A chunk that would overflow the buffer is dropped and
// capture stops. In realtime mode every accepted chunk requests a
// transcription.
func (s *Session) Append(pcm []byte) error {
	s.mu.Lock()
	if !s.capturing {
		s.mu.Unlock()
		return ErrNotCapturing
	}
	n, err := s.buf.AppendPCM(pcm)
	if err != nil {
		if errors.Is(err, audio.ErrBufferFull) {
			s.capturing = false
			s.full = true
			st := s.stateLocked()
			s.mu.Unlock()
			s.m.log.Warn("too much audio data, stopping capture", slog.String("session_id", s.id))
			s.m.emitState(StateChange{SessionID: s.id, State: st, Reason: ReasonBufferFull})
			return ErrBufferFull
		}
		s.mu.Unlock()
		return err
	}
	s.lastActive = time.Now()
	realtime := s.realtime
	s.mu.Unlock()

	s.m.log.Debug("captured samples", slog.String("session_id", s.id), slog.Int("samples", n))
	if realtime {
		s.Transcribe()
	}
	return nil
}

// Transcribe runs a transcription of the current buffer in the background.
// It returns false without doing anything when one is already in flight or
// the buffer is empty.
func (s *Session) Transcribe() bool {
	s.mu.Lock()
	if s.transcribing || s.buf.Len() == 0 {
		s.mu.Unlock()
		return false
	}
	s.transcribing = true
	samples := s.buf.Float32()
	realtime := s.realtime
	s.mu.Unlock()

	s.run(samples, realtime, false)
	return true
}

// Flush stops capture and requests a final transcription. If one is already
// running the final request is remembered and served afterwards.
func (s *Session) Flush() {
	s.Stop()

	s.mu.Lock()
	if s.transcribing {
		s.pendingFinal = true
		s.mu.Unlock()
		return
	}
	if s.buf.Len() == 0 {
		s.mu.Unlock()
		return
	}
	s.transcribing = true
	s.full = false
	samples := s.buf.Float32()
	s.mu.Unlock()

	s.run(samples, false, true)
}

func (s *Session) run(samples []float32, realtime, final bool) {
	s.m.wg.Add(1)
	go func() {
		defer s.m.wg.Done()

		res, err := s.m.tr.Transcribe(s.m.ctx, samples, transcribe.Options{Realtime: realtime, Timeout: s.m.cfg.Timeout})
		if err != nil {
			s.m.log.Warn("transcription failed", slog.String("session_id", s.id), slog.String("error", err.Error()))
		}
		s.m.emitResult(Update{SessionID: s.id, Result: res, Realtime: realtime, Final: final, Err: err})

		s.mu.Lock()
		s.transcribing = false
		pending := s.pendingFinal
		s.pendingFinal = false
		var next []float32
		if pending && s.buf.Len() > 0 && s.m.ctx.Err() == nil {
			s.transcribing = true
			s.full = false
			next = s.buf.Float32()
		}
		s.mu.Unlock()

		if next != nil {
			s.run(next, false, true)
		}
	}()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capturing || s.transcribing {
		return time.Time{}
	}
	return s.lastActive
}
