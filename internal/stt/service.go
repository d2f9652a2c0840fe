// Package stt bridges the bus to live capture sessions: audio frames and
// control messages come in, transcripts and state changes go out.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ErrUnknownAction is returned by Control for actions it does not know.
var ErrUnknownAction = errors.New("unknown capture action")

const (
	sessionTTL    = 10 * time.Minute
	evictInterval = time.Minute
)

type Service struct {
	cfg     config.CaptureConfig
	nodeID  string
	bus     *bus.Client
	store   *eventstore.Store
	manager *capture.Manager
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	subs  []*nats.Subscription
	ready bool
}

func NewService(parent context.Context, cfg config.CaptureConfig, nodeID string, busClient *bus.Client, tr capture.Transcriber, store *eventstore.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:    cfg,
		nodeID: nodeID,
		bus:    busClient,
		store:  store,
		log:    log.With(slog.String("component", "stt")),
		ctx:    ctx,
		cancel: cancel,
	}
	s.manager = capture.NewManager(ctx, capture.Config{
		SampleRate:  cfg.SampleRate,
		MaxDuration: time.Duration(cfg.MaxAudioSec) * time.Second,
		Realtime:    cfg.Realtime,
		Timeout:     time.Duration(cfg.TranscribeTimeoutMS) * time.Millisecond,
	}, tr, log)
	s.manager.OnResult(s.handleResult)
	s.manager.OnState(s.handleState)
	return s
}

// Manager exposes the capture sessions, e.g. for the HTTP API.
func (s *Service) Manager() *capture.Manager { return s.manager }

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	frames, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	control, err := s.bus.Conn().Subscribe(protocol.SubjectCaptureControl, s.handleControl)
	if err != nil {
		_ = frames.Unsubscribe()
		return fmt.Errorf("subscribe capture control: %w", err)
	}

	s.mu.Lock()
	s.subs = []*nats.Subscription{frames, control}
	s.ready = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.evictLoop()

	s.log.Info("stt service started",
		slog.Int("sample_rate", s.cfg.SampleRate),
		slog.Int("max_audio_sec", s.cfg.MaxAudioSec),
		slog.Bool("realtime", s.cfg.Realtime))
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.ready = false
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
	s.cancel()
	s.manager.Close()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Control applies a capture action to a session.
func (s *Service) Control(sessionID, action string) (capture.State, error) {
	if sessionID == "" {
		return capture.State{}, errors.New("session_id is required")
	}
	sess := s.manager.Session(sessionID)
	switch action {
	case protocol.ActionStart:
		if err := sess.Start(); err != nil {
			return sess.State(), err
		}
	case protocol.ActionStop:
		sess.Stop()
	case protocol.ActionToggle:
		if err := sess.Toggle(); err != nil {
			return sess.State(), err
		}
	case protocol.ActionRealtimeOn:
		sess.SetRealtime(true)
	case protocol.ActionRealtimeOff:
		sess.SetRealtime(false)
	case protocol.ActionRealtimeToggle:
		sess.ToggleRealtime()
	case protocol.ActionTranscribe:
		sess.Transcribe()
	default:
		return sess.State(), fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return sess.State(), nil
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		s.log.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		return
	}
	if frame.SampleRate != 0 && frame.SampleRate != s.cfg.SampleRate {
		s.log.Warn("dropping audio frame with unexpected sample rate",
			slog.String("session_id", frame.SessionID),
			slog.Int("sample_rate", frame.SampleRate),
			slog.Int("expected", s.cfg.SampleRate))
		return
	}
	if frame.Channels != 0 && frame.Channels != s.cfg.Channels {
		s.log.Warn("dropping audio frame with unexpected channel count",
			slog.String("session_id", frame.SessionID),
			slog.Int("channels", frame.Channels))
		return
	}

	sess := s.manager.Session(frame.SessionID)
	if len(frame.PCM) > 0 {
		if st := sess.State(); s.cfg.AutoStart && !st.Capturing && !st.Full {
			_ = sess.Start()
		}
		err := sess.Append(frame.PCM)
		switch {
		case err == nil:
		case errors.Is(err, capture.ErrNotCapturing):
			s.log.Debug("ignoring audio for idle session", slog.String("session_id", frame.SessionID))
		case errors.Is(err, capture.ErrBufferFull):
			// The full buffer gets its final transcription before auto-start
			// may reset it. Without auto-start it waits for a control action.
			if s.cfg.AutoStart {
				sess.Flush()
			}
		default:
			s.log.Warn("failed to append audio frame",
				slog.String("session_id", frame.SessionID),
				slog.Int("sequence", frame.Sequence),
				slogError(err))
		}
	}
	if frame.Final {
		sess.Flush()
	}
}

func (s *Service) handleControl(msg *nats.Msg) {
	var ctrl protocol.CaptureControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.log.Warn("failed to decode capture control", slogError(err))
		return
	}
	st, err := s.Control(ctrl.SessionID, ctrl.Action)
	if err != nil {
		s.log.Warn("capture control failed",
			slog.String("session_id", ctrl.SessionID),
			slog.String("action", ctrl.Action),
			slogError(err))
	}
	if msg.Reply != "" {
		reply := stateMessage(ctrl.SessionID, st, ctrl.Action)
		if err != nil {
			reply.Error = err.Error()
		}
		data, _ := json.Marshal(reply)
		_ = msg.Respond(data)
	}
}

func (s *Service) handleResult(u capture.Update) {
	if u.Err != nil {
		st := capture.State{}
		if sess, ok := s.manager.Lookup(u.SessionID); ok {
			st = sess.State()
		}
		msg := stateMessage(u.SessionID, st, "transcribe_failed")
		msg.Error = u.Err.Error()
		if err := s.bus.PublishJSON(protocol.SubjectCaptureState, msg); err != nil {
			s.log.Warn("failed to publish capture state", slogError(err))
		}
		return
	}

	partial := u.Realtime && !u.Final
	if partial && u.Result.Text == "" {
		return
	}
	transcript := protocol.Transcript{
		SessionID:    u.SessionID,
		Text:         u.Result.Text,
		Partial:      partial,
		Segments:     protocol.SegmentsFrom(u.Result.Segments),
		RecordingMS:  u.Result.Recording.Milliseconds(),
		ProcessingMS: u.Result.Processing.Milliseconds(),
		Threads:      u.Result.Threads,
		Timestamp:    time.Now().UTC(),
	}
	subject, eventType := protocol.SubjectTranscriptFinal, eventstore.TypeTranscriptFinal
	if partial {
		subject, eventType = protocol.SubjectTranscriptPartial, eventstore.TypeTranscriptPartial
	}
	if err := s.bus.PublishJSON(subject, transcript); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
	s.record(u.SessionID, eventType, transcript)
	s.log.Info("transcription complete",
		slog.String("session_id", u.SessionID),
		slog.Bool("partial", partial),
		slog.Duration("recording", u.Result.Recording),
		slog.Duration("processing", u.Result.Processing))
}

func (s *Service) handleState(c capture.StateChange) {
	msg := stateMessage(c.SessionID, c.State, c.Reason)
	if err := s.bus.PublishJSON(protocol.SubjectCaptureState, msg); err != nil {
		s.log.Warn("failed to publish capture state", slogError(err))
	}
	s.record(c.SessionID, eventstore.TypeCaptureState, msg)
}

func (s *Service) record(sessionID, eventType string, payload any) {
	if s.store == nil {
		return
	}
	if err := s.store.Record(s.ctx, sessionID, eventstore.KindCapture, s.nodeID, eventType, payload); err != nil {
		s.log.Warn("failed to record event", slog.String("type", eventType), slogError(err))
	}
}

func (s *Service) evictLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.manager.Evict(sessionTTL); n > 0 {
				s.log.Debug("evicted idle capture sessions", slog.Int("count", n))
			}
		}
	}
}

func stateMessage(sessionID string, st capture.State, reason string) protocol.CaptureState {
	return protocol.CaptureState{
		SessionID:    sessionID,
		Capturing:    st.Capturing,
		Transcribing: st.Transcribing,
		Realtime:     st.Realtime,
		Samples:      st.Samples,
		Reason:       reason,
		Timestamp:    time.Now().UTC(),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
