// Package hooks runs sandboxed WebAssembly hooks in response to transcript
// events on the bus.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/hooks/manifest"
	hookrt "github.com/loqalabs/loqa-scribe/internal/hooks/runtime"
	"github.com/nats-io/nats.go"
	"github.com/tetratelabs/wazero"
)

const defaultTimeout = 30 * time.Second

// Service manages lifecycle and execution of WASM hooks.
type Service struct {
	cfg    config.HooksConfig
	nodeID string
	log    *slog.Logger
	bus    *bus.Client
	store  *eventstore.Store
	cache  wazero.CompilationCache
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sema   chan struct{}
	once   sync.Once

	mu    sync.RWMutex
	hooks map[string]*binding
	subs  []*nats.Subscription
	// closed stops handlers from adding work once Close has begun.
	closed bool

	healthy bool
}

type binding struct {
	manifest   manifest.Manifest
	modulePath string
	directory  string
	publishSet map[string]struct{}
	sessionID  string
	timeout    time.Duration
}

// Info describes a loaded hook.
type Info struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Subscribe []string `json:"subscribe"`
	Publish   []string `json:"publish,omitempty"`
}

// New creates the hooks service. When cfg.Enabled is false, nil is returned.
func New(ctx context.Context, cfg config.HooksConfig, nodeID string, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if busClient == nil {
		return nil, errors.New("hooks service requires bus client")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	cctx, cancel := context.WithCancel(ctx)
	svc := &Service{
		cfg:    cfg,
		nodeID: nodeID,
		log:    logger.With(slog.String("component", "hooks")),
		bus:    busClient,
		store:  store,
		cache:  wazero.NewCompilationCache(),
		ctx:    cctx,
		cancel: cancel,
		sema:   make(chan struct{}, cfg.Concurrency),
		hooks:  make(map[string]*binding),
	}
	if err := svc.loadHooks(); err != nil {
		cancel()
		svc.cache.Close(context.Background())
		return nil, err
	}
	if err := svc.registerSubscriptions(); err != nil {
		svc.Close()
		return nil, err
	}
	svc.healthy = true
	return svc, nil
}

// Close terminates subscriptions and waits for in-flight executions.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		for _, sub := range s.subs {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
		}
		s.subs = nil
		s.healthy = false
		s.mu.Unlock()
		s.cancel()
		s.wg.Wait()
		_ = s.cache.Close(context.Background())
	})
}

// Healthy reports whether the service is running with active subscriptions.
func (s *Service) Healthy() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// Hooks lists the loaded hooks ordered by name.
func (s *Service) Hooks() []Info {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.hooks))
	for _, b := range s.hooks {
		out = append(out, Info{
			Name:      b.manifest.Metadata.Name,
			Version:   b.manifest.Metadata.Version,
			Subscribe: b.manifest.Bus.Subscribe,
			Publish:   b.manifest.Bus.Publish,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) loadHooks() error {
	root := s.cfg.Directory
	if root == "" {
		return errors.New("hooks directory not configured")
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(d.Name(), manifest.FileName) {
			if err := s.addHook(path); err != nil {
				s.log.Error("failed to load hook", slog.String("path", path), slog.String("error", err.Error()))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(s.hooks) == 0 {
		s.log.Warn("no hooks discovered", slog.String("directory", root))
	} else {
		s.log.Info("hooks discovered", slog.Int("count", len(s.hooks)))
	}
	return nil
}

func (s *Service) addHook(manifestPath string) error {
	mf, err := manifest.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	if err := manifest.Validate(mf); err != nil {
		return fmt.Errorf("validate manifest: %w", err)
	}
	name := mf.Metadata.Name
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.hooks[name]; exists {
		return fmt.Errorf("duplicate hook name %s", name)
	}

	baseDir := filepath.Dir(manifestPath)
	modulePath := mf.Runtime.Module
	if !filepath.IsAbs(modulePath) {
		modulePath = filepath.Join(baseDir, modulePath)
	}

	publishSet := make(map[string]struct{}, len(mf.Bus.Publish))
	for _, subj := range mf.Bus.Publish {
		publishSet[subj] = struct{}{}
	}
	timeout := defaultTimeout
	if mf.Runtime.TimeoutMS > 0 {
		timeout = time.Duration(mf.Runtime.TimeoutMS) * time.Millisecond
	}

	s.hooks[name] = &binding{
		manifest:   mf,
		modulePath: modulePath,
		directory:  baseDir,
		publishSet: publishSet,
		sessionID:  "hook:" + name,
		timeout:    timeout,
	}
	return nil
}

func (s *Service) registerSubscriptions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.hooks {
		for _, subject := range b.manifest.Bus.Subscribe {
			sub, err := s.bus.Conn().Subscribe(subject, s.makeHandler(b))
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			s.subs = append(s.subs, sub)
			s.log.Info("hook subscribed", slog.String("hook", b.manifest.Metadata.Name), slog.String("subject", subject))
		}
	}
	return nil
}

func (s *Service) makeHandler(b *binding) nats.MsgHandler {
	return func(msg *nats.Msg) {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			return
		}
		s.wg.Add(1)
		s.mu.RUnlock()
		go func() {
			defer s.wg.Done()
			select {
			case s.sema <- struct{}{}:
			case <-s.ctx.Done():
				return
			}
			defer func() { <-s.sema }()
			if err := s.invoke(b, msg); err != nil {
				s.log.Error("hook invocation failed",
					slog.String("hook", b.manifest.Metadata.Name),
					slog.String("subject", msg.Subject),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// Env builds the environment a hook sees for one event.
func Env(m manifest.Manifest, directory, subject string, payload []byte, reply, invocationID string) map[string]string {
	env := make(map[string]string, len(m.Env)+6)
	for k, v := range m.Env {
		env[k] = v
	}
	env["SCRIBE_HOOK_NAME"] = m.Metadata.Name
	env["SCRIBE_EVENT_SUBJECT"] = subject
	env["SCRIBE_EVENT_PAYLOAD"] = string(payload)
	env["SCRIBE_INVOCATION_ID"] = invocationID
	env["SCRIBE_HOOK_DIRECTORY"] = directory
	if reply != "" {
		env["SCRIBE_EVENT_REPLY"] = reply
	}
	return env
}

func (s *Service) invoke(b *binding, msg *nats.Msg) error {
	ctx, cancel := context.WithTimeout(s.ctx, b.timeout)
	defer cancel()

	name := b.manifest.Metadata.Name
	invocationID := uuid.NewString()
	env := Env(b.manifest, b.directory, msg.Subject, msg.Data, msg.Reply, invocationID)

	hostLogger := s.log.With(
		slog.String("hook", name),
		slog.String("invocation_id", invocationID),
	)

	bindings := hookrt.HostBindings{
		Logger: hostLogger,
		AllowPublish: func(subject string) error {
			if !b.manifest.HasPermission(manifest.PermissionPublish) {
				return fmt.Errorf("missing permission %s", manifest.PermissionPublish)
			}
			if _, ok := b.publishSet[subject]; !ok {
				return fmt.Errorf("subject %s not declared in manifest", subject)
			}
			return nil
		},
		Publish: func(subject string, payload []byte) error {
			return s.bus.Conn().Publish(subject, payload)
		},
		RecordAudit: func(event hookrt.AuditEvent) {
			s.appendAudit(b, invocationID, event)
		},
	}

	rt, err := hookrt.New(ctx, bindings, s.cache)
	if err != nil {
		return fmt.Errorf("init runtime: %w", err)
	}
	defer rt.Close(context.Background())

	mf := b.manifest
	mf.Runtime.Module = b.modulePath

	hook, err := rt.Load(ctx, mf, env)
	if err != nil {
		return fmt.Errorf("load hook: %w", err)
	}
	defer hook.Close(context.Background())

	start := time.Now()
	s.appendAudit(b, invocationID, hookrt.AuditEvent{Type: hookrt.AuditStart, Data: map[string]any{
		"subject": msg.Subject,
	}})

	if err := hook.Invoke(ctx); err != nil {
		s.appendAudit(b, invocationID, hookrt.AuditEvent{Type: hookrt.AuditError, Data: map[string]any{
			"error": err.Error(),
		}})
		return err
	}

	s.appendAudit(b, invocationID, hookrt.AuditEvent{Type: hookrt.AuditComplete, Data: map[string]any{
		"duration_ms": time.Since(start).Milliseconds(),
	}})
	return nil
}

func (s *Service) appendAudit(b *binding, invocationID string, event hookrt.AuditEvent) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	name := b.manifest.Metadata.Name
	if err := s.store.AppendSession(ctx, b.sessionID, eventstore.KindHook, name, s.cfg.AuditPrivacy); err != nil {
		s.log.Warn("failed to append audit session", slog.String("error", err.Error()))
		return
	}
	payload := map[string]any{
		"invocation_id": invocationID,
		"hook":          name,
		"node":          s.nodeID,
	}
	for k, v := range event.Data {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal audit event", slog.String("error", err.Error()))
		return
	}
	evt := eventstore.Event{
		SessionID: b.sessionID,
		TraceID:   invocationID,
		Source:    name,
		Type:      event.Type,
		Payload:   data,
		Privacy:   s.cfg.AuditPrivacy,
	}
	if err := s.store.AppendEvent(ctx, evt); err != nil {
		s.log.Warn("failed to append audit event", slog.String("error", err.Error()))
	}
}
