package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/convert"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/hooks"
	"github.com/loqalabs/loqa-scribe/internal/jobs"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcribe"
)

const pruneInterval = time.Hour

// Runtime wires the scribed components together and owns their lifecycle.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     telemetry
	natsServer    *natsserver.EmbeddedServer
	bus           *bus.Client
	store         *eventstore.Store
	transcriber   *transcribe.Transcriber
	registry      *capability.Registry
	stt           *stt.Service
	jobs          *jobs.Service
	hooks         *hooks.Service

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.startComponents(ctx); err != nil {
		r.shutdown()
		return err
	}

	api := &api{
		cfg:      r.cfg,
		jobs:     r.jobs,
		stt:      r.stt,
		store:    r.store,
		hooks:    r.hooks,
		registry: r.registry,
		metrics:  r.telemetry.metrics,
		ready:    r.readiness,
		logger:   r.logger.With(slog.String("component", "http")),
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           api.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(r.cfg.HTTP.ReadTimeoutMS) * time.Millisecond,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && bind != addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.telemetry.metrics)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer, "metrics")
	}

	r.wg.Add(1)
	go r.pruneLoop(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("node_id", r.cfg.Node.ID),
		slog.String("engine", r.cfg.Engine.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, nil, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.natsServer = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = busClient

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	engineCtx, err := engine.Open(r.cfg.Engine)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	r.transcriber = transcribe.New(engineCtx, transcribe.Config{
		Params:       engine.ParamsFor(r.cfg.Engine),
		SampleRate:   audio.SampleRate,
		PrintTimings: r.cfg.Engine.PrintTimings,
	}, r.logger)

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, capability.FromConfig(r.cfg), r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	r.registry = registry

	r.stt = stt.NewService(ctx, r.cfg.Capture, r.cfg.Node.ID, r.bus, r.transcriber, r.store, r.logger)
	if err := r.stt.Start(); err != nil {
		return fmt.Errorf("failed to start stt service: %w", err)
	}

	var conv convert.Converter
	if r.cfg.Files.Enabled {
		exec, err := convert.NewExec(r.cfg.Files.ConverterCommand)
		if err != nil {
			return fmt.Errorf("invalid converter command: %w", err)
		}
		conv = exec
	}
	r.jobs = jobs.NewService(ctx, r.cfg.Files, r.cfg.Node.ID, r.bus, conv, r.transcriber, r.store, r.logger)
	if err := r.jobs.Start(); err != nil {
		return fmt.Errorf("failed to start file transcription: %w", err)
	}

	hookSvc, err := hooks.New(ctx, r.cfg.Hooks, r.cfg.Node.ID, r.bus, r.store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start hooks: %w", err)
	}
	r.hooks = hookSvc
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shutdown stops components in reverse start order. Components that never
// started are nil and skipped.
func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.hooks.Close()
	if r.jobs != nil {
		r.jobs.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.transcriber != nil {
		if err := r.transcriber.Close(); err != nil {
			r.logger.Warn("engine close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.natsServer.Shutdown()

	if r.telemetry.shutdown != nil {
		if err := r.telemetry.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

// readiness reports the health of each component; the runtime is ready
// when every entry is true.
func (r *Runtime) readiness() map[string]bool {
	status := map[string]bool{
		"runtime":  r.ready.Load(),
		"bus":      r.bus.Healthy(),
		"registry": r.registry != nil && r.registry.Healthy(),
		"stt":      r.stt != nil && r.stt.Healthy(),
		"jobs":     r.jobs != nil && r.jobs.Healthy(),
	}
	if r.cfg.Hooks.Enabled {
		status["hooks"] = r.hooks.Healthy()
	}
	return status
}
