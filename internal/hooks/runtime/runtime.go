package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-scribe/internal/hooks/manifest"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Runtime wraps a wazero runtime for executing hook modules.
type Runtime struct {
	rt   wazero.Runtime
	host HostBindings
}

// New creates a hook runtime. cache may be nil; when set, compiled modules
// are reused across runtimes.
func New(ctx context.Context, host HostBindings, cache wazero.CompilationCache) (*Runtime, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		cfg = cfg.WithCompilationCache(cache)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	host = host.ensure()
	if err := instantiateHostModule(ctx, rt, host); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return &Runtime{rt: rt, host: host}, nil
}

// Close releases resources held by the runtime.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil || r.rt == nil {
		return nil
	}
	return r.rt.Close(ctx)
}

// Hook represents a loaded hook module.
type Hook struct {
	Manifest manifest.Manifest
	module   api.Module
	entry    api.Function
	compiled wazero.CompiledModule
}

// Close releases resources for the hook.
func (h *Hook) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if h.module != nil {
		if err := h.module.Close(ctx); err != nil {
			return err
		}
	}
	if h.compiled != nil {
		if err := h.compiled.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Load compiles and instantiates a hook from a manifest. The module path in
// the manifest must already be resolved.
func (r *Runtime) Load(ctx context.Context, m manifest.Manifest, env map[string]string) (*Hook, error) {
	if r == nil || r.rt == nil {
		return nil, fmt.Errorf("runtime not initialized")
	}
	if m.Runtime.Mode != "wasm" {
		return nil, fmt.Errorf("unsupported runtime mode %q", m.Runtime.Mode)
	}
	wasmBytes, err := os.ReadFile(m.Runtime.Module)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	moduleConfig := wazero.NewModuleConfig().
		WithName(m.Metadata.Name).
		WithStdout(r.host.Stdout).
		WithStderr(r.host.Stdout)
	for k, v := range env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}
	module, err := r.rt.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	entry := module.ExportedFunction(m.Runtime.Entrypoint)
	if entry == nil {
		module.Close(ctx)
		compiled.Close(ctx)
		return nil, fmt.Errorf("entrypoint %q not found", m.Runtime.Entrypoint)
	}
	return &Hook{
		Manifest: m,
		module:   module,
		entry:    entry,
		compiled: compiled,
	}, nil
}

// Invoke executes the hook entrypoint. The event reaches the module through
// its environment, so no parameters are passed.
func (h *Hook) Invoke(ctx context.Context) error {
	if h == nil || h.entry == nil {
		return fmt.Errorf("hook entrypoint not available")
	}
	_, err := h.entry.Call(ctx)
	return err
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, binding HostBindings) error {
	logger := binding.Logger

	builder := rt.NewHostModuleBuilder("env")
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			logger.Warn("host_log: module has no memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("host_log: unable to read memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		msg := string(data)
		logger.Info("hook log", slog.String("message", msg))
		if binding.RecordAudit != nil {
			binding.RecordAudit(AuditEvent{Type: AuditLog, Data: map[string]any{"message": msg}})
		}
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		WithParameterNames("ptr", "len").
		Export("host_log")

	hostPublishFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		subjectPtr := api.DecodeU32(stack[0])
		subjectLen := api.DecodeU32(stack[1])
		payloadPtr := api.DecodeU32(stack[2])
		payloadLen := api.DecodeU32(stack[3])

		mem := mod.Memory()
		if mem == nil {
			stack[0] = api.EncodeI32(int32(PublishErrRuntime))
			return
		}
		subjectBytes, ok := mem.Read(subjectPtr, subjectLen)
		if !ok {
			stack[0] = api.EncodeI32(int32(PublishErrRuntime))
			return
		}
		subject := string(subjectBytes)
		if err := binding.AllowPublish(subject); err != nil {
			stack[0] = api.EncodeI32(int32(PublishErrNotAllowed))
			logger.Warn("hook publish blocked", slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		var payload []byte
		if payloadLen > 0 {
			data, ok := mem.Read(payloadPtr, payloadLen)
			if !ok {
				stack[0] = api.EncodeI32(int32(PublishErrRuntime))
				return
			}
			payload = append([]byte(nil), data...)
		}
		if err := binding.Publish(subject, payload); err != nil {
			stack[0] = api.EncodeI32(int32(PublishErrRuntime))
			logger.Error("hook publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		if binding.RecordAudit != nil {
			binding.RecordAudit(AuditEvent{Type: AuditPublish, Data: map[string]any{
				"subject":       subject,
				"payload_bytes": payloadLen,
			}})
		}
		stack[0] = api.EncodeI32(int32(PublishOK))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostPublishFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		WithName("host_publish").
		WithParameterNames("subject_ptr", "subject_len", "payload_ptr", "payload_len").
		WithResultNames("code").
		Export("host_publish")

	_, err := builder.Instantiate(ctx)
	return err
}

// host_publish result codes.
const (
	PublishOK            = 0
	PublishErrNotAllowed = 1
	PublishErrRuntime    = 2
)

// Audit event types.
const (
	AuditLog      = "hook.log"
	AuditPublish  = "hook.publish"
	AuditStart    = "hook.invoke.start"
	AuditError    = "hook.invoke.error"
	AuditComplete = "hook.invoke.complete"
)

type HostBindings struct {
	Logger       *slog.Logger
	Stdout       io.Writer
	AllowPublish func(subject string) error
	Publish      func(subject string, payload []byte) error
	RecordAudit  func(event AuditEvent)
}

func (h HostBindings) ensure() HostBindings {
	if h.Logger == nil {
		h.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if h.Stdout == nil {
		h.Stdout = io.Discard
	}
	if h.AllowPublish == nil {
		h.AllowPublish = func(string) error { return errors.New("publish disallowed") }
	}
	if h.Publish == nil {
		h.Publish = func(string, []byte) error { return errors.New("publish unsupported") }
	}
	return h
}

type AuditEvent struct {
	Type string
	Data map[string]any
}
