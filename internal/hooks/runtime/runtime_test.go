package runtime_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/hooks/manifest"
	runtime "github.com/loqalabs/loqa-scribe/internal/hooks/runtime"
	"github.com/loqalabs/loqa-scribe/internal/hooks/wasmtest"
)

func writeModule(t *testing.T, data []byte) manifest.Manifest {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hook.wasm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	return manifest.Manifest{
		Metadata: manifest.Metadata{Name: "sample", Version: "0.0.1"},
		Runtime:  manifest.RuntimeSpec{Mode: "wasm", Module: path, Entrypoint: "run"},
		Bus:      manifest.BusSpec{Subscribe: []string{"stt.text.final"}},
	}
}

type auditLog struct {
	mu     sync.Mutex
	events []runtime.AuditEvent
}

func (a *auditLog) record(e runtime.AuditEvent) {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
}

func TestRuntimeLoadMissingFile(t *testing.T) {
	ctx := context.Background()
	rt, err := runtime.New(ctx, runtime.HostBindings{}, nil)
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(ctx) })

	mf := manifest.Manifest{
		Metadata: manifest.Metadata{Name: "sample", Version: "0.0.1"},
		Runtime:  manifest.RuntimeSpec{Mode: "wasm", Module: filepath.Join(t.TempDir(), "missing.wasm"), Entrypoint: "run"},
	}
	if _, err := rt.Load(ctx, mf, map[string]string{}); err == nil {
		t.Fatalf("expected error for missing module")
	}
}

func TestHostLog(t *testing.T) {
	ctx := context.Background()
	audit := &auditLog{}
	rt, err := runtime.New(ctx, runtime.HostBindings{RecordAudit: audit.record}, nil)
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	defer rt.Close(ctx)

	hook, err := rt.Load(ctx, writeModule(t, wasmtest.LogModule("hello from hook")), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer hook.Close(ctx)
	if err := hook.Invoke(ctx); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(audit.events) != 1 || audit.events[0].Type != runtime.AuditLog {
		t.Fatalf("expected one log audit event, got %+v", audit.events)
	}
	if audit.events[0].Data["message"] != "hello from hook" {
		t.Fatalf("unexpected message %v", audit.events[0].Data["message"])
	}
}

func TestHostPublishAllowed(t *testing.T) {
	ctx := context.Background()
	var gotSubject string
	var gotPayload []byte
	rt, err := runtime.New(ctx, runtime.HostBindings{
		AllowPublish: func(string) error { return nil },
		Publish: func(subject string, payload []byte) error {
			gotSubject, gotPayload = subject, payload
			return nil
		},
	}, nil)
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	defer rt.Close(ctx)

	hook, err := rt.Load(ctx, writeModule(t, wasmtest.PublishModule("scribe.alert", []byte(`{"ok":true}`))), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer hook.Close(ctx)
	if err := hook.Invoke(ctx); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if gotSubject != "scribe.alert" || string(gotPayload) != `{"ok":true}` {
		t.Fatalf("unexpected publish %q %q", gotSubject, gotPayload)
	}
}

func TestHostPublishBlockedByDefault(t *testing.T) {
	ctx := context.Background()
	published := false
	rt, err := runtime.New(ctx, runtime.HostBindings{
		Publish: func(string, []byte) error {
			published = true
			return nil
		},
	}, nil)
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	defer rt.Close(ctx)

	hook, err := rt.Load(ctx, writeModule(t, wasmtest.PublishModule("scribe.alert", nil)), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer hook.Close(ctx)
	if err := hook.Invoke(ctx); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if published {
		t.Fatal("publish must be refused without an allow rule")
	}
}

func TestMissingEntrypoint(t *testing.T) {
	ctx := context.Background()
	rt, err := runtime.New(ctx, runtime.HostBindings{}, nil)
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	defer rt.Close(ctx)
	mf := writeModule(t, wasmtest.LogModule("x"))
	mf.Runtime.Entrypoint = "handle"
	if _, err := rt.Load(ctx, mf, nil); err == nil {
		t.Fatal("expected error for missing entrypoint")
	}
}

func TestTrapSurfacesAsError(t *testing.T) {
	ctx := context.Background()
	rt, err := runtime.New(ctx, runtime.HostBindings{}, nil)
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	defer rt.Close(ctx)
	hook, err := rt.Load(ctx, writeModule(t, wasmtest.TrapModule()), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer hook.Close(ctx)
	if err := hook.Invoke(ctx); err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("expected trap error, got %v", err)
	}
}
