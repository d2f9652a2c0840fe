package runtime

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"go.opentelemetry.io/otel"
)

func TestRuntimeStartAndStop(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = ""
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(dir, "nats")
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Engine.Mode = "mock"
	cfg.Files.WorkDir = filepath.Join(dir, "uploads")

	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !rt.ready.Load() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("runtime did not become ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestRuntimeFailsWithoutModel(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Telemetry.PrometheusBind = ""
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(dir, "nats")
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Engine.ModelPath = filepath.Join(dir, "missing.bin")

	err := New(cfg, newLogger()).Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "engine") {
		t.Fatalf("expected engine error, got %v", err)
	}
}

func TestTelemetryServesMetrics(t *testing.T) {
	cfg := config.Default()
	tel, err := setupTelemetry(context.Background(), cfg, nil, newLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	defer tel.shutdown(context.Background())

	counter, err := otel.Meter("runtime-test").Int64Counter("scribe.test.requests")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	ts := httptest.NewServer(tel.metrics)
	defer ts.Close()
	resp, err := ts.Client().Get(ts.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"scribe_test_requests_total", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %s in scrape output", want)
		}
	}
}
