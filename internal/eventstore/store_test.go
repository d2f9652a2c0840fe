package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.Record(ctx, "s", KindCapture, "node", TypeTranscriptFinal, map[string]string{"text": "x"}); err != nil {
		t.Fatalf("record on ephemeral store: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("ephemeral store must not keep events, got %d (%v)", len(events), err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	sessionID := "session-123"
	if err := es.AppendSession(context.Background(), sessionID, KindCapture, "scribe-node-1", "local"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Type: "test", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}
}

func TestRecordAndListSessions(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session", Privacy: "household"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	ctx := context.Background()

	if err := es.Record(ctx, "job-1", KindFile, "scribe-node-1", TypeFileSegment, map[string]int{"index": 0}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.Record(ctx, "job-1", KindFile, "scribe-node-1", TypeFileCompleted, map[string]string{"state": "completed"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.Record(ctx, "kitchen", KindCapture, "scribe-node-1", TypeTranscriptFinal, map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "job-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != TypeFileSegment || events[1].Type != TypeFileCompleted {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].Privacy != "household" || events[0].Source != "scribe-node-1" {
		t.Fatalf("privacy and source must be stamped, got %+v", events[0])
	}
	var payload map[string]int
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}

	files, err := es.ListSessions(ctx, KindFile, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(files) != 1 || files[0].SessionID != "job-1" {
		t.Fatalf("unexpected file sessions %+v", files)
	}
	all, err := es.ListSessions(ctx, "", 10)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d (%v)", len(all), err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "old-session", KindCapture, "node", "local"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "old-session", Type: TypeTranscriptFinal}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "new-session", KindCapture, "node", "local"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
