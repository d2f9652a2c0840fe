package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
)

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	caps := FromConfig(cfg)
	if len(caps) != 2 {
		t.Fatalf("expected transcribe and file capabilities, got %+v", caps)
	}
	if caps[0].Name != Transcribe || caps[0].Attributes["language"] != "en" || caps[0].Attributes["mode"] != "whisper" {
		t.Fatalf("unexpected transcribe capability %+v", caps[0])
	}
	if caps[1].Name != File || caps[1].Attributes["segment_seconds"] != "300" {
		t.Fatalf("unexpected file capability %+v", caps[1])
	}

	cfg.Files.Enabled = false
	cfg.Engine.Mode = "exec"
	caps = FromConfig(cfg)
	if len(caps) != 1 || caps[0].Tier != "external" {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
}

func TestRegistryAnnouncesAndTracksPeers(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()
	busCfg := config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}

	c1, err := bus.Connect(context.Background(), "node-a", busCfg, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c1.Close()
	c2, err := bus.Connect(context.Background(), "node-b", busCfg, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c2.Close()

	nodeCfg := config.NodeConfig{ID: "a", Role: "stt", HeartbeatInterval: 50, HeartbeatTimeout: 1000}
	r1, err := NewRegistry(context.Background(), nodeCfg, FromConfig(config.Default()), c1, log)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	defer r1.Close()
	if !r1.Healthy() {
		t.Fatal("local node must be healthy after announce")
	}
	if len(r1.LocalCapabilities()) != 2 {
		t.Fatalf("unexpected local capabilities %+v", r1.LocalCapabilities())
	}

	peerCfg := config.NodeConfig{ID: "b", Role: "stt", HeartbeatInterval: 50, HeartbeatTimeout: 1000}
	r2, err := NewRegistry(context.Background(), peerCfg, []Capability{{Name: File}}, c2, log)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	defer r2.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(r1.Query(WithCapabilityFilter(File))) == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := r1.Query(WithCapabilityFilter(File)); len(got) != 2 {
		t.Fatalf("expected both nodes to offer %s, got %+v", File, got)
	}
	if got := r1.Query(WithCapabilityFilter(Transcribe)); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only node a to transcribe live audio, got %+v", got)
	}
}
