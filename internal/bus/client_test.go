package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
)

func TestConnectAndPublishJSON(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()

	c, err := Connect(context.Background(), "scribe-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	if !c.Healthy() {
		t.Fatal("expected healthy client")
	}

	sub, err := c.Conn().SubscribeSync("test.subject")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.PublishJSON("test.subject", map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(msg.Data, &got); err != nil || got["hello"] != "world" {
		t.Fatalf("unexpected payload %s (%v)", msg.Data, err)
	}
}

func TestConnectWithoutServers(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Connect(context.Background(), "", config.BusConfig{}, log); err == nil {
		t.Fatal("expected error without servers")
	}
}
