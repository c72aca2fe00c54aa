package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-julius/internal/bus"
	"github.com/loqalabs/loqa-julius/internal/config"
	"github.com/loqalabs/loqa-julius/internal/natsserver"
	"github.com/nats-io/nats-server/v2/server"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: server.RANDOM_PORT, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, "capability-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRegistryAnnouncesLocalCapability(t *testing.T) {
	client := startBus(t)
	cfg := config.NodeConfig{ID: "node-a", Role: "stt", HeartbeatInterval: 50, HeartbeatTimeout: 500}
	local := []Capability{{Name: STTJulius, Available: true, Attributes: map[string]string{"binary": "/usr/bin/julius"}}}

	reg, err := NewRegistry(context.Background(), cfg, client, local, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	if !reg.Healthy() {
		t.Fatal("expected local node healthy after announce")
	}
	nodes := reg.Query(WithAvailableCapability(STTJulius))
	if len(nodes) != 1 || nodes[0].ID != "node-a" {
		t.Fatalf("expected node-a to offer julius, got %+v", nodes)
	}
}

func TestRegistryTracksPeers(t *testing.T) {
	client := startBus(t)
	a, err := NewRegistry(context.Background(),
		config.NodeConfig{ID: "node-a", Role: "stt", HeartbeatInterval: 50, HeartbeatTimeout: 500},
		client, []Capability{{Name: STTJulius, Available: false}}, newLogger())
	if err != nil {
		t.Fatalf("new registry a: %v", err)
	}
	t.Cleanup(a.Close)

	b, err := NewRegistry(context.Background(),
		config.NodeConfig{ID: "node-b", Role: "stt", HeartbeatInterval: 50, HeartbeatTimeout: 500},
		client, []Capability{{Name: STTJulius, Available: true}}, newLogger())
	if err != nil {
		t.Fatalf("new registry b: %v", err)
	}
	t.Cleanup(b.Close)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		nodes := a.Query(WithAvailableCapability(STTJulius))
		if len(nodes) == 1 && nodes[0].ID == "node-b" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected node-a to learn about node-b, got %+v", a.Query(nil))
}

func TestEvaluateHealthMarksSilentNodes(t *testing.T) {
	r := &Registry{cfg: config.NodeConfig{ID: "self", HeartbeatTimeout: 100}, nodes: map[string]*NodeInfo{}}
	seen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.updateNode("self", "stt", []Capability{{Name: STTJulius, Available: true}}, seen)

	r.evaluateHealth(seen.Add(50 * time.Millisecond))
	if !r.Healthy() {
		t.Fatal("expected node healthy within timeout")
	}
	r.evaluateHealth(seen.Add(time.Second))
	if r.Healthy() {
		t.Fatal("expected node unhealthy after timeout")
	}
	if len(r.Query(WithAvailableCapability(STTJulius))) != 0 {
		t.Fatal("unhealthy nodes must not match")
	}
}
