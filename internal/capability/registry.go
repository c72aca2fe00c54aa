package capability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-julius/internal/bus"
	"github.com/loqalabs/loqa-julius/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"

	// STTJulius is advertised by nodes that can run the julius decoder.
	STTJulius = "stt.julius"
)

// Capability is something a node offers. Available is false when the node
// knows about the capability but its probe failed.
type Capability struct {
	Name       string            `json:"name"`
	Available  bool              `json:"available"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry announces the local node and tracks peers seen on the bus.
type Registry struct {
	cfg    config.NodeConfig
	local  []Capability
	log    *slog.Logger
	bus    *bus.Client
	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, local []Capability, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-julius/capability")); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx)

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := bus.SubscribeJSON(r.bus, SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := bus.SubscribeJSON(r.bus, SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

// run publishes heartbeats and marks silent peers unhealthy.
func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Timestamp:    time.Now().UTC(),
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return r.bus.PublishJSON(SubjectAnnounce, msg)
}

func (r *Registry) publishHeartbeat() error {
	return r.bus.PublishJSON(SubjectHeartbeatPrefix+"."+r.cfg.ID, heartbeatMessage{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()})
}

func (r *Registry) handleAnnounce(_ string, msg announceMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
}

func (r *Registry) handleHeartbeat(_ string, hb heartbeatMessage) {
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, timestamp time.Time) {
	if nodeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether the local node still counts as alive.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		info := *node
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	return results
}

// WithAvailableCapability matches healthy nodes offering name with a passing probe.
func WithAvailableCapability(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		if !node.Healthy {
			return false
		}
		for _, c := range node.Capabilities {
			if c.Name == name && c.Available {
				return true
			}
		}
		return false
	}
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	nodes, err := meter.Int64ObservableGauge("loqa.capabilities.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	available, err := meter.Int64ObservableGauge("loqa.capabilities.stt_available", metric.WithDescription("Healthy nodes able to run julius"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(nodes, int64(len(r.Query(nil))))
		obs.ObserveInt64(available, int64(len(r.Query(WithAvailableCapability(STTJulius)))))
		return nil
	}, nodes, available)
	return err
}
