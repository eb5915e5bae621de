// Package presence lets tutord instances see each other on the bus. Each node
// announces what it can serve and heartbeats its live session count.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectAnnounce  = "tutor.node.announce"
	subjectHeartbeat = "tutor.node.heartbeat"
)

// Capability is one thing a node can serve, e.g. {stt exec} or {knowledge local}.
type Capability struct {
	Name string `json:"name"`
	Mode string `json:"mode,omitempty"`
}

type Node struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
	Sessions     int          `json:"sessions"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Sessions  int       `json:"sessions"`
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	cfg   config.NodeConfig
	caps  []Capability
	load  func() int
	bus   *bus.Client
	log   *slog.Logger
	clock func() time.Time

	mu    sync.RWMutex
	nodes map[string]*Node

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	subs         []*nats.Subscription
	registration metric.Registration
}

// NewRegistry joins the bus as cfg.ID. load reports the node's live session
// count for each heartbeat and may be nil.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, client *bus.Client, caps []Capability, load func() int, log *slog.Logger) (*Registry, error) {
	return newRegistry(ctx, cfg, client, caps, load, time.Now, log)
}

func newRegistry(ctx context.Context, cfg config.NodeConfig, client *bus.Client, caps []Capability, load func() int, clock func() time.Time, log *slog.Logger) (*Registry, error) {
	if load == nil {
		load = func() int { return 0 }
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		caps:   append([]Capability(nil), caps...),
		load:   load,
		bus:    client,
		log:    log.With(slog.String("component", "presence"), slog.String("node_id", cfg.ID)),
		clock:  clock,
		nodes:  make(map[string]*Node),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize presence metrics", slogError(err))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.wg.Wait()
	if r.registration != nil {
		_ = r.registration.Unregister()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(subjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(subjectHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) interval() time.Duration {
	return time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond
}

func (r *Registry) timeout() time.Duration {
	return time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{NodeID: r.cfg.ID, Capabilities: r.caps, Timestamp: r.clock().UTC()}
	if err := r.bus.PublishJSON(subjectAnnounce, msg); err != nil {
		return err
	}
	r.touch(msg.NodeID, msg.Capabilities, nil)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: r.cfg.ID, Sessions: r.load(), Timestamp: r.clock().UTC()}
	return r.bus.PublishJSON(subjectHeartbeat+"."+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announceMessage
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid announce message")
		return
	}
	if isNew := r.touch(a.NodeID, a.Capabilities, nil); isNew && a.NodeID != r.cfg.ID {
		// Introduce ourselves to the newcomer.
		if err := r.announce(); err != nil {
			r.log.Warn("failed to answer announce", slogError(err))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message")
		return
	}
	r.touch(hb.NodeID, nil, &hb.Sessions)
}

// touch marks a node as seen now. LastSeen uses the local clock so peers with
// skewed clocks are judged fairly. It reports whether the node was unknown.
func (r *Registry) touch(nodeID string, caps []Capability, sessions *int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &Node{ID: nodeID}
		r.nodes[nodeID] = node
		r.log.Info("node joined", slog.String("peer", nodeID))
	}
	if caps != nil {
		node.Capabilities = append([]Capability(nil), caps...)
	}
	if sessions != nil {
		node.Sessions = *sessions
	}
	node.LastSeen = r.clock()
	node.Healthy = true
	return !ok
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > r.timeout() {
			node.Healthy = false
			r.log.Warn("node heartbeat missed", slog.String("peer", node.ID))
		}
	}
}

// Healthy reports whether this node still hears its own heartbeat.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns the known nodes matching filter, ordered by id.
func (r *Registry) Nodes(filter func(Node) bool) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Node
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = append([]Capability(nil), node.Capabilities...)
		if filter == nil || filter(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClusterSessions sums the live sessions of every healthy node.
func (r *Registry) ClusterSessions() int {
	total := 0
	for _, n := range r.Nodes(Healthy) {
		total += n.Sessions
	}
	return total
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tutor/internal/presence")
	nodes, err := meter.Int64ObservableGauge("tutor.nodes", metric.WithDescription("Healthy tutor nodes on the bus"))
	if err != nil {
		return err
	}
	sessions, err := meter.Int64ObservableGauge("tutor.cluster.sessions", metric.WithDescription("Live sessions across healthy nodes"))
	if err != nil {
		return err
	}
	r.registration, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(nodes, int64(len(r.Nodes(Healthy))))
		obs.ObserveInt64(sessions, int64(r.ClusterSessions()))
		return nil
	}, nodes, sessions)
	return err
}

// Healthy is a Nodes filter.
func Healthy(n Node) bool { return n.Healthy }

// WithCapability matches nodes advertising name.
func WithCapability(name string) func(Node) bool {
	return func(n Node) bool {
		for _, c := range n.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
