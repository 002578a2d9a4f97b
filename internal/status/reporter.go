// Package status publishes a periodic node heartbeat and tracks the
// heartbeats of other dictation nodes on the bus.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Snapshot produces the local node status; NodeID and Timestamp are filled in
// by the Reporter.
type Snapshot func() protocol.Status

// Node is the last heartbeat seen from a node.
type Node struct {
	Status  protocol.Status `json:"status"`
	Healthy bool            `json:"healthy"`
}

type Reporter struct {
	cfg      config.StatusConfig
	log      *slog.Logger
	conn     *nats.Conn
	snapshot Snapshot
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	sub      *nats.Subscription
	meter    metric.Meter

	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewReporter starts heartbeating. conn may be nil, in which case the status
// is only tracked locally and exported as gauges.
func NewReporter(ctx context.Context, cfg config.StatusConfig, conn *nats.Conn, snapshot Snapshot, log *slog.Logger) (*Reporter, error) {
	interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Reporter{
		cfg:      cfg,
		log:      log.With(slog.String("component", "status")),
		conn:     conn,
		snapshot: snapshot,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
		meter:    otel.Meter("github.com/loqalabs/loqa-dictation/status"),
		nodes:    make(map[string]*Node),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if conn != nil {
		sub, err := conn.Subscribe(protocol.SubjectStatus, r.handleHeartbeat)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe status: %w", err)
		}
		r.sub = sub
	}

	r.beat()
	go r.run(ctx)
	return r, nil
}

func (r *Reporter) Close() {
	r.cancel()
	<-r.done
	if r.sub != nil {
		_ = r.sub.Drain()
	}
}

func (r *Reporter) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat()
			r.evaluateHealth()
		}
	}
}

// Local builds the current local status.
func (r *Reporter) Local() protocol.Status {
	st := r.snapshot()
	st.NodeID = r.cfg.NodeID
	st.Timestamp = time.Now().UTC()
	return st
}

func (r *Reporter) beat() {
	st := r.Local()
	r.update(st)
	if r.conn == nil {
		return
	}
	payload, err := json.Marshal(st)
	if err != nil {
		r.log.Warn("failed to marshal heartbeat", slog.String("error", err.Error()))
		return
	}
	if err := r.conn.Publish(protocol.SubjectStatus, payload); err != nil {
		r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
	}
}

func (r *Reporter) handleHeartbeat(msg *nats.Msg) {
	var st protocol.Status
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if st.NodeID == "" || st.NodeID == r.cfg.NodeID {
		return
	}
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now().UTC()
	}
	r.update(st)
}

func (r *Reporter) update(st protocol.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[st.NodeID] = &Node{Status: st, Healthy: true}
}

func (r *Reporter) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := 3 * r.interval
	now := time.Now()
	for _, node := range r.nodes {
		if now.Sub(node.Status.Timestamp) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether the local node has a fresh heartbeat.
func (r *Reporter) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.NodeID]
	return ok && node.Healthy
}

// Nodes lists every known node sorted by id.
func (r *Reporter) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status.NodeID < out[j].Status.NodeID })
	return out
}

func (r *Reporter) initMetrics() error {
	stateGauge, err := r.meter.Int64ObservableGauge("loqa.dictation.session.state", metric.WithDescription("Session state (0 idle, 1 capturing, 2 finalizing)"))
	if err != nil {
		return err
	}
	readyGauge, err := r.meter.Int64ObservableGauge("loqa.dictation.engine.ready", metric.WithDescription("Recognition engine readiness"))
	if err != nil {
		return err
	}
	bufferedGauge, err := r.meter.Int64ObservableGauge("loqa.dictation.buffered", metric.WithUnit("ms"), metric.WithDescription("Audio buffered in the current session"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		st := r.snapshot()
		obs.ObserveInt64(stateGauge, stateValue(st.State))
		var ready int64
		if st.EngineReady {
			ready = 1
		}
		obs.ObserveInt64(readyGauge, ready)
		obs.ObserveInt64(bufferedGauge, st.BufferedMS)
		return nil
	}, stateGauge, readyGauge, bufferedGauge)
	return err
}

func stateValue(state string) int64 {
	switch state {
	case "capturing":
		return 1
	case "finalizing":
		return 2
	default:
		return 0
	}
}
