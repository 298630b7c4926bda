package federation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prismdb/prism/internal/cluster"
)

// OnNodeFailure selects what a HealthMonitor does when a node's state
// changes (spec §4.9 "State changes trigger rebalancing if
// on_node_failure = rebalance").
type OnNodeFailure string

const (
	OnNodeFailureNone      OnNodeFailure = "none"
	OnNodeFailureRebalance OnNodeFailure = "rebalance"
)

// HealthConfig parameterizes HealthMonitor (spec §4.9 Health).
type HealthConfig struct {
	HeartbeatInterval time.Duration // heartbeat_interval_ms
	FailureThreshold  int           // consecutive misses before -> suspect
	SuspectTimeout    time.Duration // suspect_timeout_ms before -> dead
	OnNodeFailure     OnNodeFailure
}

// membershipMutator is implemented by Discovery backends that let a
// HealthMonitor override a member's state with its own heartbeat-based
// verdict. GossipDiscovery runs its own SWIM suspect/dead detection
// internally and deliberately does not implement this — layering a second,
// heartbeat-driven state machine on top of gossip's incarnation-based one
// would just race the two against each other.
type membershipMutator interface {
	MarkState(nodeID string, state NodeState)
}

// HealthMonitor heartbeats every known peer on HeartbeatInterval, tracking
// consecutive misses per node and promoting alive -> suspect -> dead exactly
// as spec §4.9 describes. It complements discovery backends (static, dns)
// that have no failure-detection of their own.
type HealthMonitor struct {
	cfg        HealthConfig
	discovery  Discovery
	coord      *Coordinator
	logger     *zap.Logger
	onFailure  func(nodeID string, state NodeState)

	mu           sync.Mutex
	misses       map[string]int
	suspectSince map[string]time.Time
	lastState    map[string]NodeState

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHealthMonitor builds a monitor over discovery's current and future
// membership, using coord to reach peers over cluster RPC. onFailure, if
// non-nil, is invoked whenever a node's state transitions to suspect or
// dead and cfg.OnNodeFailure is OnNodeFailureRebalance — wiring it to a
// Rebalancer.Trigger call is the expected use.
func NewHealthMonitor(cfg HealthConfig, discovery Discovery, coord *Coordinator, logger *zap.Logger, onFailure func(nodeID string, state NodeState)) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuspectTimeout <= 0 {
		cfg.SuspectTimeout = 10 * time.Second
	}
	h := &HealthMonitor{
		cfg:          cfg,
		discovery:    discovery,
		coord:        coord,
		logger:       logger,
		onFailure:    onFailure,
		misses:       make(map[string]int),
		suspectSince: make(map[string]time.Time),
		lastState:    make(map[string]NodeState),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *HealthMonitor) loop() {
	defer close(h.doneCh)
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *HealthMonitor) tick() {
	for _, n := range h.discovery.Members() {
		if n.NodeID == h.coord.selfNodeID {
			continue
		}
		if n.State == StateRemoved {
			continue
		}
		go h.probe(n)
	}
}

func (h *HealthMonitor) probe(n Node) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.HeartbeatInterval)
	defer cancel()

	client, err := h.coord.clientFor(n.NodeID)
	ok := err == nil
	if ok {
		var resp cluster.HeartbeatResponse
		err = client.Call(ctx, cluster.MethodHeartbeat, cluster.HeartbeatRequest{NodeID: h.coord.selfNodeID, State: string(StateAlive)}, &resp)
		ok = err == nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ok {
		h.misses[n.NodeID] = 0
		delete(h.suspectSince, n.NodeID)
		h.setState(n.NodeID, StateAlive)
		return
	}

	h.misses[n.NodeID]++
	h.logger.Warn("federation: heartbeat miss", zap.String("node_id", n.NodeID), zap.Int("misses", h.misses[n.NodeID]), zap.Error(err))

	switch h.lastState[n.NodeID] {
	case StateDead:
		// stays dead until a heartbeat succeeds again
	case StateSuspect:
		if time.Since(h.suspectSince[n.NodeID]) >= h.cfg.SuspectTimeout {
			h.setState(n.NodeID, StateDead)
		}
	default:
		if h.misses[n.NodeID] >= h.cfg.FailureThreshold {
			h.suspectSince[n.NodeID] = time.Now()
			h.setState(n.NodeID, StateSuspect)
		}
	}
}

// setState must be called with h.mu held.
func (h *HealthMonitor) setState(nodeID string, state NodeState) {
	if h.lastState[nodeID] == state {
		return
	}
	h.lastState[nodeID] = state
	if mutator, ok := h.discovery.(membershipMutator); ok {
		mutator.MarkState(nodeID, state)
	}
	if state == StateAlive {
		return
	}
	if h.cfg.OnNodeFailure == OnNodeFailureRebalance && h.onFailure != nil {
		h.onFailure(nodeID, state)
	}
}

// Close stops the heartbeat loop.
func (h *HealthMonitor) Close() {
	close(h.stopCh)
	<-h.doneCh
}
