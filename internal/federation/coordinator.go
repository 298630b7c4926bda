package federation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/prismdb/prism/internal/cluster"
	"github.com/prismdb/prism/internal/collection"
	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/prismerr"
)

// CollectionConfig is the federation-relevant subset of a collection's
// schema (spec §4.9 write/read path parameters).
type CollectionConfig struct {
	ShardCount           int
	ReplicationFactor    int
	SpreadKey            SpreadKey
	MinReplicasForWrite  int // <=1 means primary-ack-only
	PartialResultsTimeout time.Duration
	AllowPartialResults  bool
	MinSuccessfulShards  int
	RRFK                 int
	HybridStrategy       model.HybridStrategy
}

// Coordinator is the federation write/read path: it resolves shard
// ownership from Placement, dispatches to local or remote Executors, and
// applies the write-ack and read-consistency rules from spec §4.9.
type Coordinator struct {
	selfNodeID string
	discovery  Discovery
	logger     *zap.Logger

	mu         sync.RWMutex
	locals     map[string]*collection.Collection // collection name -> this node's local shard handle
	placements map[string]Placement              // collection name -> placement
	configs    map[string]CollectionConfig
	clients    map[string]*cluster.Client // node id -> dialed connection
	latency    map[string]time.Duration   // node id -> EWMA observed latency

	dialOpts cluster.DialOptions
	rr       int64 // round-robin cursor for selectReplica, advanced atomically

	quorum *QuorumGuard // nil disables split-brain gating
}

// SetDialOptions configures the connect timeout used for every peer
// connection dialed from here on; existing cached connections are
// unaffected.
func (c *Coordinator) SetDialOptions(opts cluster.DialOptions) {
	c.mu.Lock()
	c.dialOpts = opts
	c.mu.Unlock()
}

// SetQuorumGuard wires split-brain detection into Index/Search/Aggregate/
// GetDoc. Without one, every call proceeds as if quorum always holds.
func (c *Coordinator) SetQuorumGuard(q *QuorumGuard) {
	c.mu.Lock()
	c.quorum = q
	c.mu.Unlock()
}

func (c *Coordinator) quorumGuard() *QuorumGuard {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.quorum
}

// nextRR returns the next round-robin cursor value for replica selection.
func (c *Coordinator) nextRR() int {
	return int(atomic.AddInt64(&c.rr, 1))
}

// NewCoordinator builds a Coordinator for selfNodeID, consulting discovery
// for cluster membership and addresses.
func NewCoordinator(selfNodeID string, discovery Discovery, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		selfNodeID: selfNodeID,
		discovery:  discovery,
		logger:     logger,
		locals:     make(map[string]*collection.Collection),
		placements: make(map[string]Placement),
		configs:    make(map[string]CollectionConfig),
		clients:    make(map[string]*cluster.Client),
		latency:    make(map[string]time.Duration),
	}
}

// RegisterLocal exposes a locally-open collection shard to the coordinator,
// so writes/reads owned by this node never leave the process.
func (c *Coordinator) RegisterLocal(name string, coll *collection.Collection) {
	c.mu.Lock()
	c.locals[name] = coll
	c.mu.Unlock()
}

// SetPlacement publishes shard ownership for a collection, typically the
// result of a prior Assign call.
func (c *Coordinator) SetPlacement(name string, p Placement, cfg CollectionConfig) {
	c.mu.Lock()
	c.placements[name] = p
	c.configs[name] = cfg
	c.mu.Unlock()
}

func (c *Coordinator) placementFor(name string) (Placement, CollectionConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.placements[name]
	if !ok {
		return Placement{}, CollectionConfig{}, fmt.Errorf("%w: federation: no placement published for collection %q", prismerr.ErrNotFound, name)
	}
	return p, c.configs[name], nil
}

// executorFor resolves the Executor for one shard owner, dialing (and
// caching) a cluster.Client on first use for remote nodes.
func (c *Coordinator) executorFor(nodeID, collectionName string) (Executor, error) {
	if nodeID == c.selfNodeID {
		c.mu.RLock()
		coll, ok := c.locals[collectionName]
		c.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: federation: collection %q has no local shard on this node", prismerr.ErrNotFound, collectionName)
		}
		return LocalExecutor{Collection: coll}, nil
	}

	client, err := c.clientFor(nodeID)
	if err != nil {
		return nil, err
	}
	return RemoteExecutor{Client: client, CollectionName: collectionName}, nil
}

func (c *Coordinator) clientFor(nodeID string) (*cluster.Client, error) {
	c.mu.RLock()
	client, ok := c.clients[nodeID]
	c.mu.RUnlock()
	if ok {
		return client, nil
	}

	addr := c.addressOf(nodeID)
	if addr == "" {
		return nil, fmt.Errorf("%w: federation: unknown address for node %q", prismerr.ErrShardUnavailable, nodeID)
	}
	client, err := cluster.Dial(context.Background(), addr, c.dialOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: federation: dial %q (%s): %w", prismerr.ErrShardUnavailable, nodeID, addr, err)
	}

	c.mu.Lock()
	c.clients[nodeID] = client
	c.mu.Unlock()
	return client, nil
}

func (c *Coordinator) addressOf(nodeID string) string {
	for _, n := range c.discovery.Members() {
		if n.NodeID == nodeID {
			return n.Address
		}
	}
	return ""
}

func (c *Coordinator) recordLatency(nodeID string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.latency[nodeID]
	if !ok {
		c.latency[nodeID] = d
		return
	}
	// EWMA, alpha=0.3: react to recent samples without discarding history.
	c.latency[nodeID] = time.Duration(0.7*float64(prev) + 0.3*float64(d))
}

// selectReplica picks a read target among owners: lowest observed latency,
// else round-robin (spec §4.9 "replica selection: lowest observed latency,
// else round-robin"). rrCounter is advanced by the caller per shard.
func (c *Coordinator) selectReplica(owners []string, rrCounter int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	best := ""
	var bestLatency time.Duration
	for _, id := range owners {
		if lat, ok := c.latency[id]; ok {
			if best == "" || lat < bestLatency {
				best, bestLatency = id, lat
			}
		}
	}
	if best != "" {
		return best
	}
	if len(owners) == 0 {
		return ""
	}
	return owners[rrCounter%len(owners)]
}

// Close tears down every dialed peer connection.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, client := range c.clients {
		client.Close()
	}
	c.clients = make(map[string]*cluster.Client)
}
