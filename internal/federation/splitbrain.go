package federation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/prismerr"
)

// SplitBrainConfig parameterizes QuorumGuard (spec §4.9 Split-brain).
type SplitBrainConfig struct {
	// AllowStaleReads lets a minority partition keep serving reads instead
	// of failing every request outright.
	AllowStaleReads bool

	// ClusterSize is the configured total node count used to decide
	// whether this node's visible alive set is a majority. 0 disables the
	// guard entirely (every Coordinator call behaves as if quorum always
	// holds, matching single-node/no-federation deployments).
	ClusterSize int
}

// QuorumGuard tracks whether this node currently sees a majority of the
// cluster, gating writes and (optionally) reads during a network partition
// (spec §4.9 "a minority partition serves reads if allow_stale_reads is
// true; writes are rejected with NoQuorum").
type QuorumGuard struct {
	discovery Discovery
	cfg       SplitBrainConfig
	logger    *zap.Logger
}

// NewQuorumGuard builds a guard over discovery's live membership view.
func NewQuorumGuard(discovery Discovery, cfg SplitBrainConfig, logger *zap.Logger) *QuorumGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuorumGuard{discovery: discovery, cfg: cfg, logger: logger}
}

// HasQuorum reports whether this node currently sees more than half of the
// configured cluster as alive. Always true when ClusterSize is unset.
func (q *QuorumGuard) HasQuorum() bool {
	if q.cfg.ClusterSize <= 0 {
		return true
	}
	alive := 0
	for _, n := range q.discovery.Members() {
		if n.State == StateAlive {
			alive++
		}
	}
	return alive*2 > q.cfg.ClusterSize
}

// AllowWrite returns ErrNoQuorum when this node is in a minority partition;
// writes are never permitted from the minority side regardless of
// AllowStaleReads (spec: "writes are rejected with NoQuorum").
func (q *QuorumGuard) AllowWrite() error {
	if q.HasQuorum() {
		return nil
	}
	return fmt.Errorf("%w: federation: node is in a minority partition", prismerr.ErrNoQuorum)
}

// AllowRead returns ErrNoQuorum unless this node has quorum or
// AllowStaleReads opts into minority-partition reads.
func (q *QuorumGuard) AllowRead() error {
	if q.HasQuorum() || q.cfg.AllowStaleReads {
		return nil
	}
	return fmt.Errorf("%w: federation: node is in a minority partition and allow_stale_reads is false", prismerr.ErrNoQuorum)
}

// Heal deletes every segment blob of collectionName's local shard,
// discarding whatever divergent tail this node wrote while partitioned
// (spec §4.9 "the partition with the lower commit generation per shard
// discards its divergent tail and re-replicates from the majority"). Heal
// fetches nothing itself: the segments come back only when
// authoritativeNodeID's own Rebalancer.Trigger pushes them to this node.
// The caller — typically an operator tool or the rejoining node's own
// startup path — is responsible for first establishing that
// authoritativeNodeID really does hold the higher commit generation; Heal
// itself always discards unconditionally once invoked, since comparing
// per-shard generations requires commit bookkeeping this layer does not
// track (internal/collection pins a generation per reader snapshot, not
// per federation shard).
func (c *Coordinator) Heal(ctx context.Context, collectionName, authoritativeNodeID string) error {
	c.mu.RLock()
	coll, ok := c.locals[collectionName]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: federation: heal: no local shard for %q", prismerr.ErrNotFound, collectionName)
	}

	prefix := model.CollectionDir(collectionName) + "/segments/"
	store := coll.Store()
	stale, err := store.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, e := range stale {
		if err := store.Delete(ctx, e.Path); err != nil {
			c.logger.Warn("federation: heal: failed to discard divergent segment", zap.String("path", e.Path), zap.Error(err))
		}
	}

	// The wire surface has no pull-style segment listing RPC (only
	// ReplicateSegment, which is push-only); re-population is left to
	// authoritativeNodeID's own Rebalancer.Trigger, which pushes segments
	// to every current owner once this node rejoins as alive.
	c.logger.Info("federation: heal: discarded local divergent segments, awaiting re-replication from majority",
		zap.String("collection", collectionName), zap.String("authoritative_node", authoritativeNodeID))
	return nil
}
