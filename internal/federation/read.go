package federation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prismdb/prism/internal/collection"
	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/prismerr"
)

// ConsistencyMode selects how a federated read picks its replica and how it
// treats per-shard divergence (spec §4.9 "consistency: eventual |
// read_your_writes | bounded(staleness_ms) | strong").
type ConsistencyMode string

const (
	// ConsistencyEventual reads from whichever replica selectReplica picks
	// (lowest observed latency, else round-robin).
	ConsistencyEventual ConsistencyMode = "eventual"

	// ConsistencyReadYourWrites pins each shard's read to the replica a
	// Session last wrote to, falling back to eventual when the shard has no
	// pin yet or the pinned node is no longer an owner.
	ConsistencyReadYourWrites ConsistencyMode = "read_your_writes"

	// ConsistencyBounded picks a replica exactly as ConsistencyEventual
	// does. Replica lag is not tracked, so StalenessMS is not consulted and
	// a bounded read may be served by a replica of any age.
	ConsistencyBounded ConsistencyMode = "bounded"

	// ConsistencyStrong always reads the shard primary, which is the only
	// writer a shard ever has in this design, making it trivially
	// authoritative without a cross-replica quorum round trip.
	ConsistencyStrong ConsistencyMode = "strong"
)

// Consistency parameterizes one federated read.
type Consistency struct {
	Mode ConsistencyMode

	// StalenessMS is the staleness window of a ConsistencyBounded read. No
	// read path reads it (see ConsistencyBounded).
	StalenessMS int64

	// Session is consulted (and, by the caller, updated) for
	// ConsistencyReadYourWrites.
	Session *Session
}

// ShardStats reports scatter-gather coverage for one federated read (spec
// §4.9 / testable property #7: "is_partial", "shards={total,successful,
// failed}").
type ShardStats struct {
	Total      int
	Successful int
	Failed     int
}

// SearchResult is a federated Search response.
type SearchResult struct {
	Hits      []collection.SearchHit
	IsPartial bool
	Shards    ShardStats
}

// AggregateResult is a federated Aggregate response.
type AggregateResult struct {
	Result    *collection.AggResult
	IsPartial bool
	Shards    ShardStats
}

// pickReadTarget resolves which node to read shard from under cons.
func (c *Coordinator) pickReadTarget(owners []string, shard int, cons Consistency) string {
	if len(owners) == 0 {
		return ""
	}
	if cons.Mode == ConsistencyReadYourWrites && cons.Session != nil {
		if nodeID, ok := cons.Session.Pinned(shard); ok {
			for _, o := range owners {
				if o == nodeID {
					return nodeID
				}
			}
		}
	}
	if cons.Mode == ConsistencyStrong {
		return owners[0]
	}
	return c.selectReplica(owners, c.nextRR())
}

// partialOK decides whether a scatter-gather read may return with fewer
// than every shard having answered.
func partialOK(cfg CollectionConfig, stats ShardStats) bool {
	if stats.Failed == 0 {
		return true
	}
	min := cfg.MinSuccessfulShards
	if min <= 0 {
		min = stats.Total
	}
	return cfg.AllowPartialResults && stats.Successful >= min
}

func shardTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// Search scatters req to every shard of collectionName, gathers pre-scored
// hits, and merges them into one ranked top-k (spec §4.9 "each shard returns
// pre-scored hits; the coordinator merges ranks across shards"). Since
// shard_index(doc)=stable_hash(doc.id) mod shard_count gives every document
// exactly one home shard, shards never return competing scores for the same
// document — merging is a rank-aware interleave of disjoint hit lists, not a
// same-document multi-signal fusion (that already happened inside each
// shard's own internal/hybrid.Fuse call).
func (c *Coordinator) Search(ctx context.Context, collectionName string, req collection.SearchRequest, cons Consistency) (*SearchResult, error) {
	if q := c.quorumGuard(); q != nil {
		if err := q.AllowRead(); err != nil {
			return nil, err
		}
	}

	placement, cfg, err := c.placementFor(collectionName)
	if err != nil {
		return nil, err
	}

	type shardResult struct {
		hits []collection.SearchHit
		err  error
	}
	results := make([]shardResult, placement.ShardCount)
	var wg sync.WaitGroup
	for shard := 0; shard < placement.ShardCount; shard++ {
		shard := shard
		wg.Add(1)
		go func() {
			defer wg.Done()
			owners := placement.Owners(shard)
			nodeID := c.pickReadTarget(owners.NodeIDs, shard, cons)
			if nodeID == "" {
				results[shard] = shardResult{err: fmt.Errorf("%w: federation: shard %d has no owners", prismerr.ErrShardUnavailable, shard)}
				return
			}
			executor, err := c.executorFor(nodeID, collectionName)
			if err != nil {
				results[shard] = shardResult{err: err}
				return
			}
			shardCtx, cancel := shardTimeout(ctx, cfg.PartialResultsTimeout)
			defer cancel()
			start := time.Now()
			resp, err := executor.Search(shardCtx, req)
			c.recordLatency(nodeID, time.Since(start))
			if err != nil {
				results[shard] = shardResult{err: err}
				return
			}
			results[shard] = shardResult{hits: resp.Hits}
		}()
	}
	wg.Wait()

	stats := ShardStats{Total: placement.ShardCount}
	perShard := make([][]collection.SearchHit, 0, placement.ShardCount)
	for _, r := range results {
		if r.err != nil {
			stats.Failed++
			c.logger.Warn("federation: shard search failed", zap.Error(r.err))
			continue
		}
		stats.Successful++
		perShard = append(perShard, r.hits)
	}
	if !partialOK(cfg, stats) {
		return nil, fmt.Errorf("%w: federation: search: %d/%d shards failed", prismerr.ErrShardUnavailable, stats.Failed, stats.Total)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	strategy := cfg.HybridStrategy
	if req.Strategy != "" {
		strategy = req.Strategy
	}
	return &SearchResult{
		Hits:      mergeShardHits(strategy, cfg.RRFK, perShard, limit),
		IsPartial: stats.Failed > 0,
		Shards:    stats,
	}, nil
}

// mergeShardHits re-ranks disjoint per-shard hit lists into one list. Under
// RRF, each hit's cross-shard score is recomputed from its rank within its
// own shard (1/(k+rank+1)) so shards contribute comparably regardless of
// their internal score scale; under a weighted strategy shard scores are
// assumed already comparable (same schema, same boosting) and are kept as
// returned.
func mergeShardHits(strategy model.HybridStrategy, rrfK int, perShard [][]collection.SearchHit, limit int) []collection.SearchHit {
	if rrfK <= 0 {
		rrfK = 60
	}
	var merged []collection.SearchHit
	for _, hits := range perShard {
		for rank, h := range hits {
			if strategy == model.StrategyRRF {
				h.Score = 1.0 / float64(rrfK+rank+1)
			}
			merged = append(merged, h)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// Aggregate scatters a scan-based aggregation to every shard and combines
// the per-shard results (spec §4.9, aggregation runs shard-local then
// federates). Bucket aggregations and count/sum/min/max metrics combine
// exactly; avg/stats/percentiles can't be recombined from already-reduced
// per-shard values without the raw counts behind them, so federation
// returns one shard's result for those instead of a false precision: for
// avg the shard with the largest Value, for stats and percentiles (which
// leave Value at 0) the first shard that answered.
func (c *Coordinator) Aggregate(ctx context.Context, collectionName, filterQuery string, req collection.AggRequest, cons Consistency) (*AggregateResult, error) {
	if q := c.quorumGuard(); q != nil {
		if err := q.AllowRead(); err != nil {
			return nil, err
		}
	}

	placement, cfg, err := c.placementFor(collectionName)
	if err != nil {
		return nil, err
	}

	type shardResult struct {
		result *collection.AggResult
		err    error
	}
	results := make([]shardResult, placement.ShardCount)
	var wg sync.WaitGroup
	for shard := 0; shard < placement.ShardCount; shard++ {
		shard := shard
		wg.Add(1)
		go func() {
			defer wg.Done()
			owners := placement.Owners(shard)
			nodeID := c.pickReadTarget(owners.NodeIDs, shard, cons)
			if nodeID == "" {
				results[shard] = shardResult{err: fmt.Errorf("%w: federation: shard %d has no owners", prismerr.ErrShardUnavailable, shard)}
				return
			}
			executor, err := c.executorFor(nodeID, collectionName)
			if err != nil {
				results[shard] = shardResult{err: err}
				return
			}
			shardCtx, cancel := shardTimeout(ctx, cfg.PartialResultsTimeout)
			defer cancel()
			res, err := executor.Aggregate(shardCtx, filterQuery, req)
			results[shard] = shardResult{result: res, err: err}
		}()
	}
	wg.Wait()

	stats := ShardStats{Total: placement.ShardCount}
	partials := make([]*collection.AggResult, 0, placement.ShardCount)
	for _, r := range results {
		if r.err != nil {
			stats.Failed++
			c.logger.Warn("federation: shard aggregate failed", zap.Error(r.err))
			continue
		}
		stats.Successful++
		partials = append(partials, r.result)
	}
	if !partialOK(cfg, stats) {
		return nil, fmt.Errorf("%w: federation: aggregate: %d/%d shards failed", prismerr.ErrShardUnavailable, stats.Failed, stats.Total)
	}

	return &AggregateResult{
		Result:    mergeAggResults(req.Type, partials),
		IsPartial: stats.Failed > 0,
		Shards:    stats,
	}, nil
}

func mergeAggResults(aggType string, partials []*collection.AggResult) *collection.AggResult {
	if len(partials) == 0 {
		return &collection.AggResult{}
	}
	switch aggType {
	case "terms", "histogram", "date_histogram", "range", "filter", "filters", "global":
		return &collection.AggResult{Buckets: mergeBuckets(partials)}
	case "", "count", "sum":
		var total float64
		for _, p := range partials {
			total += p.Value
		}
		return &collection.AggResult{Value: total}
	case "min":
		out := partials[0].Value
		for _, p := range partials[1:] {
			if p.Value < out {
				out = p.Value
			}
		}
		return &collection.AggResult{Value: out}
	case "max":
		out := partials[0].Value
		for _, p := range partials[1:] {
			if p.Value > out {
				out = p.Value
			}
		}
		return &collection.AggResult{Value: out}
	default: // avg, stats, percentiles: see doc comment on Aggregate.
		best := partials[0]
		for _, p := range partials[1:] {
			if p.Value > best.Value {
				best = p
			}
		}
		return best
	}
}

func mergeBuckets(partials []*collection.AggResult) []collection.Bucket {
	byKey := make(map[string]*collection.Bucket)
	order := make([]string, 0)
	for _, p := range partials {
		for _, b := range p.Buckets {
			existing, ok := byKey[b.Key]
			if !ok {
				cp := b
				byKey[b.Key] = &cp
				order = append(order, b.Key)
				continue
			}
			existing.Count += b.Count
		}
	}
	out := make([]collection.Bucket, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// GetDoc routes a point read to the one shard owning id and reads from the
// target pickReadTarget selects under cons — there's nothing to scatter,
// each document lives on exactly one shard.
func (c *Coordinator) GetDoc(ctx context.Context, collectionName, id string, cons Consistency) (map[string]model.Value, bool, error) {
	if q := c.quorumGuard(); q != nil {
		if err := q.AllowRead(); err != nil {
			return nil, false, err
		}
	}

	placement, _, err := c.placementFor(collectionName)
	if err != nil {
		return nil, false, err
	}
	shard := ShardIndex(id, placement.ShardCount)
	owners := placement.Owners(shard)
	nodeID := c.pickReadTarget(owners.NodeIDs, shard, cons)
	if nodeID == "" {
		return nil, false, fmt.Errorf("%w: federation: shard %d has no owners", prismerr.ErrShardUnavailable, shard)
	}
	executor, err := c.executorFor(nodeID, collectionName)
	if err != nil {
		return nil, false, err
	}
	return executor.GetDoc(ctx, id)
}
