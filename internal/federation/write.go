package federation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/prismerr"
)

// IndexOutcome reports one document's federated write result.
type IndexOutcome struct {
	ID  string
	Err error
}

// Index implements spec §4.9's write path: for each doc, compute its shard
// and send it to the primary. When this node is the primary, the documents
// are then forwarded to the r-1 replicas: the first
// min_replicas_for_write-1 replica writes complete before Index returns and
// the rest proceed asynchronously. A failed replica write is logged and does
// not change the returned outcomes. When the primary is another node, Index
// forwards nothing to the replicas, and the primary's NodeServer.Index
// indexes the documents locally without forwarding them either. session, if non-nil, is pinned
// to the primary for every shard written so a subsequent
// ConsistencyReadYourWrites read on the same Session observes this write
// (the primary always has the freshest copy immediately after its own ack).
func (c *Coordinator) Index(ctx context.Context, collectionName string, docs []*model.Document, session *Session) ([]IndexOutcome, error) {
	if q := c.quorumGuard(); q != nil {
		if err := q.AllowWrite(); err != nil {
			return nil, err
		}
	}

	placement, cfg, err := c.placementFor(collectionName)
	if err != nil {
		return nil, err
	}

	byShard := make(map[int][]int) // shard -> doc indices
	for i, d := range docs {
		s := ShardIndex(d.ID, placement.ShardCount)
		byShard[s] = append(byShard[s], i)
	}

	outcomes := make([]IndexOutcome, len(docs))
	for shard, idxs := range byShard {
		owners := placement.Owners(shard)
		if len(owners.NodeIDs) == 0 {
			for _, i := range idxs {
				outcomes[i] = IndexOutcome{ID: docs[i].ID, Err: fmt.Errorf("%w: shard %d unassigned", prismerr.ErrPlacementFailed, shard)}
			}
			continue
		}

		shardDocs := make([]*model.Document, len(idxs))
		for j, i := range idxs {
			shardDocs[j] = docs[i]
		}

		primary := owners.NodeIDs[0]
		start := time.Now()
		executor, err := c.executorFor(primary, collectionName)
		if err != nil {
			for _, i := range idxs {
				outcomes[i] = IndexOutcome{ID: docs[i].ID, Err: err}
			}
			continue
		}
		results, err := executor.Index(ctx, shardDocs)
		c.recordLatency(primary, time.Since(start))
		if err != nil {
			for _, i := range idxs {
				outcomes[i] = IndexOutcome{ID: docs[i].ID, Err: err}
			}
			continue
		}
		for j, i := range idxs {
			outcomes[i] = IndexOutcome{ID: results[j].ID, Err: results[j].Err}
		}
		if session != nil {
			session.RecordWrite(shard, primary)
		}

		if c.selfNodeID == primary {
			c.replicate(ctx, collectionName, shardDocs, owners.NodeIDs[1:], cfg)
		}
	}

	return outcomes, nil
}

// replicate pushes shardDocs to replicas: the first min_replicas_for_write-1
// are awaited synchronously, the rest fire asynchronously. A failed replica
// write, synchronous or not, is only logged; the outcomes Index reports come
// from the primary's ack alone.
func (c *Coordinator) replicate(ctx context.Context, collectionName string, docs []*model.Document, replicas []string, cfg CollectionConfig) {
	required := cfg.MinReplicasForWrite - 1
	if required < 0 {
		required = 0
	}
	if required > len(replicas) {
		required = len(replicas)
	}

	syncReplicas, asyncReplicas := replicas[:required], replicas[required:]

	for _, nodeID := range syncReplicas {
		executor, err := c.executorFor(nodeID, collectionName)
		if err != nil {
			c.logger.Warn("federation: replica unreachable during synchronous replication", zap.String("node_id", nodeID), zap.Error(err))
			continue
		}
		if _, err := executor.Index(ctx, docs); err != nil {
			c.logger.Warn("federation: synchronous replica write failed", zap.String("node_id", nodeID), zap.Error(err))
		}
	}

	for _, nodeID := range asyncReplicas {
		nodeID := nodeID
		go func() {
			executor, err := c.executorFor(nodeID, collectionName)
			if err != nil {
				c.logger.Warn("federation: async replica unreachable", zap.String("node_id", nodeID), zap.Error(err))
				return
			}
			bg := context.Background()
			if _, err := executor.Index(bg, docs); err != nil {
				c.logger.Warn("federation: async replica write failed", zap.String("node_id", nodeID), zap.Error(err))
			}
		}()
	}
}
