package federation

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/prismdb/prism/internal/cluster"
	"github.com/prismdb/prism/internal/collection"
	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/prismerr"
	"github.com/prismdb/prism/internal/textindex"
)

// LocalCollection exposes one of this node's locally-hosted shards, for
// NodeServer (and other in-process callers that need direct access rather
// than going through an Executor).
func (c *Coordinator) LocalCollection(name string) (*collection.Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coll, ok := c.locals[name]
	return coll, ok
}

// NodeServer implements cluster.Handler, answering peer requests against
// this node's locally-hosted shards. It is the server-side counterpart to
// Coordinator's client-side LocalExecutor/RemoteExecutor: every other node
// in the cluster reaches this node's collections only through here.
type NodeServer struct {
	coord  *Coordinator
	self   Node
	gossip *GossipDiscovery // nil if this node isn't using gossip discovery
	logger *zap.Logger
}

// NewNodeServer builds a NodeServer over coord's locally-registered shards.
// gossip may be nil; Gossip calls then return an empty delta set rather
// than failing, matching a static/dns discovery deployment where the
// Gossip RPC is simply unused.
func NewNodeServer(coord *Coordinator, self Node, gossip *GossipDiscovery, logger *zap.Logger) *NodeServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeServer{coord: coord, self: self, gossip: gossip, logger: logger}
}

var _ cluster.Handler = (*NodeServer)(nil)

func (s *NodeServer) local(name string) (*collection.Collection, error) {
	coll, ok := s.coord.LocalCollection(name)
	if !ok {
		return nil, fmt.Errorf("%w: federation: node %q has no local shard for collection %q", prismerr.ErrNotFound, s.self.NodeID, name)
	}
	return coll, nil
}

func (s *NodeServer) Index(ctx context.Context, req cluster.IndexRequest) (cluster.IndexResponse, error) {
	coll, err := s.local(req.Collection)
	if err != nil {
		return cluster.IndexResponse{}, err
	}
	docs := make([]*model.Document, len(req.Docs))
	for i, d := range req.Docs {
		docs[i] = cluster.FromWireDoc(d)
	}
	results, err := coll.Index(ctx, docs)
	if err != nil {
		return cluster.IndexResponse{}, err
	}
	out := make([]cluster.IndexResult, len(results))
	for i, r := range results {
		errStr := ""
		if r.Err != nil {
			errStr = r.Err.Error()
		}
		out[i] = cluster.IndexResult{ID: r.ID, Err: errStr}
	}
	return cluster.IndexResponse{Results: out}, nil
}

func (s *NodeServer) Search(ctx context.Context, req cluster.SearchRequest) (cluster.SearchResponse, error) {
	coll, err := s.local(req.Collection)
	if err != nil {
		return cluster.SearchResponse{}, err
	}
	resp, err := coll.Search(ctx, collection.SearchRequest{
		QueryString:     req.QueryString,
		VectorQuery:     req.VectorQuery,
		VectorQueryText: req.VectorQueryText,
		Limit:           req.Limit,
		Strategy:        model.HybridStrategy(req.Strategy),
		TextWeight:      req.TextWeight,
		VectorWeight:    req.VectorWeight,
		ContextBoost:    req.ContextBoost,
	})
	if err != nil {
		return cluster.SearchResponse{}, err
	}
	hits := make([]cluster.SearchHit, len(resp.Hits))
	for i, h := range resp.Hits {
		fields := make(map[string]cluster.WireValue, len(h.Fields))
		for k, v := range h.Fields {
			fields[k] = cluster.ToWireValue(v)
		}
		hits[i] = cluster.SearchHit{ID: h.ID, Score: h.Score, Fields: fields}
	}
	return cluster.SearchResponse{Hits: hits}, nil
}

func (s *NodeServer) Aggregate(ctx context.Context, req cluster.AggregateRequest) (cluster.AggregateResponse, error) {
	coll, err := s.local(req.Collection)
	if err != nil {
		return cluster.AggregateResponse{}, err
	}
	var aggReq collection.AggRequest
	if err := json.Unmarshal([]byte(req.RequestJSON), &aggReq); err != nil {
		return cluster.AggregateResponse{}, fmt.Errorf("%w: federation: decode aggregate request: %w", prismerr.ErrBadRequest, err)
	}
	var filter textindex.Condition
	if req.FilterQuery != "" {
		filter = textindex.QueryString(req.FilterQuery)
	}
	result, err := coll.Aggregate(ctx, filter, aggReq, 0)
	if err != nil {
		return cluster.AggregateResponse{}, err
	}
	body, err := json.Marshal(result)
	if err != nil {
		return cluster.AggregateResponse{}, err
	}
	return cluster.AggregateResponse{ResultJSON: string(body)}, nil
}

func (s *NodeServer) GetDoc(ctx context.Context, req cluster.GetDocRequest) (cluster.GetDocResponse, error) {
	coll, err := s.local(req.Collection)
	if err != nil {
		return cluster.GetDocResponse{}, err
	}
	fields, ok, err := coll.Get(ctx, req.ID)
	if err != nil {
		return cluster.GetDocResponse{}, err
	}
	if !ok {
		return cluster.GetDocResponse{Found: false}, nil
	}
	wireFields := make(map[string]cluster.WireValue, len(fields))
	for k, v := range fields {
		wireFields[k] = cluster.ToWireValue(v)
	}
	return cluster.GetDocResponse{Found: true, Fields: wireFields}, nil
}

// Heartbeat acks with this node's own state and, per registered local
// collection, the generation returned by Collection.Commit, so answering a
// heartbeat also commits that collection's pending writes.
func (s *NodeServer) Heartbeat(ctx context.Context, req cluster.HeartbeatRequest) (cluster.HeartbeatResponse, error) {
	generations := make(map[string]uint64)
	s.coord.mu.RLock()
	names := make([]string, 0, len(s.coord.locals))
	for name := range s.coord.locals {
		names = append(names, name)
	}
	s.coord.mu.RUnlock()
	for _, name := range names {
		if coll, ok := s.coord.LocalCollection(name); ok {
			if commit, err := coll.Commit(ctx); err == nil {
				generations[name] = commit.Generation
			}
		}
	}
	return cluster.HeartbeatResponse{
		NodeID:      s.self.NodeID,
		State:       string(StateAlive),
		Incarnation: s.self.Incarnation,
		Generations: generations,
	}, nil
}

// ReplicateSegment writes a pushed segment blob to this node's local
// storage stack verbatim (spec §4.10 "segments are immutable after
// creation", so this is a plain write, never a merge).
func (s *NodeServer) ReplicateSegment(ctx context.Context, req cluster.ReplicateSegmentRequest) (cluster.ReplicateSegmentResponse, error) {
	coll, err := s.local(req.Collection)
	if err != nil {
		return cluster.ReplicateSegmentResponse{}, err
	}
	if err := coll.Store().Put(ctx, req.Path, req.Blob); err != nil {
		return cluster.ReplicateSegmentResponse{}, err
	}
	return cluster.ReplicateSegmentResponse{OK: true}, nil
}

// Gossip answers a peer's SWIM push by forwarding to this node's
// GossipDiscovery, if any; a node using static/dns discovery has no gossip
// state to exchange and returns an empty response.
func (s *NodeServer) Gossip(ctx context.Context, req cluster.GossipRequest) (cluster.GossipResponse, error) {
	if s.gossip == nil {
		return cluster.GossipResponse{}, nil
	}
	deltas := make([]Node, len(req.Deltas))
	for i, d := range req.Deltas {
		deltas[i] = Node{
			NodeID:      d.NodeID,
			Zone:        d.Zone,
			Rack:        d.Rack,
			Region:      d.Region,
			Address:     d.Address,
			State:       NodeState(d.State),
			Incarnation: d.Incarnation,
		}
	}
	s.gossip.merge(deltas)

	out := make([]cluster.MembershipDelta, 0, len(s.gossip.Members()))
	for _, n := range s.gossip.Members() {
		out = append(out, cluster.MembershipDelta{
			NodeID: n.NodeID, Zone: n.Zone, Rack: n.Rack, Region: n.Region,
			Address: n.Address, State: string(n.State), Incarnation: n.Incarnation,
		})
	}
	return cluster.GossipResponse{Deltas: out}, nil
}
