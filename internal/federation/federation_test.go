package federation

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prismdb/prism/internal/cluster"
	"github.com/prismdb/prism/internal/collection"
	"github.com/prismdb/prism/internal/model"
)

func TestShardIndexDeterministic(t *testing.T) {
	a := ShardIndex("doc-1", 8)
	b := ShardIndex("doc-1", 8)
	require.Equal(t, a, b)
	require.GreaterOrEqual(t, a, 0)
	require.Less(t, a, 8)
}

func TestAssignSpreadsReplicasAcrossZones(t *testing.T) {
	nodes := []Node{
		{NodeID: "n1", Zone: "us-east-1a", State: StateAlive},
		{NodeID: "n2", Zone: "us-east-1b", State: StateAlive},
		{NodeID: "n3", Zone: "us-east-1c", State: StateAlive},
	}
	placement, err := Assign(nodes, 4, 2, SpreadZone)
	require.NoError(t, err)
	require.False(t, placement.Degraded)
	for _, s := range placement.Shards {
		require.Len(t, s.NodeIDs, 2)
		zones := map[string]bool{}
		for _, id := range s.NodeIDs {
			for _, n := range nodes {
				if n.NodeID == id {
					zones[n.Zone] = true
				}
			}
		}
		require.Len(t, zones, 2, "replicas of one shard must land in distinct zones")
	}
}

func TestAssignDegradesWhenNotEnoughZones(t *testing.T) {
	nodes := []Node{
		{NodeID: "n1", Zone: "us-east-1a", State: StateAlive},
		{NodeID: "n2", Zone: "us-east-1a", State: StateAlive},
	}
	_, err := Assign(nodes, 2, 2, SpreadZone)
	require.Error(t, err)
}

func TestSessionPinning(t *testing.T) {
	s := NewSession()
	_, ok := s.Pinned(0)
	require.False(t, ok)
	s.RecordWrite(0, "node-a")
	id, ok := s.Pinned(0)
	require.True(t, ok)
	require.Equal(t, "node-a", id)
}

// fedHandler is a per-node fake cluster.Handler that records indexed docs
// and returns one deterministic hit/bucket per node, so the coordinator's
// merge logic can be asserted against known inputs.
type fedHandler struct {
	mu       sync.Mutex
	nodeID   string
	hitScore float64
	bucket   string
	count    int
	docs     map[string]cluster.WireDoc
}

func (h *fedHandler) Index(ctx context.Context, req cluster.IndexRequest) (cluster.IndexResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.docs == nil {
		h.docs = make(map[string]cluster.WireDoc)
	}
	results := make([]cluster.IndexResult, len(req.Docs))
	for i, d := range req.Docs {
		h.docs[d.ID] = d
		results[i] = cluster.IndexResult{ID: d.ID}
	}
	return cluster.IndexResponse{Results: results}, nil
}

func (h *fedHandler) Search(ctx context.Context, req cluster.SearchRequest) (cluster.SearchResponse, error) {
	return cluster.SearchResponse{Hits: []cluster.SearchHit{{ID: h.nodeID + "-hit", Score: h.hitScore}}}, nil
}

func (h *fedHandler) Aggregate(ctx context.Context, req cluster.AggregateRequest) (cluster.AggregateResponse, error) {
	return cluster.AggregateResponse{ResultJSON: `{"Buckets":[{"Key":"` + h.bucket + `","Count":` + itoa(h.count) + `}]}`}, nil
}

func (h *fedHandler) GetDoc(ctx context.Context, req cluster.GetDocRequest) (cluster.GetDocResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.docs[req.ID]
	if !ok {
		return cluster.GetDocResponse{Found: false}, nil
	}
	return cluster.GetDocResponse{Found: true, Fields: d.Fields}, nil
}

func (h *fedHandler) Heartbeat(ctx context.Context, req cluster.HeartbeatRequest) (cluster.HeartbeatResponse, error) {
	return cluster.HeartbeatResponse{NodeID: h.nodeID, State: "alive"}, nil
}

func (h *fedHandler) ReplicateSegment(ctx context.Context, req cluster.ReplicateSegmentRequest) (cluster.ReplicateSegmentResponse, error) {
	return cluster.ReplicateSegmentResponse{OK: true}, nil
}

func (h *fedHandler) Gossip(ctx context.Context, req cluster.GossipRequest) (cluster.GossipResponse, error) {
	return cluster.GossipResponse{}, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func startFedServer(t *testing.T, h *fedHandler) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := cluster.NewServer(h, nil)
	go srv.Serve(l)
	t.Cleanup(func() { l.Close() })
	return l.Addr().String()
}

// newTwoNodeCoordinator starts two fake remote peers (shards never land on
// "coordinator-self", which isn't in the node list, so every shard routes
// over RemoteExecutor) and returns a Coordinator placed across both.
func newTwoNodeCoordinator(t *testing.T) (*Coordinator, *fedHandler, *fedHandler) {
	t.Helper()
	h1 := &fedHandler{nodeID: "n1", hitScore: 0.9, bucket: "red", count: 3}
	h2 := &fedHandler{nodeID: "n2", hitScore: 0.4, bucket: "blue", count: 5}
	addr1 := startFedServer(t, h1)
	addr2 := startFedServer(t, h2)

	nodes := []Node{
		{NodeID: "n1", Zone: "z1", Address: addr1, State: StateAlive},
		{NodeID: "n2", Zone: "z2", Address: addr2, State: StateAlive},
	}
	disc := NewStaticDiscoveryWithNodes(nodes)
	coord := NewCoordinator("coordinator-self", disc, nil)

	placement, err := Assign(nodes, 2, 1, SpreadZone)
	require.NoError(t, err)
	cfg := CollectionConfig{ShardCount: 2, ReplicationFactor: 1, SpreadKey: SpreadZone, MinReplicasForWrite: 1, RRFK: 60, HybridStrategy: model.StrategyRRF}
	coord.SetPlacement("docs", placement, cfg)
	t.Cleanup(coord.Close)
	return coord, h1, h2
}

func TestCoordinatorSearchMergesAcrossShards(t *testing.T) {
	coord, _, _ := newTwoNodeCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := coord.Search(ctx, "docs", collection.SearchRequest{QueryString: "anything", Limit: 10}, Consistency{Mode: ConsistencyEventual})
	require.NoError(t, err)
	require.False(t, res.IsPartial)
	require.Equal(t, ShardStats{Total: 2, Successful: 2, Failed: 0}, res.Shards)
	require.Len(t, res.Hits, 2)
	// RRF re-ranks by in-shard rank, not the fake's raw hitScore, so both
	// hits (each rank 0 in its own shard) land with equal post-merge score.
	require.Equal(t, res.Hits[0].Score, res.Hits[1].Score)
}

func TestCoordinatorAggregateMergesBuckets(t *testing.T) {
	coord, _, _ := newTwoNodeCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := coord.Aggregate(ctx, "docs", "", collection.AggRequest{Type: "terms", Field: "color"}, Consistency{Mode: ConsistencyEventual})
	require.NoError(t, err)
	require.False(t, res.IsPartial)
	require.Len(t, res.Result.Buckets, 2)
	total := 0
	for _, b := range res.Result.Buckets {
		total += b.Count
	}
	require.Equal(t, 8, total)
}

func TestCoordinatorIndexPinsSessionToPrimary(t *testing.T) {
	coord, _, _ := newTwoNodeCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session := NewSession()
	docs := []*model.Document{
		{ID: "alpha", Fields: map[string]model.Value{"title": {Kind: model.KindText, Text: "alpha"}}},
		{ID: "beta", Fields: map[string]model.Value{"title": {Kind: model.KindText, Text: "beta"}}},
	}
	outcomes, err := coord.Index(ctx, "docs", docs, session)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.NoError(t, o.Err)
	}

	shard := ShardIndex("alpha", 2)
	pinned, ok := session.Pinned(shard)
	require.True(t, ok)
	require.Contains(t, []string{"n1", "n2"}, pinned)
}

func TestCoordinatorGetDocRoutesToOwningShard(t *testing.T) {
	coord, _, _ := newTwoNodeCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	docs := []*model.Document{{ID: "gamma", Fields: map[string]model.Value{"title": {Kind: model.KindText, Text: "gamma"}}}}
	_, err := coord.Index(ctx, "docs", docs, nil)
	require.NoError(t, err)

	fields, found, err := coord.GetDoc(ctx, "docs", "gamma", Consistency{Mode: ConsistencyEventual})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "gamma", fields["title"].Text)
}
