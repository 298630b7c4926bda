package cluster_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prismdb/prism/internal/cluster"
)

type fakeHandler struct{}

func (fakeHandler) Index(ctx context.Context, req cluster.IndexRequest) (cluster.IndexResponse, error) {
	results := make([]cluster.IndexResult, len(req.Docs))
	for i, d := range req.Docs {
		results[i] = cluster.IndexResult{ID: d.ID}
	}
	return cluster.IndexResponse{Results: results}, nil
}

func (fakeHandler) Search(ctx context.Context, req cluster.SearchRequest) (cluster.SearchResponse, error) {
	return cluster.SearchResponse{Hits: []cluster.SearchHit{{ID: "doc-1", Score: 1.0}}}, nil
}

func (fakeHandler) Aggregate(ctx context.Context, req cluster.AggregateRequest) (cluster.AggregateResponse, error) {
	return cluster.AggregateResponse{ResultJSON: "{}"}, nil
}

func (fakeHandler) GetDoc(ctx context.Context, req cluster.GetDocRequest) (cluster.GetDocResponse, error) {
	return cluster.GetDocResponse{Found: true, Fields: map[string]cluster.WireValue{"title": {Kind: "text", Text: "hi"}}}, nil
}

func (fakeHandler) Heartbeat(ctx context.Context, req cluster.HeartbeatRequest) (cluster.HeartbeatResponse, error) {
	return cluster.HeartbeatResponse{NodeID: "node-2", State: "alive", Incarnation: 1}, nil
}

func (fakeHandler) ReplicateSegment(ctx context.Context, req cluster.ReplicateSegmentRequest) (cluster.ReplicateSegmentResponse, error) {
	return cluster.ReplicateSegmentResponse{OK: true}, nil
}

func (fakeHandler) Gossip(ctx context.Context, req cluster.GossipRequest) (cluster.GossipResponse, error) {
	return cluster.GossipResponse{}, nil
}

func startTestServer(t *testing.T) net.Addr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := cluster.NewServer(fakeHandler{}, nil)
	go srv.Serve(l)
	t.Cleanup(func() { l.Close() })
	return l.Addr()
}

func TestClientServerHeartbeatRoundTrip(t *testing.T) {
	addr := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := cluster.Dial(ctx, addr.String(), cluster.DialOptions{})
	require.NoError(t, err)
	defer c.Close()

	var resp cluster.HeartbeatResponse
	err = c.Call(ctx, cluster.MethodHeartbeat, cluster.HeartbeatRequest{NodeID: "node-1", State: "alive"}, &resp)
	require.NoError(t, err)
	require.Equal(t, "node-2", resp.NodeID)
	require.Equal(t, "alive", resp.State)
}

func TestClientServerSearchRoundTrip(t *testing.T) {
	addr := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := cluster.Dial(ctx, addr.String(), cluster.DialOptions{})
	require.NoError(t, err)
	defer c.Close()

	var resp cluster.SearchResponse
	err = c.Call(ctx, cluster.MethodSearch, cluster.SearchRequest{Collection: "articles", QueryString: "title:hybrid"}, &resp)
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	require.Equal(t, "doc-1", resp.Hits[0].ID)
}

func TestClientConcurrentCallsMultiplexOneConnection(t *testing.T) {
	addr := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := cluster.Dial(ctx, addr.String(), cluster.DialOptions{})
	require.NoError(t, err)
	defer c.Close()

	errCh := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			var resp cluster.HeartbeatResponse
			errCh <- c.Call(ctx, cluster.MethodHeartbeat, cluster.HeartbeatRequest{NodeID: "node-1"}, &resp)
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-errCh)
	}
}

func TestCallContextCancellation(t *testing.T) {
	addr := startTestServer(t)
	c, err := cluster.Dial(context.Background(), addr.String(), cluster.DialOptions{})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var resp cluster.HeartbeatResponse
	err = c.Call(ctx, cluster.MethodHeartbeat, cluster.HeartbeatRequest{}, &resp)
	require.Error(t, err)
}
