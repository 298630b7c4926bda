package federation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prismdb/prism/internal/cluster"
	"github.com/prismdb/prism/internal/collection"
	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/prismerr"
	"github.com/prismdb/prism/internal/textindex"
)

// Executor runs one collection's operations against one shard owner,
// whether that owner is this process (LocalExecutor) or a peer reached
// over the wire (RemoteExecutor). Coordinator never branches on locality
// itself — it resolves an Executor per shard and calls through it.
type Executor interface {
	Index(ctx context.Context, docs []*model.Document) ([]collection.IndexResult, error)
	Search(ctx context.Context, req collection.SearchRequest) (*collection.SearchResponse, error)
	Aggregate(ctx context.Context, filter string, req collection.AggRequest) (*collection.AggResult, error)
	GetDoc(ctx context.Context, id string) (map[string]model.Value, bool, error)
}

// LocalExecutor runs operations directly against an in-process collection.
type LocalExecutor struct {
	Collection *collection.Collection
}

func (l LocalExecutor) Index(ctx context.Context, docs []*model.Document) ([]collection.IndexResult, error) {
	return l.Collection.Index(ctx, docs)
}

func (l LocalExecutor) Search(ctx context.Context, req collection.SearchRequest) (*collection.SearchResponse, error) {
	return l.Collection.Search(ctx, req)
}

func (l LocalExecutor) Aggregate(ctx context.Context, filterQuery string, req collection.AggRequest) (*collection.AggResult, error) {
	var filter textindex.Condition
	if filterQuery != "" {
		filter = textindex.QueryString(filterQuery)
	}
	return l.Collection.Aggregate(ctx, filter, req, 0)
}

func (l LocalExecutor) GetDoc(ctx context.Context, id string) (map[string]model.Value, bool, error) {
	return l.Collection.Get(ctx, id)
}

// RemoteExecutor runs operations on a peer node over cluster RPC.
type RemoteExecutor struct {
	Client         *cluster.Client
	CollectionName string
}

func (r RemoteExecutor) Index(ctx context.Context, docs []*model.Document) ([]collection.IndexResult, error) {
	wireDocs := make([]cluster.WireDoc, len(docs))
	for i, d := range docs {
		wireDocs[i] = cluster.ToWireDoc(d)
	}
	var resp cluster.IndexResponse
	err := r.Client.Call(ctx, cluster.MethodIndex, cluster.IndexRequest{Collection: r.CollectionName, Docs: wireDocs}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: federation: remote index on %q: %w", prismerr.ErrShardUnavailable, r.CollectionName, err)
	}
	out := make([]collection.IndexResult, len(resp.Results))
	for i, res := range resp.Results {
		var rerr error
		if res.Err != "" {
			rerr = fmt.Errorf("%s", res.Err)
		}
		out[i] = collection.IndexResult{ID: res.ID, Err: rerr}
	}
	return out, nil
}

func (r RemoteExecutor) Search(ctx context.Context, req collection.SearchRequest) (*collection.SearchResponse, error) {
	if req.Query != nil {
		return nil, fmt.Errorf("%w: federation: structured Query conditions cannot be scattered to a remote shard, use QueryString",
			prismerr.ErrBadRequest)
	}
	wireReq := cluster.SearchRequest{
		Collection:      r.CollectionName,
		QueryString:     req.QueryString,
		VectorQuery:     req.VectorQuery,
		VectorQueryText: req.VectorQueryText,
		Limit:           req.Limit,
		Strategy:        string(req.Strategy),
		TextWeight:      req.TextWeight,
		VectorWeight:    req.VectorWeight,
		ContextBoost:    req.ContextBoost,
	}
	var resp cluster.SearchResponse
	if err := r.Client.Call(ctx, cluster.MethodSearch, wireReq, &resp); err != nil {
		return nil, fmt.Errorf("%w: federation: remote search on %q: %w", prismerr.ErrShardUnavailable, r.CollectionName, err)
	}
	hits := make([]collection.SearchHit, len(resp.Hits))
	for i, h := range resp.Hits {
		fields := make(map[string]model.Value, len(h.Fields))
		for k, v := range h.Fields {
			fields[k] = cluster.FromWireValue(v)
		}
		hits[i] = collection.SearchHit{ID: h.ID, Score: h.Score, Fields: fields}
	}
	return &collection.SearchResponse{Hits: hits}, nil
}

func (r RemoteExecutor) Aggregate(ctx context.Context, filterQuery string, req collection.AggRequest) (*collection.AggResult, error) {
	if len(req.Filters) > 0 {
		return nil, fmt.Errorf("%w: federation: per-bucket filter/filters aggregations with structured conditions cannot be scattered remotely",
			prismerr.ErrBadRequest)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var resp cluster.AggregateResponse
	wireReq := cluster.AggregateRequest{Collection: r.CollectionName, FilterQuery: filterQuery, RequestJSON: string(body)}
	if err := r.Client.Call(ctx, cluster.MethodAggregate, wireReq, &resp); err != nil {
		return nil, fmt.Errorf("%w: federation: remote aggregate on %q: %w", prismerr.ErrShardUnavailable, r.CollectionName, err)
	}
	var result collection.AggResult
	if err := json.Unmarshal([]byte(resp.ResultJSON), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r RemoteExecutor) GetDoc(ctx context.Context, id string) (map[string]model.Value, bool, error) {
	var resp cluster.GetDocResponse
	if err := r.Client.Call(ctx, cluster.MethodGetDoc, cluster.GetDocRequest{Collection: r.CollectionName, ID: id}, &resp); err != nil {
		return nil, false, fmt.Errorf("%w: federation: remote get on %q: %w", prismerr.ErrShardUnavailable, r.CollectionName, err)
	}
	if !resp.Found {
		return nil, false, nil
	}
	fields := make(map[string]model.Value, len(resp.Fields))
	for k, v := range resp.Fields {
		fields[k] = cluster.FromWireValue(v)
	}
	return fields, true, nil
}
