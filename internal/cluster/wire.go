package cluster

import (
	"time"

	"github.com/prismdb/prism/internal/model"
)

// WireValue is model.Value flattened to JSON-friendly fields: the RPC
// boundary crosses process/language boundaries in principle, so it carries
// no Go-specific encoding (time.Time, []byte) without an explicit shape.
type WireValue struct {
	Kind   model.FieldKind `json:"kind"`
	Text   string          `json:"text,omitempty"`
	I64    int64           `json:"i64,omitempty"`
	U64    uint64          `json:"u64,omitempty"`
	F64    float64         `json:"f64,omitempty"`
	Bool   bool            `json:"bool,omitempty"`
	DateMS int64           `json:"date_ms,omitempty"`
	Bytes  []byte          `json:"bytes,omitempty"` // json encodes as base64
	Vector []float32       `json:"vector,omitempty"`
}

// ToWireValue converts a model.Value to its wire form.
func ToWireValue(v model.Value) WireValue {
	w := WireValue{Kind: v.Kind, Text: v.Text, I64: v.I64, U64: v.U64, F64: v.F64, Bool: v.Bool, Bytes: v.Bytes, Vector: v.Vector}
	if v.Kind == model.KindDate {
		w.DateMS = v.Date.UnixMilli()
	}
	return w
}

// FromWireValue reverses ToWireValue.
func FromWireValue(w WireValue) model.Value {
	v := model.Value{Kind: w.Kind, Text: w.Text, I64: w.I64, U64: w.U64, F64: w.F64, Bool: w.Bool, Bytes: w.Bytes, Vector: w.Vector}
	if w.Kind == model.KindDate {
		v.Date = time.UnixMilli(w.DateMS).UTC()
	}
	return v
}

// WireDoc is model.Document flattened for RPC transport.
type WireDoc struct {
	ID     string               `json:"id"`
	Fields map[string]WireValue `json:"fields"`
}

func ToWireDoc(d *model.Document) WireDoc {
	fields := make(map[string]WireValue, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = ToWireValue(v)
	}
	return WireDoc{ID: d.ID, Fields: fields}
}

func FromWireDoc(w WireDoc) *model.Document {
	fields := make(map[string]model.Value, len(w.Fields))
	for k, v := range w.Fields {
		fields[k] = FromWireValue(v)
	}
	return &model.Document{ID: w.ID, Fields: fields}
}

// IndexRequest is the payload for MethodIndex: apply docs to collection on
// the receiving node, which may be the shard primary (authoritative) or a
// replica being pushed to asynchronously.
type IndexRequest struct {
	Collection string    `json:"collection"`
	Docs       []WireDoc `json:"docs"`
	// FromPrimary marks a replica push. Nothing in this module sets or
	// reads it; a receiving node never forwards an Index request either way.
	FromPrimary bool `json:"from_primary,omitempty"`
}

// IndexResponse reports per-doc success/failure, mirroring
// internal/collection.IndexResult over the wire.
type IndexResponse struct {
	Results []IndexResult `json:"results"`
}

type IndexResult struct {
	ID  string `json:"id"`
	Err string `json:"err,omitempty"`
}

// SearchRequest is the payload for MethodSearch. Structured query.Condition
// trees don't cross the wire — only the free-text/vector request shapes a
// remote shard can execute standalone.
type SearchRequest struct {
	Collection      string            `json:"collection"`
	QueryString     string            `json:"query_string,omitempty"`
	VectorQuery     []float32         `json:"vector_query,omitempty"`
	VectorQueryText string            `json:"vector_query_text,omitempty"`
	Limit           int               `json:"limit,omitempty"`
	Strategy        string            `json:"strategy,omitempty"`
	TextWeight      float64           `json:"text_weight,omitempty"`
	VectorWeight    float64           `json:"vector_weight,omitempty"`
	ContextBoost    map[string]string `json:"context_boost,omitempty"`
}

// SearchHit is one scored, pre-ranked result as returned by a shard; the
// coordinator merges these across shards (spec §4.9 "each shard returns
// pre-scored hits; the coordinator merges ranks across shards").
type SearchHit struct {
	ID     string               `json:"id"`
	Score  float64              `json:"score"`
	Fields map[string]WireValue `json:"fields,omitempty"`
}

type SearchResponse struct {
	Hits []SearchHit `json:"hits"`
}

// AggregateRequest/Response carry a pre-serialized aggregation request/
// result; aggregation runs fully shard-local and the coordinator combines
// bucket counts, so the payload is opaque JSON at this layer. FilterQuery is
// a lucene-style query string rather than a structured condition tree,
// since the structured internal/textindex.Condition builder's concrete
// types aren't wire-serializable (see internal/federation's grounding note).
type AggregateRequest struct {
	Collection  string `json:"collection"`
	FilterQuery string `json:"filter_query,omitempty"`
	RequestJSON string `json:"request_json"`
}

type AggregateResponse struct {
	ResultJSON string `json:"result_json"`
}

// GetDocRequest/Response fetch one document by external id from one shard.
type GetDocRequest struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

type GetDocResponse struct {
	Found  bool                 `json:"found"`
	Fields map[string]WireValue `json:"fields,omitempty"`
}

// HeartbeatRequest/Response implement spec §4.9 health: periodic liveness
// pings carrying the sender's view of its own state and, per collection,
// its last-applied commit generation (used by read-your-writes/bounded
// staleness consistency and split-brain healing).
type HeartbeatRequest struct {
	NodeID      string           `json:"node_id"`
	State       string           `json:"state"`
	Incarnation uint64           `json:"incarnation"`
	Generations map[string]uint64 `json:"generations,omitempty"` // collection -> commit generation
}

type HeartbeatResponse struct {
	NodeID      string           `json:"node_id"`
	State       string           `json:"state"`
	Incarnation uint64           `json:"incarnation"`
	Generations map[string]uint64 `json:"generations,omitempty"`
}

// ReplicateSegmentRequest/Response push one immutable segment's bytes from
// a primary to a replica (spec §4.10 segments are immutable after creation,
// so this is a plain blob copy, not a diff).
type ReplicateSegmentRequest struct {
	Collection string `json:"collection"`
	SegmentID  uint32 `json:"segment_id"`
	Path       string `json:"path"` // storage-relative path being replicated
	Blob       []byte `json:"blob"`
}

type ReplicateSegmentResponse struct {
	OK bool `json:"ok"`
}

// GossipRequest/Response exchange SWIM membership deltas between peers.
type MembershipDelta struct {
	NodeID      string `json:"node_id"`
	Zone        string `json:"zone"`
	Rack        string `json:"rack"`
	Region      string `json:"region"`
	Address     string `json:"address"`
	State       string `json:"state"`
	Incarnation uint64 `json:"incarnation"`
}

type GossipRequest struct {
	FromNodeID string            `json:"from_node_id"`
	Deltas     []MembershipDelta `json:"deltas"`
}

type GossipResponse struct {
	Deltas []MembershipDelta `json:"deltas"` // the receiver's own deltas the sender hadn't seen
}
