package collection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prismdb/prism/internal/embedcache"
	"github.com/prismdb/prism/internal/embedprovider"
	"github.com/prismdb/prism/internal/hybrid"
	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/pipeline"
	"github.com/prismdb/prism/internal/prismerr"
	"github.com/prismdb/prism/internal/storage"
	"github.com/prismdb/prism/internal/textindex"
	"github.com/prismdb/prism/internal/vectorindex"
)

const idField = "_id"

// writerLockPath is the advisory single-writer marker. The generic Store
// contract has no atomic create-if-absent primitive, so this is "advisory"
// the way the teacher's own in-memory registries document their
// concurrency guarantees rather than enforcing them through the storage
// layer itself.
func writerLockPath(name string) string {
	return model.CollectionDir(name) + "/WRITER.lock"
}

// Options configures a Collection at Open time. Only Name and Schema are
// required; everything else has a documented zero-value behavior.
type Options struct {
	Name string
	// Schema is defaulted via Schema.WithDefaults() if the caller hasn't
	// already called it.
	Schema *model.Schema

	// LocalDir is the scratch directory the text backend's bleve index
	// owns directly (spec §4.4).
	LocalDir string
	Store    storage.Store

	// Pipelines is the named-pipeline registry consulted by Index when a
	// pipeline name is given. A new empty registry is created if nil.
	Pipelines *pipeline.Registry

	// EmbedCache/Embedder wire automatic embedding generation (spec §4.2,
	// §4.3). Both must be set for Schema.Embedding to take effect; if the
	// schema configures embedding but either is nil, Open returns an error.
	EmbedCache *embedcache.Cache
	Embedder   embedprovider.Provider

	// Reranker backs RerankCrossEncoder. Searches against a collection
	// whose schema names RerankCrossEncoder fall back to returning the
	// fused ranking unchanged when this is nil (logged once per search).
	Reranker hybrid.CrossEncoder

	// BatchSize triggers autocommit once this many documents have
	// accumulated in the open segment (spec §4.7 "Autocommit fires after
	// commit_interval or when batch_size docs accumulate"). 0 disables
	// doc-count-based autocommit; CommitInterval-based autocommit is the
	// lifecycle package's concern, not this package's.
	BatchSize int

	Logger *zap.Logger
}

// IndexResult reports one document's outcome from an Index call.
type IndexResult struct {
	ID  string
	Err error
}

// Collection is the engine facade from spec §4.7: one named collection's
// schema, text backend, optional vector backend, pipelines, embedding path
// and storage, wired together the way discovery.Discovery wires its index/
// search/doc-store components into one handle.
type Collection struct {
	name      string
	schema    *model.Schema
	text      *textindex.Index
	vector    *vectorindex.Index
	pipelines *pipeline.Registry

	embedCache *embedcache.Cache
	embedder   embedprovider.Provider
	reranker   hybrid.CrossEncoder
	formula    *hybrid.Formula

	store     storage.Store
	logger    *zap.Logger
	batchSize int
	merger    Merger

	mu           sync.Mutex // single-writer lock: spec §4.7 "at most one writer per collection"
	idIndex      map[string]model.InternalID
	openSegment  uint32
	nextOrd      uint32
	pendingDocs  int
	pendingBytes int64
}

// Open creates or reopens a collection, acquiring its advisory writer lock,
// opening the text backend and (if configured) the vector backend, and
// loading the last committed segment into the vector backend's memory
// (spec §4.5 "On open, the entire graph loads into memory").
func Open(ctx context.Context, opts Options) (*Collection, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: collection name required", prismerr.ErrBadRequest)
	}
	if opts.Schema == nil {
		return nil, fmt.Errorf("%w: collection %q: schema required", prismerr.ErrBadRequest, opts.Name)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: collection %q: store required", prismerr.ErrBadRequest, opts.Name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Schema.Embedding != nil && (opts.EmbedCache == nil || opts.Embedder == nil) {
		return nil, fmt.Errorf("%w: collection %q: schema configures embedding generation but no cache/provider was wired",
			prismerr.ErrSchemaViolation, opts.Name)
	}

	schema := opts.Schema.WithDefaults()
	ensureIDField(&schema)

	locked, err := opts.Store.Exists(ctx, writerLockPath(opts.Name))
	if err != nil {
		return nil, fmt.Errorf("collection %q: check writer lock: %w", opts.Name, err)
	}
	if locked {
		return nil, fmt.Errorf("%w: collection %q already has an active writer", prismerr.ErrConflict, opts.Name)
	}
	if err := opts.Store.Put(ctx, writerLockPath(opts.Name), []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		return nil, fmt.Errorf("collection %q: acquire writer lock: %w", opts.Name, err)
	}

	text, err := textindex.Open(ctx, opts.Name, &schema, opts.LocalDir, opts.Store, logger)
	if err != nil {
		_ = opts.Store.Delete(ctx, writerLockPath(opts.Name))
		return nil, err
	}

	c := &Collection{
		name:      opts.Name,
		schema:    &schema,
		text:      text,
		pipelines: opts.Pipelines,
		embedCache: opts.EmbedCache,
		embedder:   opts.Embedder,
		reranker:   opts.Reranker,
		store:      opts.Store,
		logger:     logger,
		batchSize:  opts.BatchSize,
		idIndex:    make(map[string]model.InternalID),
	}
	if c.pipelines == nil {
		c.pipelines = pipeline.NewRegistry()
	}

	if schema.Vector != nil {
		vec := vectorindex.Open(opts.Name, *schema.Vector, opts.Store, logger)
		for _, segID := range text.LastCommit().SegmentIDs {
			if err := vec.LoadSegment(ctx, segID); err != nil {
				logger.Warn("collection: failed to load vector segment, continuing without it",
					zap.String("collection", opts.Name), zap.Uint32("segment", segID), zap.Error(err))
			}
		}
		c.vector = vec
	}

	if schema.Reranking != nil && schema.Reranking.Kind == model.RerankFormula {
		formula, err := hybrid.ParseFormula(schema.Reranking.Formula)
		if err != nil {
			return nil, fmt.Errorf("collection %q: invalid rerank formula: %w", opts.Name, err)
		}
		c.formula = formula
	}

	c.openSegment = uint32(text.Generation()) + 1
	c.nextOrd = 1

	return c, nil
}

// Close releases the text backend's handle and the advisory writer lock.
// Uncommitted documents in the open segment are lost, matching bleve's own
// durability boundary (fsynced segment files, but no logical commit
// pointer) — callers that want durability call Commit first.
func (c *Collection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.text.Close()
	if unlockErr := c.store.Delete(ctx, writerLockPath(c.name)); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

// Store exposes the collection's backing storage.Store so operational
// layers outside this package (segment replication, ILM tiering) can walk
// and copy segment blobs without this package knowing those layers exist.
func (c *Collection) Store() storage.Store { return c.store }

// Schema returns the collection's effective (defaulted) schema.
func (c *Collection) Schema() *model.Schema { return c.schema }

func ensureIDField(schema *model.Schema) {
	if _, ok := schema.FieldByName(idField); ok {
		return
	}
	schema.Fields = append(schema.Fields, model.FieldDef{
		Name: idField, Kind: model.KindString, Stored: true, Indexed: true,
	})
}

// Index runs pipelineName (if non-empty) over each document, validates
// against the schema, generates embeddings where configured, assigns
// internal ids in the currently open segment, tombstones any prior version
// of a reused external id, and writes to the text and (if configured)
// vector backends. Failures are per-document; one bad doc does not abort
// the batch (spec §4.7 "return per-doc success/failure").
func (c *Collection) Index(ctx context.Context, docs []*model.Document) ([]IndexResult, error) {
	return c.IndexWithPipeline(ctx, docs, "")
}

// IndexWithPipeline is Index with an explicit named pipeline.
func (c *Collection) IndexWithPipeline(ctx context.Context, docs []*model.Document, pipelineName string) ([]IndexResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	results := make([]IndexResult, len(docs))
	for i, orig := range docs {
		doc := orig.Clone()

		if err := c.pipelines.Run(pipelineName, &doc); err != nil {
			results[i] = IndexResult{ID: doc.ID, Err: err}
			continue
		}
		if err := c.validateLocked(&doc); err != nil {
			results[i] = IndexResult{ID: doc.ID, Err: err}
			continue
		}
		if err := c.generateEmbeddingLocked(ctx, &doc); err != nil {
			results[i] = IndexResult{ID: doc.ID, Err: err}
			continue
		}

		doc.Fields[idField] = model.StringValue(doc.ID)

		internalID := model.InternalID{SegmentID: c.openSegment, LocalOrd: c.nextOrd}
		c.nextOrd++

		if prev, ok := c.idIndex[doc.ID]; ok {
			if err := c.text.DeleteDocument(ctx, prev); err != nil {
				results[i] = IndexResult{ID: doc.ID, Err: err}
				continue
			}
		}

		if err := c.text.IndexDocument(ctx, internalID, &doc); err != nil {
			results[i] = IndexResult{ID: doc.ID, Err: err}
			continue
		}
		if c.vector != nil && c.schema.Vector != nil {
			if v, ok := doc.Fields[c.schema.Vector.EmbeddingField]; ok && len(v.Vector) > 0 {
				if len(v.Vector) != c.schema.Vector.Dimension {
					results[i] = IndexResult{ID: doc.ID, Err: fmt.Errorf(
						"%w: field %q has %d dimensions, schema declares %d",
						prismerr.ErrSchemaViolation, c.schema.Vector.EmbeddingField, len(v.Vector), c.schema.Vector.Dimension)}
					continue
				}
				if _, err := c.vector.Insert(internalID.SegmentID, internalID.LocalOrd, v.Vector); err != nil {
					results[i] = IndexResult{ID: doc.ID, Err: err}
					continue
				}
			}
		}

		c.idIndex[doc.ID] = internalID
		c.pendingDocs++
		c.pendingBytes += estimateDocBytes(&doc)
		results[i] = IndexResult{ID: doc.ID}
	}

	if c.batchSize > 0 && c.pendingDocs >= c.batchSize {
		if _, err := c.commitLocked(ctx); err != nil {
			c.logger.Warn("collection: autocommit failed", zap.String("collection", c.name), zap.Error(err))
		}
	}

	return results, nil
}

// Commit flushes the active segment: checks the collection's quota (spec §9
// Open Question 2 — enforced pre-commit, so an over-quota batch fails
// atomically rather than partially publishing), commits the text backend,
// snapshots the vector backend's open segment, and advances to a fresh
// segment id.
func (c *Collection) Commit(ctx context.Context) (model.Commit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitLocked(ctx)
}

func (c *Collection) commitLocked(ctx context.Context) (model.Commit, error) {
	if c.schema.Quota.MaxSizeMB > 0 && c.pendingBytes > c.schema.Quota.MaxSizeMB*1024*1024 {
		return model.Commit{}, fmt.Errorf("%w: collection %q: pending batch is %d bytes, over quota of %d MB",
			prismerr.ErrSchemaViolation, c.name, c.pendingBytes, c.schema.Quota.MaxSizeMB)
	}
	if c.pendingDocs == 0 {
		return c.text.LastCommit(), nil
	}

	commit, err := c.text.Commit(ctx)
	if err != nil {
		return model.Commit{}, err
	}
	if c.vector != nil {
		if err := c.vector.SnapshotSegment(ctx, c.openSegment); err != nil {
			return model.Commit{}, err
		}
	}

	c.openSegment = uint32(commit.Generation) + 1
	c.nextOrd = 1
	c.pendingDocs = 0
	c.pendingBytes = 0
	return commit, nil
}

// Get returns the live version's stored fields, converted back to typed
// values using the schema's field-kind declarations.
func (c *Collection) Get(ctx context.Context, id string) (map[string]model.Value, bool, error) {
	c.mu.Lock()
	internalID, ok := c.idIndex[id]
	c.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	raw, ok, err := c.text.GetByID(ctx, internalID)
	if err != nil || !ok {
		return nil, ok, err
	}
	return fieldsFromStored(c.schema, raw), true, nil
}

func (c *Collection) validateLocked(doc *model.Document) error {
	for name, v := range doc.Fields {
		fd, ok := c.schema.FieldByName(name)
		if !ok {
			continue // unknown fields are dropped silently at index time, not rejected
		}
		if fd.Kind != v.Kind {
			return fmt.Errorf("%w: field %q declared %q, got %q", prismerr.ErrSchemaViolation, name, fd.Kind, v.Kind)
		}
	}
	return nil
}

func (c *Collection) generateEmbeddingLocked(ctx context.Context, doc *model.Document) error {
	emb := c.schema.Embedding
	if emb == nil {
		return nil
	}
	if _, has := doc.Fields[emb.TargetField]; has {
		return nil
	}
	src, ok := doc.Fields[emb.SourceField]
	if !ok || src.Text == "" {
		return nil
	}
	vec, err := c.embedCache.GetOrEmbed(ctx, emb.ModelID, src.Text, c.embedOne)
	if err != nil {
		return fmt.Errorf("collection %q: embed field %q: %w", c.name, emb.SourceField, err)
	}
	doc.Fields[emb.TargetField] = model.VectorValue(vec)
	return nil
}

func (c *Collection) embedOne(ctx context.Context, modelID, text string) ([]float32, error) {
	vecs, err := c.embedder.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("collection %q: provider returned no vectors for model %q", c.name, modelID)
	}
	return vecs[0], nil
}

func estimateDocBytes(doc *model.Document) int64 {
	var n int64
	for name, v := range doc.Fields {
		n += int64(len(name)) + int64(len(v.Text)) + int64(len(v.Bytes)) + int64(len(v.Vector)*4) + 16
	}
	return n
}

// fieldsFromStored converts bleve's reconstructed stored-field map back
// into typed model.Values using the schema's declared kinds. Bleve itself
// only round-trips basic JSON-ish scalars (string/float64/bool/RFC3339
// string for dates), so this is a best-effort conversion guided by the
// schema rather than a lossless one.
func fieldsFromStored(schema *model.Schema, raw map[string]interface{}) map[string]model.Value {
	out := make(map[string]model.Value, len(raw))
	for name, v := range raw {
		fd, ok := schema.FieldByName(name)
		if !ok {
			continue
		}
		out[name] = valueFromStored(fd.Kind, v)
	}
	return out
}

func valueFromStored(kind model.FieldKind, raw interface{}) model.Value {
	switch kind {
	case model.KindText:
		if s, ok := raw.(string); ok {
			return model.TextValue(s)
		}
	case model.KindString:
		if s, ok := raw.(string); ok {
			return model.StringValue(s)
		}
	case model.KindI64:
		if f, ok := raw.(float64); ok {
			return model.I64Value(int64(f))
		}
	case model.KindU64:
		if f, ok := raw.(float64); ok {
			return model.U64Value(uint64(f))
		}
	case model.KindF64:
		if f, ok := raw.(float64); ok {
			return model.F64Value(f)
		}
	case model.KindBool:
		if b, ok := raw.(bool); ok {
			return model.BoolValue(b)
		}
	case model.KindDate:
		if s, ok := raw.(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return model.DateValue(t)
			}
		}
	}
	return model.Value{Kind: kind}
}
