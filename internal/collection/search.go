package collection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/prismdb/prism/internal/hybrid"
	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/prismerr"
	"github.com/prismdb/prism/internal/textindex"
)

// SearchRequest drives the hybrid pipeline (spec §4.8). Exactly one of
// Query/QueryString selects the text candidates (both nil means text search
// is skipped entirely); exactly one of VectorQuery/VectorQueryText selects
// the vector query (both nil/empty skips vector search).
type SearchRequest struct {
	Query       textindex.Condition
	QueryString string

	VectorQuery     []float32
	VectorQueryText string

	Limit int // final result count, default 10

	// Strategy/TextWeight/VectorWeight override the schema's hybrid
	// defaults for this request only, when non-zero.
	Strategy     model.HybridStrategy
	TextWeight   float64
	VectorWeight float64

	// ContextBoost supplies request-level field->value pairs consumed by
	// the schema's configured ContextBoost mechanisms.
	ContextBoost map[string]string
}

// SearchHit is one final, fused, boosted and (optionally) reranked result.
type SearchHit struct {
	ID     string
	Score  float64
	Fields map[string]model.Value
}

// SearchResponse is the top-k response.
type SearchResponse struct {
	Hits []SearchHit
}

// Search runs the structured/free-text query and the vector query (if any),
// fuses the two candidate streams, applies boosting and rerank per the
// schema, and returns the top Limit hits (spec §4.7 `search(request)`).
func (c *Collection) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	poolSize := limit * 5
	if poolSize < 50 {
		poolSize = 50
	}

	defaults := c.schema.Hybrid
	if req.Strategy != "" {
		defaults.Strategy = req.Strategy
	}
	if req.TextWeight != 0 || req.VectorWeight != 0 {
		defaults.TextWeight = req.TextWeight
		defaults.VectorWeight = req.VectorWeight
	}

	textCands, err := c.textCandidates(ctx, req, poolSize)
	if err != nil {
		return nil, err
	}
	vecCands, err := c.vectorCandidates(ctx, req, poolSize)
	if err != nil {
		return nil, err
	}

	metric := model.MetricCosine
	if c.schema.Vector != nil {
		metric = c.schema.Vector.Metric
	}
	fused := hybrid.Fuse(hybrid.Input{Text: textCands, Vector: vecCands}, defaults, metric, poolSize)

	if err := c.applyBoosting(ctx, fused, req.ContextBoost); err != nil {
		return nil, err
	}

	fused, err = c.applyRerank(ctx, fused, req)
	if err != nil {
		return nil, err
	}

	if len(fused) > limit {
		fused = fused[:limit]
	}

	hits := make([]SearchHit, 0, len(fused))
	for _, h := range fused {
		raw, ok, err := c.text.GetByID(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		extID, _ := raw[idField].(string)
		hits = append(hits, SearchHit{ID: extID, Score: h.Score, Fields: fieldsFromStored(c.schema, raw)})
	}

	return &SearchResponse{Hits: hits}, nil
}

func (c *Collection) textCandidates(ctx context.Context, req SearchRequest, poolSize int) ([]hybrid.TextCandidate, error) {
	cond := req.Query
	if cond == nil && req.QueryString != "" {
		cond = textindex.QueryString(req.QueryString)
	}
	if cond == nil {
		return nil, nil
	}
	res, err := c.text.Search(ctx, cond, textindex.SearchOptions{Size: poolSize})
	if err != nil {
		return nil, err
	}
	out := make([]hybrid.TextCandidate, 0, len(res.Hits))
	for _, h := range res.Hits {
		out = append(out, hybrid.TextCandidate{ID: h.InternalID, Score: h.Score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (c *Collection) vectorCandidates(ctx context.Context, req SearchRequest, poolSize int) ([]hybrid.VectorCandidate, error) {
	if c.vector == nil {
		return nil, nil
	}
	qv := req.VectorQuery
	if len(qv) == 0 && req.VectorQueryText != "" {
		if c.schema.Embedding == nil {
			return nil, fmt.Errorf("%w: collection %q: vector_query_text given but no embedding model configured",
				prismerr.ErrBadRequest, c.name)
		}
		vec, err := c.embedCache.GetOrEmbed(ctx, c.schema.Embedding.ModelID, req.VectorQueryText, c.embedOne)
		if err != nil {
			return nil, err
		}
		qv = vec
	}
	if len(qv) == 0 {
		return nil, nil
	}

	ef := c.schema.Vector.HNSWEfSearch
	results, err := c.vector.Search(ctx, qv, poolSize, ef, c.text.IsDeleted)
	if err != nil {
		return nil, err
	}
	out := make([]hybrid.VectorCandidate, 0, len(results))
	for _, r := range results {
		out = append(out, hybrid.VectorCandidate{ID: r.ID, Dist: r.Dist})
	}
	return out, nil
}

func (c *Collection) applyBoosting(ctx context.Context, fused []hybrid.Hit, reqContext map[string]string) error {
	spec := c.schema.Boosting
	if spec.Recency == nil && len(spec.Context) == 0 && len(spec.Signals) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i, h := range fused {
		raw, ok, err := c.text.GetByID(ctx, h.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		fields := fieldsFromStored(c.schema, raw)
		fused[i].Score = hybrid.ApplyBoost(h.Score, spec, hybrid.BoostContext{Fields: fields, Now: now, Context: reqContext})
	}
	sort.SliceStable(fused, func(i, j int) bool { return fused[i].Score > fused[j].Score })
	return nil
}

func (c *Collection) applyRerank(ctx context.Context, fused []hybrid.Hit, req SearchRequest) ([]hybrid.Hit, error) {
	spec := c.schema.Reranking
	if spec == nil || len(fused) == 0 {
		return fused, nil
	}
	if spec.Kind == model.RerankCrossEncoder && c.reranker == nil {
		c.logger.Warn("collection: rerank configured for cross_encoder but no CrossEncoder wired, skipping rerank",
			zap.String("collection", c.name))
		return fused, nil
	}

	docs := make(map[uint64]hybrid.RerankDoc, len(fused))
	for rank, h := range fused {
		raw, ok, err := c.text.GetByID(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		fields := fieldsFromStored(c.schema, raw)
		docs[h.ID.Pack()] = hybrid.RerankDoc{
			ID:        h.ID,
			Text:      concatTextFields(fields),
			Numerics:  numericFields(fields),
			FusedRank: rank + 1,
		}
	}

	return hybrid.Rerank(ctx, fused, docs, *spec, req.QueryString, c.formula, c.reranker)
}

func concatTextFields(fields map[string]model.Value) string {
	var parts []string
	for _, v := range fields {
		if v.Kind == model.KindText {
			parts = append(parts, v.Text)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func numericFields(fields map[string]model.Value) map[string]float64 {
	out := make(map[string]float64)
	for name, v := range fields {
		switch v.Kind {
		case model.KindI64:
			out[name] = float64(v.I64)
		case model.KindU64:
			out[name] = float64(v.U64)
		case model.KindF64:
			out[name] = v.F64
		}
	}
	return out
}
