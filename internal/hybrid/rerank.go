package hybrid

import (
	"context"
	"sort"

	"github.com/prismdb/prism/internal/model"
)

// CrossEncoder scores a (query, document) pair directly, without going
// through the embedding cache (cross-encoders are not representable as a
// single cacheable vector per text, spec §4.8).
type CrossEncoder interface {
	Score(ctx context.Context, query, document string) (float64, error)
}

// RerankDoc carries the data a rerank stage needs for one fused hit: its
// concatenated text fields (for cross-encoder scoring) and its numeric
// field values (for formula scoring). Rerank binds the hit's fusion score
// to "_score" when it evaluates a formula.
type RerankDoc struct {
	ID        model.InternalID
	Text      string
	Numerics  map[string]float64
	FusedRank int // 1-based rank before rerank; Rerank does not read it (its stable sort keeps fusion order on ties)
}

// Rerank rescores hits into a new slice (hits itself is not modified) and
// re-sorts by the new score, per spec
// §4.8's two-phase rerank: take the top `candidates` fused hits, rescore
// with either a cross-encoder model or a formula, and re-rank by the rerank
// score alone.
func Rerank(ctx context.Context, hits []Hit, docs map[uint64]RerankDoc, spec model.RerankingSpec, query string, formula *Formula, encoder CrossEncoder) ([]Hit, error) {
	n := spec.Candidates
	if n <= 0 || n > len(hits) {
		n = len(hits)
	}
	head, tail := hits[:n], hits[n:]

	rescored := make([]Hit, 0, len(head))
	for _, h := range head {
		doc, ok := docs[h.ID.Pack()]
		if !ok {
			rescored = append(rescored, h)
			continue
		}
		var score float64
		var err error
		switch spec.Kind {
		case model.RerankCrossEncoder:
			score, err = encoder.Score(ctx, query, doc.Text)
		default: // RerankFormula
			vars := make(map[string]float64, len(doc.Numerics)+1)
			for k, v := range doc.Numerics {
				vars[k] = v
			}
			vars["_score"] = h.Score
			score = formula.Eval(vars)
		}
		if err != nil {
			return nil, err
		}
		rescored = append(rescored, Hit{ID: h.ID, Score: score})
	}

	sort.SliceStable(rescored, func(i, j int) bool { return rescored[i].Score > rescored[j].Score })
	return append(rescored, tail...), nil
}
