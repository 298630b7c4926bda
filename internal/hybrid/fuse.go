package hybrid

import (
	"sort"

	"github.com/prismdb/prism/internal/model"
)

// TextCandidate is one BM25 hit from the text backend, ranked by descending
// Score by the caller before being passed to Fuse.
type TextCandidate struct {
	ID    model.InternalID
	Score float64
}

// VectorCandidate is one HNSW hit from the vector backend, ranked by
// ascending Dist (smaller is closer) by the caller before being passed to
// Fuse.
type VectorCandidate struct {
	ID   model.InternalID
	Dist float32
}

// Input is the pair of ranked candidate streams fusion combines.
type Input struct {
	Text   []TextCandidate
	Vector []VectorCandidate
}

// Hit is one fused, ranked result.
type Hit struct {
	ID    model.InternalID
	Score float64
}

// Fuse merges Text and Vector into one ranked list using the strategy, RRF
// k and weights in defaults (the caller applies any per-request override
// before calling), truncated to limit. metric selects the distance->similarity conversion used by the
// weighted strategy. Boosting, if spec.Boosting names a mechanism, is
// applied by the caller via ApplyBoost on each Hit before re-truncating —
// Fuse itself only implements RRF/weighted fusion and the tie-break rule.
func Fuse(in Input, defaults model.HybridDefaults, metric model.DistanceMetric, limit int) []Hit {
	textRank, textScore := rankText(in.Text)
	vecRank, vecSim := rankVector(in.Vector, metric)

	ids := unionIDs(in.Text, in.Vector)

	hits := make([]Hit, 0, len(ids))
	switch defaults.Strategy {
	case model.StrategyWeighted:
		maxText := maxTextScore(in.Text)
		for _, id := range ids {
			simT := 0.0
			if maxText > 0 {
				if s, ok := textScore[id.Pack()]; ok {
					simT = s / maxText
				}
			}
			simV := vecSim[id.Pack()]
			score := defaults.TextWeight*simT + defaults.VectorWeight*simV
			hits = append(hits, Hit{ID: id, Score: score})
		}
	default: // StrategyRRF and the zero value both use RRF, the documented default.
		k := defaults.RRFK
		if k <= 0 {
			k = 60
		}
		for _, id := range ids {
			score := 0.0
			if r, ok := textRank[id.Pack()]; ok {
				score += 1.0 / float64(k+r)
			}
			if r, ok := vecRank[id.Pack()]; ok {
				score += 1.0 / float64(k+r)
			}
			hits = append(hits, Hit{ID: id, Score: score})
		}
	}

	sortHits(hits, textScore)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// sortHits orders by descending fused score; ties break by higher original
// text_score, then by lower doc_id (spec §4.8 "Tie-break").
func sortHits(hits []Hit, textScore map[uint64]float64) {
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ta, tb := textScore[a.ID.Pack()], textScore[b.ID.Pack()]
		if ta != tb {
			return ta > tb
		}
		return a.ID.Pack() < b.ID.Pack()
	})
}

func rankText(cands []TextCandidate) (rank map[uint64]int, score map[uint64]float64) {
	rank = make(map[uint64]int, len(cands))
	score = make(map[uint64]float64, len(cands))
	for i, c := range cands {
		rank[c.ID.Pack()] = i + 1
		score[c.ID.Pack()] = c.Score
	}
	return
}

// rankVector returns 1-based ranks and, for the weighted strategy, each
// candidate's similarity converted from distance per metric (spec §4.8):
// cosine -> 1-d, L2 -> 1/(1+d), dot -> raw score after min-max
// normalization across the candidate set.
func rankVector(cands []VectorCandidate, metric model.DistanceMetric) (rank map[uint64]int, sim map[uint64]float64) {
	rank = make(map[uint64]int, len(cands))
	sim = make(map[uint64]float64, len(cands))
	for i, c := range cands {
		rank[c.ID.Pack()] = i + 1
	}

	switch metric {
	case model.MetricL2:
		for _, c := range cands {
			sim[c.ID.Pack()] = 1.0 / (1.0 + float64(c.Dist))
		}
	case model.MetricDot:
		// vectorindex stores dot distance as -dot(a,b); negate back to the
		// raw similarity before min-max normalizing.
		if len(cands) == 0 {
			return
		}
		minS, maxS := -float64(cands[0].Dist), -float64(cands[0].Dist)
		for _, c := range cands {
			s := -float64(c.Dist)
			if s < minS {
				minS = s
			}
			if s > maxS {
				maxS = s
			}
		}
		for _, c := range cands {
			s := -float64(c.Dist)
			if maxS-minS < 1e-12 {
				sim[c.ID.Pack()] = 1.0
				continue
			}
			sim[c.ID.Pack()] = (s - minS) / (maxS - minS)
		}
	default: // MetricCosine
		for _, c := range cands {
			sim[c.ID.Pack()] = 1.0 - float64(c.Dist)
		}
	}
	return
}

func maxTextScore(cands []TextCandidate) float64 {
	max := 0.0
	for _, c := range cands {
		if c.Score > max {
			max = c.Score
		}
	}
	return max
}

func unionIDs(text []TextCandidate, vector []VectorCandidate) []model.InternalID {
	seen := make(map[uint64]bool)
	var ids []model.InternalID
	for _, c := range text {
		if !seen[c.ID.Pack()] {
			seen[c.ID.Pack()] = true
			ids = append(ids, c.ID)
		}
	}
	for _, c := range vector {
		if !seen[c.ID.Pack()] {
			seen[c.ID.Pack()] = true
			ids = append(ids, c.ID)
		}
	}
	return ids
}
