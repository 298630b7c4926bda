package hybrid_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prismdb/prism/internal/hybrid"
	"github.com/prismdb/prism/internal/model"
)

func id(seg, ord uint32) model.InternalID {
	return model.InternalID{SegmentID: seg, LocalOrd: ord}
}

func TestFuseRRFSymmetry(t *testing.T) {
	a, b, c := id(1, 1), id(1, 2), id(1, 3)
	defaults := model.HybridDefaults{Strategy: model.StrategyRRF, RRFK: 60}

	forward := hybrid.Fuse(hybrid.Input{
		Text:   []hybrid.TextCandidate{{ID: a, Score: 3}, {ID: b, Score: 2}, {ID: c, Score: 1}},
		Vector: []hybrid.VectorCandidate{{ID: a, Dist: 0.1}, {ID: b, Dist: 0.2}, {ID: c, Dist: 0.3}},
	}, defaults, model.MetricCosine, 10)

	// Same rank structure (a,b,c in both streams), streams swapped: RRF's
	// rank-only contribution is symmetric in text vs. vector, so the final
	// ranks must match even though the swapped "text" scores (now sourced
	// from what were distances) differ in magnitude from the original.
	swapped := hybrid.Fuse(hybrid.Input{
		Text:   []hybrid.TextCandidate{{ID: a, Score: 0.1}, {ID: b, Score: 0.2}, {ID: c, Score: 0.3}},
		Vector: []hybrid.VectorCandidate{{ID: a, Dist: 3}, {ID: b, Dist: 2}, {ID: c, Dist: 1}},
	}, defaults, model.MetricCosine, 10)

	require.Equal(t, []model.InternalID{forward[0].ID, forward[1].ID, forward[2].ID},
		[]model.InternalID{swapped[0].ID, swapped[1].ID, swapped[2].ID})
	require.Equal(t, a, forward[0].ID)
}

func TestFuseRRFPrefersDocInBothLists(t *testing.T) {
	a, b := id(1, 1), id(1, 2)
	defaults := model.HybridDefaults{Strategy: model.StrategyRRF, RRFK: 60}

	hits := hybrid.Fuse(hybrid.Input{
		Text:   []hybrid.TextCandidate{{ID: a, Score: 5}},
		Vector: []hybrid.VectorCandidate{{ID: a, Dist: 0.01}, {ID: b, Dist: 0.02}},
	}, defaults, model.MetricCosine, 10)

	require.Equal(t, a, hits[0].ID)
}

func TestFuseWeightedStrategy(t *testing.T) {
	a, b := id(1, 1), id(1, 2)
	defaults := model.HybridDefaults{Strategy: model.StrategyWeighted, TextWeight: 0.5, VectorWeight: 0.5}

	hits := hybrid.Fuse(hybrid.Input{
		Text:   []hybrid.TextCandidate{{ID: a, Score: 10}, {ID: b, Score: 5}},
		Vector: []hybrid.VectorCandidate{{ID: a, Dist: 0.0}, {ID: b, Dist: 0.5}},
	}, defaults, model.MetricCosine, 10)

	require.Len(t, hits, 2)
	require.Equal(t, a, hits[0].ID)
}

func TestFuseTieBreaksByLowerDocID(t *testing.T) {
	a, b := id(1, 1), id(1, 2)
	defaults := model.HybridDefaults{Strategy: model.StrategyWeighted, TextWeight: 1}

	hits := hybrid.Fuse(hybrid.Input{
		Text: []hybrid.TextCandidate{{ID: b, Score: 1}, {ID: a, Score: 1}},
	}, defaults, model.MetricCosine, 10)

	require.Equal(t, a, hits[0].ID)
}

func TestFuseRespectsLimit(t *testing.T) {
	defaults := model.HybridDefaults{Strategy: model.StrategyRRF, RRFK: 60}
	var text []hybrid.TextCandidate
	for i := uint32(0); i < 10; i++ {
		text = append(text, hybrid.TextCandidate{ID: id(1, i), Score: float64(10 - i)})
	}
	hits := hybrid.Fuse(hybrid.Input{Text: text}, defaults, model.MetricCosine, 3)
	require.Len(t, hits, 3)
}
