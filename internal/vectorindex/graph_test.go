package vectorindex_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/storage"
	"github.com/prismdb/prism/internal/vectorindex"
)

func randomVec(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = r.Float32()
	}
	return v
}

func TestGraphInsertAndSearchFindsExactMatch(t *testing.T) {
	g := vectorindex.NewGraph(8, model.MetricCosine, 16, 64, 32, 42)
	r := rand.New(rand.NewSource(1))

	var target []float32
	for i := 0; i < 200; i++ {
		v := randomVec(r, 8)
		if i == 100 {
			target = append([]float32(nil), v...)
		}
		_, err := g.Insert(v)
		require.NoError(t, err)
	}

	hits, err := g.SearchKNN(target, 5, 64, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, int32(100), hits[0].ID)
}

func TestGraphInsertRejectsWrongDimension(t *testing.T) {
	g := vectorindex.NewGraph(4, model.MetricL2, 16, 64, 32, 1)
	_, err := g.Insert([]float32{1, 2, 3})
	require.Error(t, err)
}

func TestGraphSearchRespectsTombstoneFilter(t *testing.T) {
	g := vectorindex.NewGraph(4, model.MetricCosine, 16, 64, 32, 7)
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 20; i++ {
		_, err := g.Insert(randomVec(r, 4))
		require.NoError(t, err)
	}

	blocked := int32(0)
	hits, err := g.SearchKNN(g.Vector(0), 20, 64, func(id int32) bool { return id == blocked })
	require.NoError(t, err)
	for _, h := range hits {
		require.NotEqual(t, blocked, h.ID)
	}
}

func TestGraphSerializeRoundTrip(t *testing.T) {
	g := vectorindex.NewGraph(6, model.MetricL2, 8, 32, 16, 3)
	r := rand.New(rand.NewSource(4))
	for i := 0; i < 50; i++ {
		_, err := g.Insert(randomVec(r, 6))
		require.NoError(t, err)
	}

	data, err := g.MarshalBinary()
	require.NoError(t, err)

	loaded, err := vectorindex.UnmarshalBinary(data)
	require.NoError(t, err)
	require.Equal(t, g.Len(), loaded.Len())

	query := g.Vector(10)
	originalHits, err := g.SearchKNN(query, 3, 32, nil)
	require.NoError(t, err)
	loadedHits, err := loaded.SearchKNN(query, 3, 32, nil)
	require.NoError(t, err)
	require.Equal(t, originalHits[0].ID, loadedHits[0].ID)
}

func TestIndexScatterGatherAcrossSegments(t *testing.T) {
	local, err := storage.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)

	spec := model.VectorSpec{Dimension: 4, Metric: model.MetricCosine, HNSWM: 16, HNSWEfConstruction: 64, HNSWEfSearch: 32}
	idx := vectorindex.Open("articles", spec, local, nil)

	r := rand.New(rand.NewSource(5))
	var want model.InternalID
	var wantVec []float32
	for seg := uint32(1); seg <= 3; seg++ {
		for ord := uint32(0); ord < 10; ord++ {
			v := randomVec(r, 4)
			if seg == 2 && ord == 5 {
				wantVec = append([]float32(nil), v...)
				want = model.InternalID{SegmentID: seg, LocalOrd: ord}
			}
			_, err := idx.Insert(seg, ord, v)
			require.NoError(t, err)
		}
	}

	results, err := idx.Search(context.Background(), wantVec, 3, 32, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, want, results[0].ID)
}
