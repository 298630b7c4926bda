package collection_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prismdb/prism/internal/collection"
	"github.com/prismdb/prism/internal/embedcache"
	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/storage"
	"github.com/prismdb/prism/internal/textindex"
)

// fakeEmbedder returns a fixed vector per known text, so hybrid search
// tests can assert on exact nearest-neighbor ordering without depending on
// a real embedding model.
type fakeEmbedder struct {
	vectors map[string][]float32
	dim     int
}

func (f *fakeEmbedder) ModelID() string { return "fake-embedder" }
func (f *fakeEmbedder) Dimension() int  { return f.dim }
func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
			continue
		}
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func testSchema() model.Schema {
	return model.Schema{
		Name: "articles",
		Fields: []model.FieldDef{
			{Name: "title", Kind: model.KindText, Stored: true, Indexed: true, Boost: 2},
			{Name: "body", Kind: model.KindText, Stored: true, Indexed: true},
			{Name: "category", Kind: model.KindString, Stored: true, Indexed: true},
			{Name: "views", Kind: model.KindI64, Stored: true, Indexed: true},
			{Name: "vec", Kind: model.KindVector, Stored: false, Indexed: false},
		},
		Embedding: &model.EmbeddingSpec{ModelID: "fake-embedder", SourceField: "body", TargetField: "vec"},
		Vector:    &model.VectorSpec{EmbeddingField: "vec", Dimension: 4, Metric: model.MetricCosine},
	}.WithDefaults()
}

func newTestCollection(t *testing.T, embedder *fakeEmbedder) *collection.Collection {
	t.Helper()
	schema := testSchema()

	store, err := storage.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)

	backend, err := embedcache.NewLocalBackend(t.TempDir() + "/cache.bolt")
	require.NoError(t, err)
	cache := embedcache.New(backend, 1000, nil)

	c, err := collection.Open(context.Background(), collection.Options{
		Name:       "articles",
		Schema:     &schema,
		LocalDir:   t.TempDir(),
		Store:      store,
		EmbedCache: cache,
		Embedder:   embedder,
		BatchSize:  0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func doc(id, title, body, category string, views int64) *model.Document {
	return &model.Document{
		ID: id,
		Fields: map[string]model.Value{
			"title":    model.TextValue(title),
			"body":     model.TextValue(body),
			"category": model.StringValue(category),
			"views":    model.I64Value(views),
		},
	}
}

func TestIndexGetRoundTrip(t *testing.T) {
	embedder := &fakeEmbedder{dim: 4, vectors: map[string][]float32{"bm25 and vector fusion": {1, 0, 0, 0}}}
	c := newTestCollection(t, embedder)
	ctx := context.Background()

	results, err := c.Index(ctx, []*model.Document{doc("doc-1", "hybrid search engines", "bm25 and vector fusion", "engineering", 42)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	fields, ok, err := c.Get(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hybrid search engines", fields["title"].Text)
	require.Equal(t, int64(42), fields["views"].I64)
}

func TestReindexTombstonesPriorVersion(t *testing.T) {
	embedder := &fakeEmbedder{dim: 4}
	c := newTestCollection(t, embedder)
	ctx := context.Background()

	_, err := c.Index(ctx, []*model.Document{doc("doc-1", "original title", "original body", "research", 1)})
	require.NoError(t, err)
	_, err = c.Index(ctx, []*model.Document{doc("doc-1", "updated title", "updated body", "research", 2)})
	require.NoError(t, err)

	fields, ok, err := c.Get(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "updated title", fields["title"].Text)

	res, err := c.Search(ctx, collection.SearchRequest{QueryString: "title:original", Limit: 10})
	require.NoError(t, err)
	require.Empty(t, res.Hits)
}

func TestCommitAdvancesGeneration(t *testing.T) {
	c := newTestCollection(t, &fakeEmbedder{dim: 4})
	ctx := context.Background()

	_, err := c.Index(ctx, []*model.Document{doc("doc-1", "segments", "segments and commits", "engineering", 1)})
	require.NoError(t, err)
	commit1, err := c.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), commit1.Generation)

	_, err = c.Index(ctx, []*model.Document{doc("doc-2", "more segments", "more commits", "engineering", 2)})
	require.NoError(t, err)
	commit2, err := c.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), commit2.Generation)
}

func TestHybridSearchFusesTextAndVector(t *testing.T) {
	embedder := &fakeEmbedder{dim: 4, vectors: map[string][]float32{
		"bm25 and vector fusion": {1, 0, 0, 0},
		"unrelated topic text":   {0, 1, 0, 0},
	}}
	c := newTestCollection(t, embedder)
	ctx := context.Background()

	_, err := c.Index(ctx, []*model.Document{
		doc("doc-1", "hybrid search engines", "bm25 and vector fusion", "engineering", 10),
		doc("doc-2", "cooking recipes", "unrelated topic text", "lifestyle", 5),
	})
	require.NoError(t, err)

	res, err := c.Search(ctx, collection.SearchRequest{
		QueryString:     "title:hybrid",
		VectorQueryText: "bm25 and vector fusion",
		Limit:           5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	require.Equal(t, "doc-1", res.Hits[0].ID)
}

func TestAggregateTermsCountsByCategory(t *testing.T) {
	c := newTestCollection(t, &fakeEmbedder{dim: 4})
	ctx := context.Background()

	_, err := c.Index(ctx, []*model.Document{
		doc("doc-1", "a", "body a", "engineering", 1),
		doc("doc-2", "b", "body b", "engineering", 2),
		doc("doc-3", "c", "body c", "research", 3),
	})
	require.NoError(t, err)

	result, err := c.Aggregate(ctx, textindex.MatchAll(), collection.AggRequest{Type: "terms", Field: "category", Size: 10}, 0)
	require.NoError(t, err)
	require.Len(t, result.Buckets, 2)
	require.Equal(t, "engineering", result.Buckets[0].Key)
	require.Equal(t, 2, result.Buckets[0].Count)
}

func TestSuggestDelegatesToTextBackend(t *testing.T) {
	c := newTestCollection(t, &fakeEmbedder{dim: 4})
	ctx := context.Background()

	_, err := c.Index(ctx, []*model.Document{doc("doc-1", "a", "body", "engineering", 1)})
	require.NoError(t, err)

	suggestions, err := c.Suggest("category", "engin", 10, false, 0)
	require.NoError(t, err)
	require.NotEmpty(t, suggestions)
	require.Equal(t, "engineering", suggestions[0].Term)
}

func TestMoreLikeThisFindsRelatedDocument(t *testing.T) {
	c := newTestCollection(t, &fakeEmbedder{dim: 4})
	ctx := context.Background()

	_, err := c.Index(ctx, []*model.Document{
		doc("doc-1", "hybrid search", "bm25 vector fusion retrieval", "engineering", 1),
		doc("doc-2", "cooking", "pasta recipe tomato sauce", "lifestyle", 2),
	})
	require.NoError(t, err)

	res, err := c.MoreLikeThis(ctx, collection.MoreLikeThisRequest{
		LikeText: "bm25 vector fusion retrieval",
		Fields:   []string{"body"},
		Size:     5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	require.Equal(t, "doc-1", res.Hits[0].ID)
}

func TestQuotaRejectsOverBudgetCommit(t *testing.T) {
	schema := testSchema()
	schema.Quota = model.Quota{MaxSizeMB: 1}
	store, err := storage.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	backend, err := embedcache.NewLocalBackend(t.TempDir() + "/cache.bolt")
	require.NoError(t, err)
	cache := embedcache.New(backend, 1000, nil)

	c, err := collection.Open(context.Background(), collection.Options{
		Name:       "articles",
		Schema:     &schema,
		LocalDir:   t.TempDir(),
		Store:      store,
		EmbedCache: cache,
		Embedder:   &fakeEmbedder{dim: 4},
	})
	require.NoError(t, err)
	defer c.Close(context.Background())

	ctx := context.Background()
	bigBody := make([]byte, 2*1024*1024)
	for i := range bigBody {
		bigBody[i] = 'a'
	}
	_, err = c.Index(ctx, []*model.Document{doc("doc-1", "t", string(bigBody), "engineering", 1)})
	require.NoError(t, err)

	_, err = c.Commit(ctx)
	require.Error(t, err)
}
