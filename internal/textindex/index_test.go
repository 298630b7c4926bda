package textindex_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/storage"
	"github.com/prismdb/prism/internal/textindex"
)

func newTestIndex(t *testing.T) (*textindex.Index, *model.Schema) {
	t.Helper()
	schema := model.Schema{
		Name: "articles",
		Fields: []model.FieldDef{
			{Name: "title", Kind: model.KindText, Stored: true, Indexed: true, Boost: 2},
			{Name: "body", Kind: model.KindText, Stored: true, Indexed: true},
			{Name: "category", Kind: model.KindString, Stored: true, Indexed: true},
			{Name: "views", Kind: model.KindI64, Stored: true, Indexed: true},
		},
	}.WithDefaults()

	local, err := storage.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)

	idx, err := textindex.Open(context.Background(), "articles", &schema, t.TempDir(), local, nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	return idx, &schema
}

func TestIndexDocumentAndTermSearch(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	doc := &model.Document{
		ID: "doc-1",
		Fields: map[string]model.Value{
			"title":    model.TextValue("hybrid search engines"),
			"body":     model.TextValue("bm25 and vector fusion"),
			"category": model.StringValue("engineering"),
			"views":    model.I64Value(42),
		},
	}
	id := model.InternalID{SegmentID: 1, LocalOrd: 1}
	require.NoError(t, idx.IndexDocument(ctx, id, doc))

	res, err := idx.Search(ctx, textindex.Term("title", "hybrid"), textindex.SearchOptions{Size: 10})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	require.Equal(t, id, res.Hits[0].InternalID)
}

func TestSearchExcludesTombstonedDocs(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	doc := &model.Document{
		ID: "doc-2",
		Fields: map[string]model.Value{
			"title":    model.TextValue("retrieval augmented generation"),
			"category": model.StringValue("research"),
		},
	}
	id := model.InternalID{SegmentID: 1, LocalOrd: 2}
	require.NoError(t, idx.IndexDocument(ctx, id, doc))
	require.NoError(t, idx.DeleteDocument(ctx, id))

	res, err := idx.Search(ctx, textindex.Term("title", "retrieval"), textindex.SearchOptions{Size: 10})
	require.NoError(t, err)
	require.Empty(t, res.Hits)
}

func TestCommitPersistsManifestAndCommitPointer(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	doc := &model.Document{
		ID:     "doc-3",
		Fields: map[string]model.Value{"title": model.TextValue("segments and commits")},
	}
	require.NoError(t, idx.IndexDocument(ctx, model.InternalID{SegmentID: 1, LocalOrd: 3}, doc))

	commit, err := idx.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), commit.Generation)
	require.Len(t, commit.SegmentIDs, 1)
}

func TestGetByIDReconstructsStoredFields(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	id := model.InternalID{SegmentID: 1, LocalOrd: 4}
	doc := &model.Document{
		ID: "doc-4",
		Fields: map[string]model.Value{
			"title": model.TextValue("stored field reconstruction"),
		},
	}
	require.NoError(t, idx.IndexDocument(ctx, id, doc))

	fields, ok, err := idx.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "stored field reconstruction", fields["title"])
}

func TestSuggestPrefixCompletion(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexDocument(ctx, model.InternalID{SegmentID: 1, LocalOrd: 5}, &model.Document{
		ID:     "doc-5",
		Fields: map[string]model.Value{"category": model.StringValue("engineering")},
	}))

	suggestions, err := idx.Suggest("category", "engin", 10, false, 0)
	require.NoError(t, err)
	require.NotEmpty(t, suggestions)
	require.Equal(t, "engineering", suggestions[0].Term)
}

func TestDocFreqCountsMatchingDocuments(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexDocument(ctx, model.InternalID{SegmentID: 1, LocalOrd: 6}, &model.Document{
		ID:     "doc-6",
		Fields: map[string]model.Value{"category": model.StringValue("research")},
	}))
	require.NoError(t, idx.IndexDocument(ctx, model.InternalID{SegmentID: 1, LocalOrd: 7}, &model.Document{
		ID:     "doc-7",
		Fields: map[string]model.Value{"category": model.StringValue("research")},
	}))

	n, err := idx.DocFreq("category", "research")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
