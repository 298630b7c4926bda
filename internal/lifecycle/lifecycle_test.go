package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prismdb/prism/internal/collection"
	"github.com/prismdb/prism/internal/lifecycle"
	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/storage"
)

func plainSchema(name string) model.Schema {
	return model.Schema{
		Name: name,
		Fields: []model.FieldDef{
			{Name: "title", Kind: model.KindText, Stored: true, Indexed: true},
		},
	}.WithDefaults()
}

func openCollection(t *testing.T, name string) *collection.Collection {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	schema := plainSchema(name)
	c, err := collection.Open(context.Background(), collection.Options{
		Name:     name,
		Schema:   &schema,
		LocalDir: t.TempDir(),
		Store:    store,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func doc(id, title string) *model.Document {
	return &model.Document{ID: id, Fields: map[string]model.Value{"title": model.TextValue(title)}}
}

func TestSegmentMergerReclaimsOrphanedSegments(t *testing.T) {
	ctx := context.Background()
	c := openCollection(t, "merge-me")

	_, err := c.Index(ctx, []*model.Document{doc("d1", "one")})
	require.NoError(t, err)
	_, err = c.Commit(ctx)
	require.NoError(t, err)

	_, err = c.Index(ctx, []*model.Document{doc("d2", "two")})
	require.NoError(t, err)
	_, err = c.Commit(ctx)
	require.NoError(t, err)

	merger := lifecycle.NewSegmentMerger(nil)
	merger.Register(c)

	err = merger.ForceMerge(ctx, "merge-me", 1, 0)
	require.NoError(t, err)

	fields, ok, err := c.Get(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", fields["title"].Text)
	fields, ok, err = c.Get(ctx, "d2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "two", fields["title"].Text)
}

func TestSegmentMergerCancelStopsMidway(t *testing.T) {
	ctx := context.Background()
	c := openCollection(t, "cancel-me")
	_, err := c.Index(ctx, []*model.Document{doc("d1", "one")})
	require.NoError(t, err)
	_, err = c.Commit(ctx)
	require.NoError(t, err)

	merger := lifecycle.NewSegmentMerger(nil)
	merger.Register(c)
	merger.Cancel()

	err = merger.ForceMerge(ctx, "cancel-me", 0, 0)
	require.NoError(t, err)

	merger.Reset()
	err = merger.ForceMerge(ctx, "cancel-me", 0, 0)
	require.NoError(t, err)
}

func TestMergeSchedulerRunOnceSweepsRegisteredCollections(t *testing.T) {
	ctx := context.Background()
	c := openCollection(t, "scheduled")
	_, err := c.Index(ctx, []*model.Document{doc("d1", "one")})
	require.NoError(t, err)
	_, err = c.Commit(ctx)
	require.NoError(t, err)

	merger := lifecycle.NewSegmentMerger(nil)
	merger.Register(c)
	sched := lifecycle.NewMergeScheduler(merger, lifecycle.MergeSchedulerConfig{Interval: time.Hour, MaxSegments: 1}, nil)
	defer sched.Close()

	sched.RunOnce(ctx)
}

func TestILMEngineTransitionsOnMaxDocCountRollover(t *testing.T) {
	ctx := context.Background()
	c := openCollection(t, "ilm-docs")
	schema := c.Schema()
	schema.ILM = &model.ILMPolicy{
		Phases: []model.ILMPhaseSpec{
			{Phase: model.PhaseHot, Rollover: model.ILMRollover{MaxDocCount: 1}},
			{Phase: model.PhaseWarm, Rollover: model.ILMRollover{}},
		},
	}

	_, err := c.Index(ctx, []*model.Document{doc("d1", "one"), doc("d2", "two")})
	require.NoError(t, err)
	_, err = c.Commit(ctx)
	require.NoError(t, err)

	engine := lifecycle.NewILMEngine(nil, nil)
	engine.Register(c, time.Now().UTC().Add(-time.Hour))
	engine.RunOnce(ctx)

	// A second sweep should be a no-op: warm's rollover is unset so there's
	// nothing left to transition into.
	engine.RunOnce(ctx)
}

func TestILMEngineDeletePhaseRemovesAllSegments(t *testing.T) {
	ctx := context.Background()
	c := openCollection(t, "ilm-delete")
	schema := c.Schema()
	schema.ILM = &model.ILMPolicy{
		Phases: []model.ILMPhaseSpec{
			{Phase: model.PhaseHot, Rollover: model.ILMRollover{MaxAge: 1}},
			{Phase: model.PhaseDelete, Rollover: model.ILMRollover{}},
		},
	}

	_, err := c.Index(ctx, []*model.Document{doc("d1", "one")})
	require.NoError(t, err)
	_, err = c.Commit(ctx)
	require.NoError(t, err)

	engine := lifecycle.NewILMEngine(nil, nil)
	engine.Register(c, time.Now().UTC().Add(-time.Hour))
	engine.RunOnce(ctx)

	entries, err := c.Store().List(ctx, model.CollectionDir("ilm-delete")+"/segments/")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestILMEngineRegisterIgnoresCollectionsWithoutPolicy(t *testing.T) {
	c := openCollection(t, "no-ilm")
	engine := lifecycle.NewILMEngine(nil, nil)
	engine.Register(c, time.Now().UTC())
	engine.RunOnce(context.Background()) // must not panic with no ILM state tracked
}
