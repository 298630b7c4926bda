package pipeline_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/pipeline"
	"github.com/prismdb/prism/internal/prismerr"
)

func TestPipelineNormalizesFields(t *testing.T) {
	p := pipeline.New("norm",
		pipeline.HTMLStrip("content"),
		pipeline.Lowercase("title"),
	)

	doc := model.Document{
		ID: "x",
		Fields: map[string]model.Value{
			"title":   model.StringValue("HELLO"),
			"content": model.TextValue("<p>World</p>"),
		},
	}

	require.NoError(t, p.Run(&doc))
	require.Equal(t, "hello", doc.Fields["title"].Text)
	require.Equal(t, "World", doc.Fields["content"].Text)
}

func TestLowercaseMissingFieldIsNoOp(t *testing.T) {
	p := pipeline.New("x", pipeline.Lowercase("missing"))
	doc := model.Document{ID: "x", Fields: map[string]model.Value{}}
	require.NoError(t, p.Run(&doc))
}

func TestLowercaseTypeMismatchIsSchemaViolation(t *testing.T) {
	p := pipeline.New("x", pipeline.Lowercase("views"))
	doc := model.Document{ID: "x", Fields: map[string]model.Value{"views": model.I64Value(5)}}
	err := p.Run(&doc)
	require.Error(t, err)
	require.True(t, errors.Is(err, prismerr.ErrSchemaViolation))
}

func TestRemoveAndRename(t *testing.T) {
	p := pipeline.New("x",
		pipeline.Remove("secret"),
		pipeline.Rename("old_name", "name"),
	)
	doc := model.Document{
		ID: "x",
		Fields: map[string]model.Value{
			"secret":   model.TextValue("shh"),
			"old_name": model.TextValue("alice"),
		},
	}
	require.NoError(t, p.Run(&doc))
	_, hasSecret := doc.Fields["secret"]
	require.False(t, hasSecret)
	require.Equal(t, "alice", doc.Fields["name"].Text)
}

func TestSetOverwritesOrCreates(t *testing.T) {
	p := pipeline.New("x", pipeline.Set("category", model.StringValue("default")))
	doc := model.Document{ID: "x", Fields: map[string]model.Value{}}
	require.NoError(t, p.Run(&doc))
	require.Equal(t, "default", doc.Fields["category"].Text)
}

func TestRegistryUnknownPipelineIsBadRequest(t *testing.T) {
	r := pipeline.NewRegistry()
	doc := model.Document{ID: "x", Fields: map[string]model.Value{}}
	err := r.Run("nonexistent", &doc)
	require.Error(t, err)
	require.True(t, errors.Is(err, prismerr.ErrBadRequest))
}

func TestRegistryEmptyNameIsNoOp(t *testing.T) {
	r := pipeline.NewRegistry()
	doc := model.Document{ID: "x", Fields: map[string]model.Value{}}
	require.NoError(t, r.Run("", &doc))
}

func TestRegistryRunsRegisteredPipeline(t *testing.T) {
	r := pipeline.NewRegistry()
	r.Register(pipeline.New("norm", pipeline.Lowercase("title")))

	doc := model.Document{ID: "x", Fields: map[string]model.Value{"title": model.TextValue("HI")}}
	require.NoError(t, r.Run("norm", &doc))
	require.Equal(t, "hi", doc.Fields["title"].Text)
}
