package embedprovider_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prismdb/prism/internal/embedprovider"
)

type fakeProvider struct {
	id      string
	dim     int
	fail    bool
	vectors [][]float32
}

func (f *fakeProvider) ModelID() string { return f.id }
func (f *fakeProvider) Dimension() int  { return f.dim }
func (f *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, errors.New("boom")
	}
	return f.vectors, nil
}

func TestFallbackChainUsesFirstHealthyProvider(t *testing.T) {
	primary := &fakeProvider{id: "primary", dim: 2, fail: true}
	secondary := &fakeProvider{id: "secondary", dim: 2, vectors: [][]float32{{1, 2}}}

	chain, err := embedprovider.NewFallbackChain(primary, secondary)
	if err != nil {
		t.Fatalf("NewFallbackChain: %v", err)
	}

	vecs, err := chain.EmbedBatch(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 1 || vecs[0][0] != 1 {
		t.Fatalf("unexpected vecs: %v", vecs)
	}
}

func TestFallbackChainAllFail(t *testing.T) {
	chain, err := embedprovider.NewFallbackChain(
		&fakeProvider{id: "a", dim: 2, fail: true},
		&fakeProvider{id: "b", dim: 2, fail: true},
	)
	if err != nil {
		t.Fatalf("NewFallbackChain: %v", err)
	}

	if _, err := chain.EmbedBatch(context.Background(), []string{"x"}); err == nil {
		t.Fatalf("expected error when all providers fail")
	}
}

func TestNewFallbackChainRequiresAtLeastOneProvider(t *testing.T) {
	if _, err := embedprovider.NewFallbackChain(); err == nil {
		t.Fatalf("expected error for empty chain")
	}
}
