// Package embedprovider implements the batchable text->vector providers
// from spec §4.3: a remote HTTP model server, an OpenAI-compatible API, an
// in-process ONNX runtime, and a fallback chain across them. Providers are
// consumed only through internal/embedcache (spec §4.2).
package embedprovider

import (
	"context"
	"fmt"

	"github.com/prismdb/prism/internal/prismerr"
)

// Provider batch-embeds text. Every returned vector has length equal to
// Dimension(), which the caller must validate against the collection's
// vector dimension before indexing.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelID() string
}

// FallbackChain tries providers in order, moving to the next on failure.
// Matches the "fallback chain" in spec §4.3.
type FallbackChain struct {
	providers []Provider
}

// NewFallbackChain builds a chain. providers[0] is tried first.
func NewFallbackChain(providers ...Provider) (*FallbackChain, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: fallback chain requires at least one provider", prismerr.ErrBadRequest)
	}
	return &FallbackChain{providers: providers}, nil
}

func (f *FallbackChain) ModelID() string { return f.providers[0].ModelID() }
func (f *FallbackChain) Dimension() int  { return f.providers[0].Dimension() }

// EmbedBatch tries each provider in order; the first success wins.
func (f *FallbackChain) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for _, p := range f.providers {
		vecs, err := p.EmbedBatch(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("all providers in fallback chain failed: %w", lastErr)
}

// validateBatchShape checks every returned vector matches dimension d.
func validateBatchShape(vecs [][]float32, d int) error {
	for i, v := range vecs {
		if len(v) != d {
			return fmt.Errorf("%w: provider returned vector of length %d at index %d, expected %d",
				prismerr.ErrSchemaViolation, len(v), i, d)
		}
	}
	return nil
}
