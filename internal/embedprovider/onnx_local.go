package embedprovider

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"

	"github.com/prismdb/prism/internal/prismerr"
)

// ONNXLocalConfig configures the in-process ONNX runtime provider.
type ONNXLocalConfig struct {
	Model     string // e.g. "BAAI/bge-small-en-v1.5"
	CacheDir  string // model file cache, defaults to ./local_cache
	MaxLength int    // defaults to 512
}

var onnxModelMapping = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

var onnxModelDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.BGESmallENV15: 384,
	fastembed.BGESmallEN:    384,
	fastembed.BGEBaseENV15:  768,
	fastembed.BGEBaseEN:     768,
	fastembed.BGESmallZH:    512,
	fastembed.AllMiniLML6V2: 384,
}

// ONNXLocalProvider embeds text in-process via a bundled ONNX model and
// tokenizer, with no network round-trip.
type ONNXLocalProvider struct {
	model     *fastembed.FlagEmbedding
	modelName string
	dim       int
	mu        sync.RWMutex
}

// NewONNXLocalProvider loads (downloading on first use) a local ONNX
// embedding model.
func NewONNXLocalProvider(cfg ONNXLocalConfig) (*ONNXLocalProvider, error) {
	model, ok := onnxModelMapping[cfg.Model]
	if !ok {
		model = fastembed.EmbeddingModel(cfg.Model)
		if _, known := onnxModelDimensions[model]; !known {
			return nil, fmt.Errorf("%w: unsupported onnx-local model %q", prismerr.ErrBadRequest, cfg.Model)
		}
	}
	dim := onnxModelDimensions[model]

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(".", "local_cache")
	}
	maxLength := cfg.MaxLength
	if maxLength == 0 {
		maxLength = 512
	}
	showProgress := false

	embedding, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            maxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("onnx-local: init: %w", err)
	}

	return &ONNXLocalProvider{model: embedding, modelName: cfg.Model, dim: dim}, nil
}

func (p *ONNXLocalProvider) ModelID() string { return p.modelName }
func (p *ONNXLocalProvider) Dimension() int  { return p.dim }

func (p *ONNXLocalProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	vecs, err := p.model.PassageEmbed(texts, 256)
	if err != nil {
		return nil, fmt.Errorf("onnx-local embed: %w", err)
	}
	if err := validateBatchShape(vecs, p.dim); err != nil {
		return nil, err
	}
	return vecs, nil
}

// Close releases the underlying ONNX session.
func (p *ONNXLocalProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		return p.model.Destroy()
	}
	return nil
}
