package embedprovider

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/oauth2"
)

// OpenAIConfig configures an OpenAI-compatible embedding provider.
type OpenAIConfig struct {
	BaseURL        string // empty uses the OpenAI default
	Model          string
	Dimension      int
	Token          string // static bearer token; wrapped in an oauth2.TokenSource
	BatchSize      int
	MaxConcurrency int
}

// OpenAICompatibleProvider embeds text through any OpenAI-compatible
// embeddings endpoint, batching requests to BatchSize and bounding
// concurrent in-flight batches to MaxConcurrency.
type OpenAICompatibleProvider struct {
	client    *openai.Client
	model     openai.EmbeddingModel
	modelName string
	dim       int
	batchSize int
	sem       chan struct{}
}

// NewOpenAICompatibleProvider builds a provider against any OpenAI-
// compatible embeddings API, authenticating via an oauth2 static token
// source the way the teacher's broader stack authenticates HTTP backends
// (registry/backend.go's header round-tripper does the analogous thing
// for MCP backends).
func NewOpenAICompatibleProvider(cfg OpenAIConfig) *OpenAICompatibleProvider {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})

	clientCfg := openai.DefaultConfig(cfg.Token)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = oauth2.NewClient(context.Background(), ts)

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	return &OpenAICompatibleProvider{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     openai.EmbeddingModel(cfg.Model),
		modelName: cfg.Model,
		dim:       cfg.Dimension,
		batchSize: batchSize,
		sem:       make(chan struct{}, concurrency),
	}
}

func (p *OpenAICompatibleProvider) ModelID() string { return p.modelName }
func (p *OpenAICompatibleProvider) Dimension() int  { return p.dim }

func (p *OpenAICompatibleProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += p.batchSize {
		end := start + p.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		vecs, err := p.embedOne(ctx, batch)
		<-p.sem
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}

	if err := validateBatchShape(out, p.dim); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *OpenAICompatibleProvider) embedOne(ctx context.Context, batch []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: batch,
		Model: p.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai-compatible embed: %w", err)
	}

	vecs := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}
