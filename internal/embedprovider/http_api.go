package embedprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPAPIProvider calls a remote model server exposing a simple
// {"texts": [...]} -> {"vectors": [[...]]} embedding endpoint.
type HTTPAPIProvider struct {
	Endpoint   string
	Model      string
	Dim        int
	HTTPClient *http.Client
}

// NewHTTPAPIProvider builds a provider against a remote HTTP model server.
func NewHTTPAPIProvider(endpoint, model string, dim int, client *http.Client) *HTTPAPIProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPAPIProvider{Endpoint: endpoint, Model: model, Dim: dim, HTTPClient: client}
}

func (p *HTTPAPIProvider) ModelID() string { return p.Model }
func (p *HTTPAPIProvider) Dimension() int  { return p.Dim }

type httpEmbedRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type httpEmbedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

func (p *HTTPAPIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(httpEmbedRequest{Model: p.Model, Texts: texts})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding server returned status %d", resp.StatusCode)
	}

	var out httpEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if err := validateBatchShape(out.Vectors, p.Dim); err != nil {
		return nil, err
	}
	return out.Vectors, nil
}
