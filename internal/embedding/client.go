package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chronosearch/backend/internal/config"
)

// Client talks to an OpenAI-compatible multimodal embedding service (a
// SigLIP-style model served behind the /embeddings route). Text goes through
// the standard embeddings API; images are submitted as base64 data URLs to
// the same endpoint.
type Client struct {
	oa      *openai.Client
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
	dim     int
}

// NewClient configures a client for the embedding service described by cfg.
func NewClient(cfg config.EmbeddingConfig) *Client {
	oaCfg := openai.DefaultConfig(cfg.APIKey)
	oaCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &Client{
		oa:      openai.NewClientWithConfig(oaCfg),
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		dim:     cfg.Dimension,
	}
}

// Dimension reports the fixed vector dimension D of the shared space.
func (c *Client) Dimension() int {
	return c.dim
}

// EmbedText vectorizes a text query.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.oa.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embed text: %v", ErrEmbedding, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: embed text: empty response", ErrEmbedding)
	}

	return c.check(resp.Data[0].Embedding)
}

// EmbedImage vectorizes a frame image stored on disk.
func (c *Client) EmbedImage(ctx context.Context, imagePath string) ([]float32, error) {
	raw, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w: read frame %s: %v", ErrEmbedding, imagePath, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty frame %s", ErrEmbedding, imagePath)
	}

	payload := struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{
		Model: c.model,
		Input: []string{"data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(raw)},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrEmbedding, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrEmbedding, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: embed image: %v", ErrEmbedding, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: embed image: status %d", ErrEmbedding, resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrEmbedding, err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("%w: embed image: empty response", ErrEmbedding)
	}

	return c.check(parsed.Data[0].Embedding)
}

// check enforces the dimension contract and normalizes so cosine comparisons
// hold across modalities regardless of server-side normalization.
func (c *Client) check(vec []float32) ([]float32, error) {
	if c.dim > 0 && len(vec) != c.dim {
		return nil, fmt.Errorf("%w: dimension mismatch: got %d want %d", ErrEmbedding, len(vec), c.dim)
	}
	return Normalize(vec), nil
}
