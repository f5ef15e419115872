package retrieval

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder implements Embedder using OpenAI's embedding models.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// EmbedderConfig configures an OpenAIEmbedder.
type EmbedderConfig struct {
	APIKey  string
	BaseURL string
	Model   string // text-embedding-3-small or text-embedding-3-large
}

// NewOpenAIEmbedder creates an embedding client.
func NewOpenAIEmbedder(cfg EmbedderConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(config),
		model:  cfg.Model,
	}, nil
}

// Dimension returns the embedding dimension for the configured model.
func (e *OpenAIEmbedder) Dimension() int {
	switch e.model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return resp.Data[0].Embedding, nil
}
