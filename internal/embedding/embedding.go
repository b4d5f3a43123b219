// Package embedding turns context text into vectors for similarity search.
package embedding

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/powercast/powercast/internal/config"
)

// Dimensions is the vector size produced by the embedding model and expected
// by the context_snapshots schema.
const Dimensions = 1536

// Embedder produces a vector for a piece of text. Implementations return an
// error when the vector cannot be produced; callers decide whether to degrade
// or fail.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder creates embeddings via the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	logger *slog.Logger
}

// NewOpenAIEmbedder creates an embedder from configuration. Returns an error
// when no API key is configured.
func NewOpenAIEmbedder(cfg config.OpenAIConfig, logger *slog.Logger) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key not configured")
	}

	model := openai.EmbeddingModel(cfg.EmbeddingModel)
	if cfg.EmbeddingModel == "" {
		model = openai.SmallEmbedding3
	}

	return &OpenAIEmbedder{
		client: openai.NewClient(cfg.APIKey),
		model:  model,
		logger: logger,
	}, nil
}

// Embed creates an embedding for the text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no data")
	}

	vector := resp.Data[0].Embedding
	if len(vector) != Dimensions {
		return nil, fmt.Errorf("unexpected embedding dimensions: got %d, want %d", len(vector), Dimensions)
	}

	e.logger.Debug("created embedding", "dimensions", len(vector))
	return vector, nil
}
