package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIProvider implements Provider over Google's embedding API, grounded on
// the reference GenAI embedding engine pattern (single EmbedContent call per
// text, output dimensionality pinned to the configured vector size).
type GenAIProvider struct {
	client *genai.Client
	dim    int32
}

// NewGenAIProvider creates a GenAIProvider. dim must match the store's
// configured vector column width.
func NewGenAIProvider(ctx context.Context, apiKey string, dim int) (*GenAIProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIProvider{client: client, dim: int32(dim)}, nil
}

// Embed satisfies Provider.
func (p *GenAIProvider) Embed(ctx context.Context, model, input string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(input, genai.RoleUser)}
	result, err := p.client.Models.EmbedContent(ctx, model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &p.dim,
	})
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("genai embed: no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}
