package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const defaultGeminiModel = "text-embedding-004"

// Gemini is the alternative embedding backend for deployments whose service
// credential is a Google API key.
type Gemini struct {
	client *genai.Client
	model  string
	dim    int
}

// NewGemini creates the backend. dim must match the vector index column width.
func NewGemini(ctx context.Context, apiKey string, dim int) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: gemini client: %w", err)
	}
	return &Gemini{client: client, model: defaultGeminiModel, dim: dim}, nil
}

func (g *Gemini) Dimension() int { return g.dim }

// Embed returns the unit-normalized embedding of text.
func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	dim := int32(g.dim)
	resp, err := g.client.Models.EmbedContent(ctx, g.model,
		genai.Text(text),
		&genai.EmbedContentConfig{OutputDimensionality: &dim},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedderFailed, err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrEmbedderFailed)
	}

	vec := make([]float32, len(resp.Embeddings[0].Values))
	copy(vec, resp.Embeddings[0].Values)
	vec, err = checkDimension(vec, g.dim)
	if err != nil {
		return nil, err
	}
	return normalize(vec), nil
}
