package embedding

import (
	"context"
	"fmt"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const defaultOpenAIModel = "text-embedding-3-small"

// OpenAI is the default embedding backend.
type OpenAI struct {
	apiKey  string
	baseURL string
	model   string
	dim     int
	client  openaiSDK.Client
}

// OpenAIOption configures the backend.
type OpenAIOption func(*OpenAI)

// WithModel overrides the embedding model.
func WithModel(model string) OpenAIOption {
	return func(o *OpenAI) { o.model = model }
}

// WithBaseURL points the client at a different endpoint (tests, proxies).
func WithBaseURL(url string) OpenAIOption {
	return func(o *OpenAI) { o.baseURL = url }
}

// NewOpenAI creates the backend with the service embedding key. dim must
// match the vector index column width.
func NewOpenAI(apiKey string, dim int, opts ...OpenAIOption) *OpenAI {
	o := &OpenAI{
		apiKey: apiKey,
		model:  defaultOpenAIModel,
		dim:    dim,
	}
	for _, opt := range opts {
		opt(o)
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(o.apiKey)}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(o.baseURL))
	}
	o.client = openaiSDK.NewClient(clientOpts...)

	return o
}

func (o *OpenAI) Dimension() int { return o.dim }

// Embed returns the unit-normalized embedding of text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	resp, err := o.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model:      o.model,
		Dimensions: openaiSDK.Int(int64(o.dim)),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfString: openaiSDK.String(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedderFailed, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrEmbedderFailed)
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, f := range resp.Data[0].Embedding {
		vec[i] = float32(f)
	}
	vec, err = checkDimension(vec, o.dim)
	if err != nil {
		return nil, err
	}
	return normalize(vec), nil
}
