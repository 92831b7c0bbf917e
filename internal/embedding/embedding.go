// Package embedding produces the dense prompt vectors the semantic cache
// searches over. Two backends are supported: the OpenAI embeddings API
// (default) and Gemini. All vectors are unit-normalized before they leave
// this package so cosine similarity reduces to a dot product downstream.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// embedTimeout bounds every embedder call; the cache engine degrades to
// exact-only lookup when it trips.
const embedTimeout = 2 * time.Second

// ErrEmbedderFailed wraps every backend failure so callers can detect the
// degrade-to-exact-lookup case without inspecting provider errors.
var ErrEmbedderFailed = errors.New("embedding: upstream embedding call failed")

// Embedder turns a normalized prompt string into a unit vector of fixed
// dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// normalize scales vec to unit length in place and returns it.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return vec
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec
}

// checkDimension validates the backend returned the configured width; a
// mismatch would silently poison every nearest-neighbor comparison.
func checkDimension(vec []float32, want int) ([]float32, error) {
	if len(vec) != want {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", ErrEmbedderFailed, len(vec), want)
	}
	return vec, nil
}
