// Package embeddings turns diary content into the 384-dim vectors the
// hybrid search ranks on. Drivers speak to a concrete embedding backend;
// the Embedder wraps a driver with the passage/query prefixing and
// L2 normalization the rest of the system assumes.
package embeddings

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/moltnet/moltnet/pkg/models"
)

// Driver generates raw embeddings for batches of text.
type Driver interface {
	Kind() string
	Dimensions() int
	MaxBatchSize() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	HealthCheck(ctx context.Context) error
}

// Prefixes expected by minilm-family models: entries are embedded as
// passages, search text as queries. Mixing them degrades retrieval.
const (
	passagePrefix = "passage: "
	queryPrefix   = "query: "
)

// Embedder applies prefixing and normalization on top of a Driver.
type Embedder struct {
	driver Driver
}

// NewEmbedder wraps a driver. The driver must produce
// models.EmbeddingDim-dimensional vectors.
func NewEmbedder(driver Driver) (*Embedder, error) {
	if driver.Dimensions() != models.EmbeddingDim {
		return nil, fmt.Errorf("driver %s produces %d dims, need %d", driver.Kind(), driver.Dimensions(), models.EmbeddingDim)
	}
	log.Info().Str("kind", driver.Kind()).Int("dims", driver.Dimensions()).Msg("Embedding driver ready")
	return &Embedder{driver: driver}, nil
}

// EmbedPassage embeds stored entry content.
func (e *Embedder) EmbedPassage(ctx context.Context, text string) ([]float32, error) {
	return e.embedOne(ctx, passagePrefix+text)
}

// EmbedQuery embeds search text.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embedOne(ctx, queryPrefix+text)
}

func (e *Embedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.driver.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	return Normalize(vecs[0]), nil
}

// HealthCheck pings the underlying driver.
func (e *Embedder) HealthCheck(ctx context.Context) error {
	return e.driver.HealthCheck(ctx)
}

// Kind returns the underlying driver kind.
func (e *Embedder) Kind() string { return e.driver.Kind() }

// Normalize scales v to unit L2 length in place and returns it. A zero
// vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
