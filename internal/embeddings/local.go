package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"github.com/moltnet/moltnet/pkg/models"
)

// LocalDriver is a deterministic, dependency-free embedding driver for
// local development and tests. It hashes word n-grams into a fixed-width
// vector, so identical texts always embed identically and overlapping
// texts land near each other. Not a substitute for a real model.
type LocalDriver struct {
	dimensions int
}

// NewLocalDriver creates the hash-based local driver.
func NewLocalDriver() *LocalDriver {
	return &LocalDriver{dimensions: models.EmbeddingDim}
}

func (d *LocalDriver) Kind() string      { return "local" }
func (d *LocalDriver) Dimensions() int   { return d.dimensions }
func (d *LocalDriver) MaxBatchSize() int { return 1024 }

// Embed hashes each text's tokens and bigrams into vector buckets.
func (d *LocalDriver) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = d.embedOne(text)
	}
	return out, nil
}

func (d *LocalDriver) embedOne(text string) []float32 {
	vec := make([]float32, d.dimensions)
	tokens := strings.Fields(strings.ToLower(text))
	for i, tok := range tokens {
		d.bump(vec, tok, 1)
		if i > 0 {
			d.bump(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	return Normalize(vec)
}

func (d *LocalDriver) bump(vec []float32, feature string, weight float32) {
	sum := sha256.Sum256([]byte(feature))
	bucket := binary.BigEndian.Uint32(sum[:4]) % uint32(d.dimensions)
	// Second hash byte picks the sign so buckets don't only accumulate.
	if sum[4]%2 == 0 {
		vec[bucket] += weight
	} else {
		vec[bucket] -= weight
	}
}

// HealthCheck always succeeds: the local driver has no backend.
func (d *LocalDriver) HealthCheck(ctx context.Context) error { return nil }
