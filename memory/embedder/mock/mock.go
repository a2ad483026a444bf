package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder is a deterministic bag-of-words embedder for tests and local runs.
// Each lowercased word is hashed into a signed bucket, so texts sharing words
// get a positive cosine similarity and identical texts score 1.
type Embedder struct {
	dimensions int
	err        error
}

// New creates a new mock embedder.
func New() *Embedder {
	return &Embedder{
		dimensions: 384, // Match all-MiniLM-L6-v2 dimensions
	}
}

// NewWithDimensions creates a mock embedder with a custom vector size.
// Non-positive sizes fall back to 384.
func NewWithDimensions(dims int) *Embedder {
	if dims <= 0 {
		return New()
	}
	return &Embedder{dimensions: dims}
}

// Failing returns an embedder whose Embed always fails with err.
func Failing(err error) *Embedder {
	return &Embedder{dimensions: 384, err: err}
}

// Embed creates a deterministic embedding from text.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	embedding := make([]float32, m.dimensions)
	for _, word := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(word))
		sum := h.Sum64()

		bucket := int(sum % uint64(m.dimensions))
		sign := float32(1)
		if sum>>63 == 1 {
			sign = -1
		}
		embedding[bucket] += sign
	}

	// Empty or punctuation-only text still needs a usable vector.
	if isZero(embedding) {
		embedding[0] = 1
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}

	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}

	return normalized
}
