// Package cache memoizes embeddings so repeated queries and re-stored
// content do not hit the embedding provider twice.
package cache

import (
	"context"
	"fmt"
	"slices"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/nim-memory/memory"
)

// Config configures the cache.
type Config struct {
	// MaxBytes bounds the memory held by cached vectors.
	// Default: 32 MiB
	MaxBytes int64

	// NumCounters is the number of keys tracked for admission.
	// Default: 10x the number of 384-dim vectors that fit in MaxBytes.
	NumCounters int64
}

// Embedder wraps another Embedder with a ristretto cache keyed by text.
type Embedder struct {
	next  memory.Embedder
	cache *ristretto.Cache
}

// New wraps next with a cache.
func New(next memory.Embedder, cfg Config) (*Embedder, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 32 << 20
	}
	if cfg.NumCounters <= 0 {
		perVector := int64(next.Dimensions()) * 4
		if perVector <= 0 {
			perVector = 384 * 4
		}
		cfg.NumCounters = 10 * (cfg.MaxBytes / perVector)
		if cfg.NumCounters < 100 {
			cfg.NumCounters = 100
		}
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	return &Embedder{next: next, cache: c}, nil
}

// Embed returns the cached vector for text, computing it on a miss. Callers
// get their own copy and may modify it.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return slices.Clone(vec), nil
		}
	}

	vec, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, slices.Clone(vec), int64(len(vec))*4)
	return vec, nil
}

// Dimensions returns the wrapped embedder's vector size.
func (e *Embedder) Dimensions() int {
	return e.next.Dimensions()
}

// Wait blocks until pending cache writes are applied.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close releases the cache.
func (e *Embedder) Close() {
	e.cache.Close()
}
