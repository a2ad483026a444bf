package memory

import (
	"context"
)

// Store is the vector storage backend interface.
// Implementations: chromem.Store (ephemeral), neo4j.Store (persistent).
type Store interface {
	// AddMemory embeds and saves a record. Provider or network failures
	// are reported as ErrStoreWrite.
	AddMemory(ctx context.Context, record Record) error

	// SearchMemories returns records similar to query, sorted by score
	// (highest first). UserID and Type filters apply before Limit, and
	// results scoring below MinScore are dropped.
	SearchMemories(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)

	// GetUserMemories returns every record owned by userID, optionally
	// restricted to one type. Order is unspecified.
	GetUserMemories(ctx context.Context, userID string, memType Type) ([]Record, error)

	// DeleteMemories removes all records matching the criteria.
	// Empty criteria fail with ErrInvalidCriteria.
	DeleteMemories(ctx context.Context, criteria DeleteCriteria) error

	// Close releases resources.
	Close() error
}

// Embedder converts text to vector embeddings.
// Implementations: mock.Embedder (testing), onnx.Embedder (local model),
// cache.Embedder (decorator).
type Embedder interface {
	// Embed converts a single text to embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}
