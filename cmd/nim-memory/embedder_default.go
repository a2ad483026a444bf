//go:build !onnx

package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
)

// newEmbedder returns the hashing embedder. The onnx embedder needs a build
// with -tags onnx.
func newEmbedder(cfg *config, logger *zap.Logger) (memory.Embedder, func(), error) {
	switch cfg.Embedder {
	case "", "hash":
		logger.Warn("using hashing embedder, similarity is lexical only")
		return mock.NewWithDimensions(cfg.Dimensions), func() {}, nil
	case "onnx":
		return nil, nil, fmt.Errorf("embedder %q requires building with -tags onnx", cfg.Embedder)
	}
	return nil, nil, fmt.Errorf("unknown embedder %q", cfg.Embedder)
}
