//go:build onnx

package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
	"github.com/becomeliminal/nim-memory/memory/embedder/onnx"
)

// newEmbedder builds the configured embedder.
func newEmbedder(cfg *config, logger *zap.Logger) (memory.Embedder, func(), error) {
	switch cfg.Embedder {
	case "", "hash":
		logger.Warn("using hashing embedder, similarity is lexical only")
		return mock.NewWithDimensions(cfg.Dimensions), func() {}, nil
	case "onnx":
		e, err := onnx.New(onnx.Config{
			ModelPath:         cfg.ModelPath,
			TokenizerPath:     cfg.TokenizerPath,
			Dimensions:        cfg.Dimensions,
			SharedLibraryPath: cfg.OnnxLibrary,
			Logger:            logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("load onnx embedder: %w", err)
		}
		logger.Info("onnx embedder loaded", zap.String("model", cfg.ModelPath))
		return e, func() { _ = e.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown embedder %q", cfg.Embedder)
}
