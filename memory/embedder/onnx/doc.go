// Package onnx embeds text with a sentence-transformer model (by default
// all-MiniLM-L6-v2) through ONNX Runtime.
//
// The Embedder itself needs the onnxruntime shared library and is only
// compiled with the onnx build tag. Tokenization and pooling are plain Go.
package onnx
