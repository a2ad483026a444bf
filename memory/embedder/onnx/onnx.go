//go:build onnx

package onnx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

const (
	defaultDimensions = 384
	defaultSeqLen     = 128
)

var (
	inputNames  = []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames = []string{"last_hidden_state"}
)

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the model's tokenizer.json.
	TokenizerPath string

	// Dimensions is the embedding size. Default: 384.
	Dimensions int

	// SharedLibraryPath points at libonnxruntime. Empty uses the platform
	// default search path.
	SharedLibraryPath string

	// MaxSequenceLength is the padded token length. Default: 128.
	MaxSequenceLength int

	Logger *zap.Logger
}

// Embedder generates embeddings with ONNX Runtime.
type Embedder struct {
	// Run is not safe for concurrent use on one session.
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession

	tokenizer *wordPiece
	dims      int
	seqLen    int
	log       *zap.Logger
}

// New loads the tokenizer and model.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx: ModelPath is required")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = defaultDimensions
	}
	if cfg.MaxSequenceLength < 2 {
		cfg.MaxSequenceLength = defaultSeqLen
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("onnx")

	tokenizer, err := loadWordPiece(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: load tokenizer: %w", err)
	}

	if cfg.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("onnx: initialize runtime: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, outputNames, nil)
	if err != nil {
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}
	logModelInfo(logger, cfg.ModelPath, session)

	return &Embedder{
		session:   session,
		tokenizer: tokenizer,
		dims:      cfg.Dimensions,
		seqLen:    cfg.MaxSequenceLength,
		log:       logger,
	}, nil
}

// logModelInfo reports the model's producer and version. Failures only
// cost the log line.
func logModelInfo(logger *zap.Logger, path string, session *ort.DynamicAdvancedSession) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		logger.Warn("could not inspect model", zap.String("path", path), zap.Error(err))
		return
	}
	meta, err := session.GetModelMetadata()
	if err != nil {
		logger.Warn("could not read model metadata", zap.String("path", path), zap.Error(err))
		return
	}
	defer meta.Destroy()

	producer, _ := meta.GetProducerName()
	version, _ := meta.GetVersion()
	logger.Info("loaded model",
		zap.String("path", path),
		zap.String("producer", producer),
		zap.Int64("version", version),
		zap.Int("inputs", len(inputs)),
		zap.Int("outputs", len(outputs)))
}

// Embed returns the unit-length embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	enc := e.tokenizer.encode(text, e.seqLen)
	shape := ort.NewShape(1, int64(e.seqLen))

	var inputs []ort.Value
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	for _, data := range [][]int64{enc.inputIDs, enc.attentionMask, enc.tokenTypeIDs} {
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("onnx: input tensor: %w", err)
		}
		inputs = append(inputs, t)
	}

	outputs := []ort.Value{nil}
	e.mu.Lock()
	err := e.session.Run(inputs, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx: inference: %w", err)
	}
	if outputs[0] == nil {
		return nil, errors.New("onnx: no output tensor")
	}
	defer outputs[0].Destroy()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: unexpected output type %T", outputs[0])
	}

	vec, err := pool(hidden.GetData(), hidden.GetShape(), enc.attentionMask, e.dims)
	if err != nil {
		return nil, fmt.Errorf("onnx: %w", err)
	}
	e.log.Debug("embedded", zap.Int("tokens", enc.attended))
	return vec, nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dims
}

// Close releases the ONNX session.
func (e *Embedder) Close() error {
	if e.session == nil {
		return nil
	}
	return e.session.Destroy()
}
