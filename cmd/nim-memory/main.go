// Command nim-memory serves the Nim assistant over a websocket with the
// conversation memory pipeline wired in.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/peterbourgon/ff/v3/ffyaml"
	"go.uber.org/zap"
)

// Build flags
var Version = ""

// config is everything the server reads from flags, NIM_MEMORY_* variables
// or the YAML config file.
type config struct {
	Addr     string
	GRPCAddr string
	Debug    bool

	AnthropicKey string
	Model        string
	MaxTokens    int64
	SystemPrompt string

	Embedder      string
	ModelPath     string
	TokenizerPath string
	OnnxLibrary   string
	Dimensions    int
	CacheMB       int64

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	MemoryEnabled   bool
	ContextMinScore float64
	MaxMessages     int
	SerializeThread bool
	ShutdownTimeout time.Duration
}

func main() {
	// .env is optional; values there behave like real environment variables.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cmd := newCommand()
	if err := cmd.ParseAndRun(ctx, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func newCommand() *ffcli.Command {
	fs := flag.NewFlagSet("nim-memory", flag.ExitOnError)
	_ = fs.String("config", "nim-memory.yaml", "config file (optional)")

	cfg := &config{}
	fs.StringVar(&cfg.Addr, "addr", ":8080", "HTTP listen address for /ws and /health")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", ":9090", "gRPC health service listen address, empty disables it")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")

	// Claude
	fs.StringVar(&cfg.AnthropicKey, "anthropic-key", os.Getenv("ANTHROPIC_API_KEY"), "anthropic api key")
	fs.StringVar(&cfg.Model, "model", "claude-sonnet-4-20250514", "claude model")
	fs.Int64Var(&cfg.MaxTokens, "max-tokens", 1024, "max response tokens")
	fs.StringVar(&cfg.SystemPrompt, "system-prompt", "", "system prompt override (optional)")

	// Embeddings
	fs.StringVar(&cfg.Embedder, "embedder", "hash", "embedder (hash, onnx)")
	fs.StringVar(&cfg.ModelPath, "onnx-model", "models/all-MiniLM-L6-v2/model.onnx", "onnx model path")
	fs.StringVar(&cfg.TokenizerPath, "onnx-tokenizer", "models/all-MiniLM-L6-v2/tokenizer.json", "onnx tokenizer path")
	fs.StringVar(&cfg.OnnxLibrary, "onnx-library", "", "onnxruntime shared library path (optional)")
	fs.IntVar(&cfg.Dimensions, "dimensions", 384, "embedding dimensions")
	fs.Int64Var(&cfg.CacheMB, "embedding-cache-mb", 32, "embedding cache size in MiB, 0 disables it")

	// Persistent store
	fs.StringVar(&cfg.Neo4jURI, "neo4j-uri", "", "neo4j bolt uri, empty keeps registered users in memory")
	fs.StringVar(&cfg.Neo4jUser, "neo4j-user", "neo4j", "neo4j username")
	fs.StringVar(&cfg.Neo4jPassword, "neo4j-password", "", "neo4j password")
	fs.StringVar(&cfg.Neo4jDatabase, "neo4j-database", "", "neo4j database (optional)")

	// Memory
	fs.BoolVar(&cfg.MemoryEnabled, "memory", true, "enable the memory system")
	fs.Float64Var(&cfg.ContextMinScore, "context-min-score", 0.8, "minimum score for prompt context")
	fs.IntVar(&cfg.MaxMessages, "max-messages", 15, "history bound applied each turn")
	fs.BoolVar(&cfg.SerializeThread, "serialize-threads", true, "serialise memory processing per thread")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")

	return &ffcli.Command{
		ShortUsage: "nim-memory [flags]",
		ShortHelp:  "run the nim assistant with conversation memory",
		Options: []ff.Option{
			ff.WithConfigFileFlag("config"),
			ff.WithConfigFileParser(ffyaml.Parser),
			ff.WithAllowMissingConfigFile(true),
			ff.WithEnvVarPrefix("NIM_MEMORY"),
		},
		FlagSet: fs,
		Subcommands: []*ffcli.Command{
			newVersionCommand(),
		},
		Exec: func(ctx context.Context, args []string) error {
			logger, err := newLogger(cfg.Debug)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return run(ctx, cfg, logger)
		},
	}
}

func newVersionCommand() *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "nim-memory version",
		ShortHelp:  "print version",
		Exec: func(ctx context.Context, args []string) error {
			v := Version
			if v == "" {
				v = "dev"
			}
			fmt.Println(v)
			return nil
		},
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if debug {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
