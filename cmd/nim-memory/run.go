package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/becomeliminal/nim-memory/conversation"
	"github.com/becomeliminal/nim-memory/engine"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/cache"
	"github.com/becomeliminal/nim-memory/memory/store/chromem"
	"github.com/becomeliminal/nim-memory/memory/store/neo4j"
	"github.com/becomeliminal/nim-memory/tools"
)

// run wires the memory stack and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config, logger *zap.Logger) error {
	if cfg.AnthropicKey == "" {
		return errors.New("anthropic key is required (-anthropic-key or ANTHROPIC_API_KEY)")
	}

	// ============================================================================
	// MEMORY SYSTEM SETUP
	// ============================================================================
	embedder, closeEmbedder, err := newEmbedder(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEmbedder()

	if cfg.CacheMB > 0 {
		cached, err := cache.New(embedder, cache.Config{MaxBytes: cfg.CacheMB << 20})
		if err != nil {
			return err
		}
		defer cached.Close()
		embedder = cached
	}

	ephemeral, err := chromem.New(embedder, chromem.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create ephemeral store: %w", err)
	}

	var persistent memory.Store
	if cfg.Neo4jURI != "" {
		store, err := neo4j.New(ctx, neo4j.Config{
			URI:        cfg.Neo4jURI,
			Username:   cfg.Neo4jUser,
			Password:   cfg.Neo4jPassword,
			Database:   cfg.Neo4jDatabase,
			Dimensions: embedder.Dimensions(),
		}, embedder, neo4j.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("create persistent store: %w", err)
		}
		persistent = store
	}

	manager := memory.NewManager(ephemeral, persistent, &memory.Config{
		Enabled:         cfg.MemoryEnabled,
		ContextMinScore: cfg.ContextMinScore,
	}, logger)
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("closing memory stores", zap.Error(err))
		}
	}()

	coordinator := conversation.New(manager,
		conversation.WithLogger(logger),
		conversation.WithMaxMessages(cfg.MaxMessages),
		conversation.WithThreadSerialization(cfg.SerializeThread))

	// ============================================================================
	// ENGINE SETUP
	// ============================================================================
	client := anthropic.NewClient(option.WithAPIKey(cfg.AnthropicKey))
	eng := engine.New(&client, coordinator,
		engine.WithModel(cfg.Model),
		engine.WithMaxTokens(cfg.MaxTokens),
		engine.WithSystemPrompt(cfg.SystemPrompt),
		engine.WithTools(tools.MemoryTools(manager)...),
		engine.WithLogger(logger))

	// ============================================================================
	// SERVERS
	// ============================================================================
	srv := newServer(eng, manager, logger)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv.routes()}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var grpcServer *grpc.Server
	healthServer := health.NewServer()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

		g.Go(func() error {
			logger.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		healthServer.Shutdown()
		srv.markDraining()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
