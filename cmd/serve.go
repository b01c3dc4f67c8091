package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/pipeline"
	"github.com/CanopyHQ/xylem/internal/server"
	"github.com/CanopyHQ/xylem/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (default)",
	Long: `Start the vector store HTTP server.

All endpoints accept POST with JSON bodies. Configuration comes from
XYLEM_* environment variables; see the README for the full list.

Examples:
  xylem serve
  XYLEM_ADDR=:9000 XYLEM_DB=/tmp/mem.db xylem serve`,
	RunE: func(cmd *cobra.Command, args []string) error { return runServe() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("xylem %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store statistics",
	Long: `Show current store statistics including backend, record count,
and embedding dimension.

Examples:
  xylem status`,
	RunE: func(cmd *cobra.Command, args []string) error { return runStatus() },
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{
		DBType:     cfg.DBType,
		DSN:        cfg.DSN,
		Dimensions: cfg.Dimensions,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	embedder, extractor, resolver, err := buildCollaborators(cfg)
	if err != nil {
		return err
	}

	pl := pipeline.New(st, embedder, extractor, resolver, cfg.Workers)
	defer pl.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.New(st, pl).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Fprintf(os.Stderr, "Xylem - Semantic Memory Store\n")
	fmt.Fprintf(os.Stderr, "Backend: %s, dimensions: %d, embeddings: %s\n",
		cfg.DBType, cfg.Dimensions, cfg.Embeddings)
	fmt.Fprintf(os.Stderr, "Listening on %s\n", cfg.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	fmt.Fprintln(os.Stderr, "Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildCollaborators wires the embedder, extractor, and resolver per config.
// The OpenAI embedder is wrapped with a cache and a local fallback.
func buildCollaborators(cfg config.Config) (pipeline.Embedder, pipeline.FactExtractor, pipeline.ConflictResolver, error) {
	var embedder pipeline.Embedder
	switch cfg.Embeddings {
	case "openai":
		openai, err := pipeline.NewOpenAIEmbedder(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		cached, err := pipeline.NewCachedEmbedder(pipeline.NewFallbackEmbedder(openai), 0)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		embedder = cached
	default:
		embedder = pipeline.NewLocalEmbedder(cfg.Dimensions)
	}

	var extractor pipeline.FactExtractor
	switch cfg.Extractor {
	case "llm":
		llm, err := pipeline.NewLLMExtractor(cfg.OpenAIAPIKey, "")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create extractor: %w", err)
		}
		extractor = llm
	default:
		extractor = pipeline.NewRuleExtractor()
	}

	var resolver pipeline.ConflictResolver
	switch cfg.Resolver {
	case "llm":
		llm, err := pipeline.NewLLMResolver(cfg.OpenAIAPIKey, "")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create resolver: %w", err)
		}
		resolver = llm
	default:
		resolver = pipeline.NewHeuristicResolver()
	}

	return embedder, extractor, resolver, nil
}

func runStatus() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{
		DBType:     cfg.DBType,
		DSN:        cfg.DSN,
		Dimensions: cfg.Dimensions,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	count, err := st.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count records: %w", err)
	}

	fmt.Printf("Xylem Store Status:\n")
	fmt.Printf("  Backend: %s\n", cfg.DBType)
	fmt.Printf("  Records: %d\n", count)
	fmt.Printf("  Dimensions: %d\n", st.Dimensions())
	return nil
}
