// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds everything the server needs to start.
type Config struct {
	// DBType selects the storage backend: "sqlite" or "postgres".
	DBType string
	// DSN is the SQLite file path or the Postgres connection string.
	DSN string
	// Addr is the HTTP listen address.
	Addr string
	// Dimensions is the embedding dimension the store enforces.
	Dimensions int
	// Embeddings selects the embedder: "local" or "openai".
	Embeddings string
	// Extractor selects the fact extractor: "rules" or "llm".
	Extractor string
	// Resolver selects the conflict resolver: "heuristic" or "llm".
	Resolver string
	// Workers is the formation worker pool size.
	Workers int
	// OpenAIAPIKey is required for the openai embedder and llm collaborators.
	OpenAIAPIKey string
}

// Load reads configuration from XYLEM_* environment variables, applying
// defaults for anything unset.
func Load() (Config, error) {
	cfg := Config{
		DBType:       envOr("XYLEM_DB_TYPE", "sqlite"),
		DSN:          os.Getenv("XYLEM_DB"),
		Addr:         envOr("XYLEM_ADDR", ":8787"),
		Embeddings:   envOr("XYLEM_EMBEDDINGS", "local"),
		Extractor:    envOr("XYLEM_EXTRACTOR", "rules"),
		Resolver:     envOr("XYLEM_RESOLVER", "heuristic"),
		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
	}

	switch cfg.DBType {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("invalid XYLEM_DB_TYPE %q (want sqlite or postgres)", cfg.DBType)
	}

	if cfg.DSN == "" {
		if cfg.DBType == "postgres" {
			return Config{}, fmt.Errorf("XYLEM_DB is required for postgres")
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.DSN = filepath.Join(home, ".xylem", "xylem.db")
	}

	// OpenAI embeddings are 1536-dimensional; the local embedder defaults
	// smaller.
	defaultDims := 256
	if cfg.Embeddings == "openai" {
		defaultDims = 1536
	}
	var err error
	cfg.Dimensions, err = envInt("XYLEM_DIMENSIONS", defaultDims)
	if err != nil {
		return Config{}, err
	}
	if cfg.Dimensions <= 0 {
		return Config{}, fmt.Errorf("XYLEM_DIMENSIONS must be positive, got %d", cfg.Dimensions)
	}

	cfg.Workers, err = envInt("XYLEM_WORKERS", 4)
	if err != nil {
		return Config{}, err
	}

	switch cfg.Embeddings {
	case "local", "openai":
	default:
		return Config{}, fmt.Errorf("invalid XYLEM_EMBEDDINGS %q (want local or openai)", cfg.Embeddings)
	}
	switch cfg.Extractor {
	case "rules", "llm":
	default:
		return Config{}, fmt.Errorf("invalid XYLEM_EXTRACTOR %q (want rules or llm)", cfg.Extractor)
	}
	switch cfg.Resolver {
	case "heuristic", "llm":
	default:
		return Config{}, fmt.Errorf("invalid XYLEM_RESOLVER %q (want heuristic or llm)", cfg.Resolver)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
