package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/polydoc/polydoc-api/internal/backend/blob"
	"github.com/polydoc/polydoc-api/internal/backend/graph"
	"github.com/polydoc/polydoc-api/internal/backend/relational"
	"github.com/polydoc/polydoc-api/internal/backend/vector"
	"github.com/polydoc/polydoc-api/internal/config"
	"github.com/polydoc/polydoc-api/internal/coordinator"
	"github.com/polydoc/polydoc-api/internal/domain"
	"github.com/polydoc/polydoc-api/internal/embedding"
	"github.com/polydoc/polydoc-api/internal/logging"
	"github.com/polydoc/polydoc-api/internal/resilience"
	"github.com/polydoc/polydoc-api/internal/security"
	"github.com/polydoc/polydoc-api/internal/storage/bunstore"
	"github.com/polydoc/polydoc-api/internal/storage/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "polydoc-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	handler := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.SQLiteDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := bunstore.NewBunStore(db, sqlitedialect.New())
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	breakers := resilience.Settings{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		Cooldown:         cfg.Resilience.Cooldown,
	}
	rel := relational.New(store.DB(), breakers, logger)
	blobs := blob.New(cfg.BlobBaseURL, cfg.BlobTimeout, breakers, logger)

	vec, err := vector.New(cfg.QdrantHost, cfg.QdrantPort, cfg.QdrantCollection, uint64(cfg.VectorSize), breakers, logger)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	defer vec.Close()

	gr, err := graph.New(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, breakers, logger)
	if err != nil {
		return fmt.Errorf("graph store: %w", err)
	}
	defer func() {
		if err := gr.Close(context.Background()); err != nil {
			logger.Warn("failed to close graph driver", "error", err)
		}
	}()

	var embedder embedding.Embedder
	if cfg.EmbeddingDisabled {
		embedder = embedding.Disabled{}
	} else {
		gemini, err := embedding.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel)
		if err != nil {
			return fmt.Errorf("embedder: %w", err)
		}
		defer gemini.Close()
		embedder = embedding.NewBatcher(gemini, cfg.EmbeddingBatch, logger)
	}

	auth := security.NewStaticProvider()
	if token := os.Getenv("POLYDOC_ROOT_TOKEN"); token != "" {
		auth.Register(token, domain.NewUser("root", domain.RoleSystem))
	}

	api := coordinator.New(cfg, coordinator.Deps{
		Relational:   rel,
		Blobs:        blobs,
		Vector:       vec,
		Graph:        gr,
		SagaStore:    store,
		ArchiveIndex: store,
		UploadStore:  store,
		AuthProvider: auth,
		Embedder:     embedder,
	}, logger)

	logger.Info("polydoc-api starting",
		"sqlite_dsn", cfg.SQLiteDSN,
		"qdrant", fmt.Sprintf("%s:%d", cfg.QdrantHost, cfg.QdrantPort),
		"neo4j", cfg.Neo4jURI,
		"blob", cfg.BlobBaseURL,
	)
	return api.Run(ctx)
}
