package vectorstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
)

// Config selects and parameterizes a VectorStore backend, mirroring
// internal/persistence/databases/factory.go's backend-switch pattern.
type Config struct {
	Backend     string // "qdrant" or "postgres"
	QdrantDSN   string
	PostgresDSN string
}

// New constructs the VectorStore named by cfg.Backend.
func New(ctx context.Context, cfg Config) (VectorStore, error) {
	switch cfg.Backend {
	case "", "qdrant":
		return NewQdrantStore(cfg.QdrantDSN)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, apperr.New(apperr.Internal, "failed connecting postgres vector store", err)
		}
		return NewPostgresStore(pool), nil
	default:
		return nil, apperr.New(apperr.Internal, fmt.Sprintf("unknown vector store backend %q", cfg.Backend), nil)
	}
}
