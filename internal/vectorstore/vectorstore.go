// Package vectorstore defines the per-agent vector collection interface
// and its two interchangeable implementations, Qdrant and
// Postgres+pgvector, selected by config.
package vectorstore

import (
	"context"

	"github.com/DiscipleTools/agent-ai-sub001/internal/domain"
)

// SearchHit is one ranked result from Search.
type SearchHit struct {
	Score   float64
	Payload domain.ChunkPayload
}

// CollectionInfo reports whether an agent's collection exists and how many
// points it holds.
type CollectionInfo struct {
	Exists      bool
	PointsCount int
}

// VectorStore is the per-agent collection abstraction. Every method is
// scoped to agentID; collections are named deterministically from it by the
// implementation (Qdrant: "agent_{agentId}"; Postgres: table "chunks_{agentId}").
type VectorStore interface {
	// EnsureCollection is idempotent and fixes the collection's dimension.
	EnsureCollection(ctx context.Context, agentID string, dim int) error
	// UpsertChunks is atomic per call.
	UpsertChunks(ctx context.Context, agentID string, chunks []domain.Chunk) error
	// Search returns hits ordered by descending cosine similarity, ties
	// broken by documentID then chunkIndex.
	Search(ctx context.Context, agentID string, queryVector []float32, k int) ([]SearchHit, error)
	// DeleteByDocument removes all chunks belonging to documentID.
	DeleteByDocument(ctx context.Context, agentID string, documentID string) error
	CollectionInfo(ctx context.Context, agentID string) (CollectionInfo, error)
	Close() error
}
