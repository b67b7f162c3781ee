package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/domain"
)

// PostgresStore implements VectorStore on a pgvector-enabled Postgres
// database, one table per agent collection, with pgvector-go handling
// vector literal encoding.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-connected pool. The pgvector extension
// and per-agent tables are created lazily by EnsureCollection.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func tableName(agentID string) string { return fmt.Sprintf("chunks_%s", sanitizeIdent(agentID)) }

func sanitizeIdent(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			out = append(out, c)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func (p *PostgresStore) EnsureCollection(ctx context.Context, agentID string, dim int) error {
	if _, err := p.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return apperr.New(apperr.Internal, "failed ensuring pgvector extension", err)
	}
	table := tableName(agentID)
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  document_id TEXT NOT NULL,
  chunk_index INT NOT NULL,
  vec vector(%d),
  payload JSONB NOT NULL DEFAULT '{}'::jsonb
)`, table, dim)
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return apperr.New(apperr.Internal, "failed ensuring chunk table", err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_doc_idx ON %s(document_id)`, table, table)
	if _, err := p.pool.Exec(ctx, idx); err != nil {
		return apperr.New(apperr.Internal, "failed ensuring document index", err)
	}
	return nil
}

func (p *PostgresStore) UpsertChunks(ctx context.Context, agentID string, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	table := tableName(agentID)
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return apperr.New(apperr.Internal, "failed starting upsert transaction", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range chunks {
		id := pointID(c.Payload)
		payloadJSON, err := json.Marshal(c.Payload)
		if err != nil {
			return apperr.New(apperr.Internal, "failed encoding chunk payload", err)
		}
		vec := pgvector.NewVector(c.Vector)
		_, err = tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (id, document_id, chunk_index, vec, payload)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET vec=EXCLUDED.vec, payload=EXCLUDED.payload, chunk_index=EXCLUDED.chunk_index
`, table), id, c.Payload.DocumentID, c.Payload.ChunkIndex, vec, payloadJSON)
		if err != nil {
			return apperr.New(apperr.RemoteFailed, "failed upserting chunk", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.New(apperr.RemoteFailed, "failed committing chunk upsert", err)
	}
	return nil
}

func (p *PostgresStore) Search(ctx context.Context, agentID string, queryVector []float32, k int) ([]SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	table := tableName(agentID)
	vec := pgvector.NewVector(queryVector)
	query := fmt.Sprintf(`
SELECT 1 - (vec <=> $1) AS score, payload
FROM %s
ORDER BY vec <=> $1
LIMIT $2`, table)
	rows, err := p.pool.Query(ctx, query, vec, k)
	if err != nil {
		return nil, apperr.New(apperr.RemoteFailed, "failed searching chunk table", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var score float64
		var payloadJSON []byte
		if err := rows.Scan(&score, &payloadJSON); err != nil {
			return nil, apperr.New(apperr.RemoteFailed, "failed scanning search row", err)
		}
		var payload domain.ChunkPayload
		if err := json.Unmarshal(payloadJSON, &payload); err != nil {
			return nil, apperr.New(apperr.Internal, "failed decoding chunk payload", err)
		}
		hits = append(hits, SearchHit{Score: score, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.RemoteFailed, "error iterating search rows", err)
	}
	sortHits(hits)
	return hits, nil
}

func (p *PostgresStore) DeleteByDocument(ctx context.Context, agentID string, documentID string) error {
	table := tableName(agentID)
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE document_id=$1`, table), documentID)
	if err != nil {
		return apperr.New(apperr.RemoteFailed, "failed deleting document chunks", err)
	}
	return nil
}

func (p *PostgresStore) CollectionInfo(ctx context.Context, agentID string) (CollectionInfo, error) {
	table := tableName(agentID)
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists)
	if err != nil {
		return CollectionInfo{}, apperr.New(apperr.RemoteFailed, "failed checking table existence", err)
	}
	if !exists {
		return CollectionInfo{Exists: false}, nil
	}
	var count int
	if err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table)).Scan(&count); err != nil {
		return CollectionInfo{}, apperr.New(apperr.RemoteFailed, "failed counting chunk rows", err)
	}
	return CollectionInfo{Exists: true, PointsCount: count}, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
