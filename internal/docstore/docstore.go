// Package docstore persists Agent, Inbox, and ContextDocument records in
// Postgres as JSONB documents, creating its tables (with retry) when the
// Store is constructed. Chunk vectors live only in the vectorstore package.
package docstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/domain"
	"github.com/DiscipleTools/agent-ai-sub001/internal/logging"
)

// Store persists the core's document-oriented entities.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool and ensures the backing tables exist.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inboxes (
			id TEXT PRIMARY KEY,
			webhook_url TEXT UNIQUE NOT NULL,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS context_documents (
			agent_id TEXT NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			filename TEXT,
			url TEXT,
			data JSONB NOT NULL,
			PRIMARY KEY (agent_id, id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS context_documents_file_uniq
			ON context_documents(agent_id, filename) WHERE type = 'file'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS context_documents_url_uniq
			ON context_documents(agent_id, url) WHERE type IN ('url', 'website')`,
	}
	for _, stmt := range statements {
		if err := s.execWithRetry(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) execWithRetry(ctx context.Context, sql string, args ...any) error {
	var err error
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		_, err = s.pool.Exec(ctx, sql, args...)
		if err == nil {
			return nil
		}
		logging.Log.WithField("component", "docstore").WithError(err).Warnf("db exec failed (attempt %d/%d)", i+1, maxRetries)
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	return apperr.New(apperr.Internal, "db exec failed after retries", err)
}

// --- Agents ---

func (s *Store) CreateAgent(ctx context.Context, a domain.Agent) (domain.Agent, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return domain.Agent{}, apperr.New(apperr.Internal, "failed encoding agent", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO agents (id, data) VALUES ($1, $2)`, a.ID, data)
	if err != nil {
		return domain.Agent{}, apperr.New(apperr.Internal, "failed creating agent", err)
	}
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM agents WHERE id=$1`, id).Scan(&data)
	if err == pgx.ErrNoRows {
		return domain.Agent{}, apperr.New(apperr.NotFound, "agent not found", nil)
	}
	if err != nil {
		return domain.Agent{}, apperr.New(apperr.Internal, "failed fetching agent", err)
	}
	var a domain.Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return domain.Agent{}, apperr.New(apperr.Internal, "failed decoding agent", err)
	}
	return a, nil
}

// DeleteAgent cascades to the agent's context documents; the caller is
// responsible for also deleting the vector collection.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.New(apperr.Internal, "failed starting delete transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM context_documents WHERE agent_id=$1`, id); err != nil {
		return apperr.New(apperr.Internal, "failed deleting agent's context documents", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM agents WHERE id=$1`, id)
	if err != nil {
		return apperr.New(apperr.Internal, "failed deleting agent", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "agent not found", nil)
	}
	return tx.Commit(ctx)
}

// --- ContextDocuments ---

// CreateDocument persists a new ContextDocument, failing with Conflict if
// the (agentId, filename) or (agentId, url) uniqueness invariant
// is violated.
func (s *Store) CreateDocument(ctx context.Context, doc domain.ContextDocument) (domain.ContextDocument, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return domain.ContextDocument{}, apperr.New(apperr.Internal, "failed encoding document", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO context_documents (agent_id, id, type, filename, url, data)
		VALUES ($1, $2, $3, NULLIF($4,''), NULLIF($5,''), $6)
	`, doc.AgentID, doc.ID, string(doc.Type), doc.Filename, doc.URL, data)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ContextDocument{}, apperr.New(apperr.Conflict, "a document with this source already exists", err)
		}
		return domain.ContextDocument{}, apperr.New(apperr.Internal, "failed creating document", err)
	}
	return doc, nil
}

// FindDuplicate implements the ingest dedup check: an existing
// document with the same (agentId, filename) for files, or (agentId, url)
// for url/website.
func (s *Store) FindDuplicate(ctx context.Context, agentID string, docType domain.DocumentType, filenameOrURL string) (domain.ContextDocument, bool, error) {
	var query string
	if docType == domain.DocumentTypeFile {
		query = `SELECT data FROM context_documents WHERE agent_id=$1 AND type='file' AND filename=$2`
	} else {
		query = `SELECT data FROM context_documents WHERE agent_id=$1 AND type IN ('url','website') AND url=$2`
	}
	var data []byte
	err := s.pool.QueryRow(ctx, query, agentID, filenameOrURL).Scan(&data)
	if err == pgx.ErrNoRows {
		return domain.ContextDocument{}, false, nil
	}
	if err != nil {
		return domain.ContextDocument{}, false, apperr.New(apperr.Internal, "failed checking for duplicate document", err)
	}
	var doc domain.ContextDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.ContextDocument{}, false, apperr.New(apperr.Internal, "failed decoding document", err)
	}
	return doc, true, nil
}

func (s *Store) GetDocument(ctx context.Context, agentID, docID string) (domain.ContextDocument, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM context_documents WHERE agent_id=$1 AND id=$2`, agentID, docID).Scan(&data)
	if err == pgx.ErrNoRows {
		return domain.ContextDocument{}, apperr.New(apperr.NotFound, "document not found", nil)
	}
	if err != nil {
		return domain.ContextDocument{}, apperr.New(apperr.Internal, "failed fetching document", err)
	}
	var doc domain.ContextDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.ContextDocument{}, apperr.New(apperr.Internal, "failed decoding document", err)
	}
	return doc, nil
}

func (s *Store) UpdateDocument(ctx context.Context, doc domain.ContextDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return apperr.New(apperr.Internal, "failed encoding document", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE context_documents SET data=$3, filename=NULLIF($4,''), url=NULLIF($5,'')
		WHERE agent_id=$1 AND id=$2
	`, doc.AgentID, doc.ID, data, doc.Filename, doc.URL)
	if err != nil {
		return apperr.New(apperr.Internal, "failed updating document", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "document not found", nil)
	}
	return nil
}

func (s *Store) DeleteDocument(ctx context.Context, agentID, docID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM context_documents WHERE agent_id=$1 AND id=$2`, agentID, docID)
	if err != nil {
		return apperr.New(apperr.Internal, "failed deleting document", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "document not found", nil)
	}
	return nil
}

func (s *Store) ListDocuments(ctx context.Context, agentID string) ([]domain.ContextDocument, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM context_documents WHERE agent_id=$1`, agentID)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "failed listing documents", err)
	}
	defer rows.Close()
	var docs []domain.ContextDocument
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, apperr.New(apperr.Internal, "failed scanning document row", err)
		}
		var doc domain.ContextDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, apperr.New(apperr.Internal, "failed decoding document", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// --- Inboxes ---

func (s *Store) GetInboxByWebhookURL(ctx context.Context, webhookURL string) (domain.Inbox, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM inboxes WHERE webhook_url=$1`, webhookURL).Scan(&data)
	if err == pgx.ErrNoRows {
		return domain.Inbox{}, apperr.New(apperr.NotFound, "inbox not found", nil)
	}
	if err != nil {
		return domain.Inbox{}, apperr.New(apperr.Internal, "failed fetching inbox", err)
	}
	var in domain.Inbox
	if err := json.Unmarshal(data, &in); err != nil {
		return domain.Inbox{}, apperr.New(apperr.Internal, "failed decoding inbox", err)
	}
	return in, nil
}

func (s *Store) GetInbox(ctx context.Context, id string) (domain.Inbox, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM inboxes WHERE id=$1`, id).Scan(&data)
	if err == pgx.ErrNoRows {
		return domain.Inbox{}, apperr.New(apperr.NotFound, "inbox not found", nil)
	}
	if err != nil {
		return domain.Inbox{}, apperr.New(apperr.Internal, "failed fetching inbox", err)
	}
	var in domain.Inbox
	if err := json.Unmarshal(data, &in); err != nil {
		return domain.Inbox{}, apperr.New(apperr.Internal, "failed decoding inbox", err)
	}
	return in, nil
}

func (s *Store) CreateInbox(ctx context.Context, in domain.Inbox) (domain.Inbox, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if err := validateInbox(in); err != nil {
		return domain.Inbox{}, err
	}
	if err := s.validateInboxAgentTypes(ctx, in); err != nil {
		return domain.Inbox{}, err
	}
	data, err := json.Marshal(in)
	if err != nil {
		return domain.Inbox{}, apperr.New(apperr.Internal, "failed encoding inbox", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO inboxes (id, webhook_url, data) VALUES ($1, $2, $3)`, in.ID, in.WebhookURL, data)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Inbox{}, apperr.New(apperr.Conflict, "an inbox with this webhook url already exists", err)
		}
		return domain.Inbox{}, apperr.New(apperr.Internal, "failed creating inbox", err)
	}
	return in, nil
}

// validateInbox holds the structural checks that need no store access: the
// designated response agent's id must not also be listed in agents[].
func validateInbox(in domain.Inbox) error {
	if in.ResponseAgent != nil {
		for _, ref := range in.Agents {
			if ref.AgentID == in.ResponseAgent.AgentID {
				return apperr.New(apperr.InvalidInput, "response agent must not also appear in agents[]", nil)
			}
		}
	}
	return nil
}

// validateInboxAgentTypes resolves every referenced agent and rejects the
// inbox if agents[] contains a response-type agent under any id, or if a
// reference is dangling. This is the write-time enforcement of the
// no-response-agent-in-agents invariant.
func (s *Store) validateInboxAgentTypes(ctx context.Context, in domain.Inbox) error {
	for _, ref := range in.Agents {
		agent, err := s.GetAgent(ctx, ref.AgentID)
		if err != nil {
			if apperr.Is(err, apperr.NotFound) {
				return apperr.New(apperr.InvalidInput, "inbox.agents[] references an unknown agent", err)
			}
			return err
		}
		if err := domain.ValidatePriority(agent.AgentType, ref.Priority); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return containsAny(err.Error(), []string{"duplicate key value", "unique constraint"})
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
