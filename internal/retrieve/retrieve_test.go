package retrieve

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/domain"
	"github.com/DiscipleTools/agent-ai-sub001/internal/embedder"
	"github.com/DiscipleTools/agent-ai-sub001/internal/vectorstore"
)

func seedAgent(t *testing.T, vs *vectorstore.MemoryStore, emb embedder.Embedder, agentID string) {
	t.Helper()
	docs := []struct {
		docID, title, typ, text string
	}{
		{"docA", "Refund Policy", "url", "our refund policy allows returns within 30 days of purchase"},
		{"docA", "Refund Policy", "url", "refunds are issued to the original payment method"},
		{"docB", "Shipping Guide", "file", "shipping takes 3 to 5 business days within the continental us"},
	}
	require.NoError(t, vs.EnsureCollection(t.Context(), agentID, emb.Dimensions()))
	chunks := make([]domain.Chunk, len(docs))
	for i, d := range docs {
		vecs, err := emb.EmbedBatch(t.Context(), []string{d.text})
		require.NoError(t, err)
		chunks[i] = domain.Chunk{
			Vector: vecs[0],
			Payload: domain.ChunkPayload{
				AgentID:       agentID,
				DocumentID:    d.docID,
				DocumentType:  d.typ,
				DocumentTitle: d.title,
				Source:        d.docID,
				ChunkIndex:    i,
				Text:          d.text,
			},
		}
	}
	require.NoError(t, vs.UpsertChunks(t.Context(), agentID, chunks))
}

func TestSearch_EmptyCollectionReturnsEmptyResultReflectingExistence(t *testing.T) {
	vs := vectorstore.NewMemoryStore()
	emb := embedder.NewDeterministic(8)
	svc := New(vs, emb)

	result, err := svc.Search(t.Context(), "agent1", "refund policy", 5)
	require.NoError(t, err)
	require.False(t, result.CollectionExists)
	require.Empty(t, result.Hits)
}

func TestSearch_ValidatesQueryAndK(t *testing.T) {
	vs := vectorstore.NewMemoryStore()
	emb := embedder.NewDeterministic(8)
	seedAgent(t, vs, emb, "agent1")
	svc := New(vs, emb)

	_, err := svc.Search(t.Context(), "agent1", "   ", 5)
	require.True(t, apperr.Is(err, apperr.InvalidInput))

	_, err = svc.Search(t.Context(), "agent1", "refund", 0)
	require.True(t, apperr.Is(err, apperr.InvalidInput))

	_, err = svc.Search(t.Context(), "agent1", "refund", 21)
	require.True(t, apperr.Is(err, apperr.InvalidInput))
}

func TestSearch_RanksExactMatchFirstAndComputesRelevancePercentage(t *testing.T) {
	vs := vectorstore.NewMemoryStore()
	emb := embedder.NewDeterministic(8)
	seedAgent(t, vs, emb, "agent1")
	svc := New(vs, emb)

	result, err := svc.Search(t.Context(), "agent1", "our refund policy allows returns within 30 days of purchase", 3)
	require.NoError(t, err)
	require.True(t, result.CollectionExists)
	require.NotEmpty(t, result.Hits)
	require.Equal(t, 1, result.Hits[0].Rank)
	require.Equal(t, "Refund Policy", result.Hits[0].DocumentTitle)
	require.Equal(t, 100, result.Hits[0].RelevancePercentage)
	require.GreaterOrEqual(t, result.Hits[0].ChunkIndex, 1)
}

func TestSearch_GroupsDocumentSummaryByTitleAndType(t *testing.T) {
	vs := vectorstore.NewMemoryStore()
	emb := embedder.NewDeterministic(8)
	seedAgent(t, vs, emb, "agent1")
	svc := New(vs, emb)

	result, err := svc.Search(t.Context(), "agent1", "policy and shipping", 10)
	require.NoError(t, err)

	titles := map[string]int{}
	for _, s := range result.DocumentSummary {
		titles[s.Title] = s.Chunks
	}
	require.Equal(t, 2, titles["Refund Policy"])
	require.Equal(t, 1, titles["Shipping Guide"])
}
