// Package retrieve implements the RAG search used both by the synchronous
// /rag/search endpoint and by the pipeline executor's response-agent stage:
// collection-existence short-circuit, query validation, single-item query
// embed, ranked-hit shaping, then a group-by-document summary pass.
package retrieve

import (
	"context"
	"math"
	"strings"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/embedder"
	"github.com/DiscipleTools/agent-ai-sub001/internal/vectorstore"
)

const (
	MinK = 1
	MaxK = 20
)

// Hit is one ranked, presentation-shaped search result.
type Hit struct {
	Rank                int     `json:"rank"`
	Score               float64 `json:"score"`
	RelevancePercentage int     `json:"relevancePercentage"`
	Text                string  `json:"text"`
	DocumentTitle       string  `json:"documentTitle"`
	DocumentType        string  `json:"documentType"`
	ChunkIndex          int     `json:"chunkIndex"` // 1-based for presentation
	Source              string  `json:"source"`
}

// DocumentSummary aggregates a search's hits by document.
type DocumentSummary struct {
	Title     string  `json:"title"`
	Type      string  `json:"type"`
	Source    string  `json:"source"`
	Chunks    int     `json:"chunks"`
	BestScore float64 `json:"bestScore"`
}

// Result is the full shape of a search response.
type Result struct {
	CollectionExists bool              `json:"collectionExists"`
	Hits             []Hit             `json:"hits"`
	DocumentSummary  []DocumentSummary `json:"documentSummary"`
}

// Service performs RAG search against one agent's vector collection.
type Service struct {
	Vectors  vectorstore.VectorStore
	Embedder embedder.Embedder
}

// New builds a Service from its collaborators.
func New(vectors vectorstore.VectorStore, emb embedder.Embedder) *Service {
	return &Service{Vectors: vectors, Embedder: emb}
}

// Search embeds the query and returns ranked hits plus per-document
// summaries.
func (s *Service) Search(ctx context.Context, agentID, queryText string, k int) (Result, error) {
	info, err := s.Vectors.CollectionInfo(ctx, agentID)
	if err != nil {
		return Result{}, err
	}
	if !info.Exists || info.PointsCount == 0 {
		return Result{CollectionExists: info.Exists}, nil
	}

	trimmed := strings.TrimSpace(queryText)
	if trimmed == "" {
		return Result{}, apperr.New(apperr.InvalidInput, "queryText must not be empty", nil)
	}
	if k < MinK || k > MaxK {
		return Result{}, apperr.New(apperr.InvalidInput, "k must be in [1,20]", nil)
	}

	vectors, err := s.Embedder.EmbedBatch(ctx, []string{trimmed})
	if err != nil {
		return Result{}, err
	}

	rawHits, err := s.Vectors.Search(ctx, agentID, vectors[0], k)
	if err != nil {
		return Result{}, err
	}

	hits := make([]Hit, len(rawHits))
	for i, h := range rawHits {
		hits[i] = Hit{
			Rank:                i + 1,
			Score:               h.Score,
			RelevancePercentage: int(math.Round(h.Score * 100)),
			Text:                h.Payload.Text,
			DocumentTitle:       h.Payload.DocumentTitle,
			DocumentType:        h.Payload.DocumentType,
			ChunkIndex:          h.Payload.ChunkIndex + 1,
			Source:              h.Payload.Source,
		}
	}

	return Result{
		CollectionExists: true,
		Hits:             hits,
		DocumentSummary:  summarize(hits),
	}, nil
}

// summarize groups hits by (documentTitle, documentType), preserving first-
// seen order so the summary lists documents in the order their best chunk
// was ranked.
func summarize(hits []Hit) []DocumentSummary {
	type key struct{ title, typ string }
	index := map[key]int{}
	var summaries []DocumentSummary

	for _, h := range hits {
		k := key{h.DocumentTitle, h.DocumentType}
		if i, ok := index[k]; ok {
			summaries[i].Chunks++
			if h.Score > summaries[i].BestScore {
				summaries[i].BestScore = h.Score
			}
			continue
		}
		index[k] = len(summaries)
		summaries = append(summaries, DocumentSummary{
			Title:     h.DocumentTitle,
			Type:      h.DocumentType,
			Source:    h.Source,
			Chunks:    1,
			BestScore: h.Score,
		})
	}
	return summaries
}
