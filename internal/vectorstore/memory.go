package vectorstore

import (
	"context"
	"math"
	"sync"

	"github.com/DiscipleTools/agent-ai-sub001/internal/domain"
)

// MemoryStore is an in-process VectorStore used by package tests across
// internal/ingest, internal/retrieve, and internal/pipeline.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]domain.Chunk // agentID -> pointID -> chunk
	dims        map[string]int
}

// NewMemoryStore returns an empty, ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]domain.Chunk),
		dims:        make(map[string]int),
	}
}

func (m *MemoryStore) EnsureCollection(_ context.Context, agentID string, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[agentID]; !ok {
		m.collections[agentID] = make(map[string]domain.Chunk)
	}
	m.dims[agentID] = dim
	return nil
}

func (m *MemoryStore) UpsertChunks(_ context.Context, agentID string, chunks []domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[agentID]
	if !ok {
		coll = make(map[string]domain.Chunk)
		m.collections[agentID] = coll
	}
	for _, c := range chunks {
		coll[pointID(c.Payload)] = c
	}
	return nil
}

func (m *MemoryStore) Search(_ context.Context, agentID string, queryVector []float32, k int) ([]SearchHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collections[agentID]
	hits := make([]SearchHit, 0, len(coll))
	for _, c := range coll {
		hits = append(hits, SearchHit{Score: cosineSimilarity(queryVector, c.Vector), Payload: c.Payload})
	}
	sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryStore) DeleteByDocument(_ context.Context, agentID string, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collections[agentID]
	for id, c := range coll {
		if c.Payload.DocumentID == documentID {
			delete(coll, id)
		}
	}
	return nil
}

func (m *MemoryStore) CollectionInfo(_ context.Context, agentID string) (CollectionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[agentID]
	if !ok {
		return CollectionInfo{Exists: false}, nil
	}
	return CollectionInfo{Exists: true, PointsCount: len(coll)}, nil
}

func (m *MemoryStore) Close() error { return nil }

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
