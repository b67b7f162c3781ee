package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/domain"
)

const payloadDocumentIDField = "documentId"

// QdrantStore implements VectorStore on top of Qdrant's gRPC API. One
// QdrantStore instance serves every agent, creating each per-agent
// collection on first use.
type QdrantStore struct {
	client *qdrant.Client
}

// NewQdrantStore connects to dsn (host:port, optionally
// "https://host:port?api_key=...").
func NewQdrantStore(dsn string) (*QdrantStore, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "invalid qdrant dsn", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p := parsed.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, apperr.New(apperr.RemoteFailed, "failed to create qdrant client", err)
	}
	return &QdrantStore{client: client}, nil
}

func collectionName(agentID string) string { return "agent_" + agentID }

func (q *QdrantStore) EnsureCollection(ctx context.Context, agentID string, dim int) error {
	name := collectionName(agentID)
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return apperr.New(apperr.RemoteFailed, "failed checking collection existence", err)
	}
	if exists {
		return nil
	}
	if dim <= 0 {
		return apperr.New(apperr.Internal, "vector dimension must be positive", nil)
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return apperr.New(apperr.RemoteFailed, "failed creating collection", err)
	}
	return nil
}

// pointID derives a deterministic UUID from (agentId, documentId, chunkIndex) so
// re-upserting the same logical chunk overwrites rather than duplicates.
func pointID(payload domain.ChunkPayload) string {
	key := fmt.Sprintf("%s:%s:%d", payload.AgentID, payload.DocumentID, payload.ChunkIndex)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func (q *QdrantStore) UpsertChunks(ctx context.Context, agentID string, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		vec := make([]float32, len(c.Vector))
		copy(vec, c.Vector)
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(c.Payload)),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(chunkPayloadMap(c.Payload)),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collectionName(agentID),
		Points:         points,
	})
	if err != nil {
		return apperr.New(apperr.RemoteFailed, "failed upserting chunks", err)
	}
	return nil
}

func chunkPayloadMap(p domain.ChunkPayload) map[string]any {
	return map[string]any{
		payloadDocumentIDField: p.DocumentID,
		"documentType":         p.DocumentType,
		"documentTitle":        p.DocumentTitle,
		"source":               p.Source,
		"chunkIndex":           int64(p.ChunkIndex),
		"text":                 p.Text,
		"language":             p.Language,
		"agentId":              p.AgentID,
	}
}

func (q *QdrantStore) Search(ctx context.Context, agentID string, queryVector []float32, k int) ([]SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(queryVector))
	copy(vec, queryVector)
	limit := uint64(k)
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collectionName(agentID),
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, apperr.New(apperr.RemoteFailed, "failed searching collection", err)
	}
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{
			Score:   float64(r.Score),
			Payload: payloadFromMap(r.Payload),
		})
	}
	sortHits(hits)
	return hits, nil
}

func payloadFromMap(m map[string]*qdrant.Value) domain.ChunkPayload {
	var p domain.ChunkPayload
	if v, ok := m["agentId"]; ok {
		p.AgentID = v.GetStringValue()
	}
	if v, ok := m[payloadDocumentIDField]; ok {
		p.DocumentID = v.GetStringValue()
	}
	if v, ok := m["documentType"]; ok {
		p.DocumentType = v.GetStringValue()
	}
	if v, ok := m["documentTitle"]; ok {
		p.DocumentTitle = v.GetStringValue()
	}
	if v, ok := m["source"]; ok {
		p.Source = v.GetStringValue()
	}
	if v, ok := m["chunkIndex"]; ok {
		p.ChunkIndex = int(v.GetIntegerValue())
	}
	if v, ok := m["text"]; ok {
		p.Text = v.GetStringValue()
	}
	if v, ok := m["language"]; ok {
		p.Language = v.GetStringValue()
	}
	return p
}

func (q *QdrantStore) DeleteByDocument(ctx context.Context, agentID string, documentID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collectionName(agentID),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{qdrant.NewMatch(payloadDocumentIDField, documentID)},
				},
			},
		},
	})
	if err != nil {
		return apperr.New(apperr.RemoteFailed, "failed deleting document chunks", err)
	}
	return nil
}

func (q *QdrantStore) CollectionInfo(ctx context.Context, agentID string) (CollectionInfo, error) {
	name := collectionName(agentID)
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return CollectionInfo{}, apperr.New(apperr.RemoteFailed, "failed checking collection existence", err)
	}
	if !exists {
		return CollectionInfo{Exists: false}, nil
	}
	info, err := q.client.GetCollectionInfo(ctx, name)
	if err != nil {
		return CollectionInfo{}, apperr.New(apperr.RemoteFailed, "failed fetching collection info", err)
	}
	return CollectionInfo{Exists: true, PointsCount: int(info.GetPointsCount())}, nil
}

func (q *QdrantStore) Close() error { return q.client.Close() }

// sortHits orders by descending score, ties broken by documentID then
// chunkIndex.
func sortHits(hits []SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Payload.DocumentID != hits[j].Payload.DocumentID {
			return hits[i].Payload.DocumentID < hits[j].Payload.DocumentID
		}
		return hits[i].Payload.ChunkIndex < hits[j].Payload.ChunkIndex
	})
}
