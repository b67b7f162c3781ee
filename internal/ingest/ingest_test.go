package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/chunker"
	"github.com/DiscipleTools/agent-ai-sub001/internal/domain"
	"github.com/DiscipleTools/agent-ai-sub001/internal/embedder"
	"github.com/DiscipleTools/agent-ai-sub001/internal/fetcher"
	"github.com/DiscipleTools/agent-ai-sub001/internal/ratelimit"
	"github.com/DiscipleTools/agent-ai-sub001/internal/urlsafety"
	"github.com/DiscipleTools/agent-ai-sub001/internal/vectorstore"
)

// fakeDocs is an in-memory DocStore double, standing in for a live Postgres
// docstore.Store the way vectorstore.MemoryStore stands in for Qdrant.
type fakeDocs struct {
	byID  map[string]domain.ContextDocument
	nextN int
}

func newFakeDocs() *fakeDocs { return &fakeDocs{byID: make(map[string]domain.ContextDocument)} }

func (f *fakeDocs) FindDuplicate(_ context.Context, agentID string, docType domain.DocumentType, key string) (domain.ContextDocument, bool, error) {
	for _, d := range f.byID {
		if d.AgentID != agentID || d.Type != docType {
			continue
		}
		if (docType == domain.DocumentTypeFile && d.Filename == key) || (docType != domain.DocumentTypeFile && d.URL == key) {
			return d, true, nil
		}
	}
	return domain.ContextDocument{}, false, nil
}

func (f *fakeDocs) CreateDocument(_ context.Context, doc domain.ContextDocument) (domain.ContextDocument, error) {
	f.nextN++
	doc.ID = "doc" + itoa(f.nextN)
	f.byID[doc.ID] = doc
	return doc, nil
}

func (f *fakeDocs) GetDocument(_ context.Context, agentID, docID string) (domain.ContextDocument, error) {
	d, ok := f.byID[docID]
	if !ok || d.AgentID != agentID {
		return domain.ContextDocument{}, apperr.New(apperr.NotFound, "document not found", nil)
	}
	return d, nil
}

func (f *fakeDocs) UpdateDocument(_ context.Context, doc domain.ContextDocument) error {
	f.byID[doc.ID] = doc
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// failingEmbedder always errors, used to exercise the RAGDegraded downgrade
// path.
type failingEmbedder struct{}

func (failingEmbedder) Dimensions() int { return 8 }
func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, apperr.New(apperr.RemoteFailed, "embedding provider unavailable", nil)
}

func newOrchestrator(docs DocStore, vs vectorstore.VectorStore, emb embedder.Embedder) *Orchestrator {
	return &Orchestrator{
		Docs:      docs,
		Vectors:   vs,
		Embedder:  emb,
		ChunkOpts: chunker.Options{ChunkSize: 50, Overlap: 10, MinChunk: 5},
		Refreshes: ratelimit.NewKeyedMutex(),
	}
}

func TestIngest_FileSource_DedupesOnSecondAttempt(t *testing.T) {
	docs := newFakeDocs()
	vs := vectorstore.NewMemoryStore()
	o := newOrchestrator(docs, vs, embedder.NewDeterministic(8))

	src := Source{Kind: SourceFile, FileReader: strings.NewReader("hello world, this is some content to chunk and embed."), Filename: "notes.txt", MIME: "text/plain"}
	doc, err := o.Ingest(t.Context(), "agent1", src, nil)
	require.NoError(t, err)
	require.True(t, doc.RAGStatus.Processed)
	require.Greater(t, doc.RAGStatus.ChunksCreated, 0)

	src2 := Source{Kind: SourceFile, FileReader: strings.NewReader("different content entirely"), Filename: "notes.txt", MIME: "text/plain"}
	_, err = o.Ingest(t.Context(), "agent1", src2, nil)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.Conflict))
}

func TestIngest_EmbedFailure_DowngradesToRAGDegradedWithoutFailingIngest(t *testing.T) {
	docs := newFakeDocs()
	vs := vectorstore.NewMemoryStore()
	o := newOrchestrator(docs, vs, failingEmbedder{})

	src := Source{Kind: SourceFile, FileReader: strings.NewReader("content that will fail to embed"), Filename: "a.txt", MIME: "text/plain"}
	doc, err := o.Ingest(t.Context(), "agent1", src, nil)
	require.NoError(t, err)
	require.False(t, doc.RAGStatus.Processed)
	require.NotEmpty(t, doc.RAGStatus.Error)

	stored, err := docs.GetDocument(t.Context(), "agent1", doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.ID, stored.ID)
}

func TestRefresh_DeletesOldChunksBeforeUpsertingNew(t *testing.T) {
	page := "<html><head><title>Doc</title></head><body><p>revision one of the document content</p></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(page))
	}))
	defer srv.Close()

	docs := newFakeDocs()
	vs := vectorstore.NewMemoryStore()
	emb := embedder.NewDeterministic(8)
	v := urlsafety.New(urlsafety.Options{AllowPrivateNetworks: true})
	f := fetcher.New(v, 5*time.Second, 1<<20, "test-ingest", 3)

	o := newOrchestrator(docs, vs, emb)
	o.Fetcher = f

	src := Source{Kind: SourceURL, URL: srv.URL}
	doc, err := o.Ingest(t.Context(), "agent1", src, nil)
	require.NoError(t, err)

	infoBefore, err := vs.CollectionInfo(t.Context(), "agent1")
	require.NoError(t, err)
	require.Greater(t, infoBefore.PointsCount, 0)

	page = "<html><head><title>Doc</title></head><body><p>revision two, completely different and longer content for this page</p></body></html>"

	refreshed, err := o.Refresh(t.Context(), "agent1", doc.ID, nil)
	require.NoError(t, err)
	require.True(t, refreshed.RAGStatus.Processed)
	require.Contains(t, refreshed.Content, "revision two")

	info, err := vs.CollectionInfo(t.Context(), "agent1")
	require.NoError(t, err)
	require.Equal(t, refreshed.RAGStatus.ChunksCreated, info.PointsCount)
}

func TestRefresh_RejectsConcurrentRefreshOfSameDocument(t *testing.T) {
	docs := newFakeDocs()
	vs := vectorstore.NewMemoryStore()
	o := newOrchestrator(docs, vs, embedder.NewDeterministic(8))

	require.True(t, o.Refreshes.TryLock("agent1:doc1"))
	defer o.Refreshes.Unlock("agent1:doc1")

	_, err := o.Refresh(t.Context(), "agent1", "doc1", nil)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.Conflict))
}
