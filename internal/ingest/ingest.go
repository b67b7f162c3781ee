// Package ingest is the ingestion orchestrator: a single entry point that
// glues fetch/crawl -> extract -> chunk -> embed -> upsert, persists
// ContextDocument metadata, and reports per-document RAG status. The
// document record is written before indexing so an embed or upsert failure
// degrades the document instead of losing it.
package ingest

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/chunker"
	"github.com/DiscipleTools/agent-ai-sub001/internal/crawler"
	"github.com/DiscipleTools/agent-ai-sub001/internal/docstore"
	"github.com/DiscipleTools/agent-ai-sub001/internal/domain"
	"github.com/DiscipleTools/agent-ai-sub001/internal/embedder"
	"github.com/DiscipleTools/agent-ai-sub001/internal/extractor"
	"github.com/DiscipleTools/agent-ai-sub001/internal/fetcher"
	"github.com/DiscipleTools/agent-ai-sub001/internal/logging"
	"github.com/DiscipleTools/agent-ai-sub001/internal/progress"
	"github.com/DiscipleTools/agent-ai-sub001/internal/ratelimit"
	"github.com/DiscipleTools/agent-ai-sub001/internal/vectorstore"
	"github.com/sirupsen/logrus"
)

// SourceKind selects how the orchestrator acquires content.
type SourceKind string

const (
	SourceFile    SourceKind = "file"
	SourceURL     SourceKind = "url"
	SourceWebsite SourceKind = "website"
)

// Source describes what to ingest.
type Source struct {
	Kind SourceKind

	// file
	FileReader io.Reader
	Filename   string
	MIME       string

	// url / website
	URL          string
	CrawlOptions domain.CrawlOptions
}

// DocStore is the subset of *docstore.Store the orchestrator needs,
// narrowed so tests can substitute an in-memory fake instead of a live
// Postgres-backed Store.
type DocStore interface {
	FindDuplicate(ctx context.Context, agentID string, docType domain.DocumentType, filenameOrURL string) (domain.ContextDocument, bool, error)
	CreateDocument(ctx context.Context, doc domain.ContextDocument) (domain.ContextDocument, error)
	GetDocument(ctx context.Context, agentID, docID string) (domain.ContextDocument, error)
	UpdateDocument(ctx context.Context, doc domain.ContextDocument) error
}

// Orchestrator implements Ingest and Refresh.
type Orchestrator struct {
	Docs      DocStore
	Vectors   vectorstore.VectorStore
	Embedder  embedder.Embedder
	Fetcher   *fetcher.Fetcher
	Crawler   *crawler.Crawler
	ChunkOpts chunker.Options
	Refreshes *ratelimit.KeyedMutex
}

// New constructs an Orchestrator from its collaborators.
func New(docs *docstore.Store, vectors vectorstore.VectorStore, emb embedder.Embedder, f *fetcher.Fetcher, cr *crawler.Crawler, chunkOpts chunker.Options) *Orchestrator {
	return &Orchestrator{
		Docs:      docs,
		Vectors:   vectors,
		Embedder:  emb,
		Fetcher:   f,
		Crawler:   cr,
		ChunkOpts: chunkOpts,
		Refreshes: ratelimit.NewKeyedMutex(),
	}
}

// Ingest runs the full pipeline for a new document.
// job may be nil when the caller doesn't want progress events (file/url
// ingest); website ingest should always pass a job.
func (o *Orchestrator) Ingest(ctx context.Context, agentID string, src Source, job *progress.Job) (domain.ContextDocument, error) {
	log := logging.WithComponent("ingest").WithField("agentId", agentID)

	publish(job, progress.Event{Type: "progress", Phase: progress.PhaseStarting, Message: "starting ingest", Percentage: 0})

	// Step 1: dedupe.
	dedupeKey := src.URL
	docType := domain.DocumentTypeURL
	switch src.Kind {
	case SourceFile:
		docType = domain.DocumentTypeFile
		dedupeKey = src.Filename
	case SourceWebsite:
		docType = domain.DocumentTypeWebsite
	}
	if _, exists, err := o.Docs.FindDuplicate(ctx, agentID, docType, dedupeKey); err != nil {
		return domain.ContextDocument{}, err
	} else if exists {
		return domain.ContextDocument{}, apperr.New(apperr.Conflict, "a document with this source already exists", nil)
	}

	// Step 2/3: acquire content, enforcing the aggregate size cap.
	acquired, err := o.acquire(ctx, src, job)
	if err != nil {
		return domain.ContextDocument{}, err
	}

	doc := domain.ContextDocument{
		AgentID:       agentID,
		Type:          docType,
		Filename:      src.Filename,
		URL:           src.URL,
		Content:       acquired.content,
		ContentLength: len(acquired.content),
		Website:       acquired.website,
	}

	// Step 4: persist the document first so partial failure downstream is
	// recoverable.
	doc, err = o.Docs.CreateDocument(ctx, doc)
	if err != nil {
		return domain.ContextDocument{}, err
	}

	publish(job, progress.Event{Type: "progress", Phase: progress.PhaseProcessing, Message: "document persisted", Percentage: 95})

	// Step 5/6: chunk, embed, upsert; downgrade failures to RAGDegraded.
	o.indexDocument(ctx, &doc, acquired.title, job)

	if err := o.Docs.UpdateDocument(ctx, doc); err != nil {
		log.WithError(err).Error("failed persisting rag status after indexing")
		return doc, err
	}

	if job != nil {
		completeEvent := progress.Event{
			Type:       "complete",
			Phase:      progress.PhaseComplete,
			Message:    "ingest complete",
			Percentage: 100,
			Data:       map[string]any{"document": doc},
		}
		job.Complete(completeEvent)
	}

	return doc, nil
}

// Refresh re-runs acquisition and re-indexing for an existing document,
// deleting its old chunks before upserting the new ones so a successful
// refresh produces no orphan chunks from a prior revision.
// At most one refresh runs per (agentId, documentId) at a time.
func (o *Orchestrator) Refresh(ctx context.Context, agentID, docID string, job *progress.Job) (domain.ContextDocument, error) {
	key := agentID + ":" + docID
	if !o.Refreshes.TryLock(key) {
		return domain.ContextDocument{}, apperr.New(apperr.Conflict, "a refresh is already in progress for this document", nil)
	}
	defer o.Refreshes.Unlock(key)

	doc, err := o.Docs.GetDocument(ctx, agentID, docID)
	if err != nil {
		return domain.ContextDocument{}, err
	}

	src := sourceFromDocument(doc)
	acquired, err := o.acquire(ctx, src, job)
	if err != nil {
		return domain.ContextDocument{}, err
	}

	doc.Content = acquired.content
	doc.ContentLength = len(acquired.content)
	if acquired.website != nil {
		doc.Website = acquired.website
	}

	if err := o.Vectors.DeleteByDocument(ctx, agentID, docID); err != nil {
		return domain.ContextDocument{}, err
	}

	o.indexDocument(ctx, &doc, acquired.title, job)

	if err := o.Docs.UpdateDocument(ctx, doc); err != nil {
		return doc, err
	}

	if job != nil {
		job.Complete(progress.Event{
			Type:       "complete",
			Phase:      progress.PhaseComplete,
			Message:    "refresh complete",
			Percentage: 100,
			Data:       map[string]any{"document": doc},
		})
	}
	return doc, nil
}

// UpdateContent applies a manual content/filename edit: persist the new fields, then
// re-chunk/embed/upsert exactly as Refresh does for a re-fetched document,
// so a hand-edited document's chunks never mix old and new text.
func (o *Orchestrator) UpdateContent(ctx context.Context, agentID, docID string, content, filename *string, job *progress.Job) (domain.ContextDocument, error) {
	key := agentID + ":" + docID
	if !o.Refreshes.TryLock(key) {
		return domain.ContextDocument{}, apperr.New(apperr.Conflict, "a refresh is already in progress for this document", nil)
	}
	defer o.Refreshes.Unlock(key)

	doc, err := o.Docs.GetDocument(ctx, agentID, docID)
	if err != nil {
		return domain.ContextDocument{}, err
	}

	if content != nil {
		doc.Content = truncate(*content, doc.MaxContentBytes())
		doc.ContentLength = len(doc.Content)
	}
	if filename != nil {
		doc.Filename = *filename
	}

	if err := o.Vectors.DeleteByDocument(ctx, agentID, docID); err != nil {
		return domain.ContextDocument{}, err
	}

	o.indexDocument(ctx, &doc, doc.Filename, job)

	if err := o.Docs.UpdateDocument(ctx, doc); err != nil {
		return doc, err
	}
	return doc, nil
}

func sourceFromDocument(doc domain.ContextDocument) Source {
	switch doc.Type {
	case domain.DocumentTypeWebsite:
		opts := domain.DefaultCrawlOptions()
		if doc.Website != nil {
			opts = doc.Website.CrawlOptions
		}
		return Source{Kind: SourceWebsite, URL: doc.URL, CrawlOptions: opts}
	default:
		return Source{Kind: SourceURL, URL: doc.URL}
	}
}

type acquiredContent struct {
	content string
	title   string
	website *domain.WebsiteMetadata
}

func (o *Orchestrator) acquire(ctx context.Context, src Source, job *progress.Job) (acquiredContent, error) {
	switch src.Kind {
	case SourceFile:
		return o.acquireFile(src)
	case SourceURL:
		return o.acquireURL(ctx, src)
	case SourceWebsite:
		return o.acquireWebsite(ctx, src, job)
	default:
		return acquiredContent{}, apperr.New(apperr.InvalidInput, "unknown source kind", nil)
	}
}

func (o *Orchestrator) acquireFile(src Source) (acquiredContent, error) {
	raw, err := io.ReadAll(src.FileReader)
	if err != nil {
		return acquiredContent{}, apperr.New(apperr.Internal, "failed reading uploaded file", err)
	}
	kind := extractionKindForMIME(src.MIME, src.Filename)
	res, err := extractor.Extract(raw, kind, "")
	if err != nil {
		return acquiredContent{}, err
	}
	content := truncate(res.Text, domain.MaxFileContentBytes)
	return acquiredContent{content: content, title: res.Title}, nil
}

func (o *Orchestrator) acquireURL(ctx context.Context, src Source) (acquiredContent, error) {
	res, err := o.Fetcher.Fetch(ctx, src.URL, map[string]bool{"text/html": true})
	if err != nil {
		return acquiredContent{}, err
	}
	extracted, err := extractor.ExtractHTML(res.Bytes, res.FinalURL)
	if err != nil {
		return acquiredContent{}, err
	}
	content := truncate(extracted.Text, domain.MaxURLContentBytes)
	return acquiredContent{content: content, title: extracted.Title}, nil
}

func (o *Orchestrator) acquireWebsite(ctx context.Context, src Source, job *progress.Job) (acquiredContent, error) {
	limits := crawler.FromOptions(src.CrawlOptions)
	result, err := o.Crawler.Crawl(ctx, src.URL, limits, func(cur, total int, url string) {
		publish(job, progress.Event{
			Type:        "progress",
			Phase:       progress.PhaseCrawling,
			Message:     fmt.Sprintf("crawling %s", url),
			CurrentPage: cur,
			TotalPages:  total,
			CurrentURL:  url,
			Percentage:  crawlPercentage(cur, total),
		})
	})
	if err != nil {
		return acquiredContent{}, err
	}

	var content string
	pageURLs := make([]string, 0, len(result.Pages))
	for _, p := range result.Pages {
		content += p.Content + "\n\n"
		pageURLs = append(pageURLs, p.URL)
	}
	content = truncate(content, domain.MaxWebsiteContentBytes)

	now := time.Now().UTC()
	meta := &domain.WebsiteMetadata{
		BaseURL:      src.URL,
		PageURLs:     pageURLs,
		TotalPages:   result.TotalPages,
		CrawlOptions: recordedOptions(src.CrawlOptions),
		LastCrawled:  &now,
	}

	title := ""
	if len(result.Pages) > 0 {
		title = result.Pages[0].Title
	}
	return acquiredContent{content: content, title: title, website: meta}, nil
}

// recordedOptions fills in the defaults actually applied, recording them
// into metadata on first crawl so a later refresh is deterministic.
func recordedOptions(opts domain.CrawlOptions) domain.CrawlOptions {
	d := domain.DefaultCrawlOptions()
	if opts.MaxPages == 0 {
		opts.MaxPages = d.MaxPages
	}
	if opts.MaxDepth == 0 {
		opts.MaxDepth = d.MaxDepth
	}
	return opts
}

func crawlPercentage(cur, total int) int {
	if total <= 0 {
		return 0
	}
	pct := cur * 90 / total // reserve 90-100 for processing/rag/complete
	if pct > 90 {
		pct = 90
	}
	return pct
}

// indexDocument chunks, embeds, and upserts; on embed/upsert failure it
// downgrades to RAGDegraded rather than failing the whole ingest.
func (o *Orchestrator) indexDocument(ctx context.Context, doc *domain.ContextDocument, title string, job *progress.Job) {
	log := logging.WithComponent("ingest").WithField("documentId", doc.ID)

	c := chunker.New(o.ChunkOpts)
	chunks := c.Split(doc.Content)

	if err := o.Vectors.EnsureCollection(ctx, doc.AgentID, o.Embedder.Dimensions()); err != nil {
		o.degradeRAG(doc, err, log)
		return
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}

	vectors, err := o.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		o.degradeRAG(doc, err, log)
		return
	}

	docType := string(doc.Type)
	source := doc.URL
	if doc.Type == domain.DocumentTypeFile {
		source = doc.Filename
	}
	docTitle := title
	if docTitle == "" {
		docTitle = doc.Filename
	}

	points := make([]domain.Chunk, len(chunks))
	for i, ch := range chunks {
		points[i] = domain.Chunk{
			Vector: vectors[i],
			Payload: domain.ChunkPayload{
				AgentID:       doc.AgentID,
				DocumentID:    doc.ID,
				DocumentType:  docType,
				DocumentTitle: docTitle,
				Source:        source,
				ChunkIndex:    ch.Index,
				Text:          ch.Text,
			},
		}
	}

	publish(job, progress.Event{Type: "progress", Phase: progress.PhaseRAG, Message: "embedding and indexing chunks", Percentage: 98})

	if err := o.Vectors.UpsertChunks(ctx, doc.AgentID, points); err != nil {
		o.degradeRAG(doc, err, log)
		return
	}

	now := time.Now().UTC()
	doc.RAGStatus = domain.RAGStatus{Processed: true, ChunksCreated: len(chunks), ProcessedAt: &now}
	if doc.Filename == "" && title != "" {
		doc.Filename = title
	}
}

func (o *Orchestrator) degradeRAG(doc *domain.ContextDocument, err error, log *logrus.Entry) {
	log.WithError(err).Warn("embed/upsert failed; document saved with degraded rag status")
	now := time.Now().UTC()
	doc.RAGStatus = domain.RAGStatus{Processed: false, Error: apperr.Sanitize(err.Error()), ProcessedAt: &now}
}

func publish(job *progress.Job, e progress.Event) {
	if job != nil {
		job.Publish(e)
	}
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n[truncated]"
}

func extractionKindForMIME(mime, filename string) string {
	switch mime {
	case "application/pdf":
		return "pdf"
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return "docx"
	case "text/markdown":
		return "md"
	case "text/csv":
		return "csv"
	}
	if ext := extOf(filename); ext != "" {
		return ext
	}
	return "txt"
}

func extOf(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '.' {
			ext := filename[i+1:]
			switch ext {
			case "pdf", "docx", "doc", "txt", "md", "csv":
				return ext
			}
			return ""
		}
	}
	return ""
}
