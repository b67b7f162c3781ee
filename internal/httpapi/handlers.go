package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/domain"
	"github.com/DiscipleTools/agent-ai-sub001/internal/ingest"
	"github.com/DiscipleTools/agent-ai-sub001/internal/logging"
	"github.com/DiscipleTools/agent-ai-sub001/internal/pipeline"
	"github.com/DiscipleTools/agent-ai-sub001/internal/progress"
)

// envelope is the JSON body every non-streaming endpoint responds with.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// allowedUploadExts is the extension allow-list for single-file uploads.
var allowedUploadExts = map[string]bool{
	".pdf": true, ".txt": true, ".doc": true, ".docx": true, ".csv": true, ".md": true,
}

// backgroundStageTimeout caps how long main/post-process agents may keep
// running after the webhook response has already been written.
const backgroundStageTimeout = 5 * time.Minute

func respondOK(c echo.Context, message string, data any) error {
	return c.JSON(http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

// respondErr maps an error onto its HTTP status. Messages are already
// sanitized at apperr construction time; anything that isn't an *apperr.Error
// is a programmer error and surfaces as a sanitized 500.
func respondErr(c echo.Context, err error) error {
	if e, ok := apperr.As(err); ok {
		return c.JSON(e.HTTPStatus(), envelope{Success: false, Message: e.Message})
	}
	logging.WithComponent("httpapi").WithError(err).Error("unexpected error")
	return c.JSON(http.StatusInternalServerError, envelope{Success: false, Message: "internal error"})
}

func (s *Server) authorize(c echo.Context, action, agentID string) error {
	subject := c.Request().Header.Get("X-Subject")
	ok, err := s.Permission.Allow(c.Request().Context(), subject, action, "agent:"+agentID)
	if err != nil {
		return apperr.New(apperr.Internal, "permission check failed", err)
	}
	if !ok {
		return apperr.New(apperr.AccessDenied, "not allowed", nil)
	}
	return nil
}

// webhookHandler runs an inbox's pipeline for one inbound event. The 200
// response is written once the synchronous portion (pre-process plus the
// response agent) has completed; main and post-process agents keep running
// in the background and do not delay the response.
func (s *Server) webhookHandler(c echo.Context) error {
	inboxID := c.Param("id")

	if s.WebhookSecret != "" && c.Request().Header.Get("X-Webhook-Secret") != s.WebhookSecret {
		return respondErr(c, apperr.New(apperr.AccessDenied, "webhook secret mismatch", nil))
	}

	var req struct {
		Event   string         `json:"event"`
		Message map[string]any `json:"message"`
	}
	if err := c.Bind(&req); err != nil {
		return respondErr(c, apperr.New(apperr.InvalidInput, "invalid webhook body", err))
	}

	inbox, err := s.Docs.GetInbox(c.Request().Context(), inboxID)
	if err != nil {
		return respondErr(c, err)
	}

	event := pipeline.WebhookEvent{
		InboxID: inboxID,
		Message: messageText(req.Message),
		Payload: req.Message,
	}

	// The run must outlive this handler: echo cancels the request context
	// as soon as the response is written, which would kill main/post.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), backgroundStageTimeout)

	syncDone := make(chan pipeline.Result, 1)
	done := s.Pipeline.RunAsync(runCtx, inbox, event, func(r pipeline.Result) { syncDone <- r })
	go func() {
		<-done
		cancel()
	}()

	sync := <-syncDone
	if sync.Status == pipeline.StatusFailed {
		return c.JSON(http.StatusBadGateway, envelope{
			Success: false,
			Message: "pipeline failed",
			Data:    map[string]any{"errors": sync.Errors},
		})
	}
	return respondOK(c, "event accepted", map[string]any{"event": req.Event, "reply": sync.Reply})
}

// messageText pulls the human-readable text out of a loosely-typed webhook
// message body, trying the common field names in order.
func messageText(message map[string]any) string {
	for _, key := range []string{"text", "content", "body"} {
		if v, ok := message[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) uploadHandler(c echo.Context) error {
	agentID := c.Param("id")
	if err := s.authorize(c, "context:write", agentID); err != nil {
		return respondErr(c, err)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return respondErr(c, apperr.New(apperr.InvalidInput, "multipart field \"file\" is required", err))
	}
	if fileHeader.Size > s.MaxUpload {
		return respondErr(c, apperr.New(apperr.TooLarge, "uploaded file exceeds the size limit", nil))
	}
	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if !allowedUploadExts[ext] {
		return respondErr(c, apperr.New(apperr.InvalidInput, "unsupported file extension", nil))
	}

	f, err := fileHeader.Open()
	if err != nil {
		return respondErr(c, apperr.New(apperr.Internal, "failed opening uploaded file", err))
	}
	defer f.Close()

	doc, err := s.Ingest.Ingest(c.Request().Context(), agentID, ingest.Source{
		Kind:       ingest.SourceFile,
		FileReader: f,
		Filename:   fileHeader.Filename,
		MIME:       fileHeader.Header.Get("Content-Type"),
	}, nil)
	if err != nil {
		return respondErr(c, err)
	}
	return respondOK(c, ingestOutcome(doc), map[string]any{"document": doc})
}

func (s *Server) ingestURLHandler(c echo.Context) error {
	agentID := c.Param("id")
	if err := s.authorize(c, "context:write", agentID); err != nil {
		return respondErr(c, err)
	}

	var req struct {
		URL string `json:"url"`
	}
	if err := c.Bind(&req); err != nil {
		return respondErr(c, apperr.New(apperr.InvalidInput, "invalid request body", err))
	}

	canonical, err := s.URLCheck.Validate(req.URL)
	if err != nil {
		return respondErr(c, err)
	}

	doc, err := s.Ingest.Ingest(c.Request().Context(), agentID, ingest.Source{Kind: ingest.SourceURL, URL: canonical}, nil)
	if err != nil {
		return respondErr(c, err)
	}
	return respondOK(c, ingestOutcome(doc), map[string]any{"document": doc})
}

func (s *Server) ingestWebsiteHandler(c echo.Context) error {
	agentID := c.Param("id")
	if err := s.authorize(c, "context:write", agentID); err != nil {
		return respondErr(c, err)
	}

	var req struct {
		URL     string              `json:"url"`
		Options domain.CrawlOptions `json:"options"`
	}
	if err := c.Bind(&req); err != nil {
		return respondErr(c, apperr.New(apperr.InvalidInput, "invalid request body", err))
	}

	canonical, err := s.URLCheck.Validate(req.URL)
	if err != nil {
		return respondErr(c, err)
	}

	src := ingest.Source{Kind: ingest.SourceWebsite, URL: canonical, CrawlOptions: req.Options}
	job := progress.NewJob()
	return s.streamJob(c, job, func(ctx context.Context) {
		if _, err := s.Ingest.Ingest(ctx, agentID, src, job); err != nil {
			failJob(job, err)
		}
	})
}

func (s *Server) updateDocumentHandler(c echo.Context) error {
	agentID := c.Param("id")
	docID := c.Param("docId")
	if err := s.authorize(c, "context:write", agentID); err != nil {
		return respondErr(c, err)
	}

	var req struct {
		Content    *string `json:"content"`
		Filename   *string `json:"filename"`
		RefreshURL bool    `json:"refreshUrl"`
	}
	if err := c.Bind(&req); err != nil {
		return respondErr(c, apperr.New(apperr.InvalidInput, "invalid request body", err))
	}

	if req.RefreshURL {
		doc, err := s.Docs.GetDocument(c.Request().Context(), agentID, docID)
		if err != nil {
			return respondErr(c, err)
		}
		if doc.Type == domain.DocumentTypeWebsite {
			job := progress.NewJob()
			return s.streamJob(c, job, func(ctx context.Context) {
				if _, err := s.Ingest.Refresh(ctx, agentID, docID, job); err != nil {
					failJob(job, err)
				}
			})
		}
		refreshed, err := s.Ingest.Refresh(c.Request().Context(), agentID, docID, nil)
		if err != nil {
			return respondErr(c, err)
		}
		return respondOK(c, ingestOutcome(refreshed), map[string]any{"document": refreshed})
	}

	if req.Content == nil && req.Filename == nil {
		return respondErr(c, apperr.New(apperr.InvalidInput, "nothing to update", nil))
	}

	doc, err := s.Ingest.UpdateContent(c.Request().Context(), agentID, docID, req.Content, req.Filename, nil)
	if err != nil {
		return respondErr(c, err)
	}
	return respondOK(c, ingestOutcome(doc), map[string]any{"document": doc})
}

func (s *Server) deleteDocumentHandler(c echo.Context) error {
	agentID := c.Param("id")
	docID := c.Param("docId")
	if err := s.authorize(c, "context:write", agentID); err != nil {
		return respondErr(c, err)
	}

	ctx := c.Request().Context()
	if _, err := s.Docs.GetDocument(ctx, agentID, docID); err != nil {
		return respondErr(c, err)
	}
	if err := s.Vectors.DeleteByDocument(ctx, agentID, docID); err != nil {
		return respondErr(c, err)
	}
	if err := s.Docs.DeleteDocument(ctx, agentID, docID); err != nil {
		return respondErr(c, err)
	}
	return respondOK(c, "document deleted", nil)
}

func (s *Server) searchHandler(c echo.Context) error {
	agentID := c.Param("id")
	if err := s.authorize(c, "context:read", agentID); err != nil {
		return respondErr(c, err)
	}

	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := c.Bind(&req); err != nil {
		return respondErr(c, apperr.New(apperr.InvalidInput, "invalid request body", err))
	}
	if req.Limit == 0 {
		req.Limit = 5
	}

	result, err := s.Retrieve.Search(c.Request().Context(), agentID, req.Query, req.Limit)
	if err != nil {
		return respondErr(c, err)
	}
	return respondOK(c, "search complete", result)
}

// testURLHandler checks that a URL is safe and reachable without creating a
// document.
func (s *Server) testURLHandler(c echo.Context) error {
	agentID := c.Param("id")
	if err := s.authorize(c, "context:read", agentID); err != nil {
		return respondErr(c, err)
	}

	var req struct {
		URL string `json:"url"`
	}
	if err := c.Bind(&req); err != nil {
		return respondErr(c, apperr.New(apperr.InvalidInput, "invalid request body", err))
	}

	canonical, err := s.URLCheck.Validate(req.URL)
	if err != nil {
		return respondErr(c, err)
	}

	res, err := s.Ingest.Fetcher.Fetch(c.Request().Context(), canonical, map[string]bool{"text/html": true})
	if err != nil {
		return respondErr(c, err)
	}
	return respondOK(c, "url is accessible", map[string]any{
		"url":         canonical,
		"finalUrl":    res.FinalURL,
		"contentType": res.ContentType,
		"status":      res.Status,
	})
}

// testWebsiteHandler checks reachability and robots.txt permission for a
// crawl start URL without creating a document.
func (s *Server) testWebsiteHandler(c echo.Context) error {
	agentID := c.Param("id")
	if err := s.authorize(c, "context:read", agentID); err != nil {
		return respondErr(c, err)
	}

	var req struct {
		URL string `json:"url"`
	}
	if err := c.Bind(&req); err != nil {
		return respondErr(c, apperr.New(apperr.InvalidInput, "invalid request body", err))
	}

	canonical, err := s.URLCheck.Validate(req.URL)
	if err != nil {
		return respondErr(c, err)
	}

	robotsAllowed, err := s.Robots.Allowed(c.Request().Context(), canonical)
	if err != nil {
		robotsAllowed = true // lookup failure is not a block
	}

	accessible := true
	if _, err := s.Ingest.Fetcher.Fetch(c.Request().Context(), canonical, map[string]bool{"text/html": true}); err != nil {
		accessible = false
	}
	return respondOK(c, "website checked", map[string]any{
		"url":           canonical,
		"accessible":    accessible,
		"robotsAllowed": robotsAllowed,
	})
}

// streamJob responds with the job's events as Server-Sent Events while run
// executes in the background. The producer gets a context detached from the
// request so a consumer disconnect never cancels the ingestion itself.
func (s *Server) streamJob(c echo.Context, job *progress.Job, run func(ctx context.Context)) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "streaming unsupported")
	}
	c.Response().WriteHeader(http.StatusOK)

	ch, unsubscribe := job.Subscribe()
	defer unsubscribe()

	go run(context.WithoutCancel(c.Request().Context()))

	err := progress.WriteSSE(c.Request().Context(), c.Response(), func() { flusher.Flush() }, ch,
		func(e progress.Event) ([]byte, error) { return json.Marshal(e) })
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil // client went away; the producer keeps running
	}
	return err
}

// failJob terminates a streaming job with a sanitized error frame.
func failJob(job *progress.Job, err error) {
	msg := err.Error()
	if e, ok := apperr.As(err); ok {
		msg = e.Message
	}
	job.Complete(progress.Event{
		Type:       "error",
		Phase:      progress.PhaseError,
		Message:    apperr.Sanitize(msg),
		Percentage: 100,
	})
}

// ingestOutcome phrases the response message for a persisted document,
// distinguishing a fully indexed document from one whose embedding failed.
func ingestOutcome(doc domain.ContextDocument) string {
	if doc.RAGStatus.Processed {
		return "document ingested"
	}
	return "document saved, but indexing for retrieval failed; re-ingest to retry"
}
