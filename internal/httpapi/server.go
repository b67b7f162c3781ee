// Package httpapi exposes the webhook ingress and context-management
// endpoints over echo: file/url/website ingestion, document refresh and
// deletion, RAG search, non-mutating accessibility checks, and the
// per-inbox webhook that drives the agent pipeline. Streaming endpoints
// (website crawl, website refresh) respond as Server-Sent Events.
package httpapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/DiscipleTools/agent-ai-sub001/internal/collab"
	"github.com/DiscipleTools/agent-ai-sub001/internal/crawler"
	"github.com/DiscipleTools/agent-ai-sub001/internal/domain"
	"github.com/DiscipleTools/agent-ai-sub001/internal/ingest"
	"github.com/DiscipleTools/agent-ai-sub001/internal/pipeline"
	"github.com/DiscipleTools/agent-ai-sub001/internal/retrieve"
	"github.com/DiscipleTools/agent-ai-sub001/internal/urlsafety"
)

// AgentStore is the subset of *docstore.Store the API needs for agent,
// document, and inbox persistence, narrowed the way ingest.DocStore is so
// handler tests can substitute an in-memory fake.
type AgentStore interface {
	pipeline.AgentResolver
	CreateAgent(ctx context.Context, a domain.Agent) (domain.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	CreateDocument(ctx context.Context, doc domain.ContextDocument) (domain.ContextDocument, error)
	GetDocument(ctx context.Context, agentID, docID string) (domain.ContextDocument, error)
	UpdateDocument(ctx context.Context, doc domain.ContextDocument) error
	DeleteDocument(ctx context.Context, agentID, docID string) error
	ListDocuments(ctx context.Context, agentID string) ([]domain.ContextDocument, error)
	GetInbox(ctx context.Context, id string) (domain.Inbox, error)
	CreateInbox(ctx context.Context, in domain.Inbox) (domain.Inbox, error)
}

// VectorDeleter is the one vector-store operation the DELETE endpoint needs
// beyond what the ingestion orchestrator already wraps.
type VectorDeleter interface {
	DeleteByDocument(ctx context.Context, agentID string, documentID string) error
}

// Server wires the core services to the HTTP surface.
type Server struct {
	Docs       AgentStore
	Vectors    VectorDeleter
	Ingest     *ingest.Orchestrator
	Retrieve   *retrieve.Service
	Pipeline   *pipeline.Executor
	URLCheck   *urlsafety.Validator
	Robots     crawler.RobotsChecker
	Permission collab.PermissionChecker
	MaxUpload  int64 // upload size cap in bytes; single file uploads above it are rejected

	// WebhookSecret, when set, must match the X-Webhook-Secret header on
	// every inbound webhook call.
	WebhookSecret string
}

// NewServer fills in defaults for optional collaborators.
func NewServer(s *Server) *Server {
	if s.Permission == nil {
		s.Permission = collab.AllowAll{}
	}
	if s.Robots == nil {
		s.Robots = crawler.AllowAllRobots{}
	}
	if s.MaxUpload == 0 {
		s.MaxUpload = 10 * 1024 * 1024
	}
	return s
}

// Register sets up all the routes for the service.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/webhook/inbox/:id", s.webhookHandler)

	api := e.Group("/agents/:id")
	s.registerContextEndpoints(api)
	s.registerRAGEndpoints(api)
}

// registerContextEndpoints registers the context-document ingestion and
// management routes under /agents/:id.
func (s *Server) registerContextEndpoints(api *echo.Group) {
	api.POST("/context/upload", s.uploadHandler)
	api.POST("/context/url", s.ingestURLHandler)
	api.POST("/context/website", s.ingestWebsiteHandler)
	api.PUT("/context/:docId", s.updateDocumentHandler)
	api.DELETE("/context/:docId", s.deleteDocumentHandler)
	api.POST("/context/test-url", s.testURLHandler)
	api.POST("/context/test-website", s.testWebsiteHandler)
}

// registerRAGEndpoints registers the retrieval routes under /agents/:id.
func (s *Server) registerRAGEndpoints(api *echo.Group) {
	api.POST("/rag/search", s.searchHandler)
}

// NewEcho builds an echo instance with the service's routes registered,
// ready to be started by the caller.
func (s *Server) NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	s.Register(e)
	return e
}

var _ http.Handler = (*echo.Echo)(nil)
