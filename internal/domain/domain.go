// Package domain holds the core entities shared across the ingestion,
// retrieval, and inbox pipeline packages: Agent, ContextDocument, Chunk,
// Inbox, and the ephemeral CrawlProgress event.
package domain

import (
	"time"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
)

// AgentType enumerates the roles an Agent can play in an inbox pipeline.
type AgentType string

const (
	AgentTypeResponse    AgentType = "response"
	AgentTypePreProcess  AgentType = "pre-process"
	AgentTypeAnalytics   AgentType = "analytics"
	AgentTypeModeration  AgentType = "moderation"
	AgentTypeRouting     AgentType = "routing"
	AgentTypePostProcess AgentType = "post-process"
)

// AgentSettings bounds the behavior of a single Agent.
type AgentSettings struct {
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"maxTokens"`
	ResponseDelaySec int     `json:"responseDelaySec"`
	ConnectionID     string  `json:"connectionId,omitempty"`
	ModelID          string  `json:"modelId,omitempty"`
}

// Validate enforces the settings ranges: temperature in [0,1], maxTokens
// in [1,2000], responseDelaySec in [0,30].
func (s AgentSettings) Validate() error {
	if s.Temperature < 0 || s.Temperature > 1 {
		return errInvalid("settings.temperature must be in [0,1]")
	}
	if s.MaxTokens < 1 || s.MaxTokens > 2000 {
		return errInvalid("settings.maxTokens must be in [1,2000]")
	}
	if s.ResponseDelaySec < 0 || s.ResponseDelaySec > 30 {
		return errInvalid("settings.responseDelaySec must be in [0,30]")
	}
	return nil
}

// Agent is a unit of personality plus knowledge: a prompt, LLM settings, and
// an owned corpus of ContextDocuments backed by a per-agent vector collection.
type Agent struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Prompt    string        `json:"prompt"`
	Settings  AgentSettings `json:"settings"`
	AgentType AgentType     `json:"agentType"`
	IsActive  bool          `json:"isActive"`
}

// CollectionName is the deterministic name of this agent's vector collection.
func (a Agent) CollectionName() string {
	return "agent_" + a.ID
}

// DocumentType enumerates the three ways a ContextDocument can be acquired.
type DocumentType string

const (
	DocumentTypeFile    DocumentType = "file"
	DocumentTypeURL     DocumentType = "url"
	DocumentTypeWebsite DocumentType = "website"
)

// Per-type aggregate content size caps.
const (
	MaxURLContentBytes     = 100 * 1024
	MaxWebsiteContentBytes = 10 * 1024 * 1024
	MaxFileContentBytes    = 1 * 1024 * 1024
)

// RAGStatus records the outcome of the embed/upsert stage of ingestion.
type RAGStatus struct {
	Processed     bool       `json:"processed"`
	ChunksCreated int        `json:"chunksCreated,omitempty"`
	ProcessedAt   *time.Time `json:"processedAt,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// CrawlOptions bounds a website acquisition, recorded into metadata on first
// crawl so a later refresh is deterministic.
type CrawlOptions struct {
	MaxPages        int      `json:"maxPages"`
	MaxDepth        int      `json:"maxDepth"`
	SameDomainOnly  bool     `json:"sameDomainOnly"`
	IncludePatterns []string `json:"includePatterns,omitempty"`
	ExcludePatterns []string `json:"excludePatterns,omitempty"`
}

// DefaultCrawlOptions is the fallback used when a website document has no
// recorded crawlOptions.
func DefaultCrawlOptions() CrawlOptions {
	return CrawlOptions{MaxPages: 10, MaxDepth: 2, SameDomainOnly: true}
}

// WebsiteMetadata is the type=website-specific portion of a ContextDocument's
// metadata.
type WebsiteMetadata struct {
	BaseURL      string       `json:"baseUrl"`
	PageURLs     []string     `json:"pageUrls"`
	TotalPages   int          `json:"totalPages"`
	CrawlOptions CrawlOptions `json:"crawlOptions"`
	LastCrawled  *time.Time   `json:"lastCrawled,omitempty"`
}

// ContextDocument is one ingested source belonging to an Agent.
type ContextDocument struct {
	ID            string           `json:"id"`
	AgentID       string           `json:"agentId"`
	Type          DocumentType     `json:"type"`
	Filename      string           `json:"filename,omitempty"`
	URL           string           `json:"url,omitempty"`
	Content       string           `json:"content"`
	ContentLength int              `json:"contentLength"`
	UploadedAt    time.Time        `json:"uploadedAt"`
	Website       *WebsiteMetadata `json:"website,omitempty"`
	RAGStatus     RAGStatus        `json:"ragStatus"`
}

// MaxContentBytes returns the size cap that applies to this document's type.
func (d ContextDocument) MaxContentBytes() int {
	switch d.Type {
	case DocumentTypeWebsite:
		return MaxWebsiteContentBytes
	case DocumentTypeFile:
		return MaxFileContentBytes
	default:
		return MaxURLContentBytes
	}
}

// ChunkPayload is the metadata carried alongside a Chunk's vector.
type ChunkPayload struct {
	AgentID       string `json:"agentId"`
	DocumentID    string `json:"documentId"`
	DocumentType  string `json:"documentType"`
	DocumentTitle string `json:"documentTitle"`
	Source        string `json:"source"`
	ChunkIndex    int    `json:"chunkIndex"`
	Text          string `json:"text"`
	Language      string `json:"language,omitempty"`
}

// Chunk is one retrieval unit: a vector plus its payload.
type Chunk struct {
	Vector  []float32    `json:"vector"`
	Payload ChunkPayload `json:"payload"`
}

// InboxAgentRef attaches an Agent to an Inbox's pipeline at a priority.
type InboxAgentRef struct {
	AgentID  string `json:"agentId"`
	Priority int    `json:"priority"`
	IsActive bool   `json:"isActive"`
}

// ResponseAgentRef is the single response agent an Inbox may designate.
type ResponseAgentRef struct {
	AgentID string         `json:"agentId"`
	Config  map[string]any `json:"config,omitempty"`
}

// Inbox is addressable by webhookUrl and owns a pipeline of agents.
type Inbox struct {
	ID            string            `json:"id"`
	WebhookURL    string            `json:"webhookUrl"`
	ResponseAgent *ResponseAgentRef `json:"responseAgent,omitempty"`
	Agents        []InboxAgentRef   `json:"agents"`
	Settings      map[string]any    `json:"settings,omitempty"`
}

// Priority bands. Band membership is derived from the priority by StageFor,
// so every priority value falls in some band and none is rejected; see
// ValidatePriority for the one rule enforced at configuration write time.
const (
	PriorityPreProcessMax  = 100 // priority < 100 => pre-process
	PriorityMainMin        = 100
	PriorityMainMax        = 200 // 100 <= priority < 200 => main
	PriorityPostProcessMin = 200 // priority >= 200 => post-process
)

// Stage classifies a priority into the band it executes in.
type Stage string

const (
	StagePreProcess  Stage = "pre-process"
	StageMain        Stage = "main"
	StagePostProcess Stage = "post-process"
)

// StageFor returns the execution stage for a given priority.
func StageFor(priority int) Stage {
	switch {
	case priority < PriorityPreProcessMax:
		return StagePreProcess
	case priority < PriorityMainMax:
		return StageMain
	default:
		return StagePostProcess
	}
}

// ValidatePriority accepts any priority value. The one hard invariant it
// enforces, regardless of band, is that no response-type agent may appear
// in Inbox.Agents at all.
func ValidatePriority(agentType AgentType, priority int) error {
	if agentType == AgentTypeResponse {
		return errInvalid("response agents must not appear in inbox.agents[]; use inbox.responseAgent")
	}
	return nil
}

func errInvalid(msg string) error { return apperr.New(apperr.InvalidInput, msg, nil) }
