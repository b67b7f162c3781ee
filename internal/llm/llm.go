// Package llm adapts hosted model providers to the narrow collab.LLMClient
// interface the pipeline executor consumes. The response agent only ever
// needs a synchronous completion bounded by temperature and max tokens, so
// that is all these adapters expose.
package llm

import (
	"fmt"

	"github.com/DiscipleTools/agent-ai-sub001/internal/collab"
)

// Connection describes one LLM provider connection: which provider, where,
// and with what credentials and default model.
type Connection struct {
	Provider string // "openai" (or any OpenAI-compatible endpoint), "anthropic"
	BaseURL  string
	APIKey   string
	Model    string
}

// New constructs the collab.LLMClient for a connection.
func New(conn Connection) (collab.LLMClient, error) {
	switch conn.Provider {
	case "", "openai":
		return NewOpenAI(conn), nil
	case "anthropic":
		return NewAnthropic(conn), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", conn.Provider)
	}
}
