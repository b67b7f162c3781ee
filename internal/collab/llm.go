package collab

import "context"

// ChatOptions bounds a single LLM call to the settings an Agent carries.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
	// Model overrides the connection's default model when non-empty.
	Model string
}

// LLMClient is the single capability the pipeline needs from a model
// provider: a synchronous completion bounded by ChatOptions. Provider
// adapters live in internal/llm.
type LLMClient interface {
	Chat(ctx context.Context, prompt string, opts ChatOptions) (string, error)
}

// ConnectionResolver maps an agent's connectionId to the LLMClient for that
// connection. The empty id resolves to the deployment's default connection.
type ConnectionResolver interface {
	Resolve(ctx context.Context, connectionID string) (LLMClient, error)
}

// SingleConnection is a ConnectionResolver that serves one client for every
// id, for tests and deployments with a single configured connection.
func SingleConnection(client LLMClient) ConnectionResolver {
	return singleConnection{client: client}
}

type singleConnection struct{ client LLMClient }

func (s singleConnection) Resolve(context.Context, string) (LLMClient, error) {
	return s.client, nil
}
