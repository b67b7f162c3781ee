package llm

import (
	"context"
	"sync"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/collab"
)

// Resolver implements collab.ConnectionResolver over a fixed set of named
// connections plus a default. Clients are constructed lazily and cached, so
// every agent naming the same connectionId shares one SDK client.
type Resolver struct {
	def   collab.LLMClient
	conns map[string]Connection

	mu      sync.Mutex
	clients map[string]collab.LLMClient
}

// NewResolver builds a Resolver. def serves agents whose settings carry no
// connectionId; conns maps connection ids to their definitions.
func NewResolver(def collab.LLMClient, conns map[string]Connection) *Resolver {
	if conns == nil {
		conns = map[string]Connection{}
	}
	return &Resolver{def: def, conns: conns, clients: map[string]collab.LLMClient{}}
}

// Resolve returns the client for connectionID, or the default for the empty
// id. An id that names no configured connection is NotFound.
func (r *Resolver) Resolve(_ context.Context, connectionID string) (collab.LLMClient, error) {
	if connectionID == "" {
		if r.def == nil {
			return nil, apperr.New(apperr.Internal, "no default llm connection configured", nil)
		}
		return r.def, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[connectionID]; ok {
		return client, nil
	}
	conn, ok := r.conns[connectionID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "agent references an unknown llm connection", nil)
	}
	client, err := New(conn)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "failed constructing llm client", err)
	}
	r.clients[connectionID] = client
	return client, nil
}
