package llm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/collab"
)

func TestNew_SelectsProvider(t *testing.T) {
	c, err := New(Connection{Provider: "openai", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	require.IsType(t, &OpenAIClient{}, c)

	c, err = New(Connection{Provider: "anthropic", Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	require.IsType(t, &AnthropicClient{}, c)

	_, err = New(Connection{Provider: "carrier-pigeon"})
	require.Error(t, err)
}

func TestOpenAIChat_ReturnsFirstChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		var req struct {
			Model       string  `json:"model"`
			Temperature float64 `json:"temperature"`
			MaxTokens   int     `json:"max_tokens"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "gpt-4o-mini", req.Model)
		require.Equal(t, 150, req.MaxTokens)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "the sky is blue"}},
			},
		})
	}))
	defer srv.Close()

	c := NewOpenAI(Connection{Provider: "openai", BaseURL: srv.URL, APIKey: "test", Model: "gpt-4o-mini"})
	reply, err := c.Chat(t.Context(), "what color is the sky", collab.ChatOptions{Temperature: 0.2, MaxTokens: 150})
	require.NoError(t, err)
	require.Equal(t, "the sky is blue", reply)
}

func TestOpenAIChat_ProviderErrorIsRemoteFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOpenAI(Connection{BaseURL: srv.URL, APIKey: "test", Model: "gpt-4o-mini"})
	_, err := c.Chat(t.Context(), "hello", collab.ChatOptions{MaxTokens: 10})
	require.Error(t, err)
}

func TestResolver_DefaultNamedAndUnknown(t *testing.T) {
	def := NewOpenAI(Connection{Model: "default-model"})
	r := NewResolver(def, map[string]Connection{
		"conn-a": {Provider: "anthropic", APIKey: "k", Model: "claude-sonnet-4-5"},
	})

	got, err := r.Resolve(t.Context(), "")
	require.NoError(t, err)
	require.Same(t, def, got.(*OpenAIClient))

	named, err := r.Resolve(t.Context(), "conn-a")
	require.NoError(t, err)
	require.IsType(t, &AnthropicClient{}, named)

	// Same id resolves to the same cached client.
	again, err := r.Resolve(t.Context(), "conn-a")
	require.NoError(t, err)
	require.Same(t, named.(*AnthropicClient), again.(*AnthropicClient))

	_, err = r.Resolve(t.Context(), "no-such-connection")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.NotFound))
}
