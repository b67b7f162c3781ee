package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DiscipleTools/agent-ai-sub001/internal/collab"
	"github.com/DiscipleTools/agent-ai-sub001/internal/domain"
	"github.com/DiscipleTools/agent-ai-sub001/internal/embedder"
	"github.com/DiscipleTools/agent-ai-sub001/internal/retrieve"
	"github.com/DiscipleTools/agent-ai-sub001/internal/vectorstore"
)

type fakeAgents map[string]domain.Agent

func (f fakeAgents) GetAgent(_ context.Context, id string) (domain.Agent, error) {
	a, ok := f[id]
	if !ok {
		return domain.Agent{}, errors.New("agent not found")
	}
	return a, nil
}

type interval struct {
	agentID    string
	start, end time.Time
}

// timelineLLM records the [start,end) interval of every Chat call so tests
// can assert ordering/overlap without racing on wall-clock sleeps. A call is
// attributed to the agent whose "AGENT:<id>" prompt marker (see agent()) it
// contains, so notes quoting other agents' ids do not confuse it.
type timelineLLM struct {
	mu        sync.Mutex
	intervals []interval
	delay     time.Duration
	failFor   map[string]bool
	knownIDs  []string
}

func (l *timelineLLM) Chat(_ context.Context, prompt string, _ collab.ChatOptions) (string, error) {
	id := l.identify(prompt)
	start := time.Now()
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	end := time.Now()

	l.mu.Lock()
	l.intervals = append(l.intervals, interval{agentID: id, start: start, end: end})
	l.mu.Unlock()

	if l.failFor[id] {
		return "", errors.New("boom")
	}
	return "reply from " + id, nil
}

func (l *timelineLLM) identify(prompt string) string {
	for _, id := range l.knownIDs {
		if strings.Contains(prompt, "AGENT:"+id) {
			return id
		}
	}
	return "unknown"
}

func (l *timelineLLM) interval(id string) (interval, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, iv := range l.intervals {
		if iv.agentID == id {
			return iv, true
		}
	}
	return interval{}, false
}

type recordingChat struct {
	mu        sync.Mutex
	delivered []string
}

func (c *recordingChat) Deliver(_ context.Context, _ string, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, message)
	return nil
}

func agent(id string, agentType domain.AgentType) domain.Agent {
	return domain.Agent{
		ID:        id,
		Name:      id,
		Prompt:    "AGENT:" + id,
		AgentType: agentType,
		IsActive:  true,
		Settings:  domain.AgentSettings{Temperature: 0.2, MaxTokens: 256},
	}
}

func newRetriever() *retrieve.Service {
	return retrieve.New(vectorstore.NewMemoryStore(), embedder.NewDeterministic(8))
}

func TestRun_PreProcessCompletesBeforeResponseBeforeMainBeforePost(t *testing.T) {
	agents := fakeAgents{
		"pre1":  agent("pre1", domain.AgentTypePreProcess),
		"resp":  agent("resp", domain.AgentTypeResponse),
		"main1": agent("main1", domain.AgentTypeAnalytics),
		"main2": agent("main2", domain.AgentTypeModeration),
		"post1": agent("post1", domain.AgentTypePostProcess),
	}
	llm := &timelineLLM{delay: 20 * time.Millisecond, knownIDs: []string{"pre1", "resp", "main1", "main2", "post1"}}
	chat := &recordingChat{}

	exec := New(agents, newRetriever(), collab.SingleConnection(llm), chat)
	exec.Sleep = func(time.Duration) {}

	inbox := domain.Inbox{
		ID:            "inbox1",
		ResponseAgent: &domain.ResponseAgentRef{AgentID: "resp"},
		Agents: []domain.InboxAgentRef{
			{AgentID: "pre1", Priority: 10, IsActive: true},
			{AgentID: "main1", Priority: 100, IsActive: true},
			{AgentID: "main2", Priority: 150, IsActive: true},
			{AgentID: "post1", Priority: 250, IsActive: true},
		},
	}

	result := exec.Run(t.Context(), inbox, WebhookEvent{InboxID: "inbox1", Message: "hello"})
	require.Equal(t, StatusSucceeded, result.Status)
	require.Len(t, chat.delivered, 1)

	preIv, _ := llm.interval("pre1")
	respIv, _ := llm.interval("resp")
	main1Iv, _ := llm.interval("main1")
	main2Iv, _ := llm.interval("main2")
	postIv, _ := llm.interval("post1")

	require.True(t, !preIv.end.After(respIv.start), "pre-process must finish before response starts")
	require.True(t, main1Iv.start.Before(main2Iv.end) && main2Iv.start.Before(main1Iv.end), "main agents must overlap")
	require.True(t, !main1Iv.end.After(postIv.start), "main must finish before post starts")
	require.True(t, !main2Iv.end.After(postIv.start), "main must finish before post starts")
}

func TestRun_MainAgentFailureDoesNotBlockSiblingsOrPostProcess(t *testing.T) {
	agents := fakeAgents{
		"resp":  agent("resp", domain.AgentTypeResponse),
		"main1": agent("main1", domain.AgentTypeAnalytics),
		"main2": agent("main2", domain.AgentTypeModeration),
		"post1": agent("post1", domain.AgentTypePostProcess),
	}
	llm := &timelineLLM{knownIDs: []string{"resp", "main1", "main2", "post1"}, failFor: map[string]bool{"main1": true}}
	chat := &recordingChat{}

	exec := New(agents, newRetriever(), collab.SingleConnection(llm), chat)
	exec.Sleep = func(time.Duration) {}

	inbox := domain.Inbox{
		ID:            "inbox1",
		ResponseAgent: &domain.ResponseAgentRef{AgentID: "resp"},
		Agents: []domain.InboxAgentRef{
			{AgentID: "main1", Priority: 100, IsActive: true},
			{AgentID: "main2", Priority: 150, IsActive: true},
			{AgentID: "post1", Priority: 250, IsActive: true},
		},
	}

	result := exec.Run(t.Context(), inbox, WebhookEvent{InboxID: "inbox1", Message: "hello"})
	require.Equal(t, StatusDegraded, result.Status)
	require.Len(t, result.Errors, 1)
	require.Equal(t, "main1", result.Errors[0].AgentID)
	require.Contains(t, result.MainOutputs, "main2")
	require.Contains(t, result.PostOutputs, "post1")
	require.Len(t, chat.delivered, 1, "response must still be delivered despite the main-stage failure")
}

func TestRun_InactiveAgentsAreSkipped(t *testing.T) {
	agents := fakeAgents{
		"resp":  agent("resp", domain.AgentTypeResponse),
		"main1": agent("main1", domain.AgentTypeAnalytics),
	}
	llm := &timelineLLM{knownIDs: []string{"resp", "main1"}}
	exec := New(agents, newRetriever(), collab.SingleConnection(llm), &recordingChat{})
	exec.Sleep = func(time.Duration) {}

	inbox := domain.Inbox{
		ResponseAgent: &domain.ResponseAgentRef{AgentID: "resp"},
		Agents: []domain.InboxAgentRef{
			{AgentID: "main1", Priority: 100, IsActive: false},
		},
	}

	result := exec.Run(t.Context(), inbox, WebhookEvent{Message: "hi"})
	require.Equal(t, StatusSucceeded, result.Status)
	require.NotContains(t, result.MainOutputs, "main1")
}

func TestRun_PreProcessFailureFailsTheEventWithoutRunningResponse(t *testing.T) {
	agents := fakeAgents{
		"pre1": agent("pre1", domain.AgentTypePreProcess),
		"resp": agent("resp", domain.AgentTypeResponse),
	}
	llm := &timelineLLM{knownIDs: []string{"pre1", "resp"}, failFor: map[string]bool{"pre1": true}}
	chat := &recordingChat{}
	exec := New(agents, newRetriever(), collab.SingleConnection(llm), chat)
	exec.Sleep = func(time.Duration) {}

	inbox := domain.Inbox{
		ResponseAgent: &domain.ResponseAgentRef{AgentID: "resp"},
		Agents: []domain.InboxAgentRef{
			{AgentID: "pre1", Priority: 10, IsActive: true},
		},
	}

	result := exec.Run(t.Context(), inbox, WebhookEvent{Message: "hi"})
	require.Equal(t, StatusFailed, result.Status)
	require.Empty(t, chat.delivered)
}

// routingResolver maps connection ids to distinct clients so tests can
// assert each agent's connectionId picks its own connection.
type routingResolver struct {
	def      collab.LLMClient
	byID     map[string]collab.LLMClient
	resolved []string
	mu       sync.Mutex
}

func (r *routingResolver) Resolve(_ context.Context, id string) (collab.LLMClient, error) {
	r.mu.Lock()
	r.resolved = append(r.resolved, id)
	r.mu.Unlock()
	if id == "" {
		return r.def, nil
	}
	c, ok := r.byID[id]
	if !ok {
		return nil, errors.New("unknown connection")
	}
	return c, nil
}

type cannedLLM struct{ reply string }

func (c cannedLLM) Chat(context.Context, string, collab.ChatOptions) (string, error) {
	return c.reply, nil
}

func TestRun_ResponseAgentUsesItsOwnConnection(t *testing.T) {
	resp := agent("resp", domain.AgentTypeResponse)
	resp.Settings.ConnectionID = "conn-b"
	agents := fakeAgents{"resp": resp}

	resolver := &routingResolver{
		def:  cannedLLM{reply: "from default"},
		byID: map[string]collab.LLMClient{"conn-b": cannedLLM{reply: "from conn-b"}},
	}
	chat := &recordingChat{}
	exec := New(agents, newRetriever(), resolver, chat)
	exec.Sleep = func(time.Duration) {}

	inbox := domain.Inbox{ResponseAgent: &domain.ResponseAgentRef{AgentID: "resp"}}
	result := exec.Run(t.Context(), inbox, WebhookEvent{Message: "hi"})
	require.Equal(t, StatusSucceeded, result.Status)
	require.Equal(t, "from conn-b", result.Reply)
	require.Contains(t, resolver.resolved, "conn-b")
}

func TestRun_ResponseTypeAgentInAgentsListIsSkippedWithError(t *testing.T) {
	agents := fakeAgents{
		"resp":  agent("resp", domain.AgentTypeResponse),
		"rogue": agent("rogue", domain.AgentTypeResponse),
		"main1": agent("main1", domain.AgentTypeAnalytics),
	}
	llm := &timelineLLM{knownIDs: []string{"resp", "rogue", "main1"}}
	chat := &recordingChat{}
	exec := New(agents, newRetriever(), collab.SingleConnection(llm), chat)
	exec.Sleep = func(time.Duration) {}

	// A stored config that predates write-time validation: a response-type
	// agent smuggled into agents[] at main priority.
	inbox := domain.Inbox{
		ResponseAgent: &domain.ResponseAgentRef{AgentID: "resp"},
		Agents: []domain.InboxAgentRef{
			{AgentID: "rogue", Priority: 100, IsActive: true},
			{AgentID: "main1", Priority: 110, IsActive: true},
		},
	}

	result := exec.Run(t.Context(), inbox, WebhookEvent{Message: "hi"})
	require.Equal(t, StatusDegraded, result.Status)
	require.Len(t, result.Errors, 1)
	require.Equal(t, "rogue", result.Errors[0].AgentID)
	require.NotContains(t, result.MainOutputs, "rogue")
	require.Contains(t, result.MainOutputs, "main1")
	require.Len(t, chat.delivered, 1)
}
