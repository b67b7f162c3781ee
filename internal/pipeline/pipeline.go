// Package pipeline executes an inbox's agent pipeline for one inbound
// webhook event: active-agent filtering, priority sort,
// sequential pre-process, the single response agent's retrieve-prompt-LLM-
// delay-deliver sequence, an all-settled parallel main stage, and a
// sequential post-process stage.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/collab"
	"github.com/DiscipleTools/agent-ai-sub001/internal/domain"
	"github.com/DiscipleTools/agent-ai-sub001/internal/logging"
	"github.com/DiscipleTools/agent-ai-sub001/internal/retrieve"
)

// WebhookEvent is one inbound message delivered to an inbox.
type WebhookEvent struct {
	InboxID string
	Message string
	Payload map[string]any
}

// Status summarizes how an event's pipeline run concluded.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"   // a pre-process or response stage failure
	StatusDegraded  Status = "degraded" // response delivered, but main/post had failures
)

// AgentError records one agent's failure without failing the whole event.
type AgentError struct {
	AgentID string       `json:"agentId"`
	Stage   domain.Stage `json:"stage,omitempty"`
	Message string       `json:"message"`
}

// Result is the outcome of running a pipeline for one event.
type Result struct {
	Status      Status
	Reply       string
	Errors      []AgentError
	PreOutputs  map[string]string
	MainOutputs map[string]string
	PostOutputs map[string]string
}

// AgentResolver looks up the Agents attached to an Inbox.
type AgentResolver interface {
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
}

// Executor runs an Inbox's pipeline against one WebhookEvent.
type Executor struct {
	Agents      AgentResolver
	Retriever   *retrieve.Service
	Connections collab.ConnectionResolver
	Chat        collab.ChatPlatformAdapter
	Sleep       func(time.Duration) // overridable so tests don't pay responseDelaySec
}

// New builds an Executor. Sleep defaults to time.Sleep.
func New(agents AgentResolver, retriever *retrieve.Service, connections collab.ConnectionResolver, chat collab.ChatPlatformAdapter) *Executor {
	return &Executor{Agents: agents, Retriever: retriever, Connections: connections, Chat: chat, Sleep: time.Sleep}
}

// Run executes the full ordered pipeline, blocking until pre-process,
// response, main, and post-process have all finished.
func (e *Executor) Run(ctx context.Context, inbox domain.Inbox, event WebhookEvent) Result {
	return e.run(ctx, inbox, event, nil)
}

// RunAsync runs the synchronous portion of the pipeline (pre-process, then
// the response agent) and invokes onSyncDone with the result so far before
// continuing to run main/post-process to completion in the background.
// Callers that don't care about the final main/post outcome may pass a nil
// onSyncDone and simply not wait on the returned done channel.
func (e *Executor) RunAsync(ctx context.Context, inbox domain.Inbox, event WebhookEvent, onSyncDone func(Result)) <-chan Result {
	done := make(chan Result, 1)
	go func() {
		done <- e.run(ctx, inbox, event, onSyncDone)
	}()
	return done
}

func (e *Executor) run(ctx context.Context, inbox domain.Inbox, event WebhookEvent, onSyncDone func(Result)) Result {
	log := logging.WithComponent("pipeline").WithField("inboxId", inbox.ID)

	result := Result{
		PreOutputs:  map[string]string{},
		MainOutputs: map[string]string{},
		PostOutputs: map[string]string{},
	}

	active := activeSorted(inbox.Agents)
	pre, main, post := bucket(active)

	pctx := &pipelineContext{payload: event.Payload, outputs: map[string]string{}}

	notifySync := func() {
		if onSyncDone != nil {
			onSyncDone(result)
		}
	}

	// Step 3: pre-process, sequential.
	for _, ref := range pre {
		agent, err := e.Agents.GetAgent(ctx, ref.AgentID)
		if err != nil {
			result.Status = StatusFailed
			result.Errors = append(result.Errors, AgentError{AgentID: ref.AgentID, Stage: domain.StagePreProcess, Message: apperr.Sanitize(err.Error())})
			notifySync()
			return result
		}
		// A response-type agent has no place in agents[]; the write path
		// rejects it, this guards stored configs that predate that check.
		if agent.AgentType == domain.AgentTypeResponse {
			result.Errors = append(result.Errors, AgentError{AgentID: ref.AgentID, Stage: domain.StagePreProcess, Message: "response-type agent is not allowed in pipeline stages; skipped"})
			continue
		}
		out, err := e.runAgent(ctx, agent, event, pctx)
		if err != nil {
			result.Status = StatusFailed
			result.Errors = append(result.Errors, AgentError{AgentID: ref.AgentID, Stage: domain.StagePreProcess, Message: apperr.Sanitize(err.Error())})
			notifySync()
			return result
		}
		pctx.append(ref.AgentID, out)
		result.PreOutputs[ref.AgentID] = out
	}

	if ctx.Err() != nil {
		result.Status = StatusFailed
		result.Errors = append(result.Errors, AgentError{Message: "cancelled"})
		notifySync()
		return result
	}

	// Step 4: the single response agent, sequential, after pre-process.
	if inbox.ResponseAgent != nil {
		reply, err := e.runResponseAgent(ctx, *inbox.ResponseAgent, event, pctx)
		if err != nil {
			result.Status = StatusFailed
			result.Errors = append(result.Errors, AgentError{AgentID: inbox.ResponseAgent.AgentID, Stage: domain.StageMain, Message: apperr.Sanitize(err.Error())})
			notifySync()
			return result
		}
		result.Reply = reply
	}

	notifySync()

	// Step 5: main, all-settled parallel. Unordered w.r.t. each other but
	// complete-happens-before any post-process task.
	mainTasks := make([]func() error, len(main))
	mainOutMu := sync.Mutex{}
	for i, ref := range main {
		ref := ref
		mainTasks[i] = func() error {
			agent, err := e.Agents.GetAgent(ctx, ref.AgentID)
			if err != nil {
				return err
			}
			if agent.AgentType == domain.AgentTypeResponse {
				return fmt.Errorf("response-type agent is not allowed in pipeline stages")
			}
			out, err := e.runAgent(ctx, agent, event, pctx)
			if err != nil {
				return err
			}
			mainOutMu.Lock()
			result.MainOutputs[ref.AgentID] = out
			mainOutMu.Unlock()
			return nil
		}
	}
	for i, err := range joinAllSettled(mainTasks) {
		if err != nil {
			log.WithError(err).WithField("agentId", main[i].AgentID).Warn("main-stage agent failed")
			result.Errors = append(result.Errors, AgentError{AgentID: main[i].AgentID, Stage: domain.StageMain, Message: apperr.Sanitize(err.Error())})
		}
	}

	// Step 6: post-process, sequential.
	for _, ref := range post {
		agent, err := e.Agents.GetAgent(ctx, ref.AgentID)
		if err != nil {
			result.Errors = append(result.Errors, AgentError{AgentID: ref.AgentID, Stage: domain.StagePostProcess, Message: apperr.Sanitize(err.Error())})
			continue
		}
		if agent.AgentType == domain.AgentTypeResponse {
			result.Errors = append(result.Errors, AgentError{AgentID: ref.AgentID, Stage: domain.StagePostProcess, Message: "response-type agent is not allowed in pipeline stages; skipped"})
			continue
		}
		out, err := e.runAgent(ctx, agent, event, pctx)
		if err != nil {
			result.Errors = append(result.Errors, AgentError{AgentID: ref.AgentID, Stage: domain.StagePostProcess, Message: apperr.Sanitize(err.Error())})
			continue
		}
		result.PostOutputs[ref.AgentID] = out
	}

	if result.Status == "" {
		if len(result.Errors) > 0 {
			result.Status = StatusDegraded
		} else {
			result.Status = StatusSucceeded
		}
	}
	return result
}

// runResponseAgent retrieves context, builds the prompt, calls the LLM,
// honors responseDelaySec, and delivers the reply via chat.
func (e *Executor) runResponseAgent(ctx context.Context, ref domain.ResponseAgentRef, event WebhookEvent, pctx *pipelineContext) (string, error) {
	agent, err := e.Agents.GetAgent(ctx, ref.AgentID)
	if err != nil {
		return "", err
	}

	search, err := e.Retriever.Search(ctx, agent.ID, event.Message, 5)
	if err != nil {
		return "", err
	}

	prompt := buildPrompt(agent.Prompt, search, pctx, event.Message)

	client, err := e.Connections.Resolve(ctx, agent.Settings.ConnectionID)
	if err != nil {
		return "", err
	}
	reply, err := client.Chat(ctx, prompt, chatOptions(agent))
	if err != nil {
		return "", err
	}

	if agent.Settings.ResponseDelaySec > 0 {
		delay := time.Duration(agent.Settings.ResponseDelaySec) * time.Second
		select {
		case <-ctx.Done():
			return "", apperr.New(apperr.Cancelled, "pipeline cancelled during response delay", ctx.Err())
		case <-afterFunc(e.Sleep, delay):
		}
	}

	if e.Chat != nil {
		if err := e.Chat.Deliver(ctx, event.InboxID, reply); err != nil {
			return "", apperr.New(apperr.RemoteFailed, "failed delivering reply to chat platform", err)
		}
	}

	return reply, nil
}

// afterFunc lets tests substitute a zero-delay Sleep without this method
// blocking on a real timer channel.
func afterFunc(sleep func(time.Duration), d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		sleep(d)
		close(ch)
	}()
	return ch
}

func buildPrompt(agentPrompt string, search retrieve.Result, pctx *pipelineContext, message string) string {
	var b strings.Builder
	b.WriteString(agentPrompt)
	b.WriteString("\n\n")
	if len(search.Hits) > 0 {
		b.WriteString("Context:\n")
		for _, h := range search.Hits {
			fmt.Fprintf(&b, "- (%s) %s\n", h.DocumentTitle, h.Text)
		}
		b.WriteString("\n")
	}
	if len(pctx.outputs) > 0 {
		b.WriteString("Pre-process notes:\n")
		for agentID, out := range pctx.outputs {
			fmt.Fprintf(&b, "- %s: %s\n", agentID, out)
		}
		b.WriteString("\n")
	}
	b.WriteString("User: ")
	b.WriteString(message)
	return b.String()
}

// runAgent is the generic, non-response agent invocation shared by
// pre/main/post stages: build a prompt from the agent's own instructions
// plus the mutable pipeline context, and call its LLM connection.
func (e *Executor) runAgent(ctx context.Context, agent domain.Agent, event WebhookEvent, pctx *pipelineContext) (string, error) {
	var b strings.Builder
	b.WriteString(agent.Prompt)
	b.WriteString("\n\n")
	if len(pctx.outputs) > 0 {
		b.WriteString("Prior agent notes:\n")
		for id, out := range pctx.snapshot() {
			fmt.Fprintf(&b, "- %s: %s\n", id, out)
		}
	}
	b.WriteString("\nMessage: ")
	b.WriteString(event.Message)

	client, err := e.Connections.Resolve(ctx, agent.Settings.ConnectionID)
	if err != nil {
		return "", err
	}
	return client.Chat(ctx, b.String(), chatOptions(agent))
}

// chatOptions maps an agent's settings onto one LLM call: temperature and
// token budget always, plus a per-agent model override when set.
func chatOptions(agent domain.Agent) collab.ChatOptions {
	return collab.ChatOptions{
		Temperature: agent.Settings.Temperature,
		MaxTokens:   agent.Settings.MaxTokens,
		Model:       agent.Settings.ModelID,
	}
}

// pipelineContext carries the incoming payload plus every pre-process
// agent's output so far, safe for concurrent reads once main-stage agents
// start.
type pipelineContext struct {
	mu      sync.Mutex
	payload map[string]any
	outputs map[string]string
}

func (p *pipelineContext) append(agentID, output string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outputs[agentID] = output
}

func (p *pipelineContext) snapshot() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.outputs))
	for k, v := range p.outputs {
		out[k] = v
	}
	return out
}

// activeSorted filters to active agents and sorts ascending by priority,
// stable on insertion order.
func activeSorted(agents []domain.InboxAgentRef) []domain.InboxAgentRef {
	active := make([]domain.InboxAgentRef, 0, len(agents))
	for _, a := range agents {
		if a.IsActive {
			active = append(active, a)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Priority < active[j].Priority })
	return active
}

// bucket splits an already-sorted active agent list into the three
// execution bands.
func bucket(active []domain.InboxAgentRef) (pre, main, post []domain.InboxAgentRef) {
	for _, a := range active {
		switch domain.StageFor(a.Priority) {
		case domain.StagePreProcess:
			pre = append(pre, a)
		case domain.StageMain:
			main = append(main, a)
		default:
			post = append(post, a)
		}
	}
	return
}
