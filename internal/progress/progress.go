// Package progress is an in-process publish/subscribe broker for
// long-running jobs (crawls, ingestion runs), surfaced over HTTP as
// Server-Sent Events: one producer owns a job, any number of subscribers
// may drain it.
package progress

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Phase names a stage of a long-running job's lifecycle.
type Phase string

const (
	PhaseStarting   Phase = "starting"
	PhaseCrawling   Phase = "crawling"
	PhaseProcessing Phase = "processing"
	PhaseRAG        Phase = "rag"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
)

// Event is one frame of a streaming job's lifecycle.
type Event struct {
	Type        string `json:"type"` // "progress" | "complete" | "error"
	Phase       Phase  `json:"phase"`
	Message     string `json:"message"`
	CurrentPage int    `json:"currentPage,omitempty"`
	TotalPages  int    `json:"totalPages,omitempty"`
	Percentage  int    `json:"percentage"`
	CurrentURL  string `json:"currentUrl,omitempty"`
	Data        any    `json:"data,omitempty"`
}

// subscriberBufferSize bounds each subscriber's event backlog.
const subscriberBufferSize = 16

// Job is a single long-running task's event stream: one producer, any
// number of subscribers.
type Job struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	done        bool
	last        []Event // small backlog for subscribers that attach late
}

// NewJob starts an empty Job ready to accept subscribers and publishes.
func NewJob() *Job {
	return &Job{subscribers: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events. The caller must call unsubscribe
// when it stops draining (e.g. on client disconnect); the producer keeps
// running to completion regardless.
func (j *Job) Subscribe() (ch chan Event, unsubscribe func()) {
	ch = make(chan Event, subscriberBufferSize)
	j.mu.Lock()
	for _, e := range j.last {
		select {
		case ch <- e:
		default:
		}
	}
	j.subscribers[ch] = struct{}{}
	closed := j.done
	j.mu.Unlock()
	if closed {
		close(ch)
	}
	return ch, func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if _, ok := j.subscribers[ch]; ok {
			delete(j.subscribers, ch)
			close(ch)
		}
	}
}

// Publish fans e out to every current subscriber. A slow subscriber has its
// oldest buffered event dropped to make room rather than blocking the
// producer.
func (j *Job) Publish(e Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return
	}
	j.last = append(j.last, e)
	if len(j.last) > subscriberBufferSize {
		j.last = j.last[1:]
	}
	for ch := range j.subscribers {
		select {
		case ch <- e:
		default:
			// drop oldest, then retry once
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}

// Complete publishes e (expected Type=="complete" or "error") and closes
// every subscriber channel; further Publish calls are no-ops.
func (j *Job) Complete(e Event) {
	j.Publish(e)
	j.mu.Lock()
	defer j.mu.Unlock()
	j.done = true
	for ch := range j.subscribers {
		close(ch)
	}
	j.subscribers = make(map[chan Event]struct{})
}

// WriteSSE drains ch as Server-Sent Events onto w until ch closes or ctx is
// done, flushing after every frame the way internal/agents/stream.go does.
func WriteSSE(ctx context.Context, w io.Writer, flush func(), ch <-chan Event, encode func(Event) ([]byte, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			body, err := encode(e)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
				return err
			}
			flush()
		}
	}
}
