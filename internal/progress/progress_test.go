package progress

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJob_PublishFansOutToSubscribers(t *testing.T) {
	job := NewJob()
	ch, unsub := job.Subscribe()
	defer unsub()

	job.Publish(Event{Type: "progress", Phase: PhaseCrawling, CurrentPage: 1, Percentage: 10})

	e := <-ch
	require.Equal(t, PhaseCrawling, e.Phase)
	require.Equal(t, 1, e.CurrentPage)
}

func TestJob_CompleteClosesSubscribers(t *testing.T) {
	job := NewJob()
	ch, _ := job.Subscribe()

	job.Complete(Event{Type: "complete", Phase: PhaseComplete, Percentage: 100})

	// drain the complete event, then expect the channel closed
	<-ch
	_, ok := <-ch
	require.False(t, ok)
}

func TestJob_SlowSubscriberDropsOldestRatherThanBlocking(t *testing.T) {
	job := NewJob()
	ch, unsub := job.Subscribe()
	defer unsub()

	for i := 0; i < subscriberBufferSize+5; i++ {
		job.Publish(Event{Type: "progress", CurrentPage: i})
	}
	// Publish must not have blocked; the channel should hold at most
	// subscriberBufferSize events.
	require.LessOrEqual(t, len(ch), subscriberBufferSize)
}

func TestJob_LateSubscriberReceivesBacklog(t *testing.T) {
	job := NewJob()
	job.Publish(Event{Type: "progress", CurrentPage: 1})
	job.Publish(Event{Type: "progress", CurrentPage: 2})

	ch, unsub := job.Subscribe()
	defer unsub()

	e1 := <-ch
	e2 := <-ch
	require.Equal(t, 1, e1.CurrentPage)
	require.Equal(t, 2, e2.CurrentPage)
}

func TestWriteSSE_EncodesDataFrames(t *testing.T) {
	job := NewJob()
	ch, unsub := job.Subscribe()
	defer unsub()
	job.Complete(Event{Type: "complete", Phase: PhaseComplete, Percentage: 100})

	var buf bytes.Buffer
	err := WriteSSE(t.Context(), &buf, func() {}, ch, func(e Event) ([]byte, error) {
		return json.Marshal(e)
	})
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"phase":"complete"`)
	require.Contains(t, buf.String(), "data: ")
}
