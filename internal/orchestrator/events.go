package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/local/audiobooker/internal/book"
)

// EventKind names a progress event.
type EventKind string

const (
	EventStageStarted   EventKind = "stage_started"
	EventStageCompleted EventKind = "stage_completed"
	EventStageSkipped   EventKind = "stage_skipped"
	EventStageFailed    EventKind = "stage_failed"
	EventChapterDone    EventKind = "chapter_done"
	EventChapterFailed  EventKind = "chapter_failed"
	EventWarning        EventKind = "warning"
	EventFinished       EventKind = "finished"
)

// Event reports pipeline progress for one book.
type Event struct {
	Kind    EventKind     `json:"kind"`
	BookID  string        `json:"book_id"`
	Stage   book.Stage    `json:"stage,omitempty"`
	Chapter int           `json:"chapter,omitempty"`
	Message string        `json:"message,omitempty"`
	Warning *book.Warning `json:"warning,omitempty"`
	Status  book.Status   `json:"status,omitempty"`
	Time    time.Time     `json:"time"`
}

// Outcome is the final state of one pipeline run.
type Outcome struct {
	BookID         string
	Status         book.Status
	Stage          book.Stage
	FailedChapters []int
}

// Handle controls a pipeline run started in the background.
type Handle struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	outcome Outcome
	err     error
	dropped int
}

// Events delivers progress events. The channel is closed when the run
// ends. Events are dropped when the buffer is full.
func (h *Handle) Events() <-chan Event { return h.events }

// Cancel stops the run. Chapters in flight are abandoned and the book is
// left partial.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed when the run ends.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run ends.
func (h *Handle) Wait() (Outcome, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome, h.err
}

// Dropped counts events lost to a full buffer.
func (h *Handle) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Handle) emit(ev Event) {
	if h == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case h.events <- ev:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
	}
}
