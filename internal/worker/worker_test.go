package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/local/audiobooker/internal/book"
	"github.com/local/audiobooker/internal/chapters"
	"github.com/local/audiobooker/internal/orchestrator"
	"github.com/local/audiobooker/internal/queue"
	"github.com/local/audiobooker/internal/store"
)

type fakeQueue struct {
	mu        sync.Mutex
	acked     []string
	delayed   []queue.Job
	dlq       []string
	cancelled map[string]bool
}

func newFakeQueue() *fakeQueue { return &fakeQueue{cancelled: map[string]bool{}} }

func (q *fakeQueue) Dequeue(ctx context.Context, _ string, _ time.Duration) (string, queue.Job, error) {
	<-ctx.Done()
	return "", queue.Job{}, ctx.Err()
}

func (q *fakeQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, id)
	return nil
}

func (q *fakeQueue) EnqueueDelayed(_ context.Context, job queue.Job, _ time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, job)
	return nil
}

func (q *fakeQueue) AddDLQ(_ context.Context, job queue.Job, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq = append(q.dlq, job.BookID+": "+reason)
	return nil
}

func (q *fakeQueue) IsCancelled(_ context.Context, bookID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[bookID], nil
}

func (q *fakeQueue) cancel(bookID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled[bookID] = true
}

type runnerFunc func(ctx context.Context, req orchestrator.Request) (orchestrator.Outcome, error)

func (f runnerFunc) Run(ctx context.Context, req orchestrator.Request) (orchestrator.Outcome, error) {
	return f(ctx, req)
}

func testPool(q Queue, r Runner, st store.Store) *Pool {
	return New(Config{
		Concurrency:    1,
		MaxAttempts:    3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  time.Minute,
		CancelPoll:     5 * time.Millisecond,
		ConsumerPrefix: "test",
	}, q, r, st)
}

func TestHandleSuccessAcks(t *testing.T) {
	q := newFakeQueue()
	var got orchestrator.Request
	p := testPool(q, runnerFunc(func(_ context.Context, req orchestrator.Request) (orchestrator.Outcome, error) {
		got = req
		return orchestrator.Outcome{BookID: req.BookID, Status: book.StatusCompleted}, nil
	}), nil)

	p.handle(context.Background(), 0, "1-0", queue.Job{BookID: "b1", RunID: "r1", SourceRef: "s3://b/k.pdf", Voice: "nova", Attempt: 1})

	if got.BookID != "b1" || got.SourceRef != "s3://b/k.pdf" || got.Voice != "nova" || got.RunID != "r1" {
		t.Fatalf("request = %+v", got)
	}
	if len(q.acked) != 1 || len(q.delayed) != 0 || len(q.dlq) != 0 {
		t.Fatalf("acked=%v delayed=%v dlq=%v", q.acked, q.delayed, q.dlq)
	}
}

func TestHandleRetriesTransientFailure(t *testing.T) {
	q := newFakeQueue()
	p := testPool(q, runnerFunc(func(context.Context, orchestrator.Request) (orchestrator.Outcome, error) {
		return orchestrator.Outcome{Status: book.StatusFailed}, errors.New("extract: storage unavailable")
	}), nil)

	p.handle(context.Background(), 0, "1-0", queue.Job{BookID: "b1", Attempt: 1})
	if len(q.delayed) != 1 || q.delayed[0].Attempt != 2 {
		t.Fatalf("delayed = %+v", q.delayed)
	}

	p.handle(context.Background(), 0, "2-0", queue.Job{BookID: "b1", Attempt: 3})
	if len(q.dlq) != 1 || len(q.delayed) != 1 {
		t.Fatalf("exhausted attempts: dlq=%v delayed=%d", q.dlq, len(q.delayed))
	}
	if len(q.acked) != 2 {
		t.Fatalf("acked = %v", q.acked)
	}
}

func TestHandlePermanentFailureGoesToDLQ(t *testing.T) {
	q := newFakeQueue()
	p := testPool(q, runnerFunc(func(context.Context, orchestrator.Request) (orchestrator.Outcome, error) {
		return orchestrator.Outcome{Status: book.StatusFailed}, fmt.Errorf("resolve: %w", chapters.ErrNoChapters)
	}), nil)

	p.handle(context.Background(), 0, "1-0", queue.Job{BookID: "b1", Attempt: 1})
	if len(q.dlq) != 1 || len(q.delayed) != 0 {
		t.Fatalf("dlq=%v delayed=%v", q.dlq, q.delayed)
	}
}

func TestHandleSkipsCancelledBook(t *testing.T) {
	q := newFakeQueue()
	q.cancel("b1")
	st := store.NewMemory()
	ctx := context.Background()
	if err := st.SaveRecord(ctx, book.Record{BookID: "b1", Status: book.StatusQueued, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	ran := false
	p := testPool(q, runnerFunc(func(context.Context, orchestrator.Request) (orchestrator.Outcome, error) {
		ran = true
		return orchestrator.Outcome{}, nil
	}), st)

	p.handle(ctx, 0, "1-0", queue.Job{BookID: "b1", Attempt: 1})
	if ran {
		t.Fatal("cancelled book was run")
	}
	rec, err := st.GetRecord(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != book.StatusPartial {
		t.Fatalf("status = %s, want partial", rec.Status)
	}
	if len(q.acked) != 1 {
		t.Fatalf("acked = %v", q.acked)
	}
}

func TestHandleCancelsRunningBook(t *testing.T) {
	q := newFakeQueue()
	started := make(chan struct{})
	p := testPool(q, runnerFunc(func(ctx context.Context, _ orchestrator.Request) (orchestrator.Outcome, error) {
		close(started)
		<-ctx.Done()
		return orchestrator.Outcome{Status: book.StatusPartial}, ctx.Err()
	}), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.handle(context.Background(), 0, "1-0", queue.Job{BookID: "b1", Attempt: 1})
	}()
	<-started
	q.cancel("b1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run was not cancelled")
	}
	if len(q.delayed) != 0 || len(q.dlq) != 0 {
		t.Fatalf("cancelled book was rescheduled: delayed=%v dlq=%v", q.delayed, q.dlq)
	}
}

func TestHandleRequeuesOnShutdown(t *testing.T) {
	q := newFakeQueue()
	ctx, cancel := context.WithCancel(context.Background())
	p := testPool(q, runnerFunc(func(ctx context.Context, _ orchestrator.Request) (orchestrator.Outcome, error) {
		cancel()
		return orchestrator.Outcome{Status: book.StatusPartial}, ctx.Err()
	}), nil)

	p.handle(ctx, 0, "1-0", queue.Job{BookID: "b1", Attempt: 2})
	if len(q.delayed) != 1 || q.delayed[0].Attempt != 2 {
		t.Fatalf("delayed = %+v", q.delayed)
	}
}

func TestStartStop(t *testing.T) {
	q := newFakeQueue()
	p := testPool(q, runnerFunc(func(context.Context, orchestrator.Request) (orchestrator.Outcome, error) {
		return orchestrator.Outcome{}, nil
	}), nil)
	p.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, 10*time.Second
	if d := Backoff(base, max, 1); d < base || d > base+base/5 {
		t.Fatalf("attempt 1: %s", d)
	}
	if d := Backoff(base, max, 3); d < 4*time.Second || d > 4*time.Second+800*time.Millisecond {
		t.Fatalf("attempt 3: %s", d)
	}
	if d := Backoff(base, max, 20); d < max || d > max+max/5 {
		t.Fatalf("attempt 20: %s", d)
	}
}
