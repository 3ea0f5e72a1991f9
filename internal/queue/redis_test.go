package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	// the mover is driven by hand through moveOnce
	q, err := NewRedisQueue("redis://"+mr.Addr(), "books", "workers", time.Hour)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func depths(t *testing.T, q *RedisQueue) (int64, int64, int64) {
	t.Helper()
	stream, delayed, dlq, err := q.Depths(context.Background())
	if err != nil {
		t.Fatalf("depths: %v", err)
	}
	return stream, delayed, dlq
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, Job{BookID: "b1", RunID: "r1", SourceRef: "s3://books/b1.pdf", Force: true}); err != nil {
		t.Fatal(err)
	}
	id, job, err := q.Dequeue(ctx, "c1", 50*time.Millisecond)
	if err != nil || id == "" {
		t.Fatalf("dequeue: id=%q err=%v", id, err)
	}
	if job.BookID != "b1" || job.RunID != "r1" || !job.Force || job.Attempt != 1 || job.EnqueuedAt.IsZero() {
		t.Fatalf("job = %+v", job)
	}

	pending, err := q.Client().XPending(ctx, q.Stream, q.Group).Result()
	if err != nil || pending.Count != 1 {
		t.Fatalf("pending before ack = %+v err=%v", pending, err)
	}
	if err := q.Ack(ctx, id); err != nil {
		t.Fatal(err)
	}
	pending, _ = q.Client().XPending(ctx, q.Stream, q.Group).Result()
	if pending.Count != 0 {
		t.Fatalf("pending after ack = %d", pending.Count)
	}

	id, _, err = q.Dequeue(ctx, "c1", 20*time.Millisecond)
	if err != nil || id != "" {
		t.Fatalf("empty stream: id=%q err=%v", id, err)
	}
}

func TestDequeueMovesUndecodableEntriesToDLQ(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	for _, data := range []string{"{not json", `{"run_id":"r1"}`} {
		if err := q.Client().XAdd(ctx, &redis.XAddArgs{Stream: q.Stream, Values: map[string]any{"data": data}}).Err(); err != nil {
			t.Fatal(err)
		}
		id, _, err := q.Dequeue(ctx, "c1", 50*time.Millisecond)
		if err != nil || id != "" {
			t.Fatalf("%s: id=%q err=%v", data, id, err)
		}
	}
	if _, _, dlq := depths(t, q); dlq != 2 {
		t.Fatalf("dlq depth = %d", dlq)
	}
	pending, _ := q.Client().XPending(ctx, q.Stream, q.Group).Result()
	if pending.Count != 0 {
		t.Fatalf("undecodable entries left pending: %d", pending.Count)
	}
}

func TestDelayedJobsMoveWhenDue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.EnqueueDelayed(ctx, Job{BookID: "due", Attempt: 2}, time.Now().Add(-time.Second))
	_ = q.EnqueueDelayed(ctx, Job{BookID: "later", Attempt: 2}, time.Now().Add(time.Hour))
	q.moveOnce()

	if stream, delayed, _ := depths(t, q); stream != 1 || delayed != 1 {
		t.Fatalf("stream=%d delayed=%d", stream, delayed)
	}
	_, job, err := q.Dequeue(ctx, "c1", 50*time.Millisecond)
	if err != nil || job.BookID != "due" || job.Attempt != 2 {
		t.Fatalf("dequeue: %+v err=%v", job, err)
	}
}

func TestCancelAndDLQ(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if ok, _ := q.IsCancelled(ctx, "b1"); ok {
		t.Fatal("book cancelled before CancelBook")
	}
	_ = q.CancelBook(ctx, "b1")
	if ok, err := q.IsCancelled(ctx, "b1"); err != nil || !ok {
		t.Fatalf("cancel not recorded: %v", err)
	}
	_ = q.ClearCancel(ctx, "b1")
	if ok, _ := q.IsCancelled(ctx, "b1"); ok {
		t.Fatal("cancel not cleared")
	}

	if err := q.AddDLQ(ctx, Job{BookID: "b1", Attempt: 3}, "max attempts"); err != nil {
		t.Fatal(err)
	}
	msgs, err := q.Client().XRange(ctx, q.DLQStream, "-", "+").Result()
	if err != nil || len(msgs) != 1 || msgs[0].Values["reason"] != "max attempts" {
		t.Fatalf("dlq = %+v err=%v", msgs, err)
	}
}
