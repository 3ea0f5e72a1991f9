package queue

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "strings"
    "time"

    redis "github.com/redis/go-redis/v9"
    "github.com/rs/zerolog/log"
)

// Job asks a worker to run the pipeline for one book.
type Job struct {
    BookID     string    `json:"book_id"`
    RunID      string    `json:"run_id"`
    SourceRef  string    `json:"source_ref"`
    Voice      string    `json:"voice,omitempty"`
    Force      bool      `json:"force,omitempty"`
    Attempt    int       `json:"attempt"`
    EnqueuedAt time.Time `json:"enqueued_at"`
}

// RedisQueue implements Redis Streams + consumer groups with a delayed ZSET mover.
type RedisQueue struct {
    client       *redis.Client
    // streams / groups
    Stream       string
    Group        string
    // keys
    CancelKey    string
    DelayedKey   string
    DLQStream    string
    // mover control
    pollInterval time.Duration
    stop         chan struct{}
}

// NewRedisQueue connects to Redis, ensures stream & group, and starts delayed mover.
func NewRedisQueue(redisURL, stream, group string, poll time.Duration) (*RedisQueue, error) {
    opt, err := redis.ParseURL(redisURL)
    if err != nil {
        return nil, fmt.Errorf("parse redis url: %w", err)
    }
    c := redis.NewClient(opt)
    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()
    if err := c.Ping(ctx).Err(); err != nil {
        return nil, fmt.Errorf("redis ping: %w", err)
    }
    q := &RedisQueue{
        client:       c,
        Stream:       stream,
        Group:        group,
        CancelKey:    stream + ":cancelled",
        DelayedKey:   stream + ":delayed",
        DLQStream:    stream + ":dlq",
        pollInterval: poll,
        stop:         make(chan struct{}),
    }
    // MKSTREAM creates the stream if missing
    if err := c.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil && !isBusyGroupErr(err) {
        return nil, fmt.Errorf("xgroup create: %w", err)
    }
    go q.mover()
    return q, nil
}

func isBusyGroupErr(err error) bool {
    if err == nil { return false }
    // go-redis may return a generic error string from Redis
    return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func (q *RedisQueue) Close() error {
    close(q.stop)
    return q.client.Close()
}

// Client returns the underlying Redis client
func (q *RedisQueue) Client() *redis.Client { return q.client }

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// Enqueue adds a job to the stream as a single-field entry {data: <json>}.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
    if job.EnqueuedAt.IsZero() { job.EnqueuedAt = time.Now().UTC() }
    if job.Attempt <= 0 { job.Attempt = 1 }
    b, err := json.Marshal(job)
    if err != nil { return err }
    return q.client.XAdd(ctx, &redis.XAddArgs{
        Stream: q.Stream,
        Values: map[string]any{"data": string(b)},
    }).Err()
}

// EnqueueDelayed schedules a job for later execution via ZSET.
func (q *RedisQueue) EnqueueDelayed(ctx context.Context, job Job, executeAt time.Time) error {
    b, err := json.Marshal(job)
    if err != nil { return err }
    return q.client.ZAdd(ctx, q.DelayedKey, redis.Z{Score: float64(executeAt.Unix()), Member: string(b)}).Err()
}

// Dequeue reads one message from the consumer group. An empty message id
// means the block timeout passed without work. Undecodable entries are
// acked and moved to the DLQ.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, Job, error) {
    res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
        Group:    q.Group,
        Consumer: consumer,
        Streams:  []string{q.Stream, ">"},
        Count:    1,
        Block:    timeout,
    }).Result()
    if err != nil {
        if errors.Is(err, redis.Nil) { return "", Job{}, nil }
        return "", Job{}, err
    }
    if len(res) == 0 || len(res[0].Messages) == 0 { return "", Job{}, nil }
    msg := res[0].Messages[0]
    var raw string
    switch t := msg.Values["data"].(type) {
    case string:
        raw = t
    case []byte:
        raw = string(t)
    }
    var job Job
    if err := json.Unmarshal([]byte(raw), &job); err != nil || job.BookID == "" {
        log.Error().Err(err).Str("msg_id", msg.ID).Msg("undecodable job - moving to DLQ")
        _ = q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.DLQStream, Values: map[string]any{"data": raw, "reason": "undecodable"}}).Err()
        _ = q.Ack(ctx, msg.ID)
        return "", Job{}, nil
    }
    return msg.ID, job, nil
}

// Ack marks a message as processed.
func (q *RedisQueue) Ack(ctx context.Context, msgID string) error {
    if msgID == "" { return nil }
    return q.client.XAck(ctx, q.Stream, q.Group, msgID).Err()
}

// CancelBook marks a book as cancelled. Workers check this before and
// while processing.
func (q *RedisQueue) CancelBook(ctx context.Context, bookID string) error {
    return q.client.SAdd(ctx, q.CancelKey, bookID).Err()
}

// ClearCancel lifts a cancellation so the book can be resumed.
func (q *RedisQueue) ClearCancel(ctx context.Context, bookID string) error {
    return q.client.SRem(ctx, q.CancelKey, bookID).Err()
}

// IsCancelled returns true if the book is cancelled.
func (q *RedisQueue) IsCancelled(ctx context.Context, bookID string) (bool, error) {
    return q.client.SIsMember(ctx, q.CancelKey, bookID).Result()
}

// AddDLQ pushes a failed job to DLQ stream with reason.
func (q *RedisQueue) AddDLQ(ctx context.Context, job Job, reason string) error {
    b, err := json.Marshal(job)
    if err != nil { return err }
    return q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.DLQStream, Values: map[string]any{"data": string(b), "reason": reason}}).Err()
}

// mover periodically moves due delayed jobs from ZSET into the stream.
func (q *RedisQueue) mover() {
    if q.pollInterval <= 0 { q.pollInterval = 200 * time.Millisecond }
    ticker := time.NewTicker(q.pollInterval)
    defer ticker.Stop()
    for {
        select {
        case <-q.stop:
            return
        case <-ticker.C:
            q.moveOnce()
        }
    }
}

func (q *RedisQueue) moveOnce() {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    now := time.Now().Unix()
    // Fetch up to 100 ready items
    vals, err := q.client.ZRangeByScore(ctx, q.DelayedKey, &redis.ZRangeBy{
        Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: 100,
    }).Result()
    if err != nil || len(vals) == 0 { return }
    pipe := q.client.TxPipeline()
    for _, s := range vals {
        pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.Stream, Values: map[string]any{"data": s}})
        pipe.ZRem(ctx, q.DelayedKey, s)
    }
    if _, err := pipe.Exec(ctx); err != nil {
        log.Warn().Err(err).Int("jobs", len(vals)).Msg("failed to move delayed jobs")
    }
}

// Depths returns approximate stream/deferred/dlq lengths for metrics.
func (q *RedisQueue) Depths(ctx context.Context) (int64, int64, int64, error) {
    pipe := q.client.Pipeline()
    xlen := pipe.XLen(ctx, q.Stream)
    zcard := pipe.ZCard(ctx, q.DelayedKey)
    dxlen := pipe.XLen(ctx, q.DLQStream)
    _, err := pipe.Exec(ctx)
    if err != nil { return 0, 0, 0, err }
    return xlen.Val(), zcard.Val(), dxlen.Val(), nil
}
