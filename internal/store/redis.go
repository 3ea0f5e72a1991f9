package store

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "strconv"
    "time"

    "github.com/google/uuid"
    redis "github.com/redis/go-redis/v9"

    "github.com/local/audiobooker/internal/book"
)

// releaseLock deletes the lock key only when it still holds our token.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis stores book state in Redis hashes, lists and a sorted set of book ids.
type Redis struct {
    client  *redis.Client
    keyNS   string
    lockTTL time.Duration
    // lockPoll is the wait between attempts to take a held lock.
    lockPoll time.Duration
}

func NewRedis(redisURL string) (*Redis, error) {
    opt, err := redis.ParseURL(redisURL)
    if err != nil { return nil, fmt.Errorf("parse redis url: %w", err) }
    c := redis.NewClient(opt)
    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()
    if err := c.Ping(ctx).Err(); err != nil { return nil, fmt.Errorf("redis ping: %w", err) }
    return NewRedisWithClient(c), nil
}

func NewRedisWithClient(c *redis.Client) *Redis {
    return &Redis{client: c, keyNS: "book", lockTTL: 30 * time.Second, lockPoll: 50 * time.Millisecond}
}

func (s *Redis) Close() error { return s.client.Close() }

// Client returns the underlying Redis client
func (s *Redis) Client() *redis.Client { return s.client }

func (s *Redis) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Redis) key(bookID, part string) string { return fmt.Sprintf("%s:%s:%s", s.keyNS, bookID, part) }

func (s *Redis) indexKey() string { return s.keyNS + "s:index" }

func (s *Redis) SaveRecord(ctx context.Context, rec book.Record) error {
    b, err := json.Marshal(rec)
    if err != nil { return err }
    score := float64(rec.CreatedAt.UnixNano())
    pipe := s.client.TxPipeline()
    pipe.Set(ctx, s.key(rec.BookID, "record"), b, 0)
    pipe.ZAddNX(ctx, s.indexKey(), redis.Z{Score: score, Member: rec.BookID})
    _, err = pipe.Exec(ctx)
    return err
}

func (s *Redis) GetRecord(ctx context.Context, bookID string) (book.Record, error) {
    b, err := s.client.Get(ctx, s.key(bookID, "record")).Bytes()
    if errors.Is(err, redis.Nil) { return book.Record{}, ErrNotFound }
    if err != nil { return book.Record{}, err }
    var rec book.Record
    if err := json.Unmarshal(b, &rec); err != nil {
        return book.Record{}, fmt.Errorf("decode record %s: %w", bookID, err)
    }
    return rec, nil
}

// ListRecords returns every record, newest first.
func (s *Redis) ListRecords(ctx context.Context) ([]book.Record, error) {
    ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
    if err != nil { return nil, err }
    out := make([]book.Record, 0, len(ids))
    for _, id := range ids {
        rec, err := s.GetRecord(ctx, id)
        if errors.Is(err, ErrNotFound) { continue }
        if err != nil { return nil, err }
        out = append(out, rec)
    }
    return out, nil
}

func (s *Redis) SavePages(ctx context.Context, bookID string, pages []book.Page) error {
    key := s.key(bookID, "pages")
    pipe := s.client.TxPipeline()
    pipe.Del(ctx, key)
    if len(pages) > 0 {
        m := make(map[string]interface{}, len(pages))
        for _, p := range pages { m[strconv.Itoa(p.Index)] = p.Text }
        pipe.HSet(ctx, key, m)
    }
    _, err := pipe.Exec(ctx)
    return err
}

func (s *Redis) GetPages(ctx context.Context, bookID string) ([]book.Page, error) {
    res, err := s.client.HGetAll(ctx, s.key(bookID, "pages")).Result()
    if err != nil { return nil, err }
    out := make([]book.Page, 0, len(res))
    for k, v := range res {
        i, err := strconv.Atoi(k)
        if err != nil { continue }
        out = append(out, book.Page{Index: i, Text: v})
    }
    sortPages(out)
    return out, nil
}

func (s *Redis) SaveChapters(ctx context.Context, bookID string, chs []book.ChapterRecord) error {
    key := s.key(bookID, "chapters")
    pipe := s.client.TxPipeline()
    pipe.Del(ctx, key)
    if len(chs) > 0 {
        m := make(map[string]interface{}, len(chs))
        for _, ch := range chs {
            b, err := json.Marshal(ch)
            if err != nil { return err }
            m[strconv.Itoa(ch.Index)] = string(b)
        }
        pipe.HSet(ctx, key, m)
    }
    _, err := pipe.Exec(ctx)
    return err
}

func (s *Redis) SaveChapter(ctx context.Context, bookID string, ch book.ChapterRecord) error {
    b, err := json.Marshal(ch)
    if err != nil { return err }
    return s.client.HSet(ctx, s.key(bookID, "chapters"), strconv.Itoa(ch.Index), string(b)).Err()
}

func (s *Redis) GetChapters(ctx context.Context, bookID string) ([]book.ChapterRecord, error) {
    res, err := s.client.HGetAll(ctx, s.key(bookID, "chapters")).Result()
    if err != nil { return nil, err }
    out := make([]book.ChapterRecord, 0, len(res))
    for k, v := range res {
        var ch book.ChapterRecord
        if err := json.Unmarshal([]byte(v), &ch); err != nil {
            return nil, fmt.Errorf("decode chapter %s/%s: %w", bookID, k, err)
        }
        out = append(out, ch)
    }
    sortChapters(out)
    return out, nil
}

func (s *Redis) AppendLog(ctx context.Context, bookID string, entry book.LogEntry) error {
    b, err := json.Marshal(entry)
    if err != nil { return err }
    key := s.key(bookID, "logs")
    pipe := s.client.TxPipeline()
    pipe.RPush(ctx, key, string(b))
    pipe.LTrim(ctx, key, -maxLogEntries, -1)
    _, err = pipe.Exec(ctx)
    return err
}

func (s *Redis) GetLogs(ctx context.Context, bookID string) ([]book.LogEntry, error) {
    res, err := s.client.LRange(ctx, s.key(bookID, "logs"), 0, -1).Result()
    if err != nil { return nil, err }
    out := make([]book.LogEntry, 0, len(res))
    for _, v := range res {
        var e book.LogEntry
        if err := json.Unmarshal([]byte(v), &e); err != nil { continue }
        out = append(out, e)
    }
    return out, nil
}

func (s *Redis) SaveManifest(ctx context.Context, bookID string, data []byte) error {
    return s.client.Set(ctx, s.key(bookID, "manifest"), data, 0).Err()
}

func (s *Redis) GetManifest(ctx context.Context, bookID string) ([]byte, error) {
    b, err := s.client.Get(ctx, s.key(bookID, "manifest")).Bytes()
    if errors.Is(err, redis.Nil) { return nil, ErrNotFound }
    return b, err
}

func (s *Redis) DeleteBook(ctx context.Context, bookID string) error {
    pipe := s.client.TxPipeline()
    for _, part := range []string{"record", "pages", "chapters", "logs", "manifest"} {
        pipe.Del(ctx, s.key(bookID, part))
    }
    pipe.ZRem(ctx, s.indexKey(), bookID)
    _, err := pipe.Exec(ctx)
    return err
}

// WithBookLock takes a SET NX lock with a random token, polling until it is
// free or ctx ends. The lock expires after lockTTL so a crashed worker
// cannot hold it forever.
func (s *Redis) WithBookLock(ctx context.Context, bookID string, fn func(ctx context.Context) error) error {
    key := s.key(bookID, "lock")
    token := uuid.NewString()
    for {
        ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
        if err != nil { return fmt.Errorf("acquire book lock: %w", err) }
        if ok { break }
        select {
        case <-ctx.Done():
            return fmt.Errorf("%w: %w", ErrLocked, ctx.Err())
        case <-time.After(s.lockPoll):
        }
    }
    defer func() {
        rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
        defer cancel()
        _ = releaseLock.Run(rctx, s.client, []string{key}, token).Err()
    }()
    return fn(ctx)
}
