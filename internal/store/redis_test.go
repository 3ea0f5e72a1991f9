package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/local/audiobooker/internal/book"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	s.lockPoll = time.Millisecond
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedis(t)

	if _, err := s.GetRecord(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SaveRecord(ctx, book.Record{BookID: "old", Title: "Tides", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRecord(ctx, book.Record{BookID: "new", CreatedAt: base.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	recs, err := s.ListRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].BookID != "new" || recs[1].Title != "Tides" {
		t.Fatalf("expected newest first, got %+v", recs)
	}

	rec, err := UpdateRecord(ctx, s, "old", func(r *book.Record) { r.Status = book.StatusPartial })
	if err != nil || rec.Status != book.StatusPartial {
		t.Fatalf("update: %v %+v", err, rec)
	}
	if got, _ := s.GetRecord(ctx, "old"); got.Status != book.StatusPartial || !got.CreatedAt.Equal(base) {
		t.Fatalf("update not persisted: %+v", got)
	}
}

func TestRedisChaptersReplaceAndOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedis(t)

	var chs []book.ChapterRecord
	for _, i := range []int{10, 2, 1, 3} {
		chs = append(chs, book.ChapterRecord{ResolvedChapter: book.ResolvedChapter{Index: i}})
	}
	if err := s.SaveChapters(ctx, "b", chs); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetChapters(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 || got[0].Index != 1 || got[2].Index != 3 || got[3].Index != 10 {
		t.Fatalf("chapters out of order: %+v", got)
	}

	// a new resolution replaces the previous set
	if err := s.SaveChapters(ctx, "b", chs[2:]); err != nil {
		t.Fatal(err)
	}
	if err := UpdateChapter(ctx, s, "b", 3, func(c *book.ChapterRecord) { c.SummaryStatus = book.WorkDone }); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetChapters(ctx, "b")
	if len(got) != 2 || got[0].Index != 1 || got[1].SummaryStatus != book.WorkDone {
		t.Fatalf("unexpected chapters after replace: %+v", got)
	}
	if err := s.SaveChapters(ctx, "b", nil); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetChapters(ctx, "b"); len(got) != 0 {
		t.Fatalf("expected no chapters, got %+v", got)
	}
}

func TestRedisPagesLogsAndManifest(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedis(t)

	_ = s.SavePages(ctx, "b", []book.Page{{Index: 12, Text: "twelve"}, {Index: 2, Text: "two"}})
	pages, _ := s.GetPages(ctx, "b")
	if len(pages) != 2 || pages[0].Index != 2 || pages[1].Text != "twelve" {
		t.Fatalf("pages = %+v", pages)
	}

	for i := 1; i <= 3; i++ {
		_ = s.AppendLog(ctx, "b", book.LogEntry{Stage: book.StageSummarize, Chapter: i})
	}
	logs, _ := s.GetLogs(ctx, "b")
	if len(logs) != 3 || logs[0].Chapter != 1 || logs[2].Chapter != 3 {
		t.Fatalf("logs = %+v", logs)
	}

	if _, err := s.GetManifest(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = s.SaveManifest(ctx, "b", []byte(`{"book_id":"b"}`))
	if b, err := s.GetManifest(ctx, "b"); err != nil || string(b) != `{"book_id":"b"}` {
		t.Fatalf("manifest round trip: %v %q", err, b)
	}
}

func TestRedisDeleteBook(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)

	_ = s.SaveRecord(ctx, book.Record{BookID: "b"})
	_ = s.SaveRecord(ctx, book.Record{BookID: "keep"})
	_ = s.SavePages(ctx, "b", []book.Page{{Index: 1, Text: "x"}})
	_ = s.SaveChapters(ctx, "b", []book.ChapterRecord{{ResolvedChapter: book.ResolvedChapter{Index: 1}}})
	_ = s.AppendLog(ctx, "b", book.LogEntry{Stage: book.StageExtract})
	_ = s.SaveManifest(ctx, "b", []byte(`{}`))

	if err := s.DeleteBook(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	for _, part := range []string{"record", "pages", "chapters", "logs", "manifest"} {
		if mr.Exists(s.key("b", part)) {
			t.Fatalf("%s still present", part)
		}
	}
	recs, _ := s.ListRecords(ctx)
	if len(recs) != 1 || recs[0].BookID != "keep" {
		t.Fatalf("index not updated: %+v", recs)
	}
}

func TestRedisLockSerializesWrites(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)
	_ = s.SaveRecord(ctx, book.Record{BookID: "b"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := UpdateRecord(ctx, s, "b", func(r *book.Record) { r.Offset++ }); err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()
	rec, _ := s.GetRecord(ctx, "b")
	if rec.Offset != 20 {
		t.Fatalf("lost updates: %d", rec.Offset)
	}
	if mr.Exists(s.key("b", "lock")) {
		t.Fatal("lock not released")
	}
}

func TestRedisLockWaitsForHolder(t *testing.T) {
	s, mr := newTestRedis(t)
	key := s.key("b", "lock")
	if err := mr.Set(key, "other-worker"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	called := false
	err := s.WithBookLock(ctx, "b", func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrLocked) || called {
		t.Fatalf("expected ErrLocked without running fn, got %v called=%v", err, called)
	}
	if v, _ := mr.Get(key); v != "other-worker" {
		t.Fatalf("foreign lock touched: %q", v)
	}
}

func TestRedisLockReleasesOnlyOwnToken(t *testing.T) {
	s, mr := newTestRedis(t)
	key := s.key("b", "lock")

	err := s.WithBookLock(context.Background(), "b", func(context.Context) error {
		if ttl := mr.TTL(key); ttl <= 0 || ttl > s.lockTTL {
			t.Errorf("lock ttl = %s", ttl)
		}
		// the lock expired and another worker took it
		return mr.Set(key, "other-worker")
	})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := mr.Get(key); v != "other-worker" {
		t.Fatalf("release deleted a lock it did not own: %q", v)
	}
}

func TestRedisLockHonorsCancelledContext(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := s.WithBookLock(ctx, "b", func(context.Context) error { called = true; return nil })
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancellation before fn, got %v called=%v", err, called)
	}
}
