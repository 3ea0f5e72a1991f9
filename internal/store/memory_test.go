package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/local/audiobooker/internal/book"
)

func TestMemoryRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.GetRecord(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = m.SaveRecord(ctx, book.Record{BookID: "old", CreatedAt: base})
	_ = m.SaveRecord(ctx, book.Record{BookID: "new", CreatedAt: base.Add(time.Hour)})

	recs, err := m.ListRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].BookID != "new" {
		t.Fatalf("expected newest first, got %+v", recs)
	}

	rec, err := UpdateRecord(ctx, m, "old", func(r *book.Record) { r.Status = book.StatusPartial })
	if err != nil || rec.Status != book.StatusPartial {
		t.Fatalf("update: %v %+v", err, rec)
	}
	got, _ := m.GetRecord(ctx, "old")
	if got.Status != book.StatusPartial {
		t.Fatalf("update not persisted")
	}
}

func TestMemoryChaptersAreOrdered(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	chs := []book.ChapterRecord{
		{ResolvedChapter: book.ResolvedChapter{Index: 3}},
		{ResolvedChapter: book.ResolvedChapter{Index: 1}},
		{ResolvedChapter: book.ResolvedChapter{Index: 2}},
	}
	if err := m.SaveChapters(ctx, "b", chs); err != nil {
		t.Fatal(err)
	}
	if err := UpdateChapter(ctx, m, "b", 2, func(c *book.ChapterRecord) { c.SummaryStatus = book.WorkDone }); err != nil {
		t.Fatal(err)
	}
	if err := UpdateChapter(ctx, m, "b", 9, func(*book.ChapterRecord) {}); err == nil {
		t.Fatalf("expected an error for an unknown chapter")
	}
	got, _ := m.GetChapters(ctx, "b")
	for i, ch := range got {
		if ch.Index != i+1 {
			t.Fatalf("chapters out of order: %+v", got)
		}
	}
	if got[1].SummaryStatus != book.WorkDone {
		t.Fatalf("chapter 2 update lost")
	}
}

func TestMemoryLockSerializesWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.SaveRecord(ctx, book.Record{BookID: "b"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = UpdateRecord(ctx, m, "b", func(r *book.Record) { r.Offset++ })
		}()
	}
	wg.Wait()
	rec, _ := m.GetRecord(ctx, "b")
	if rec.Offset != 50 {
		t.Fatalf("lost updates: %d", rec.Offset)
	}
}

func TestMemoryLogsAndManifest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < maxLogEntries+5; i++ {
		_ = m.AppendLog(ctx, "b", book.LogEntry{Stage: book.StageExtract, Chapter: i})
	}
	logs, _ := m.GetLogs(ctx, "b")
	if len(logs) != maxLogEntries || logs[0].Chapter != 5 {
		t.Fatalf("log not trimmed to the newest entries: %d first=%d", len(logs), logs[0].Chapter)
	}

	if _, err := m.GetManifest(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = m.SaveManifest(ctx, "b", []byte(`{"book_id":"b"}`))
	if b, err := m.GetManifest(ctx, "b"); err != nil || string(b) != `{"book_id":"b"}` {
		t.Fatalf("manifest round trip: %v %q", err, b)
	}
}

func TestMemoryLockHonorsCancelledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := m.WithBookLock(ctx, "b", func(context.Context) error { called = true; return nil })
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancellation before fn, got %v called=%v", err, called)
	}
}
