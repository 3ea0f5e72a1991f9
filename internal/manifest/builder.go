package manifest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/audiobooker/internal/book"
	"github.com/local/audiobooker/internal/storage"
	"github.com/local/audiobooker/internal/store"
)

// Builder turns the stored book and chapter records into a finalized
// manifest and persists it.
type Builder struct {
	store     store.Store
	artifacts storage.Storage
	now       func() time.Time
}

func NewBuilder(st store.Store, artifacts storage.Storage) *Builder {
	return &Builder{store: st, artifacts: artifacts, now: time.Now}
}

// Key is the artifact storage key of a book's manifest.
func Key(bookID string) string { return storage.Key(bookID, "manifest.json") }

// Build assembles, finalizes and persists the manifest of bookID. The
// status is needs_attention when any chapter failed, completed otherwise.
func (b *Builder) Build(ctx context.Context, bookID string) (*Manifest, error) {
	rec, err := b.store.GetRecord(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("load book: %w", err)
	}
	chs, err := b.store.GetChapters(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("load chapters: %w", err)
	}
	logs, err := b.store.GetLogs(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("load processing log: %w", err)
	}

	m := New(rec)
	m.Status = book.StatusCompleted
	for _, ch := range chs {
		entry := FromRecord(ch)
		if ch.Failed() {
			m.Status = book.StatusNeedsAttention
		}
		if err := m.Append(entry); err != nil {
			return nil, err
		}
	}
	for _, w := range currentWarnings(logs, chs) {
		if err := m.Warn(w); err != nil {
			return nil, err
		}
	}
	if err := m.Finalize(b.now()); err != nil {
		return nil, err
	}

	data, err := m.JSON()
	if err != nil {
		return nil, err
	}
	if err := b.store.SaveManifest(ctx, bookID, data); err != nil {
		return nil, fmt.Errorf("save manifest: %w", err)
	}
	if b.artifacts != nil {
		if _, err := b.artifacts.Put(ctx, Key(bookID), data, "application/json"); err != nil {
			return nil, fmt.Errorf("store manifest: %w", err)
		}
	}
	log.Info().
		Str("book_id", bookID).
		Str("status", string(m.Status)).
		Int("chapters", len(m.Chapters)).
		Int("audio_refs", m.AudioRefs()).
		Msg("manifest finalized")
	return m, nil
}

// currentWarnings keeps coded log entries written since the latest start of
// their stage, so reruns do not repeat stale warnings. Summary warnings come
// from the chapter records, which are replaced when a chapter is summarized
// again.
func currentWarnings(logs []book.LogEntry, chs []book.ChapterRecord) []book.Warning {
	lastStart := map[book.Stage]int{}
	for i, e := range logs {
		if e.Status == "started" {
			lastStart[e.Stage] = i
		}
	}
	var out []book.Warning
	for i, e := range logs {
		if e.Code == "" || e.Stage == book.StageSummarize {
			continue
		}
		if start, ok := lastStart[e.Stage]; ok && i < start {
			continue
		}
		out = append(out, book.Warning{Code: e.Code, Message: e.Message, Chapter: e.Chapter})
	}
	for _, ch := range chs {
		for _, w := range ch.Warnings {
			if w.Chapter == 0 {
				w.Chapter = ch.Index
			}
			out = append(out, w)
		}
	}
	return out
}

// FromRecord maps a chapter record to its manifest entry.
func FromRecord(ch book.ChapterRecord) Chapter {
	entry := Chapter{
		Index:         ch.Index,
		Title:         ch.Title,
		StartPage:     ch.StartPage,
		EndPage:       ch.EndPage,
		SummaryRef:    ref(ch.SummaryRef),
		Tone:          ch.Tone,
		SummaryStatus: ch.SummaryStatus,
		AudioStatus:   ch.AudioStatus,
		Error:         ch.Error,
	}
	if ch.AudioStatus == book.WorkDone {
		entry.AudioRef = ref(ch.AudioRef)
		entry.DurationSeconds = ch.AudioDuration.Seconds()
	}
	if entry.AudioRef == nil && entry.Error == "" {
		entry.Error = "narration not available"
	}
	return entry
}
