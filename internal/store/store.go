// Package store persists book state: the book record, extracted pages,
// chapter records, the processing log and the finalized manifest.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/local/audiobooker/internal/book"
)

var (
	ErrNotFound = errors.New("book not found")
	ErrLocked   = errors.New("book is locked by another writer")
)

// maxLogEntries caps the processing log kept per book.
const maxLogEntries = 2000

// Store is the persistence boundary of the pipeline. Writes that read and
// modify state must run inside WithBookLock.
type Store interface {
	SaveRecord(ctx context.Context, rec book.Record) error
	GetRecord(ctx context.Context, bookID string) (book.Record, error)
	ListRecords(ctx context.Context) ([]book.Record, error)

	SavePages(ctx context.Context, bookID string, pages []book.Page) error
	GetPages(ctx context.Context, bookID string) ([]book.Page, error)

	// SaveChapters replaces every chapter record of the book.
	SaveChapters(ctx context.Context, bookID string, chs []book.ChapterRecord) error
	SaveChapter(ctx context.Context, bookID string, ch book.ChapterRecord) error
	// GetChapters returns chapter records ordered by index.
	GetChapters(ctx context.Context, bookID string) ([]book.ChapterRecord, error)

	AppendLog(ctx context.Context, bookID string, entry book.LogEntry) error
	GetLogs(ctx context.Context, bookID string) ([]book.LogEntry, error)

	SaveManifest(ctx context.Context, bookID string, data []byte) error
	GetManifest(ctx context.Context, bookID string) ([]byte, error)

	// DeleteBook removes the record and every piece of state kept for it.
	DeleteBook(ctx context.Context, bookID string) error

	// WithBookLock runs fn while holding the book's write lock.
	WithBookLock(ctx context.Context, bookID string, fn func(ctx context.Context) error) error
}

func sortChapters(chs []book.ChapterRecord) {
	sort.Slice(chs, func(i, j int) bool { return chs[i].Index < chs[j].Index })
}

func sortPages(pages []book.Page) {
	sort.Slice(pages, func(i, j int) bool { return pages[i].Index < pages[j].Index })
}

// UpdateRecord loads the record, applies fn and saves it under the book lock.
func UpdateRecord(ctx context.Context, s Store, bookID string, fn func(*book.Record)) (book.Record, error) {
	var out book.Record
	err := s.WithBookLock(ctx, bookID, func(ctx context.Context) error {
		rec, err := s.GetRecord(ctx, bookID)
		if err != nil {
			return err
		}
		fn(&rec)
		if err := s.SaveRecord(ctx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// UpdateChapter loads one chapter record, applies fn and saves it under the
// book lock.
func UpdateChapter(ctx context.Context, s Store, bookID string, index int, fn func(*book.ChapterRecord)) error {
	return s.WithBookLock(ctx, bookID, func(ctx context.Context) error {
		chs, err := s.GetChapters(ctx, bookID)
		if err != nil {
			return err
		}
		for _, ch := range chs {
			if ch.Index == index {
				fn(&ch)
				return s.SaveChapter(ctx, bookID, ch)
			}
		}
		return errors.New("chapter not found")
	})
}
