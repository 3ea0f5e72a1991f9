package store

import (
	"context"
	"sort"
	"sync"

	"github.com/local/audiobooker/internal/book"
)

// Memory is an in-process Store used by the CLI and by tests.
type Memory struct {
	mu        sync.RWMutex
	records   map[string]book.Record
	pages     map[string][]book.Page
	chapters  map[string]map[int]book.ChapterRecord
	logs      map[string][]book.LogEntry
	manifests map[string][]byte

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		records:   map[string]book.Record{},
		pages:     map[string][]book.Page{},
		chapters:  map[string]map[int]book.ChapterRecord{},
		logs:      map[string][]book.LogEntry{},
		manifests: map[string][]byte{},
		locks:     map[string]*sync.Mutex{},
	}
}

func (m *Memory) SaveRecord(_ context.Context, rec book.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Candidates = append([]book.CandidateChapter(nil), rec.Candidates...)
	rec.AlternativeStarts = append([]int(nil), rec.AlternativeStarts...)
	rec.FailedChapters = append([]int(nil), rec.FailedChapters...)
	m.records[rec.BookID] = rec
	return nil
}

func (m *Memory) GetRecord(_ context.Context, bookID string) (book.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[bookID]
	if !ok {
		return book.Record{}, ErrNotFound
	}
	return rec, nil
}

// ListRecords returns every record, newest first.
func (m *Memory) ListRecords(_ context.Context) ([]book.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]book.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].BookID < out[j].BookID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) SavePages(_ context.Context, bookID string, pages []book.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]book.Page(nil), pages...)
	sortPages(cp)
	m.pages[bookID] = cp
	return nil
}

func (m *Memory) GetPages(_ context.Context, bookID string) ([]book.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]book.Page(nil), m.pages[bookID]...), nil
}

func (m *Memory) SaveChapters(_ context.Context, bookID string, chs []book.ChapterRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[int]book.ChapterRecord, len(chs))
	for _, ch := range chs {
		set[ch.Index] = ch
	}
	m.chapters[bookID] = set
	return nil
}

func (m *Memory) SaveChapter(_ context.Context, bookID string, ch book.ChapterRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.chapters[bookID]
	if set == nil {
		set = map[int]book.ChapterRecord{}
		m.chapters[bookID] = set
	}
	ch.Warnings = append([]book.Warning(nil), ch.Warnings...)
	set[ch.Index] = ch
	return nil
}

func (m *Memory) GetChapters(_ context.Context, bookID string) ([]book.ChapterRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]book.ChapterRecord, 0, len(m.chapters[bookID]))
	for _, ch := range m.chapters[bookID] {
		out = append(out, ch)
	}
	sortChapters(out)
	return out, nil
}

func (m *Memory) AppendLog(_ context.Context, bookID string, entry book.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := append(m.logs[bookID], entry)
	if len(l) > maxLogEntries {
		l = l[len(l)-maxLogEntries:]
	}
	m.logs[bookID] = l
	return nil
}

func (m *Memory) GetLogs(_ context.Context, bookID string) ([]book.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]book.LogEntry(nil), m.logs[bookID]...), nil
}

func (m *Memory) SaveManifest(_ context.Context, bookID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[bookID] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) GetManifest(_ context.Context, bookID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.manifests[bookID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) DeleteBook(_ context.Context, bookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, bookID)
	delete(m.pages, bookID)
	delete(m.chapters, bookID)
	delete(m.logs, bookID)
	delete(m.manifests, bookID)
	return nil
}

func (m *Memory) WithBookLock(ctx context.Context, bookID string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.lockMu.Lock()
	l, ok := m.locks[bookID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[bookID] = l
	}
	m.lockMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}
