// Package manifest assembles the final description of a processed book:
// one entry per resolved chapter with references to its summary and audio.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/local/audiobooker/internal/book"
)

var (
	ErrFinalized  = errors.New("manifest is finalized")
	ErrOutOfOrder = errors.New("chapter appended out of order")
	ErrIncomplete = errors.New("chapters do not cover the book")
)

// Chapter is one manifest entry. A nil AudioRef means narration failed or
// never ran; Error then says why.
type Chapter struct {
	Index           int             `json:"index" yaml:"index"`
	Title           string          `json:"title" yaml:"title"`
	StartPage       int             `json:"start_page" yaml:"start_page"`
	EndPage         int             `json:"end_page" yaml:"end_page"`
	SummaryRef      *string         `json:"summary_ref" yaml:"summary_ref"`
	AudioRef        *string         `json:"audio_ref" yaml:"audio_ref"`
	DurationSeconds float64         `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
	Tone            book.Tone       `json:"tone,omitempty" yaml:"tone,omitempty"`
	SummaryStatus   book.WorkStatus `json:"summary_status" yaml:"summary_status"`
	AudioStatus     book.WorkStatus `json:"audio_status" yaml:"audio_status"`
	Error           string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// Manifest is append-only until Finalize and immutable afterwards.
type Manifest struct {
	BookID      string         `json:"book_id" yaml:"book_id"`
	Title       string         `json:"title" yaml:"title"`
	Author      string         `json:"author" yaml:"author"`
	Genre       string         `json:"genre" yaml:"genre"`
	Year        int            `json:"year" yaml:"year"`
	PageCount   int            `json:"page_count" yaml:"page_count"`
	HasCover    bool           `json:"has_cover" yaml:"has_cover"`
	CoverRef    *string        `json:"cover_ref" yaml:"cover_ref"`
	Status      book.Status    `json:"status" yaml:"status"`
	Chapters    []Chapter      `json:"chapters" yaml:"chapters"`
	Warnings    []book.Warning `json:"warnings" yaml:"warnings"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at"`
	FinalizedAt *time.Time     `json:"finalized_at" yaml:"finalized_at"`
}

// New starts an empty manifest from the book record.
func New(rec book.Record) *Manifest {
	m := &Manifest{
		BookID:    rec.BookID,
		Title:     rec.Title,
		Author:    rec.Author,
		Genre:     rec.Genre,
		Year:      rec.Year,
		PageCount: rec.PageCount,
		Status:    rec.Status,
		Chapters:  []Chapter{},
		Warnings:  []book.Warning{},
		CreatedAt: rec.CreatedAt,
	}
	if rec.CoverRef != "" {
		m.HasCover = true
		m.CoverRef = ref(rec.CoverRef)
	}
	return m
}

func (m *Manifest) Finalized() bool { return m.FinalizedAt != nil }

// Append adds the next chapter. Chapters must arrive in index order and
// start on the page after the previous chapter ends.
func (m *Manifest) Append(ch Chapter) error {
	if m.Finalized() {
		return ErrFinalized
	}
	want, start := 1, 1
	if n := len(m.Chapters); n > 0 {
		want = m.Chapters[n-1].Index + 1
		start = m.Chapters[n-1].EndPage + 1
	}
	if ch.Index != want || ch.StartPage != start || ch.EndPage < ch.StartPage {
		return fmt.Errorf("%w: got chapter %d pages %d-%d, want chapter %d starting at page %d",
			ErrOutOfOrder, ch.Index, ch.StartPage, ch.EndPage, want, start)
	}
	m.Chapters = append(m.Chapters, ch)
	return nil
}

// Warn records a warning. Warnings are part of the append-only body.
func (m *Manifest) Warn(w book.Warning) error {
	if m.Finalized() {
		return ErrFinalized
	}
	m.Warnings = append(m.Warnings, w)
	return nil
}

// Finalize seals the manifest. The chapters must reach the last page.
func (m *Manifest) Finalize(now time.Time) error {
	if m.Finalized() {
		return ErrFinalized
	}
	if n := len(m.Chapters); n == 0 || m.Chapters[n-1].EndPage != m.PageCount {
		return fmt.Errorf("%w: %d chapters for %d pages", ErrIncomplete, len(m.Chapters), m.PageCount)
	}
	t := now.UTC()
	m.FinalizedAt = &t
	return nil
}

// AudioRefs counts chapters with narration.
func (m *Manifest) AudioRefs() int {
	n := 0
	for _, ch := range m.Chapters {
		if ch.AudioRef != nil {
			n++
		}
	}
	return n
}

func (m *Manifest) JSON() ([]byte, error) { return json.MarshalIndent(m, "", "  ") }

func (m *Manifest) YAML() ([]byte, error) { return yaml.Marshal(m) }

// Parse decodes a stored JSON manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

func ref(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
