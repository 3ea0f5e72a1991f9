// Package book holds the domain types shared by the audiobook pipeline.
package book

import "time"

// Page is the cleaned text of one physical PDF page. Index is 1-based.
type Page struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Info is the document information embedded in the PDF itself.
type Info struct {
	Title   string `json:"title,omitempty"`
	Author  string `json:"author,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// Document is the output of page extraction.
type Document struct {
	PageCount int    `json:"page_count"`
	Pages     []Page `json:"pages"`
	Info      Info   `json:"info"`
	// TextLayer is false when sampled pages carry no extractable text (scanned books).
	TextLayer bool `json:"text_layer"`
}

// PageText returns the text of page i or "" when out of range.
func (d Document) PageText(i int) string {
	if i >= 1 && i <= len(d.Pages) && d.Pages[i-1].Index == i {
		return d.Pages[i-1].Text
	}
	for _, p := range d.Pages {
		if p.Index == i {
			return p.Text
		}
	}
	return ""
}

// CandidateChapter is a proposed chapter boundary from the table of contents
// or the heading detector. It may be inconsistent.
type CandidateChapter struct {
	Title     string `json:"title"`
	StartPage int    `json:"start_page"`
	EndPage   *int   `json:"end_page,omitempty"`
}

// ResolvedChapter is a validated chapter. Resolved chapters of one book are
// contiguous and cover every page exactly once.
type ResolvedChapter struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	StartPage int    `json:"start_page"`
	EndPage   int    `json:"end_page"`
}

// Pages returns the number of pages the chapter spans.
func (c ResolvedChapter) Pages() int { return c.EndPage - c.StartPage + 1 }

// Tone is the narration mood suggested by the summarizer.
type Tone string

const (
	ToneEmotional Tone = "emotional"
	ToneCalm      Tone = "calm"
	ToneDramatic  Tone = "dramatic"
)

// ParseTone maps free text to a Tone, defaulting to calm.
func ParseTone(s string) Tone {
	switch Tone(s) {
	case ToneEmotional, ToneCalm, ToneDramatic:
		return Tone(s)
	}
	return ToneCalm
}

// ChapterSummary is the narration text produced for one chapter.
type ChapterSummary struct {
	ChapterIndex int    `json:"chapter_index"`
	Text         string `json:"text"`
	Tone         Tone   `json:"tone"`
	Words        int    `json:"words"`
}

// Metadata is the book-level information inferred from the first pages.
type Metadata struct {
	Title    string             `json:"title"`
	Author   string             `json:"author"`
	Genre    string             `json:"genre,omitempty"`
	Year     int                `json:"year,omitempty"`
	Chapters []CandidateChapter `json:"chapters"`
}

// Warning codes attached to processing results.
const (
	WarnLowConfidence    = "LowConfidenceResolution"
	WarnLengthOutOfBand  = "LengthOutOfBand"
	WarnEmptyChapter     = "EmptyChapter"
	WarnChunkSkipped     = "ChunkSkipped"
	WarnMetadataDegraded = "MetadataDegraded"
	WarnNoTextLayer      = "NoTextLayer"
)

// Warning is a non-fatal condition recorded in the processing log.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Chapter int    `json:"chapter,omitempty"`
}

// Stage names a pipeline step.
type Stage string

const (
	StageNone       Stage = ""
	StageExtract    Stage = "extract"
	StageMetadata   Stage = "metadata"
	StageResolve    Stage = "resolve"
	StageSummarize  Stage = "summarize"
	StageSynthesize Stage = "synthesize"
	StageManifest   Stage = "manifest"
)

// Stages lists the pipeline steps in execution order.
var Stages = []Stage{StageExtract, StageMetadata, StageResolve, StageSummarize, StageSynthesize, StageManifest}

// Rank is the position of s in Stages; StageNone ranks 0.
func (s Stage) Rank() int {
	for i, st := range Stages {
		if st == s {
			return i + 1
		}
	}
	return 0
}

// Status is the lifecycle state of a book.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusProcessing     Status = "processing"
	StatusPartial        Status = "partial"
	StatusFailed         Status = "failed"
	StatusNeedsAttention Status = "needs_attention"
	StatusCompleted      Status = "completed"
)

// Terminal reports whether no further work is scheduled for the book.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusNeedsAttention || s == StatusCompleted
}

// WorkStatus is the per-chapter status of one stage.
type WorkStatus string

const (
	WorkPending WorkStatus = "pending"
	WorkDone    WorkStatus = "done"
	WorkFailed  WorkStatus = "failed"
)

// Record is the persisted state of one book.
type Record struct {
	BookID            string             `json:"book_id"`
	SourceRef         string             `json:"source_ref"`
	Voice             string             `json:"voice,omitempty"`
	Title             string             `json:"title"`
	Author            string             `json:"author"`
	Genre             string             `json:"genre,omitempty"`
	Year              int                `json:"year,omitempty"`
	PageCount         int                `json:"page_count"`
	CoverRef          string             `json:"cover_ref,omitempty"`
	Status            Status             `json:"status"`
	Stage             Stage              `json:"stage"`
	Candidates        []CandidateChapter `json:"candidates,omitempty"`
	ResolutionSource  string             `json:"resolution_source,omitempty"`
	Coverage          float64            `json:"coverage,omitempty"`
	Offset            int                `json:"offset,omitempty"`
	AlternativeStarts []int              `json:"alternative_starts,omitempty"`
	FailedChapters    []int              `json:"failed_chapters,omitempty"`
	Error             string             `json:"error,omitempty"`
	RunID             string             `json:"run_id,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// ChapterRecord is the persisted state of one resolved chapter.
type ChapterRecord struct {
	ResolvedChapter
	Summary       string        `json:"summary,omitempty"`
	SummaryRef    string        `json:"summary_ref,omitempty"`
	Tone          Tone          `json:"tone,omitempty"`
	SummaryStatus WorkStatus    `json:"summary_status"`
	AudioRef      string        `json:"audio_ref,omitempty"`
	AudioDuration time.Duration `json:"audio_duration,omitempty"`
	AudioStatus   WorkStatus    `json:"audio_status"`
	Error         string        `json:"error,omitempty"`
	Warnings      []Warning     `json:"warnings,omitempty"`
}

// Failed reports whether either chapter stage ended in failure.
func (c ChapterRecord) Failed() bool {
	return c.SummaryStatus == WorkFailed || c.AudioStatus == WorkFailed
}

// LogEntry is one line of a book's processing log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Stage   Stage     `json:"stage"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
	Chapter int       `json:"chapter,omitempty"`
	Code    string    `json:"code,omitempty"`
}

// Progress counts chapters by state for status reporting.
type Progress struct {
	Chapters   int `json:"chapters"`
	Summarized int `json:"summarized"`
	Narrated   int `json:"narrated"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
}

// Tally builds a Progress from chapter records.
func Tally(chs []ChapterRecord) Progress {
	p := Progress{Chapters: len(chs)}
	for _, c := range chs {
		switch {
		case c.Failed():
			p.Failed++
		case c.AudioStatus == WorkDone:
			p.Narrated++
			p.Summarized++
		case c.SummaryStatus == WorkDone:
			p.Summarized++
			p.Pending++
		default:
			p.Pending++
		}
	}
	return p
}
