// Package chapters turns candidate chapter tables and page text into a
// contiguous, gap-free list of chapters covering the whole book.
//
// Resolve is pure: it performs no I/O and returns identical output for
// identical input.
package chapters

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/local/audiobooker/internal/book"
)

// ErrNoChapters means no source produced a single chapter.
var ErrNoChapters = errors.New("no chapters detected")

// ResolutionError carries the context of a failed resolution.
type ResolutionError struct {
	PageCount  int
	Candidates int
	Reason     string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("no chapters detected: %s (pages=%d candidates=%d)", e.Reason, e.PageCount, e.Candidates)
}

func (e *ResolutionError) Unwrap() error { return ErrNoChapters }

// Source names where the resolved boundaries came from.
type Source string

const (
	SourceTable       Source = "table"
	SourceHeuristic   Source = "heuristic"
	SourceLowCoverage Source = "table_low_coverage"
	SourceWholeBook   Source = "whole_book"
)

// Options are the tunables of resolution.
type Options struct {
	// CoverageThreshold is the share of pages a table must cover to be trusted.
	CoverageThreshold float64
	// OffsetWindow bounds the page shift tried during offset correction.
	OffsetWindow int
	// GiantChapterRatio flags any chapter longer than this share of the book.
	GiantChapterRatio float64
}

func DefaultOptions() Options {
	return Options{CoverageThreshold: 0.80, OffsetWindow: 10, GiantChapterRatio: 0.60}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.CoverageThreshold <= 0 || o.CoverageThreshold > 1 {
		o.CoverageThreshold = d.CoverageThreshold
	}
	if o.OffsetWindow < 0 {
		o.OffsetWindow = 0
	}
	if o.GiantChapterRatio <= 0 || o.GiantChapterRatio > 1 {
		o.GiantChapterRatio = d.GiantChapterRatio
	}
	return o
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Chapters []book.ResolvedChapter
	Source   Source
	// Coverage is the page coverage of the chosen source before normalization.
	Coverage float64
	// Offset is the shift applied to the table, 0 when none was kept.
	Offset int
	// AlternativeStarts lists heading-detected starts when they disagree with
	// an accepted table.
	AlternativeStarts []int
	Warnings          []book.Warning
}

// LowConfidence reports whether a LowConfidenceResolution warning was raised.
func (r Resolution) LowConfidence() bool {
	for _, w := range r.Warnings {
		if w.Code == book.WarnLowConfidence {
			return true
		}
	}
	return false
}

// Resolve reconciles the candidate table with headings found in pages.
// pages may be sparse or unordered; missing pages read as blank.
func Resolve(pageCount int, candidates []book.CandidateChapter, pages []book.Page, opts Options) (Resolution, error) {
	opts = opts.withDefaults()
	if pageCount <= 0 {
		return Resolution{}, &ResolutionError{PageCount: pageCount, Candidates: len(candidates), Reason: "document has no pages"}
	}
	text := pageLookup(pages, pageCount)

	table := cloneCandidates(candidates)
	cov := Coverage(table, pageCount)
	offset := 0
	if len(table) > 0 && cov < opts.CoverageThreshold && len(table) <= pageCount {
		if s, ok := findOffset(table, pageCount, text, opts.OffsetWindow); ok {
			table = shift(table, s)
			cov = Coverage(table, pageCount)
			offset = s
		}
	}
	usable := validEntries(table, pageCount)

	headings := detectHeadings(text, pageCount)
	headCov := 0.0
	if len(headings) > 0 {
		headCov = float64(pageCount-headings[0].StartPage+1) / float64(pageCount)
	}

	var res Resolution
	switch {
	case len(usable) > 0 && cov >= opts.CoverageThreshold:
		res = Resolution{Chapters: normalize(usable, pageCount), Source: SourceTable, Coverage: cov, Offset: offset}
		if len(headings) > 0 && headCov >= opts.CoverageThreshold {
			alt := normalize(headings, pageCount)
			if len(alt) != len(res.Chapters) {
				for _, c := range alt {
					res.AlternativeStarts = append(res.AlternativeStarts, c.StartPage)
				}
			}
		}
	case len(headings) > 0:
		res = Resolution{Chapters: normalize(headings, pageCount), Source: SourceHeuristic, Coverage: headCov}
	case len(usable) > 0:
		res = Resolution{Chapters: normalize(usable, pageCount), Source: SourceLowCoverage, Coverage: cov, Offset: offset}
		res.Warnings = append(res.Warnings, book.Warning{
			Code:    book.WarnLowConfidence,
			Message: fmt.Sprintf("chapter table covers %.0f%% of pages and no headings were found", cov*100),
		})
	case hasText(text, pageCount):
		res = Resolution{
			Chapters: normalize([]book.CandidateChapter{{Title: "Full Text", StartPage: 1}}, pageCount),
			Source:   SourceWholeBook,
			Coverage: 1,
		}
		res.Warnings = append(res.Warnings, book.Warning{
			Code:    book.WarnLowConfidence,
			Message: "no chapter boundaries found, using the whole book as one chapter",
		})
	default:
		return Resolution{}, &ResolutionError{PageCount: pageCount, Candidates: len(candidates), Reason: "no usable table and every page is blank"}
	}

	if len(res.Chapters) > 1 {
		limit := opts.GiantChapterRatio * float64(pageCount)
		for _, c := range res.Chapters {
			if float64(c.Pages()) > limit {
				res.Warnings = append(res.Warnings, book.Warning{
					Code:    book.WarnLowConfidence,
					Message: fmt.Sprintf("chapter %d spans %d of %d pages", c.Index, c.Pages(), pageCount),
					Chapter: c.Index,
				})
			}
		}
	}
	return res, nil
}

// normalize sorts starts, drops duplicates, pins the first start to page 1,
// derives ends from the next start and renumbers from 1.
func normalize(entries []book.CandidateChapter, pageCount int) []book.ResolvedChapter {
	sorted := make([]book.CandidateChapter, 0, len(entries))
	for _, e := range entries {
		if e.StartPage >= 1 && e.StartPage <= pageCount {
			sorted = append(sorted, e)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartPage < sorted[j].StartPage })

	kept := sorted[:0]
	last := 0
	for _, e := range sorted {
		if e.StartPage <= last {
			continue
		}
		kept = append(kept, e)
		last = e.StartPage
	}
	if len(kept) == 0 {
		return nil
	}
	kept[0].StartPage = 1

	out := make([]book.ResolvedChapter, len(kept))
	for i, e := range kept {
		end := pageCount
		if i+1 < len(kept) {
			end = kept[i+1].StartPage - 1
		}
		title := cleanTitle(e.Title)
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		out[i] = book.ResolvedChapter{Index: i + 1, Title: title, StartPage: e.StartPage, EndPage: end}
	}
	return out
}

const maxTitleRunes = 120

func cleanTitle(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > maxTitleRunes {
		r := []rune(s)
		s = strings.TrimSpace(string(r[:maxTitleRunes]))
	}
	return s
}

func pageLookup(pages []book.Page, pageCount int) func(int) string {
	byIndex := make([]string, pageCount+1)
	for _, p := range pages {
		if p.Index >= 1 && p.Index <= pageCount {
			byIndex[p.Index] = p.Text
		}
	}
	return func(i int) string {
		if i < 1 || i > pageCount {
			return ""
		}
		return byIndex[i]
	}
}

func hasText(text func(int) string, pageCount int) bool {
	for i := 1; i <= pageCount; i++ {
		if strings.TrimSpace(text(i)) != "" {
			return true
		}
	}
	return false
}

func cloneCandidates(in []book.CandidateChapter) []book.CandidateChapter {
	out := make([]book.CandidateChapter, len(in))
	for i, c := range in {
		out[i] = c
		if c.EndPage != nil {
			e := *c.EndPage
			out[i].EndPage = &e
		}
	}
	return out
}

// Candidates converts resolved chapters back into a candidate table.
func Candidates(chs []book.ResolvedChapter) []book.CandidateChapter {
	out := make([]book.CandidateChapter, len(chs))
	for i, c := range chs {
		end := c.EndPage
		out[i] = book.CandidateChapter{Title: c.Title, StartPage: c.StartPage, EndPage: &end}
	}
	return out
}
