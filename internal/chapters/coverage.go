package chapters

import (
	"sort"

	"github.com/local/audiobooker/internal/book"
)

// valid reports whether an entry lies inside the document.
func valid(c book.CandidateChapter, pageCount int) bool {
	if c.StartPage < 1 || c.StartPage > pageCount {
		return false
	}
	if c.EndPage != nil && (*c.EndPage < c.StartPage || *c.EndPage > pageCount) {
		return false
	}
	return true
}

func validEntries(table []book.CandidateChapter, pageCount int) []book.CandidateChapter {
	var out []book.CandidateChapter
	for _, c := range table {
		if valid(c, pageCount) {
			out = append(out, c)
		}
	}
	return out
}

// Coverage is the share of pages covered by the valid entries of table.
// An entry without an end runs to the page before the next valid start,
// or to the last page.
func Coverage(table []book.CandidateChapter, pageCount int) float64 {
	if pageCount <= 0 {
		return 0
	}
	entries := validEntries(table, pageCount)
	if len(entries) == 0 {
		return 0
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].StartPage < entries[j].StartPage })

	covered := make([]bool, pageCount+1)
	for i, e := range entries {
		end := pageCount
		if e.EndPage != nil {
			end = *e.EndPage
		} else {
			for _, next := range entries[i+1:] {
				if next.StartPage > e.StartPage {
					end = next.StartPage - 1
					break
				}
			}
		}
		for p := e.StartPage; p <= end; p++ {
			covered[p] = true
		}
	}
	n := 0
	for _, c := range covered[1:] {
		if c {
			n++
		}
	}
	return float64(n) / float64(pageCount)
}

func shift(table []book.CandidateChapter, s int) []book.CandidateChapter {
	out := make([]book.CandidateChapter, len(table))
	for i, c := range table {
		out[i] = book.CandidateChapter{Title: c.Title, StartPage: c.StartPage + s}
		if c.EndPage != nil {
			e := *c.EndPage + s
			out[i].EndPage = &e
		}
	}
	return out
}

func shiftScore(table []book.CandidateChapter, pageCount int, text func(int) string, s int) float64 {
	total := 0.0
	for _, c := range table {
		p := c.StartPage + s
		if p < 1 || p > pageCount {
			continue
		}
		total += TitleScore(c.Title, text(p))
	}
	return total
}

const scoreEpsilon = 1e-9

// findOffset looks for a uniform page shift within ±window that lines the
// table titles up with page text. Ties prefer the smaller magnitude, then
// the negative shift. The shift is returned only when it beats the
// unshifted table on both title score and coverage.
func findOffset(table []book.CandidateChapter, pageCount int, text func(int) string, window int) (int, bool) {
	if window <= 0 {
		return 0, false
	}
	base := shiftScore(table, pageCount, text, 0)
	best, bestScore := 0, -1.0
	for d := 1; d <= window; d++ {
		for _, s := range [2]int{-d, d} {
			sc := shiftScore(table, pageCount, text, s)
			if sc > bestScore+scoreEpsilon {
				best, bestScore = s, sc
			}
		}
	}
	if best == 0 || bestScore <= base+scoreEpsilon {
		return 0, false
	}
	if Coverage(shift(table, best), pageCount) <= Coverage(table, pageCount) {
		return 0, false
	}
	return best, true
}
