package chapters

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/local/audiobooker/internal/book"
)

// headingLines is how many leading non-empty lines of a page may hold a heading.
const headingLines = 5

const numberWord = `(?:one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|thirteen|fourteen|fifteen|sixteen|seventeen|eighteen|nineteen|twenty|thirty|forty|fifty|sixty|seventy|eighty|ninety|hundred)`

var (
	numberedHeading = regexp.MustCompile(`(?i)^(chapter|chap\.|part|book|section|act|volume)\s+(\d{1,3}|[ivxlcdm]{1,8}|` + numberWord + `(?:-` + numberWord + `)?)\b(.*)$`)
	namedHeading    = regexp.MustCompile(`(?i)^(prologue|epilogue|introduction|preface|foreword|afterword|interlude|conclusion)\b(.*)$`)
	romanNumeral    = regexp.MustCompile(`^M{0,3}(CM|CD|D?C{0,3})(XC|XL|L?X{0,3})(IX|IV|V?I{0,3})$`)
	numberWordOnly  = regexp.MustCompile(`(?i)^` + numberWord + `(?:-` + numberWord + `)?$`)
)

// notHeadings are uppercase lines that mark front matter rather than chapters.
var notHeadings = map[string]bool{
	"contents":            true,
	"table of contents":   true,
	"copyright":           true,
	"all rights reserved": true,
}

// Headings scans pages for chapter headings, one per page at most.
func Headings(pages []book.Page, pageCount int) []book.CandidateChapter {
	if pageCount <= 0 {
		return nil
	}
	return detectHeadings(pageLookup(pages, pageCount), pageCount)
}

func detectHeadings(text func(int) string, pageCount int) []book.CandidateChapter {
	var out []book.CandidateChapter
	for p := 1; p <= pageCount; p++ {
		for _, line := range leadingLines(text(p), headingLines) {
			if title, ok := headingTitle(line); ok {
				out = append(out, book.CandidateChapter{Title: title, StartPage: p})
				break
			}
		}
	}
	return out
}

// headingTitle reports whether line looks like a chapter heading and returns
// the title to use. An empty title means the heading carried no usable name.
func headingTitle(line string) (string, bool) {
	line = strings.Join(strings.Fields(line), " ")
	if line == "" || utf8.RuneCountInString(line) > 80 {
		return "", false
	}

	if m := numberedHeading.FindStringSubmatch(line); m != nil {
		num := m[2]
		if isLetters(num) && !numberWordOnly.MatchString(num) && !romanNumeral.MatchString(strings.ToUpper(num)) {
			return "", false
		}
		if !trailingTitleOK(m[3]) {
			return "", false
		}
		return line, true
	}
	if m := namedHeading.FindStringSubmatch(line); m != nil {
		if !trailingTitleOK(m[2]) {
			return "", false
		}
		return line, true
	}

	bare := strings.TrimRight(line, ".")
	if bare != "" && romanNumeral.MatchString(bare) {
		return "Chapter " + bare, true
	}

	if isShoutedLine(line) {
		if notHeadings[Fold(line)] {
			return "", false
		}
		return line, true
	}
	return "", false
}

// trailingTitleOK accepts what follows a heading keyword: nothing, a
// separator and a title, or a capitalized title of a few words. Anything else
// is ordinary prose that happens to start with "Part" or "Book".
func trailingTitleOK(rest string) bool {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return true
	}
	first, _ := utf8.DecodeRuneInString(rest)
	switch first {
	case ':', '.', '-', '–', '—':
		return true
	}
	if len(strings.Fields(rest)) > 8 {
		return false
	}
	if strings.HasSuffix(rest, ".") || strings.HasSuffix(rest, ",") {
		return false
	}
	return unicode.IsUpper(first) || unicode.IsDigit(first) || first == '"' || first == '\''
}

// isShoutedLine matches short all-uppercase lines such as "THE STORM".
func isShoutedLine(line string) bool {
	if utf8.RuneCountInString(line) > 60 || len(strings.Fields(line)) > 6 {
		return false
	}
	letters := 0
	for _, r := range line {
		if unicode.IsLetter(r) {
			if unicode.IsLower(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 3
}

func isLetters(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return s != ""
}
