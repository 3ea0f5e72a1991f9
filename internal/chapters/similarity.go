package chapters

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/unicode/norm"
)

// scoredLines is how many leading non-empty lines of a page TitleScore reads.
const scoredLines = 5

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "and": true,
	"in": true, "to": true, "on": true, "at": true, "for": true,
}

// TitleScore rates in [0,1] how well title matches the opening lines of a
// page. It takes the better of token overlap and normalized edit-distance
// similarity; a title contained verbatim after folding scores 1.
func TitleScore(title, pageText string) float64 {
	t := Fold(title)
	if t == "" {
		return 0
	}
	lines := leadingLines(pageText, scoredLines)
	if len(lines) == 0 {
		return 0
	}
	folded := make([]string, 0, len(lines))
	for _, l := range lines {
		if f := Fold(l); f != "" {
			folded = append(folded, f)
		}
	}
	joined := " " + strings.Join(folded, " ") + " "
	if strings.Contains(joined, " "+t+" ") {
		return 1
	}

	best := tokenOverlap(t, joined)
	for _, l := range folded {
		if s := editSimilarity(t, l); s > best {
			best = s
		}
	}
	return best
}

// Fold lowercases, strips diacritics and replaces punctuation with spaces.
func Fold(s string) string {
	var b strings.Builder
	space := true
	for _, r := range norm.NFKD.String(s) {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func leadingLines(text string, n int) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l == "" {
			continue
		}
		out = append(out, l)
		if len(out) == n {
			break
		}
	}
	return out
}

// tokenOverlap is the share of significant title tokens present in text.
func tokenOverlap(title, text string) float64 {
	tokens := significant(strings.Fields(title))
	if len(tokens) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, w := range strings.Fields(text) {
		have[w] = true
	}
	hit := 0
	for _, w := range tokens {
		if have[w] {
			hit++
		}
	}
	return float64(hit) / float64(len(tokens))
}

func significant(words []string) []string {
	var out []string
	for _, w := range words {
		if !stopwords[w] {
			out = append(out, w)
		}
	}
	if len(out) == 0 {
		return words
	}
	return out
}

func editSimilarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
