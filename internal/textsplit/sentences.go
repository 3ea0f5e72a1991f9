// Package textsplit breaks prose into sentences and packs them into chunks
// that fit a character budget.
package textsplit

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var commonAbbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {},
	"st": {}, "mt": {}, "vs": {}, "etc": {}, "no": {}, "vol": {}, "rev": {},
	"fig": {}, "al": {}, "inc": {}, "ltd": {}, "co": {}, "dept": {}, "est": {},
	"jan": {}, "feb": {}, "mar": {}, "apr": {}, "jun": {}, "jul": {}, "aug": {},
	"sep": {}, "sept": {}, "oct": {}, "nov": {}, "dec": {}, "ch": {}, "pp": {},
	"a.m": {}, "p.m": {}, "e.g": {}, "i.e": {}, "u.s": {}, "u.k": {},
}

// Chunks packs whole sentences into pieces of at most maxRunes runes.
// Sentences longer than maxRunes are cut at clause boundaries.
func Chunks(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		maxRunes = 4000
	}
	var (
		out  []string
		cur  strings.Builder
		size int
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
		size = 0
	}
	for _, s := range Sentences(text, maxRunes) {
		n := utf8.RuneCountInString(s)
		if size > 0 && size+1+n > maxRunes {
			flush()
		}
		if size > 0 {
			cur.WriteByte(' ')
			size++
		}
		cur.WriteString(s)
		size += n
	}
	flush()
	return out
}

// Sentences splits text into sentences no longer than maxRunes.
func Sentences(text string, maxRunes int) []string {
	text = normalizeText(text)
	if text == "" {
		return nil
	}

	var segments []string
	start := 0
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if !isSentencePunctuation(ch) {
			continue
		}
		if ch == '.' && shouldSkipPeriodSplit(text, i) {
			continue
		}
		if !isBoundary(text, i) {
			continue
		}
		end := i + 1
		for end < len(text) && isClosingPunctuation(text[end]) {
			end++
		}
		if seg := strings.TrimSpace(text[start:end]); seg != "" {
			segments = append(segments, splitLongSegment(seg, maxRunes)...)
		}
		start = end
		i = end - 1
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		segments = append(segments, splitLongSegment(tail, maxRunes)...)
	}
	return segments
}

// WordCount counts whitespace separated words.
func WordCount(s string) int { return len(strings.Fields(s)) }

func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func isSentencePunctuation(ch byte) bool {
	return ch == '.' || ch == '!' || ch == '?'
}

func shouldSkipPeriodSplit(text string, idx int) bool {
	// ellipsis
	if (idx > 0 && text[idx-1] == '.') || (idx+1 < len(text) && text[idx+1] == '.') {
		return true
	}
	// decimals
	if idx > 0 && idx+1 < len(text) && isDigit(text[idx-1]) && isDigit(text[idx+1]) {
		return true
	}
	token := tokenBeforePeriod(text, idx)
	if token == "" {
		return false
	}
	// initials such as "J."
	if len(token) == 1 && isAlpha(token[0]) {
		return true
	}
	_, ok := commonAbbreviations[strings.ToLower(token)]
	return ok
}

func tokenBeforePeriod(text string, idx int) string {
	i := idx - 1
	for i >= 0 && !isTokenBoundary(text[i]) {
		i--
	}
	return text[i+1 : idx]
}

func isBoundary(text string, punctIdx int) bool {
	i := punctIdx + 1
	for i < len(text) && isClosingPunctuation(text[i]) {
		i++
	}
	if i >= len(text) {
		return true
	}
	if text[i] != ' ' {
		return false
	}
	for i < len(text) && text[i] == ' ' {
		i++
	}
	if i >= len(text) {
		return true
	}
	return isLikelySentenceStart(text, i)
}

func isLikelySentenceStart(text string, idx int) bool {
	for idx < len(text) && isOpeningQuoteOrBracket(text[idx]) {
		idx++
	}
	if idx >= len(text) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(text[idx:])
	return unicode.IsUpper(r) || unicode.IsDigit(r)
}

func splitLongSegment(segment string, maxRunes int) []string {
	runes := []rune(segment)
	if len(runes) <= maxRunes {
		return []string{segment}
	}
	var out []string
	start := 0
	for start < len(runes) {
		if len(runes)-start <= maxRunes {
			if part := strings.TrimSpace(string(runes[start:])); part != "" {
				out = append(out, part)
			}
			break
		}
		cut := start + maxRunes
		if b := lastBoundary(runes, start+maxRunes/2, cut, isClauseBoundaryRune); b > start {
			cut = b + 1
		} else if b := lastBoundary(runes, start+maxRunes/2, cut, unicode.IsSpace); b > start {
			cut = b + 1
		}
		if part := strings.TrimSpace(string(runes[start:cut])); part != "" {
			out = append(out, part)
		}
		start = cut
	}
	return out
}

func lastBoundary(runes []rune, from, to int, match func(rune) bool) int {
	if to > len(runes) {
		to = len(runes)
	}
	for i := to - 1; i >= from && i >= 0; i-- {
		if match(runes[i]) {
			return i
		}
	}
	return -1
}

func isClauseBoundaryRune(r rune) bool {
	switch r {
	case ',', ';', ':', '—':
		return true
	}
	return false
}

func isTokenBoundary(ch byte) bool {
	switch ch {
	case ' ', '"', '\'', '(', ')', '[', ']', '{', '}':
		return true
	}
	return false
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isAlpha(ch byte) bool { return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') }

func isClosingPunctuation(ch byte) bool {
	switch ch {
	case '"', '\'', ')', ']', '}':
		return true
	}
	return false
}

func isOpeningQuoteOrBracket(ch byte) bool {
	switch ch {
	case '"', '\'', '(', '[', '{':
		return true
	}
	return false
}
