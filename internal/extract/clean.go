package extract

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	digitRun       = regexp.MustCompile(`\d+`)
	whitespaceRun  = regexp.MustCompile(`[ \t\f\v\r]+`)
	romanPageLabel = regexp.MustCompile(`^(?i)[ivxlcdm]{1,6}$`)
)

// cleanPage removes page numbers and noise lines and re-joins lines broken
// mid-sentence.
func cleanPage(text string, pageNum int) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(whitespaceRun.ReplaceAllString(line, " "))
		if trimmed == "" || isPageNumber(trimmed, pageNum) || isNoise(trimmed) {
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.TrimSpace(strings.Join(fixBrokenLines(kept), "\n"))
}

func isPageNumber(line string, pageNum int) bool {
	if line == fmt.Sprintf("%d", pageNum) {
		return true
	}
	for _, pattern := range []string{
		fmt.Sprintf("Page %d", pageNum),
		fmt.Sprintf("- %d -", pageNum),
		fmt.Sprintf("[%d]", pageNum),
	} {
		if strings.EqualFold(line, pattern) {
			return true
		}
	}
	return false
}

// isNoise reports lines made only of punctuation or symbols.
func isNoise(line string) bool {
	for _, r := range line {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func fixBrokenLines(lines []string) []string {
	var fixed []string
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if i < len(lines)-1 {
			next := lines[i+1]
			last := line[len(line)-1]
			sentenceEnd := strings.ContainsRune(".!?:;\"'", rune(last))
			first := []rune(next)[0]
			if !sentenceEnd && unicode.IsLower(first) && !strings.HasSuffix(line, "-") && len(line) > 40 {
				lines[i+1] = line + " " + next
				continue
			}
		}
		fixed = append(fixed, line)
	}
	return fixed
}

// lineKey normalizes a header/footer candidate so running headers that
// differ only by page number compare equal.
func lineKey(line string) string {
	l := strings.ToLower(strings.TrimSpace(line))
	if romanPageLabel.MatchString(l) {
		return "#"
	}
	return digitRun.ReplaceAllString(l, "#")
}

// stripRepeated removes first and last lines that repeat across many pages
// (running titles, author names, page footers). A line is treated as a
// header or footer when it appears in that position on at least minShare
// of the non-blank pages and on at least three pages.
func stripRepeated(pages []string, minShare float64) []string {
	firstCount := map[string]int{}
	lastCount := map[string]int{}
	nonBlank := 0
	split := make([][]string, len(pages))
	for i, p := range pages {
		lines := strings.Split(p, "\n")
		if strings.TrimSpace(p) == "" {
			continue
		}
		split[i] = lines
		nonBlank++
		firstCount[lineKey(lines[0])]++
		if len(lines) > 1 {
			lastCount[lineKey(lines[len(lines)-1])]++
		}
	}
	need := int(float64(nonBlank)*minShare + 0.999)
	if need < 3 {
		need = 3
	}

	out := make([]string, len(pages))
	for i, lines := range split {
		if lines == nil {
			out[i] = pages[i]
			continue
		}
		if len(lines) > 1 && lastCount[lineKey(lines[len(lines)-1])] >= need {
			lines = lines[:len(lines)-1]
		}
		if len(lines) > 1 && firstCount[lineKey(lines[0])] >= need {
			lines = lines[1:]
		}
		out[i] = strings.Join(lines, "\n")
	}
	return out
}
