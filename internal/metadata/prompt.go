package metadata

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/local/audiobooker/internal/book"
)

const systemPrompt = `You are a careful bibliographic assistant. You read the opening pages of a narrative book and report its metadata and table of contents as strict JSON. Never invent chapters that are not listed or clearly headed in the text.`

const instructions = `From the front pages below (title page, copyright page, table of contents, opening chapters), return one JSON object:
{
  "title": "...",
  "author": "...",
  "genre": "...",
  "year": 1999,
  "chapters": [
    {"title": "Chapter 1", "start_page": 5, "end_page": 18},
    {"title": "Chapter 2", "start_page": 19, "end_page": null}
  ]
}

Rules:
- Page numbers refer to the "--- PAGE n ---" markers, not to numbers printed in the book.
- Use the table of contents when present; otherwise list headings you can see.
- Use null for unknown values and an empty list when no chapters are identifiable.
- Return only the JSON object.`

// buildPrompt renders up to maxPages non-blank leading pages, stopping once
// maxChars runes have been written. It reports how many pages were included.
func buildPrompt(pages []book.Page, maxPages, maxChars int) (string, int) {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\n")
	budget := maxChars
	included := 0
	for _, p := range pages {
		if p.Index > maxPages || budget <= 0 {
			break
		}
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		header := fmt.Sprintf("--- PAGE %d ---\n", p.Index)
		if n := utf8.RuneCountInString(text); n > budget {
			text = string([]rune(text)[:budget])
		}
		b.WriteString(header)
		b.WriteString(text)
		b.WriteString("\n\n")
		budget -= utf8.RuneCountInString(text)
		included++
	}
	return strings.TrimSpace(b.String()), included
}
