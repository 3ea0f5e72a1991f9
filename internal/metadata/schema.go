package metadata

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/local/audiobooker/internal/book"
)

const schemaName = "metadata.json"

// responseSchema checks the top-level shape only. Chapter entries are
// decoded one by one so a single unusable entry does not discard the rest.
const responseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "title":    {"type": ["string", "null"]},
    "author":   {"type": ["string", "null"]},
    "genre":    {"type": ["string", "null"]},
    "year":     {"type": ["integer", "string", "null"]},
    "chapters": {"type": ["array", "null"]}
  }
}`

type response struct {
	Title    *string           `json:"title"`
	Author   *string           `json:"author"`
	Genre    *string           `json:"genre"`
	Year     json.RawMessage   `json:"year"`
	Chapters []json.RawMessage `json:"chapters"`
}

type chapterEntry struct {
	Title     *string `json:"title"`
	StartPage flexInt `json:"start_page"`
	EndPage   flexInt `json:"end_page"`
}

// flexInt decodes a JSON number or numeric string. Valid is false for null
// or blank values.
type flexInt struct {
	Value int
	Valid bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = flexInt{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = flexInt{}
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*f = flexInt{Value: n, Valid: true}
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexInt{Value: int(n), Valid: true}
	return nil
}

// decodeChapters keeps the entries with a usable start page and reports
// how many were skipped.
func decodeChapters(raw []json.RawMessage) ([]book.CandidateChapter, int) {
	out := []book.CandidateChapter{}
	skipped := 0
	for _, item := range raw {
		var c chapterEntry
		if err := json.Unmarshal(item, &c); err != nil || !c.StartPage.Valid {
			skipped++
			continue
		}
		cand := book.CandidateChapter{StartPage: c.StartPage.Value}
		if c.Title != nil {
			cand.Title = strings.TrimSpace(*c.Title)
		}
		if c.EndPage.Valid {
			end := c.EndPage.Value
			cand.EndPage = &end
		}
		out = append(out, cand)
	}
	return out, skipped
}

var yearPattern = regexp.MustCompile(`\b(1[0-9]{3}|20[0-9]{2})\b`)

// parseYear pulls a plausible four digit year out of a number or free text.
func parseYear(raw json.RawMessage) int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n >= 1000 && n <= 2099 {
			return int(n)
		}
		return 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	if m := yearPattern.FindString(s); m != "" {
		y, _ := strconv.Atoi(m)
		return y
	}
	return 0
}
