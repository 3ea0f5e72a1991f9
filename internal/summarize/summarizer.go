// Package summarize turns a chapter's page text into a narration-ready
// summary, splitting long chapters into chunks that are summarized
// separately and then condensed.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/local/audiobooker/internal/ai"
	"github.com/local/audiobooker/internal/book"
	"github.com/local/audiobooker/internal/textsplit"
)

// ErrAllChunksSkipped means no chunk of a long chapter produced a summary.
var ErrAllChunksSkipped = errors.New("every chunk was skipped")

// SummaryError reports a chapter that could not be summarized.
type SummaryError struct {
	Chapter int
	Kind    ai.ResultKind
	Err     error
}

func (e *SummaryError) Error() string {
	return fmt.Sprintf("summarize chapter %d (%s): %v", e.Chapter, e.Kind, e.Err)
}

func (e *SummaryError) Unwrap() error { return e.Err }

type Options struct {
	SinglePassCharLimit int
	ChunkCharLimit      int
	WordsMin            int
	WordsMax            int
	Temperature         float64
	MaxTokens           int
}

func (o Options) withDefaults() Options {
	if o.SinglePassCharLimit <= 0 {
		o.SinglePassCharLimit = 12000
	}
	if o.ChunkCharLimit <= 0 {
		o.ChunkCharLimit = 5000
	}
	if o.WordsMin <= 0 {
		o.WordsMin = 150
	}
	if o.WordsMax < o.WordsMin {
		o.WordsMax = o.WordsMin + 70
	}
	return o
}

// Result is a chapter summary with any warnings raised while producing it.
type Result struct {
	Summary  book.ChapterSummary
	Warnings []book.Warning
	Chunks   int
	Skipped  int
	// Verbatim is set when the model reply was used without valid JSON.
	Verbatim bool
}

type Summarizer struct {
	client ai.Client
	opts   Options
	final  *jsonschema.Schema
	chunk  *jsonschema.Schema
}

func New(client ai.Client, opts Options) (*Summarizer, error) {
	final, err := ai.CompileSchema("summary.json", finalSchema)
	if err != nil {
		return nil, err
	}
	chunk, err := ai.CompileSchema("chunk.json", chunkSchema)
	if err != nil {
		return nil, err
	}
	return &Summarizer{client: client, opts: opts.withDefaults(), final: final, chunk: chunk}, nil
}

// ChapterText joins the text of the chapter's pages.
func ChapterText(ch book.ResolvedChapter, pages []book.Page) string {
	var parts []string
	for _, p := range pages {
		if p.Index < ch.StartPage || p.Index > ch.EndPage {
			continue
		}
		if t := strings.TrimSpace(p.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Summarize produces the narration summary of one chapter.
func (s *Summarizer) Summarize(ctx context.Context, bookID string, ch book.ResolvedChapter, pages []book.Page) (Result, error) {
	logger := log.With().Str("book_id", bookID).Int("chapter", ch.Index).Str("stage", string(book.StageSummarize)).Logger()
	text := ChapterText(ch, pages)

	if text == "" {
		logger.Warn().Msg("chapter has no text - using placeholder summary")
		return Result{
			Summary: book.ChapterSummary{
				ChapterIndex: ch.Index,
				Text:         fmt.Sprintf("No content is available for %s.", ch.Title),
				Tone:         book.ToneCalm,
			},
			Warnings: []book.Warning{{Code: book.WarnEmptyChapter, Message: "chapter pages contain no text", Chapter: ch.Index}},
		}, nil
	}

	var res Result
	if utf8.RuneCountInString(text) <= s.opts.SinglePassCharLimit {
		prompt := finalPrompt(ch.Title, s.opts.WordsMin, s.opts.WordsMax, text)
		if err := s.finish(ctx, bookID, ch, ai.PurposeSummary, prompt, &res, logger); err != nil {
			return Result{}, err
		}
	} else {
		notes, err := s.summarizeChunks(ctx, bookID, ch, text, &res, logger)
		if err != nil {
			return Result{}, err
		}
		prompt := condensePrompt(ch.Title, s.opts.WordsMin, s.opts.WordsMax, notes)
		if err := s.finish(ctx, bookID, ch, ai.PurposeCondense, prompt, &res, logger); err != nil {
			return Result{}, err
		}
	}

	res.Summary.ChapterIndex = ch.Index
	res.Summary.Words = textsplit.WordCount(res.Summary.Text)
	if w := res.Summary.Words; w < s.opts.WordsMin || w > s.opts.WordsMax {
		res.Warnings = append(res.Warnings, book.Warning{
			Code:    book.WarnLengthOutOfBand,
			Message: fmt.Sprintf("summary has %d words, expected %d-%d", w, s.opts.WordsMin, s.opts.WordsMax),
			Chapter: ch.Index,
		})
	}
	logger.Info().
		Int("words", res.Summary.Words).
		Str("tone", string(res.Summary.Tone)).
		Int("chunks", res.Chunks).
		Int("skipped", res.Skipped).
		Bool("verbatim", res.Verbatim).
		Msg("chapter summarized")
	return res, nil
}

func (s *Summarizer) summarizeChunks(ctx context.Context, bookID string, ch book.ResolvedChapter, text string, res *Result, logger zerolog.Logger) (string, error) {
	chunks := textsplit.Chunks(text, s.opts.ChunkCharLimit)
	res.Chunks = len(chunks)
	var notes []string
	var lastErr error
	for i, chunk := range chunks {
		prompt := chunkPrompt(ch.Title, i+1, len(chunks), chunk)
		var out ai.Result
		for attempt := 1; attempt <= 2; attempt++ {
			resp, err := s.client.Do(ctx, ai.Request{
				BookID: bookID, Chapter: ch.Index, Purpose: ai.PurposeChunk,
				SystemPrompt: systemPrompt, Prompt: prompt,
				Temperature: s.opts.Temperature, MaxTokens: s.opts.MaxTokens, JSON: true,
			})
			if cerr := ctx.Err(); cerr != nil {
				return "", cerr
			}
			out = ai.Decode(resp, err, s.chunk)
			if out.Kind != ai.ResultMalformed {
				break
			}
			logger.Debug().Err(out.Err).Int("chunk", i+1).Int("attempt", attempt).Msg("malformed chunk summary")
		}
		if out.Kind != ai.ResultOK {
			lastErr = out.Err
			res.Skipped++
			res.Warnings = append(res.Warnings, book.Warning{
				Code:    book.WarnChunkSkipped,
				Message: fmt.Sprintf("chunk %d of %d skipped (%s): %v", i+1, len(chunks), out.Kind, out.Err),
				Chapter: ch.Index,
			})
			logger.Warn().Err(out.Err).Int("chunk", i+1).Str("result", out.Kind.String()).Msg("chunk skipped")
			continue
		}
		var v struct {
			Summary string `json:"summary"`
		}
		if err := out.Into(&v); err != nil || strings.TrimSpace(v.Summary) == "" {
			res.Skipped++
			continue
		}
		notes = append(notes, fmt.Sprintf("Part %d: %s", i+1, strings.TrimSpace(v.Summary)))
	}
	if len(notes) == 0 {
		return "", &SummaryError{Chapter: ch.Index, Kind: ai.ResultMalformed, Err: fmt.Errorf("%w: %v", ErrAllChunksSkipped, lastErr)}
	}
	return strings.Join(notes, "\n\n"), nil
}

// finish runs the single-pass or condense call. A reply that stays
// malformed after one retry is used verbatim when it carries text.
func (s *Summarizer) finish(ctx context.Context, bookID string, ch book.ResolvedChapter, purpose ai.Purpose, prompt string, res *Result, logger zerolog.Logger) error {
	var out ai.Result
	for attempt := 1; attempt <= 2; attempt++ {
		resp, err := s.client.Do(ctx, ai.Request{
			BookID: bookID, Chapter: ch.Index, Purpose: purpose,
			SystemPrompt: systemPrompt, Prompt: prompt,
			Temperature: s.opts.Temperature, MaxTokens: s.opts.MaxTokens, JSON: true,
		})
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		out = ai.Decode(resp, err, s.final)
		if out.Kind != ai.ResultMalformed {
			break
		}
		logger.Debug().Err(out.Err).Int("attempt", attempt).Msg("malformed summary")
	}

	switch out.Kind {
	case ai.ResultServiceError:
		return &SummaryError{Chapter: ch.Index, Kind: out.Kind, Err: out.Err}
	case ai.ResultMalformed:
		raw := strings.TrimSpace(out.Raw)
		if raw == "" {
			return &SummaryError{Chapter: ch.Index, Kind: out.Kind, Err: out.Err}
		}
		logger.Warn().Err(out.Err).Msg("using unstructured summary text verbatim")
		res.Summary.Text = raw
		res.Summary.Tone = book.ToneCalm
		res.Verbatim = true
		return nil
	}

	var v struct {
		Summary string `json:"summary"`
		Tone    string `json:"tone"`
	}
	if err := out.Into(&v); err != nil {
		return &SummaryError{Chapter: ch.Index, Kind: ai.ResultMalformed, Err: err}
	}
	res.Summary.Text = strings.TrimSpace(v.Summary)
	res.Summary.Tone = book.ParseTone(strings.ToLower(strings.TrimSpace(v.Tone)))
	return nil
}
