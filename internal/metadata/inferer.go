// Package metadata asks the language model for a book's title, author and
// chapter table, falling back to embedded PDF information when the model
// cannot help.
package metadata

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/local/audiobooker/internal/ai"
	"github.com/local/audiobooker/internal/book"
)

const (
	UnknownTitle  = "Unknown Title"
	UnknownAuthor = "Unknown Author"
)

// Options bound the prompt and the completion.
type Options struct {
	PrefixPages    int
	MaxPromptChars int
	Temperature    float64
	MaxTokens      int
}

// Result is the inferred metadata and how it was obtained.
type Result struct {
	Metadata book.Metadata
	Kind     ai.ResultKind
	Warnings []book.Warning
}

// Degraded reports whether the model output could not be used.
func (r Result) Degraded() bool { return r.Kind != ai.ResultOK }

// Inferer extracts book metadata through an ai.Client.
type Inferer struct {
	client ai.Client
	opts   Options
	schema *jsonschema.Schema
}

func New(client ai.Client, opts Options) (*Inferer, error) {
	if opts.PrefixPages <= 0 {
		opts.PrefixPages = 25
	}
	if opts.MaxPromptChars <= 0 {
		opts.MaxPromptChars = 60000
	}
	schema, err := ai.CompileSchema(schemaName, responseSchema)
	if err != nil {
		return nil, err
	}
	return &Inferer{client: client, opts: opts, schema: schema}, nil
}

// Infer never fails on model problems: malformed or failed completions
// produce fallback metadata with an empty chapter list and a
// MetadataDegraded warning. Only cancellation of ctx is returned as error.
func (in *Inferer) Infer(ctx context.Context, bookID string, doc book.Document) (Result, error) {
	logger := log.With().Str("book_id", bookID).Str("stage", string(book.StageMetadata)).Logger()

	prompt, included := buildPrompt(doc.Pages, in.opts.PrefixPages, in.opts.MaxPromptChars)
	if included == 0 {
		logger.Warn().Msg("no text in leading pages - skipping model call")
		return in.degraded(doc, ai.ResultMalformed, "no text in the leading pages"), nil
	}

	resp, err := in.client.Do(ctx, ai.Request{
		BookID:       bookID,
		Purpose:      ai.PurposeMetadata,
		SystemPrompt: systemPrompt,
		Prompt:       prompt,
		Temperature:  in.opts.Temperature,
		MaxTokens:    in.opts.MaxTokens,
		JSON:         true,
	})
	if cerr := ctx.Err(); cerr != nil {
		return Result{}, cerr
	}
	res := ai.Decode(resp, err, in.schema)
	if res.Kind != ai.ResultOK {
		logger.Warn().Err(res.Err).Str("result", res.Kind.String()).Msg("metadata inference degraded")
		return in.degraded(doc, res.Kind, res.Err.Error()), nil
	}

	var r response
	if err := res.Into(&r); err != nil {
		logger.Warn().Err(err).Msg("metadata response did not decode")
		return in.degraded(doc, ai.ResultMalformed, err.Error()), nil
	}

	md := book.Metadata{
		Title:  pick(UnknownTitle, deref(r.Title), doc.Info.Title),
		Author: pick(UnknownAuthor, deref(r.Author), doc.Info.Author),
		Genre:  pick("", deref(r.Genre), doc.Info.Subject),
		Year:   parseYear(r.Year),
	}
	var skipped int
	md.Chapters, skipped = decodeChapters(r.Chapters)
	if skipped > 0 {
		logger.Warn().Int("skipped", skipped).Msg("ignored chapter entries without a usable start page")
	}
	logger.Info().
		Str("title", md.Title).
		Str("author", md.Author).
		Int("candidates", len(md.Chapters)).
		Int("pages_sent", included).
		Msg("metadata inferred")
	return Result{Metadata: md, Kind: ai.ResultOK}, nil
}

func (in *Inferer) degraded(doc book.Document, kind ai.ResultKind, reason string) Result {
	return Result{
		Metadata: book.Metadata{
			Title:    pick(UnknownTitle, doc.Info.Title),
			Author:   pick(UnknownAuthor, doc.Info.Author),
			Genre:    pick("", doc.Info.Subject),
			Chapters: []book.CandidateChapter{},
		},
		Kind: kind,
		Warnings: []book.Warning{{
			Code:    book.WarnMetadataDegraded,
			Message: fmt.Sprintf("metadata inference %s: %s", kind, reason),
		}},
	}
}

// placeholders are values models emit when they do not know the answer.
var placeholders = map[string]bool{
	"": true, "...": true, "unknown": true, "n/a": true, "none": true, "null": true,
	"unknown title": true, "unknown author": true, "unknown genre": true,
}

// pick returns the first value that is not a placeholder, else fallback.
func pick(fallback string, values ...string) string {
	for _, v := range values {
		v = strings.Join(strings.Fields(v), " ")
		if !placeholders[strings.ToLower(v)] {
			return v
		}
	}
	return fallback
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
