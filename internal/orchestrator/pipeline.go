// Package orchestrator runs the audiobook pipeline for one book at a time
// and serves the HTTP API that schedules and inspects books.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/local/audiobooker/internal/book"
	"github.com/local/audiobooker/internal/chapters"
	"github.com/local/audiobooker/internal/config"
	"github.com/local/audiobooker/internal/extract"
	"github.com/local/audiobooker/internal/logger"
	"github.com/local/audiobooker/internal/manifest"
	"github.com/local/audiobooker/internal/metadata"
	mpkg "github.com/local/audiobooker/internal/metrics"
	"github.com/local/audiobooker/internal/source"
	"github.com/local/audiobooker/internal/storage"
	"github.com/local/audiobooker/internal/store"
	"github.com/local/audiobooker/internal/summarize"
	"github.com/local/audiobooker/internal/tts"
)

type SourceFetcher interface {
	Fetch(ctx context.Context, ref string) (source.Local, error)
}

type PageExtractor interface {
	Extract(ctx context.Context, path string) (book.Document, error)
	Cover(path string, dpi float64) ([]byte, error)
}

type MetadataInferer interface {
	Infer(ctx context.Context, bookID string, doc book.Document) (metadata.Result, error)
}

type ChapterSummarizer interface {
	Summarize(ctx context.Context, bookID string, ch book.ResolvedChapter, pages []book.Page) (summarize.Result, error)
}

// Deps are the collaborators of a pipeline. Synthesizer may be nil, which
// disables narration.
type Deps struct {
	Store       store.Store
	Artifacts   storage.Storage
	Fetcher     SourceFetcher
	Extractor   PageExtractor
	Metadata    MetadataInferer
	Summarizer  ChapterSummarizer
	Synthesizer tts.Synthesizer
	Manifests   *manifest.Builder
	// CountPages cross-checks the extractor's page count.
	CountPages func(path string) (int, error)
}

type Options struct {
	ChapterConcurrency int
	Resolve            chapters.Options
	ExtractCover       bool
	CoverDPI           float64
	Voice              string
	AudioFormat        string
	EventBuffer        int
}

// OptionsFrom maps the pipeline, worker and TTS sections of the config.
func OptionsFrom(cfg config.Config) Options {
	return Options{
		ChapterConcurrency: cfg.Worker.ChapterConcurrency,
		Resolve: chapters.Options{
			CoverageThreshold: cfg.Pipeline.CoverageThreshold,
			OffsetWindow:      cfg.Pipeline.OffsetWindow,
			GiantChapterRatio: cfg.Pipeline.GiantChapterRatio,
		},
		ExtractCover: cfg.Pipeline.ExtractCover,
		CoverDPI:     cfg.Pipeline.CoverDPI,
		Voice:        cfg.TTS.Voice,
		AudioFormat:  cfg.TTS.Format,
	}
}

// Request asks for one pipeline run. BookID is derived from the PDF
// content when empty. Force reruns every stage.
type Request struct {
	BookID    string
	SourceRef string
	Voice     string
	Force     bool
	RunID     string
}

// Pipeline runs extract, metadata, resolve, summarize, synthesize and
// manifest for a book, skipping stages the book record marks completed.
type Pipeline struct {
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) *Pipeline {
	if opts.ChapterConcurrency <= 0 {
		opts.ChapterConcurrency = 4
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.AudioFormat == "" {
		opts.AudioFormat = "mp3"
	}
	if deps.Manifests == nil {
		deps.Manifests = manifest.NewBuilder(deps.Store, deps.Artifacts)
	}
	if deps.CountPages == nil {
		deps.CountPages = extract.CountPages
	}
	return &Pipeline{deps: deps, opts: opts}
}

// Start runs the pipeline in the background.
func (p *Pipeline) Start(ctx context.Context, req Request) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		events: make(chan Event, p.opts.EventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		defer cancel()
		out, err := p.run(ctx, req, h.emit)
		h.mu.Lock()
		h.outcome, h.err = out, err
		h.mu.Unlock()
		close(h.events)
	}()
	return h
}

// Run runs the pipeline synchronously. The error is non-nil when the book
// ends failed or partial.
func (p *Pipeline) Run(ctx context.Context, req Request) (Outcome, error) {
	return p.run(ctx, req, nil)
}

type bookRun struct {
	p      *Pipeline
	req    Request
	bookID string
	logger zerolog.Logger
	emitFn func(Event)

	local   *source.Local
	doc     *book.Document
	current book.Stage
}

func (p *Pipeline) run(ctx context.Context, req Request, emit func(Event)) (Outcome, error) {
	r := &bookRun{p: p, req: req, emitFn: emit, logger: logger.ForBook(req.BookID)}
	defer r.release()

	// Step 1: identify the book
	r.bookID = req.BookID
	if r.bookID == "" {
		path, err := r.sourcePath(ctx, req.SourceRef)
		if err != nil {
			return Outcome{}, err
		}
		if r.bookID, err = source.BookID(path); err != nil {
			return Outcome{}, err
		}
		r.logger = logger.ForBook(r.bookID)
	}
	if r.req.RunID == "" {
		r.req.RunID = uuid.NewString()
	}

	rec, err := r.begin(ctx)
	if err != nil {
		return Outcome{BookID: r.bookID}, err
	}
	r.logger.Info().Str("run_id", r.req.RunID).Str("resume_after", string(rec.Stage)).Bool("force", r.req.Force).Msg("pipeline started")

	// Step 2: stages in order, resuming after the furthest completed one
	var stageErr error
	for _, stage := range book.Stages {
		if rec.Stage.Rank() >= stage.Rank() {
			r.emit(Event{Kind: EventStageSkipped, Stage: stage})
			continue
		}
		if stageErr = ctx.Err(); stageErr != nil {
			break
		}
		if stageErr = r.runStage(ctx, stage); stageErr != nil {
			break
		}
	}

	// Step 3: settle the book status
	return r.finish(ctx, stageErr)
}

// begin loads or creates the book record and marks it processing.
func (r *bookRun) begin(ctx context.Context) (book.Record, error) {
	st := r.p.deps.Store
	now := time.Now().UTC()
	var out book.Record
	err := st.WithBookLock(ctx, r.bookID, func(ctx context.Context) error {
		rec, err := st.GetRecord(ctx, r.bookID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			rec = book.Record{BookID: r.bookID, CreatedAt: now}
		case err != nil:
			return err
		}
		if r.req.SourceRef != "" {
			rec.SourceRef = r.req.SourceRef
		}
		if r.req.Voice != "" {
			rec.Voice = r.req.Voice
		}
		switch {
		case r.req.Force:
			rec.Stage = book.StageNone
		case rec.Status == book.StatusNeedsAttention && rec.Stage.Rank() > book.StageResolve.Rank():
			// failed chapters get another attempt
			rec.Stage = book.StageResolve
		}
		rec.Status = book.StatusProcessing
		rec.Error = ""
		rec.RunID = r.req.RunID
		rec.UpdatedAt = now
		out = rec
		return st.SaveRecord(ctx, rec)
	})
	return out, err
}

func (r *bookRun) runStage(ctx context.Context, stage book.Stage) error {
	r.current = stage
	start := time.Now()
	r.emit(Event{Kind: EventStageStarted, Stage: stage})
	r.record(ctx, book.LogEntry{Stage: stage, Status: "started", Message: fmt.Sprintf("%s started", stage)})

	var err error
	switch stage {
	case book.StageExtract:
		err = r.extract(ctx)
	case book.StageMetadata:
		err = r.metadata(ctx)
	case book.StageResolve:
		err = r.resolve(ctx)
	case book.StageSummarize:
		err = r.summarize(ctx)
	case book.StageSynthesize:
		err = r.synthesize(ctx)
	case book.StageManifest:
		err = r.manifest(ctx)
	}

	dur := time.Since(start)
	if err != nil {
		result := "error"
		if ctx.Err() != nil {
			result = "cancelled"
		}
		mpkg.ObserveStage(string(stage), result, dur)
		return fmt.Errorf("%s: %w", stage, err)
	}
	mpkg.ObserveStage(string(stage), "ok", dur)
	if _, err := r.update(ctx, func(rec *book.Record) { rec.Stage = stage }); err != nil {
		return fmt.Errorf("%s: save progress: %w", stage, err)
	}
	r.record(ctx, book.LogEntry{Stage: stage, Status: "done", Message: fmt.Sprintf("%s completed in %s", stage, dur.Round(time.Millisecond))})
	r.emit(Event{Kind: EventStageCompleted, Stage: stage})
	r.logger.Info().Str("stage", string(stage)).Dur("duration", dur).Msg("stage completed")
	return nil
}

// finish records the final status. Cancellation and timeouts leave the
// book partial so a later run resumes it.
func (r *bookRun) finish(ctx context.Context, stageErr error) (Outcome, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	chs, err := r.p.deps.Store.GetChapters(wctx, r.bookID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to load chapters for final status")
	}
	var failed []int
	for _, ch := range chs {
		if ch.Failed() {
			failed = append(failed, ch.Index)
		}
	}

	var status book.Status
	switch {
	case stageErr == nil && len(failed) > 0:
		status = book.StatusNeedsAttention
	case stageErr == nil:
		status = book.StatusCompleted
	case ctx.Err() != nil:
		status = book.StatusPartial
	default:
		status = book.StatusFailed
	}

	rec, err := r.update(wctx, func(rec *book.Record) {
		rec.Status = status
		rec.FailedChapters = failed
		if stageErr != nil {
			rec.Error = stageErr.Error()
		}
	})
	if err != nil {
		r.logger.Error().Err(err).Str("status", string(status)).Msg("failed to save final status")
	}

	msg := string(status)
	switch status {
	case book.StatusFailed:
		msg = stageErr.Error()
		r.record(wctx, book.LogEntry{Stage: r.current, Status: "failed", Message: msg})
		r.emit(Event{Kind: EventStageFailed, Stage: r.current, Message: msg})
		r.logger.Error().Err(stageErr).Str("stage", string(r.current)).Msg("pipeline failed")
	case book.StatusPartial:
		msg = "stopped before completion: " + stageErr.Error()
		r.record(wctx, book.LogEntry{Stage: r.current, Status: "partial", Message: msg})
		r.logger.Warn().Err(stageErr).Str("stage", string(r.current)).Msg("pipeline stopped - book left partial")
	case book.StatusNeedsAttention:
		msg = fmt.Sprintf("chapters %v need attention", failed)
		r.logger.Warn().Ints("failed_chapters", failed).Msg("pipeline finished with failed chapters")
	default:
		r.logger.Info().Msg("pipeline finished")
	}
	mpkg.IncBook(string(status))
	r.emit(Event{Kind: EventFinished, Status: status, Message: msg})

	out := Outcome{BookID: r.bookID, Status: status, Stage: rec.Stage, FailedChapters: failed}
	if status == book.StatusFailed || status == book.StatusPartial {
		return out, stageErr
	}
	return out, nil
}

func (r *bookRun) emit(ev Event) {
	if r.emitFn == nil {
		return
	}
	ev.BookID = r.bookID
	r.emitFn(ev)
}

// record appends to the processing log. Log writes survive cancellation.
func (r *bookRun) record(ctx context.Context, e book.LogEntry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if err := r.p.deps.Store.AppendLog(context.WithoutCancel(ctx), r.bookID, e); err != nil {
		r.logger.Warn().Err(err).Msg("failed to append processing log")
	}
}

func (r *bookRun) warn(ctx context.Context, stage book.Stage, w book.Warning) {
	mpkg.IncWarning(w.Code)
	r.logger.Warn().Str("stage", string(stage)).Str("code", w.Code).Int("chapter", w.Chapter).Msg(w.Message)
	r.record(ctx, book.LogEntry{Stage: stage, Status: "warning", Code: w.Code, Message: w.Message, Chapter: w.Chapter})
	r.emit(Event{Kind: EventWarning, Stage: stage, Chapter: w.Chapter, Warning: &w, Message: w.Message})
}

func (r *bookRun) update(ctx context.Context, fn func(*book.Record)) (book.Record, error) {
	return store.UpdateRecord(context.WithoutCancel(ctx), r.p.deps.Store, r.bookID, func(rec *book.Record) {
		fn(rec)
		rec.UpdatedAt = time.Now().UTC()
	})
}

// sourcePath fetches the PDF once per run.
func (r *bookRun) sourcePath(ctx context.Context, ref string) (string, error) {
	if r.local != nil {
		return r.local.Path, nil
	}
	if ref == "" {
		return "", errors.New("book has no source reference")
	}
	local, err := r.p.deps.Fetcher.Fetch(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("fetch source: %w", err)
	}
	r.local = &local
	return local.Path, nil
}

func (r *bookRun) release() {
	if r.local != nil {
		r.local.Release()
	}
}
