package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/local/audiobooker/internal/book"
	"github.com/local/audiobooker/internal/chapters"
	mpkg "github.com/local/audiobooker/internal/metrics"
	"github.com/local/audiobooker/internal/storage"
	"github.com/local/audiobooker/internal/store"
	"github.com/local/audiobooker/internal/tts"
)

func (r *bookRun) extract(ctx context.Context) error {
	deps := r.p.deps
	rec, err := deps.Store.GetRecord(ctx, r.bookID)
	if err != nil {
		return err
	}
	path, err := r.sourcePath(ctx, rec.SourceRef)
	if err != nil {
		return err
	}
	doc, err := deps.Extractor.Extract(ctx, path)
	if err != nil {
		return err
	}
	if n, err := deps.CountPages(path); err != nil {
		r.logger.Debug().Err(err).Msg("page count cross-check unavailable")
	} else if n != doc.PageCount {
		r.logger.Warn().Int("extracted", doc.PageCount).Int("declared", n).Msg("page count mismatch")
	}
	if !doc.TextLayer {
		r.warn(ctx, book.StageExtract, book.Warning{Code: book.WarnNoTextLayer, Message: "sampled pages have no extractable text; the PDF may be scanned"})
	}
	if err := deps.Store.SavePages(context.WithoutCancel(ctx), r.bookID, doc.Pages); err != nil {
		return fmt.Errorf("save pages: %w", err)
	}
	r.doc = &doc

	coverRef := ""
	if r.p.opts.ExtractCover && deps.Artifacts != nil {
		img, err := deps.Extractor.Cover(path, r.p.opts.CoverDPI)
		if err != nil {
			r.logger.Warn().Err(err).Msg("cover extraction failed")
		} else if coverRef, err = deps.Artifacts.Put(ctx, storage.Key(r.bookID, "cover.jpg"), img, "image/jpeg"); err != nil {
			r.logger.Warn().Err(err).Msg("failed to store cover")
		}
	}

	_, err = r.update(ctx, func(rec *book.Record) {
		rec.PageCount = doc.PageCount
		if coverRef != "" {
			rec.CoverRef = coverRef
		}
	})
	return err
}

// document returns the extracted document, rebuilding it from stored pages
// when extraction ran in an earlier run.
func (r *bookRun) document(ctx context.Context) (book.Document, error) {
	if r.doc != nil {
		return *r.doc, nil
	}
	rec, err := r.p.deps.Store.GetRecord(ctx, r.bookID)
	if err != nil {
		return book.Document{}, err
	}
	pages, err := r.p.deps.Store.GetPages(ctx, r.bookID)
	if err != nil {
		return book.Document{}, err
	}
	doc := book.Document{PageCount: rec.PageCount, Pages: pages, TextLayer: true}
	r.doc = &doc
	return doc, nil
}

func (r *bookRun) metadata(ctx context.Context) error {
	doc, err := r.document(ctx)
	if err != nil {
		return err
	}
	res, err := r.p.deps.Metadata.Infer(ctx, r.bookID, doc)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		r.warn(ctx, book.StageMetadata, w)
	}
	md := res.Metadata
	_, err = r.update(ctx, func(rec *book.Record) {
		rec.Title = md.Title
		rec.Author = md.Author
		rec.Genre = md.Genre
		rec.Year = md.Year
		rec.Candidates = md.Chapters
	})
	return err
}

func (r *bookRun) resolve(ctx context.Context) error {
	st := r.p.deps.Store
	rec, err := st.GetRecord(ctx, r.bookID)
	if err != nil {
		return err
	}
	doc, err := r.document(ctx)
	if err != nil {
		return err
	}
	res, err := chapters.Resolve(rec.PageCount, rec.Candidates, doc.Pages, r.p.opts.Resolve)
	if err != nil {
		return err
	}
	mpkg.IncResolution(string(res.Source))

	records := make([]book.ChapterRecord, len(res.Chapters))
	for i, ch := range res.Chapters {
		records[i] = book.ChapterRecord{ResolvedChapter: ch, SummaryStatus: book.WorkPending, AudioStatus: book.WorkPending}
	}
	wctx := context.WithoutCancel(ctx)
	if err := st.WithBookLock(wctx, r.bookID, func(ctx context.Context) error {
		return st.SaveChapters(ctx, r.bookID, records)
	}); err != nil {
		return fmt.Errorf("save chapters: %w", err)
	}
	for _, w := range res.Warnings {
		r.warn(ctx, book.StageResolve, w)
	}
	r.logger.Info().
		Str("source", string(res.Source)).
		Int("chapters", len(res.Chapters)).
		Float64("coverage", res.Coverage).
		Int("offset", res.Offset).
		Msg("chapters resolved")

	_, err = r.update(ctx, func(rec *book.Record) {
		rec.ResolutionSource = string(res.Source)
		rec.Coverage = res.Coverage
		rec.Offset = res.Offset
		rec.AlternativeStarts = res.AlternativeStarts
		rec.FailedChapters = nil
	})
	return err
}

// forEachChapter runs fn on a bounded pool. Submission stops once ctx is
// done; chapter failures are recorded by fn and never abort the pool.
func (r *bookRun) forEachChapter(ctx context.Context, chs []book.ChapterRecord, fn func(context.Context, book.ChapterRecord)) {
	var g errgroup.Group
	g.SetLimit(r.p.opts.ChapterConcurrency)
	for _, ch := range chs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() == nil {
				fn(ctx, ch)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *bookRun) summarize(ctx context.Context) error {
	chs, err := r.p.deps.Store.GetChapters(ctx, r.bookID)
	if err != nil {
		return err
	}
	doc, err := r.document(ctx)
	if err != nil {
		return err
	}
	var todo []book.ChapterRecord
	for _, ch := range chs {
		if ch.SummaryStatus != book.WorkDone {
			todo = append(todo, ch)
		}
	}
	r.forEachChapter(ctx, todo, func(ctx context.Context, ch book.ChapterRecord) {
		r.summarizeChapter(ctx, ch, doc.Pages)
	})
	return ctx.Err()
}

func (r *bookRun) summarizeChapter(ctx context.Context, ch book.ChapterRecord, pages []book.Page) {
	res, err := r.p.deps.Summarizer.Summarize(ctx, r.bookID, ch.ResolvedChapter, pages)
	if ctx.Err() != nil {
		// interrupted chapters stay pending
		return
	}
	wctx := context.WithoutCancel(ctx)
	ref := ""
	if err == nil && r.p.deps.Artifacts != nil {
		key := storage.Key(r.bookID, "summaries", fmt.Sprintf("chapter-%03d.txt", ch.Index))
		if ref, err = r.p.deps.Artifacts.Put(wctx, key, []byte(res.Summary.Text), "text/plain; charset=utf-8"); err != nil {
			err = fmt.Errorf("store summary: %w", err)
		}
	}
	if err != nil {
		r.chapterFailed(wctx, book.StageSummarize, ch.Index, err, func(c *book.ChapterRecord) {
			c.SummaryStatus = book.WorkFailed
		})
		return
	}

	for _, w := range res.Warnings {
		r.warn(ctx, book.StageSummarize, w)
	}
	err = store.UpdateChapter(wctx, r.p.deps.Store, r.bookID, ch.Index, func(c *book.ChapterRecord) {
		c.Summary = res.Summary.Text
		c.SummaryRef = ref
		c.Tone = res.Summary.Tone
		c.SummaryStatus = book.WorkDone
		c.Error = ""
		c.Warnings = res.Warnings
	})
	if err != nil {
		r.logger.Error().Err(err).Int("chapter", ch.Index).Msg("failed to save summary")
		return
	}
	mpkg.IncChapter(string(book.StageSummarize), "ok")
	r.emit(Event{Kind: EventChapterDone, Stage: book.StageSummarize, Chapter: ch.Index, Message: ch.Title})
}

func (r *bookRun) synthesize(ctx context.Context) error {
	if r.p.deps.Synthesizer == nil {
		r.logger.Warn().Msg("narration disabled - no synthesizer configured")
		return nil
	}
	rec, err := r.p.deps.Store.GetRecord(ctx, r.bookID)
	if err != nil {
		return err
	}
	chs, err := r.p.deps.Store.GetChapters(ctx, r.bookID)
	if err != nil {
		return err
	}
	voice := rec.Voice
	if voice == "" {
		voice = r.p.opts.Voice
	}
	var todo []book.ChapterRecord
	for _, ch := range chs {
		if ch.SummaryStatus == book.WorkDone && ch.AudioStatus != book.WorkDone {
			todo = append(todo, ch)
		}
	}
	r.forEachChapter(ctx, todo, func(ctx context.Context, ch book.ChapterRecord) {
		r.synthesizeChapter(ctx, ch, voice)
	})
	return ctx.Err()
}

func (r *bookRun) synthesizeChapter(ctx context.Context, ch book.ChapterRecord, voice string) {
	asset, err := r.p.deps.Synthesizer.Synthesize(ctx, tts.Request{
		BookID:     r.bookID,
		Chapter:    ch.Index,
		Text:       ch.Summary,
		Voice:      voice,
		Tone:       ch.Tone,
		OutputPath: storage.Key(r.bookID, "audio", fmt.Sprintf("chapter-%03d.%s", ch.Index, r.p.opts.AudioFormat)),
	})
	if ctx.Err() != nil {
		return
	}
	wctx := context.WithoutCancel(ctx)
	if err != nil {
		r.chapterFailed(wctx, book.StageSynthesize, ch.Index, err, func(c *book.ChapterRecord) {
			c.AudioStatus = book.WorkFailed
			c.AudioRef = ""
		})
		return
	}
	err = store.UpdateChapter(wctx, r.p.deps.Store, r.bookID, ch.Index, func(c *book.ChapterRecord) {
		c.AudioRef = asset.Ref
		c.AudioDuration = asset.Duration
		c.AudioStatus = book.WorkDone
		c.Error = ""
	})
	if err != nil {
		r.logger.Error().Err(err).Int("chapter", ch.Index).Msg("failed to save narration")
		return
	}
	mpkg.IncChapter(string(book.StageSynthesize), "ok")
	r.emit(Event{Kind: EventChapterDone, Stage: book.StageSynthesize, Chapter: ch.Index, Message: asset.Ref})
}

func (r *bookRun) chapterFailed(ctx context.Context, stage book.Stage, index int, cause error, mark func(*book.ChapterRecord)) {
	mpkg.IncChapter(string(stage), "failed")
	r.logger.Warn().Err(cause).Str("stage", string(stage)).Int("chapter", index).Msg("chapter failed")
	if err := store.UpdateChapter(ctx, r.p.deps.Store, r.bookID, index, func(c *book.ChapterRecord) {
		mark(c)
		c.Error = cause.Error()
	}); err != nil {
		r.logger.Error().Err(err).Int("chapter", index).Msg("failed to record chapter failure")
	}
	r.record(ctx, book.LogEntry{Stage: stage, Status: "failed", Chapter: index, Message: cause.Error()})
	r.emit(Event{Kind: EventChapterFailed, Stage: stage, Chapter: index, Message: cause.Error()})
}

func (r *bookRun) manifest(ctx context.Context) error {
	m, err := r.p.deps.Manifests.Build(ctx, r.bookID)
	if err != nil {
		return err
	}
	r.logger.Info().Int("audio_refs", m.AudioRefs()).Int("chapters", len(m.Chapters)).Msg("manifest built")
	return nil
}
