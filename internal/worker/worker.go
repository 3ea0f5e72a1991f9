// Package worker consumes book jobs from the queue and runs the pipeline,
// one book per worker goroutine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/local/audiobooker/internal/book"
	"github.com/local/audiobooker/internal/chapters"
	"github.com/local/audiobooker/internal/config"
	mpkg "github.com/local/audiobooker/internal/metrics"
	"github.com/local/audiobooker/internal/orchestrator"
	"github.com/local/audiobooker/internal/queue"
	"github.com/local/audiobooker/internal/source"
	"github.com/local/audiobooker/internal/store"
)

type Queue interface {
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, queue.Job, error)
	Ack(ctx context.Context, msgID string) error
	EnqueueDelayed(ctx context.Context, job queue.Job, at time.Time) error
	AddDLQ(ctx context.Context, job queue.Job, reason string) error
	IsCancelled(ctx context.Context, bookID string) (bool, error)
}

// depthReporter is implemented by queues that can report their backlog.
type depthReporter interface {
	Depths(ctx context.Context) (int64, int64, int64, error)
}

type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (orchestrator.Outcome, error)
}

type Config struct {
	Concurrency    int
	BookTimeout    time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	CancelPoll     time.Duration
	DequeueTimeout time.Duration
	DepthInterval  time.Duration
	ConsumerPrefix string
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Concurrency:    cfg.Worker.Concurrency,
		BookTimeout:    cfg.Worker.BookTotalTimeout,
		MaxAttempts:    cfg.Worker.JobMaxAttempts,
		RetryBaseDelay: cfg.Worker.RetryBaseDelay,
		RetryMaxDelay:  cfg.Worker.BreakerMaxBackoff,
		CancelPoll:     cfg.Worker.CancelPollInterval,
		DequeueTimeout: 2 * time.Second,
		DepthInterval:  15 * time.Second,
	}
}

// Pool runs Concurrency workers. Each worker processes one book at a time.
type Pool struct {
	cfg    Config
	q      Queue
	runner Runner
	store  store.Store

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config, q Queue, runner Runner, st store.Store) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = 32 * cfg.RetryBaseDelay
	}
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = 2 * time.Second
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 2 * time.Second
	}
	if cfg.ConsumerPrefix == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		cfg.ConsumerPrefix = host
	}
	return &Pool{cfg: cfg, q: q, runner: runner, store: st}
}

// Start launches the workers. Books in flight when ctx ends or Stop is
// called are cancelled, left partial and requeued.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(ctx, i)
		}()
	}
	if dr, ok := p.q.(depthReporter); ok && p.cfg.DepthInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.reportDepths(ctx, dr)
		}()
	}
}

// Stop cancels the workers and waits for them until ctx ends.
func (p *Pool) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) loop(ctx context.Context, id int) {
	consumer := fmt.Sprintf("%s-%d", p.cfg.ConsumerPrefix, id)
	log.Info().Int("worker", id).Str("consumer", consumer).Msg("book worker started")
	for {
		if ctx.Err() != nil {
			log.Info().Int("worker", id).Msg("book worker stopped")
			return
		}
		msgID, job, err := p.q.Dequeue(ctx, consumer, p.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Int("worker", id).Msg("queue dequeue error")
			select {
			case <-ctx.Done():
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if msgID == "" {
			continue
		}
		p.handle(ctx, id, msgID, job)
	}
}

func (p *Pool) handle(ctx context.Context, id int, msgID string, job queue.Job) {
	logger := log.With().Int("worker", id).Str("book_id", job.BookID).Str("run_id", job.RunID).Int("attempt", job.Attempt).Logger()
	wctx := context.WithoutCancel(ctx)
	defer func() {
		if err := p.q.Ack(wctx, msgID); err != nil {
			logger.Warn().Err(err).Str("msg_id", msgID).Msg("ack failed")
		}
	}()

	if cancelled, _ := p.q.IsCancelled(ctx, job.BookID); cancelled {
		logger.Warn().Msg("book cancelled before processing; skipping")
		p.markPartial(wctx, job.BookID, "cancelled before processing")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p.cfg.BookTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, p.cfg.BookTimeout)
		defer cancelTimeout()
	}
	var userCancelled atomic.Bool
	go p.watchCancel(runCtx, job.BookID, func() {
		userCancelled.Store(true)
		cancel()
	})

	start := time.Now()
	out, err := p.runner.Run(runCtx, orchestrator.Request{
		BookID:    job.BookID,
		SourceRef: job.SourceRef,
		Voice:     job.Voice,
		Force:     job.Force,
		RunID:     job.RunID,
	})
	dur := time.Since(start)
	if err == nil {
		logger.Info().Str("status", string(out.Status)).Ints("failed_chapters", out.FailedChapters).Dur("duration", dur).Msg("book processed")
		return
	}

	switch {
	case userCancelled.Load():
		logger.Info().Dur("duration", dur).Msg("book cancelled - left partial")
	case ctx.Err() != nil:
		// shutdown; the next worker resumes the book
		p.requeue(wctx, job, time.Now(), logger)
	case Permanent(err):
		logger.Error().Err(err).Msg("book failed permanently - moving to DLQ")
		p.deadLetter(wctx, job, err, logger)
	case job.Attempt >= p.cfg.MaxAttempts:
		logger.Error().Err(err).Int("max_attempts", p.cfg.MaxAttempts).Msg("book failed after max attempts - moving to DLQ")
		p.deadLetter(wctx, job, err, logger)
	default:
		delay := Backoff(p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay, job.Attempt)
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("book run failed - scheduling retry")
		next := job
		next.Attempt++
		p.requeue(wctx, next, time.Now().Add(delay), logger)
	}
}

// watchCancel polls the cancellation set while a book runs.
func (p *Pool) watchCancel(ctx context.Context, bookID string, cancel func()) {
	ticker := time.NewTicker(p.cfg.CancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cancelled, _ := p.q.IsCancelled(ctx, bookID); cancelled {
				log.Info().Str("book_id", bookID).Msg("book cancelled (detected via queue) - stopping run")
				cancel()
				return
			}
		}
	}
}

func (p *Pool) requeue(ctx context.Context, job queue.Job, at time.Time, logger zerolog.Logger) {
	job.EnqueuedAt = time.Now().UTC()
	if err := p.q.EnqueueDelayed(ctx, job, at); err != nil {
		logger.Error().Err(err).Msg("failed to requeue book")
	}
}

func (p *Pool) deadLetter(ctx context.Context, job queue.Job, cause error, logger zerolog.Logger) {
	if err := p.q.AddDLQ(ctx, job, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to add book to DLQ")
	}
}

func (p *Pool) markPartial(ctx context.Context, bookID, reason string) {
	if p.store == nil {
		return
	}
	_, err := store.UpdateRecord(ctx, p.store, bookID, func(rec *book.Record) {
		if rec.Status == book.StatusQueued || rec.Status == book.StatusProcessing {
			rec.Status = book.StatusPartial
			rec.Error = reason
			rec.UpdatedAt = time.Now().UTC()
		}
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Str("book_id", bookID).Msg("failed to mark book partial")
	}
}

func (p *Pool) reportDepths(ctx context.Context, dr depthReporter) {
	ticker := time.NewTicker(p.cfg.DepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stream, delayed, dlq, err := dr.Depths(ctx)
			if err != nil {
				log.Debug().Err(err).Msg("queue depth unavailable")
				continue
			}
			mpkg.SetQueueDepth("stream", stream)
			mpkg.SetQueueDepth("delayed", delayed)
			mpkg.SetQueueDepth("dlq", dlq)
		}
	}
}

// Permanent reports errors a retry cannot fix.
func Permanent(err error) bool {
	return errors.Is(err, chapters.ErrNoChapters) || errors.Is(err, source.ErrNotPDF)
}

// Backoff doubles base per attempt up to max, with up to 20% jitter.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if j := int64(d / 5); j > 0 {
		d += time.Duration(rand.Int64N(j))
	}
	return d
}
