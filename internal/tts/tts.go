// Package tts narrates chapter summaries into audio files.
package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/local/audiobooker/internal/book"
	"github.com/local/audiobooker/internal/dispatcher"
	"github.com/local/audiobooker/internal/limiter"
	mpkg "github.com/local/audiobooker/internal/metrics"
	"github.com/local/audiobooker/internal/storage"
	"github.com/local/audiobooker/internal/textsplit"
)

// Request asks for one narration. OutputPath is the storage key of the
// resulting audio file.
type Request struct {
	BookID     string
	Chapter    int
	Text       string
	Voice      string
	Tone       book.Tone
	OutputPath string
}

// AudioAsset describes a stored narration.
type AudioAsset struct {
	Ref      string
	Format   string
	Bytes    int
	Duration time.Duration
}

// SynthesisError is a per-chapter narration failure.
type SynthesisError struct {
	Chapter int
	Err     error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesize chapter %d: %v", e.Chapter, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

var ErrEmptyText = errors.New("nothing to narrate")

// Synthesizer produces and stores audio for a text.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (AudioAsset, error)
}

// Engine renders one bounded piece of text to encoded audio.
type Engine interface {
	Name() string
	Format() string
	Speak(ctx context.Context, text, voice string, tone book.Tone) ([]byte, error)
}

type Options struct {
	MaxChars       int
	WordsPerMinute int
	Timeout        time.Duration
	Attempts       int
	RetryDelay     time.Duration
}

// Narrator splits text to fit the engine, narrates each piece and stores
// the concatenated audio. Concatenation is byte-level, which is valid for
// frame-based formats such as MP3.
type Narrator struct {
	engine  Engine
	store   storage.Storage
	limiter *limiter.Adaptive
	opts    Options
}

func NewNarrator(engine Engine, store storage.Storage, lim *limiter.Adaptive, opts Options) *Narrator {
	if opts.MaxChars <= 0 {
		opts.MaxChars = 4000
	}
	if opts.WordsPerMinute <= 0 {
		opts.WordsPerMinute = 150
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if lim == nil {
		lim = limiter.New(limiter.Options{MaxInflight: 2})
	}
	return &Narrator{engine: engine, store: store, limiter: lim, opts: opts}
}

func (n *Narrator) Synthesize(ctx context.Context, req Request) (AudioAsset, error) {
	pieces := textsplit.Chunks(req.Text, n.opts.MaxChars)
	if len(pieces) == 0 {
		return AudioAsset{}, &SynthesisError{Chapter: req.Chapter, Err: ErrEmptyText}
	}

	var audio bytes.Buffer
	for i, piece := range pieces {
		b, err := n.speak(ctx, piece, req)
		if err != nil {
			if ctx.Err() != nil {
				return AudioAsset{}, ctx.Err()
			}
			return AudioAsset{}, &SynthesisError{Chapter: req.Chapter, Err: fmt.Errorf("piece %d/%d: %w", i+1, len(pieces), err)}
		}
		audio.Write(b)
	}

	ref, err := n.store.Put(ctx, req.OutputPath, audio.Bytes(), contentType(n.engine.Format()))
	if err != nil {
		return AudioAsset{}, &SynthesisError{Chapter: req.Chapter, Err: fmt.Errorf("store audio: %w", err)}
	}
	asset := AudioAsset{
		Ref:      ref,
		Format:   n.engine.Format(),
		Bytes:    audio.Len(),
		Duration: EstimateDuration(req.Text, n.opts.WordsPerMinute),
	}
	log.Debug().
		Str("book_id", req.BookID).
		Int("chapter", req.Chapter).
		Int("pieces", len(pieces)).
		Int("bytes", asset.Bytes).
		Dur("duration", asset.Duration).
		Msg("narration stored")
	return asset, nil
}

func (n *Narrator) speak(ctx context.Context, text string, req Request) ([]byte, error) {
	var out []byte
	err := retry.Do(func() error {
		cctx := ctx
		if n.opts.Timeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, n.opts.Timeout)
			defer cancel()
		}
		release, err := n.limiter.Acquire(cctx, n.engine.Name(), "tts")
		if err != nil {
			return err
		}
		defer release()
		b, err := n.engine.Speak(cctx, text, req.Voice, req.Tone)
		if err != nil {
			return err
		}
		if len(b) == 0 {
			return errors.New("engine returned no audio")
		}
		out = b
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(uint(n.opts.Attempts)),
		retry.Delay(n.opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(dispatcher.IsTransient),
	)
	result := "ok"
	if err != nil {
		result = "error"
	}
	mpkg.IncTTS(n.engine.Name(), result)
	return out, err
}

// EstimateDuration approximates narration length from the word count.
func EstimateDuration(text string, wordsPerMinute int) time.Duration {
	if wordsPerMinute <= 0 {
		wordsPerMinute = 150
	}
	words := textsplit.WordCount(text)
	return time.Duration(float64(words) / float64(wordsPerMinute) * float64(time.Minute)).Round(time.Second)
}

func contentType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	}
	return "application/octet-stream"
}
