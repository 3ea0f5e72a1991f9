package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/local/audiobooker/internal/ai"
	"github.com/local/audiobooker/internal/config"
	"github.com/local/audiobooker/internal/dispatcher"
	"github.com/local/audiobooker/internal/extract"
	"github.com/local/audiobooker/internal/limiter"
	"github.com/local/audiobooker/internal/metadata"
	"github.com/local/audiobooker/internal/orchestrator"
	"github.com/local/audiobooker/internal/source"
	"github.com/local/audiobooker/internal/statuscheck"
	"github.com/local/audiobooker/internal/storage"
	"github.com/local/audiobooker/internal/store"
	"github.com/local/audiobooker/internal/summarize"
	"github.com/local/audiobooker/internal/tts"
)

// app holds the wired pipeline and the resources that must be closed.
type app struct {
	cfg       config.Config
	store     store.Store
	artifacts storage.Storage
	bucket    *storage.S3
	fetcher   *source.Fetcher
	pipeline  *orchestrator.Pipeline
	closers   []func() error
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
}

// statusChecker reports readiness of every service the app was wired with.
func (a *app) statusChecker(redis statuscheck.Pinger) *statuscheck.Checker {
	opts := statuscheck.Options{
		Redis:        redis,
		StorageName:  a.cfg.Storage.Backend,
		OpenAIKey:    a.cfg.Providers.OpenAI.APIKey,
		AnthropicKey: a.cfg.Providers.Anthropic.APIKey,
		GeminiKey:    a.cfg.Providers.Gemini.APIKey,
		TTSEngine:    a.cfg.TTS.Engine,
		TTSKey:       a.cfg.TTS.APIKey,
	}
	if a.bucket != nil {
		opts.Storage = a.bucket
	}
	return statuscheck.New(opts)
}

// buildApp wires storage, LLM clients, narration and the pipeline from cfg.
// breaker may be nil for an in-process breaker.
func buildApp(ctx context.Context, cfg config.Config, st store.Store, breaker dispatcher.Breaker, narrate bool) (*app, error) {
	a := &app{cfg: cfg, store: st}

	// Step 1: artifact storage and source fetching
	artifacts, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.artifacts = artifacts
	a.fetcher = &source.Fetcher{HTTP: &http.Client{Timeout: cfg.Worker.RequestTimeout}, TempDir: cfg.Storage.TempDir}
	if s3, ok := artifacts.(*storage.S3); ok {
		a.bucket = s3
		a.fetcher.S3 = s3
	}

	// Step 2: LLM providers behind the failover dispatcher
	clients := map[string]ai.Client{}
	if k := cfg.Providers.OpenAI.APIKey; k != "" {
		clients["openai"] = ai.NewOpenAIClient(k)
	}
	if k := cfg.Providers.Anthropic.APIKey; k != "" {
		clients["anthropic"] = ai.NewAnthropicClient(k)
	}
	if k := cfg.Providers.Gemini.APIKey; k != "" {
		g := ai.NewGeminiClient(k)
		clients["gemini"] = g
		a.closers = append(a.closers, g.Close)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no LLM provider configured: set OPENAI_API_KEY, GEMINI_API_KEY or ANTHROPIC_API_KEY")
	}
	lim := limiter.New(limiter.Options{MaxInflight: cfg.Worker.MaxInflightPerModel, RequestsPerSecond: cfg.Worker.RequestsPerSecond})
	llm := dispatcher.New(cfg.Providers, cfg.Worker, clients, breaker, lim)

	inferer, err := metadata.New(llm, metadata.Options{
		PrefixPages:    cfg.Pipeline.MaxMetadataPrefixPages,
		MaxPromptChars: cfg.Pipeline.MaxMetadataPromptChars,
		Temperature:    cfg.Providers.Temperature,
		MaxTokens:      cfg.Providers.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	summarizer, err := summarize.New(llm, summarize.Options{
		SinglePassCharLimit: cfg.Pipeline.SinglePassCharLimit,
		ChunkCharLimit:      cfg.Pipeline.ChunkCharLimit,
		WordsMin:            cfg.Pipeline.SummaryWordsMin,
		WordsMax:            cfg.Pipeline.SummaryWordsMax,
		Temperature:         cfg.Providers.Temperature,
		MaxTokens:           cfg.Providers.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	// Step 3: narration
	var synth tts.Synthesizer
	switch {
	case !narrate || cfg.TTS.Engine == "none":
		log.Warn().Msg("narration disabled")
	case cfg.TTS.Engine == "openai":
		engine, err := tts.NewOpenAISpeech(cfg.TTS)
		if err != nil {
			return nil, fmt.Errorf("tts: %w", err)
		}
		synth = tts.NewNarrator(engine, artifacts, lim, tts.Options{
			MaxChars:       cfg.TTS.MaxChars,
			WordsPerMinute: cfg.TTS.WordsPerMinute,
			Timeout:        cfg.TTS.Timeout,
			Attempts:       cfg.Worker.CallMaxAttempts,
			RetryDelay:     cfg.Worker.RetryBaseDelay,
		})
	default:
		return nil, fmt.Errorf("unknown TTS engine %q", cfg.TTS.Engine)
	}

	a.pipeline = orchestrator.New(orchestrator.Deps{
		Store:       st,
		Artifacts:   artifacts,
		Fetcher:     a.fetcher,
		Extractor:   extract.New(nil),
		Metadata:    inferer,
		Summarizer:  summarizer,
		Synthesizer: synth,
	}, orchestrator.OptionsFrom(cfg))

	log.Info().
		Str("storage", cfg.Storage.Backend).
		Int("providers", len(clients)).
		Str("primary_engine", cfg.Providers.PrimaryEngine).
		Bool("narration", synth != nil).
		Msg("pipeline wired")
	return a, nil
}
