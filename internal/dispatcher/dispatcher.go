package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/local/audiobooker/internal/ai"
	"github.com/local/audiobooker/internal/config"
	"github.com/local/audiobooker/internal/limiter"
	mpkg "github.com/local/audiobooker/internal/metrics"
)

var (
	ErrNoProviders = errors.New("no LLM provider configured")
	ErrExhausted   = errors.New("all providers/models exhausted")
)

// Dispatcher routes completion requests across providers and models:
// primary provider (primary, secondary model), then secondary provider
// (primary, secondary model). Transient failures are retried with
// exponential backoff before moving down the ladder; a circuit breaker
// skips provider:model pairs that keep failing.
type Dispatcher struct {
	clients   map[string]ai.Client
	providers config.ProvidersConfig
	worker    config.WorkerConfig
	breaker   Breaker
	limiter   *limiter.Adaptive
}

// New wires a dispatcher. clients is keyed by provider name; providers
// without a client are skipped. breaker and lim may be nil.
func New(providers config.ProvidersConfig, worker config.WorkerConfig, clients map[string]ai.Client, breaker Breaker, lim *limiter.Adaptive) *Dispatcher {
	if breaker == nil {
		breaker = NewMemoryBreaker(worker.BreakerBaseBackoff, worker.BreakerMaxBackoff)
	}
	if lim == nil {
		lim = limiter.New(limiter.Options{MaxInflight: worker.MaxInflightPerModel, RequestsPerSecond: worker.RequestsPerSecond})
	}
	return &Dispatcher{clients: clients, providers: providers, worker: worker, breaker: breaker, limiter: lim}
}

// Name lets the dispatcher stand in wherever an ai.Client is expected.
func (d *Dispatcher) Name() string { return "dispatcher" }

// Do implements ai.Client.
func (d *Dispatcher) Do(ctx context.Context, req ai.Request) (ai.Response, error) {
	return d.Complete(ctx, req)
}

type attempt struct {
	provider string
	model    string
	timeout  time.Duration
}

func (d *Dispatcher) models(provider string) config.ProviderModels {
	switch provider {
	case "gemini":
		return d.providers.Gemini
	case "openai":
		return d.providers.OpenAI
	case "anthropic":
		return d.providers.Anthropic
	}
	return config.ProviderModels{}
}

// plan builds the attempt ladder, skipping unknown providers and duplicates.
func (d *Dispatcher) plan() []attempt {
	var out []attempt
	seen := map[string]bool{}
	for _, prov := range []string{d.providers.PrimaryEngine, d.providers.SecondaryEngine} {
		if _, ok := d.clients[prov]; !ok {
			continue
		}
		m := d.models(prov)
		for _, model := range []string{m.Primary, m.Secondary} {
			key := prov + ":" + model
			if model == "" || seen[key] {
				continue
			}
			seen[key] = true
			timeout := m.Timeout
			if timeout <= 0 {
				timeout = d.worker.RequestTimeout
			}
			out = append(out, attempt{provider: prov, model: model, timeout: timeout})
		}
	}
	return out
}

// Complete runs req down the attempt ladder.
func (d *Dispatcher) Complete(ctx context.Context, req ai.Request) (ai.Response, error) {
	plan := d.plan()
	if len(plan) == 0 {
		return ai.Response{}, ErrNoProviders
	}
	if req.Temperature == 0 {
		req.Temperature = d.providers.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = d.providers.MaxTokens
	}

	var lastErr error
	for i, at := range plan {
		if err := ctx.Err(); err != nil {
			return ai.Response{}, err
		}
		if d.breaker.IsOpen(ctx, at.provider, at.model) {
			log.Debug().Str("provider", at.provider).Str("model", at.model).Msg("circuit breaker OPEN - skipping attempt")
			continue
		}
		log.Debug().
			Str("book_id", req.BookID).
			Int("chapter", req.Chapter).
			Str("purpose", string(req.Purpose)).
			Str("provider", at.provider).
			Str("model", at.model).
			Msgf("attempting completion [%d/%d]", i+1, len(plan))

		resp, err := d.callWithRetry(ctx, at, req)
		if err == nil {
			d.breaker.Close(ctx, at.provider, at.model)
			return resp, nil
		}
		lastErr = err
		if isFatalError(err) {
			log.Error().Err(err).Str("book_id", req.BookID).Str("provider", at.provider).Str("model", at.model).Msg("fatal error - no retry")
			return ai.Response{}, err
		}
		if isTransientError(err) {
			d.breaker.Open(ctx, at.provider, at.model)
		}
		log.Warn().Err(err).Str("book_id", req.BookID).Str("provider", at.provider).Str("model", at.model).Msg("attempt failed - trying fallback")
	}

	mpkg.ObserveProvider("all", "all", "exhausted", 0)
	if lastErr == nil {
		return ai.Response{}, fmt.Errorf("%w: every breaker is open", ErrExhausted)
	}
	return ai.Response{}, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

func (d *Dispatcher) callWithRetry(ctx context.Context, at attempt, req ai.Request) (ai.Response, error) {
	attempts := d.worker.CallMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(d.worker.RetryBaseDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// a refusal repeats on the same model; fail over instead
			return isTransientError(err) && !ai.IsContentRefused(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			mpkg.IncRetry(string(req.Purpose))
			log.Debug().Err(err).Uint("attempt", n+1).Str("provider", at.provider).Str("model", at.model).Msg("retrying completion")
		}),
	}
	if d.worker.RetryMaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(d.worker.RetryMaxDelay))
	}
	if d.worker.RetryJitter > 0 {
		opts = append(opts, retry.MaxJitter(d.worker.RetryJitter), retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)))
	} else {
		opts = append(opts, retry.DelayType(retry.BackOffDelay))
	}

	var resp ai.Response
	err := retry.Do(func() error {
		r, err := d.call(ctx, at, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, opts...)
	return resp, err
}

func (d *Dispatcher) call(ctx context.Context, at attempt, req ai.Request) (ai.Response, error) {
	client := d.clients[at.provider]
	timeout := at.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	release, err := d.limiter.Acquire(cctx, at.provider, at.model)
	if err != nil {
		return ai.Response{}, err
	}
	defer release()

	req.Model = at.model
	start := time.Now()
	resp, err := client.Do(cctx, req)
	dur := time.Since(start)

	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%s/%s timed out after %s: %w", at.provider, at.model, timeout, context.DeadlineExceeded)
	}
	mpkg.ObserveProvider(at.provider, at.model, classify(err), dur)
	if err != nil {
		return ai.Response{}, err
	}
	log.Debug().
		Str("book_id", req.BookID).
		Str("provider", at.provider).
		Str("model", at.model).
		Dur("duration", dur).
		Int("tokens_in", resp.TokensIn).
		Int("tokens_out", resp.TokensOut).
		Msg("completion succeeded")
	if resp.Provider == "" {
		resp.Provider = at.provider
	}
	if resp.Model == "" {
		resp.Model = at.model
	}
	return resp, nil
}
