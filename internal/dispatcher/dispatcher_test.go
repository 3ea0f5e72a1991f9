package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/local/audiobooker/internal/ai"
	"github.com/local/audiobooker/internal/config"
)

func testConfig() (config.ProvidersConfig, config.WorkerConfig) {
	p := config.ProvidersConfig{
		PrimaryEngine:   "gemini",
		SecondaryEngine: "openai",
		Gemini:          config.ProviderModels{Primary: "g1", Secondary: "g2"},
		OpenAI:          config.ProviderModels{Primary: "o1", Secondary: "o2"},
	}
	w := config.WorkerConfig{
		RequestTimeout:      time.Second,
		CallMaxAttempts:     2,
		RetryBaseDelay:      time.Millisecond,
		MaxInflightPerModel: 4,
		BreakerBaseBackoff:  time.Minute,
		BreakerMaxBackoff:   time.Hour,
	}
	return p, w
}

func TestCompleteFailsOverOnTransientErrors(t *testing.T) {
	p, w := testConfig()
	gemini := &ai.MockClient{ProviderName: "gemini", Reply: func(int, ai.Request) (string, error) {
		return "", &ai.HTTPError{StatusCode: 503, Provider: "gemini"}
	}}
	openai := &ai.MockClient{ProviderName: "openai", Reply: func(int, ai.Request) (string, error) {
		return "ok", nil
	}}
	d := New(p, w, map[string]ai.Client{"gemini": gemini, "openai": openai}, nil, nil)

	resp, err := d.Complete(context.Background(), ai.Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "openai" || resp.Model != "o1" {
		t.Fatalf("expected openai/o1, got %s/%s", resp.Provider, resp.Model)
	}
	// two models, two attempts each
	if got := len(gemini.Calls()); got != 4 {
		t.Fatalf("expected 4 gemini calls, got %d", got)
	}
	if !d.breaker.IsOpen(context.Background(), "gemini", "g1") {
		t.Fatalf("expected breaker open for gemini:g1")
	}

	// the open breakers now skip gemini entirely
	if _, err := d.Complete(context.Background(), ai.Request{Prompt: "y"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(gemini.Calls()); got != 4 {
		t.Fatalf("expected breaker to skip gemini, got %d calls", got)
	}
}

func TestCompleteStopsOnFatalError(t *testing.T) {
	p, w := testConfig()
	gemini := &ai.MockClient{ProviderName: "gemini", Reply: func(int, ai.Request) (string, error) {
		return "", &ai.HTTPError{StatusCode: 401, Provider: "gemini"}
	}}
	openai := &ai.MockClient{ProviderName: "openai", Reply: func(int, ai.Request) (string, error) {
		return "ok", nil
	}}
	d := New(p, w, map[string]ai.Client{"gemini": gemini, "openai": openai}, nil, nil)

	_, err := d.Complete(context.Background(), ai.Request{Prompt: "x"})
	var httpErr *ai.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 401 {
		t.Fatalf("expected 401 error, got %v", err)
	}
	if len(gemini.Calls()) != 1 || len(openai.Calls()) != 0 {
		t.Fatalf("expected a single call, got gemini=%d openai=%d", len(gemini.Calls()), len(openai.Calls()))
	}
}

func TestCompleteExhausted(t *testing.T) {
	p, w := testConfig()
	p.SecondaryEngine = "anthropic"
	gemini := &ai.MockClient{ProviderName: "gemini", Reply: func(int, ai.Request) (string, error) {
		return "", ai.ErrRateLimited
	}}
	d := New(p, w, map[string]ai.Client{"gemini": gemini}, nil, nil)

	_, err := d.Complete(context.Background(), ai.Request{Prompt: "x"})
	if !errors.Is(err, ErrExhausted) || !ai.IsRateLimited(err) {
		t.Fatalf("expected exhausted rate limit error, got %v", err)
	}
}

func TestCompleteRespectsCancellation(t *testing.T) {
	p, w := testConfig()
	gemini := &ai.MockClient{ProviderName: "gemini", Reply: func(int, ai.Request) (string, error) { return "ok", nil }}
	d := New(p, w, map[string]ai.Client{"gemini": gemini}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Complete(ctx, ai.Request{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCompleteWithoutProviders(t *testing.T) {
	p, w := testConfig()
	d := New(p, w, map[string]ai.Client{}, nil, nil)
	if _, err := d.Complete(context.Background(), ai.Request{}); !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
}

func TestMemoryBreakerCooldown(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewMemoryBreaker(10*time.Second, 40*time.Second)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Open(ctx, "p", "m")
	if !b.IsOpen(ctx, "p", "m") {
		t.Fatalf("expected open")
	}
	now = now.Add(11 * time.Second)
	if b.IsOpen(ctx, "p", "m") {
		t.Fatalf("expected half-open after cooldown")
	}
	b.Open(ctx, "p", "m")
	now = now.Add(15 * time.Second)
	if !b.IsOpen(ctx, "p", "m") {
		t.Fatalf("expected doubled cooldown to still be active")
	}
	b.Close(ctx, "p", "m")
	if b.IsOpen(ctx, "p", "m") {
		t.Fatalf("expected closed")
	}
}

func TestCooldownCaps(t *testing.T) {
	if got := cooldown(time.Second, 5*time.Second, 1); got != time.Second {
		t.Fatalf("got %s", got)
	}
	if got := cooldown(time.Second, 5*time.Second, 3); got != 4*time.Second {
		t.Fatalf("got %s", got)
	}
	if got := cooldown(time.Second, 5*time.Second, 10); got != 5*time.Second {
		t.Fatalf("got %s", got)
	}
}
