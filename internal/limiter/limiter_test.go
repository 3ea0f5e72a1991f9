package limiter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquireBoundsInflight(t *testing.T) {
	l := New(Options{MaxInflight: 2})
	r1, err := l.Acquire(context.Background(), "openai", "m")
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	r2, err := l.Acquire(context.Background(), "OpenAI", "M")
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if got := l.Inflight("openai", "m"); got != 2 {
		t.Fatalf("expected 2 in flight, got %d", got)
	}
	if _, ok := l.Allow("openai", "m"); ok {
		t.Fatalf("expected Allow to refuse when slots are full")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "openai", "m"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	r1()
	r3, err := l.Acquire(context.Background(), "openai", "m")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	r2()
	r3()
	if got := l.Inflight("openai", "m"); got != 0 {
		t.Fatalf("expected 0 in flight, got %d", got)
	}
}

func TestSlotsAreIndependentPerModel(t *testing.T) {
	l := New(Options{MaxInflight: 1})
	release, ok := l.Allow("gemini", "a")
	if !ok {
		t.Fatalf("expected first slot")
	}
	defer release()
	if _, ok := l.Allow("gemini", "b"); !ok {
		t.Fatalf("expected separate slot for another model")
	}
}
