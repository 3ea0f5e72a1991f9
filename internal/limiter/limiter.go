package limiter

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Adaptive bounds calls per provider:model with an in-flight slot pool and
// a token-bucket request rate.
type Adaptive struct {
	maxInflight int
	rps         float64
	burst       int

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	rate *rate.Limiter
}

type Options struct {
	MaxInflight       int
	RequestsPerSecond float64 // <= 0 disables rate limiting
	Burst             int
}

func New(opts Options) *Adaptive {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = opts.MaxInflight
	}
	return &Adaptive{
		maxInflight: opts.MaxInflight,
		rps:         opts.RequestsPerSecond,
		burst:       opts.Burst,
		slots:       map[string]*slot{},
	}
}

func (a *Adaptive) slotFor(provider, model string) *slot {
	key := strings.ToLower(provider) + ":" + strings.ToLower(model)
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, a.maxInflight)}
		if a.rps > 0 {
			s.rate = rate.NewLimiter(rate.Limit(a.rps), a.burst)
		}
		a.slots[key] = s
	}
	return s
}

// Acquire waits for an in-flight slot and a rate token for provider:model.
// The returned release must be called once the call finishes.
func (a *Adaptive) Acquire(ctx context.Context, provider, model string) (func(), error) {
	s := a.slotFor(provider, model)
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return func() {}, ctx.Err()
	}
	release := func() { <-s.sem }
	if s.rate != nil {
		if err := s.rate.Wait(ctx); err != nil {
			release()
			return func() {}, err
		}
	}
	return release, nil
}

// Allow tries to reserve a slot without waiting.
// Returns a release function and true if allowed; otherwise a no-op and false.
func (a *Adaptive) Allow(provider, model string) (func(), bool) {
	s := a.slotFor(provider, model)
	if s.rate != nil && !s.rate.Allow() {
		return func() {}, false
	}
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, true
	default:
		return func() {}, false
	}
}

// Inflight reports how many slots are currently held for provider:model.
func (a *Adaptive) Inflight(provider, model string) int {
	return len(a.slotFor(provider, model).sem)
}
