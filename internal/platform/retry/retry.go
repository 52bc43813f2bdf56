// Package retry consolidates the retry and circuit-breaker behavior applied
// to every external payer call, so the orchestrator and the status tracker
// share one policy instead of scattering backoff logic through callers.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without attempting the call while the breaker
// for a target is in its cool-down window.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Policy retries a call a bounded number of times with exponential backoff
// and jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter adds up to this fraction of the computed delay. Zero disables
	// jitter (useful in tests).
	Jitter float64
	// Sleep is overridable for tests; defaults to a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy matches the submission retry contract: 3 attempts, 500ms base
// delay doubling up to 10s, 30% jitter.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.3,
	}
}

// Do runs fn until it succeeds, attempts are exhausted, or ctx is done. Each
// failed attempt is reported through onErr (may be nil) before the backoff
// wait. The last error is returned after exhaustion.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error, onErr func(attempt int, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if onErr != nil {
			onErr(attempt, last)
		}
		// Fast-fail errors are not worth further attempts.
		if errors.Is(last, ErrCircuitOpen) {
			return last
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.delay(attempt)); err != nil {
			return err
		}
	}
	return last
}

func (p *Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt-1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Breaker is a per-target circuit breaker. After Threshold consecutive
// failures it opens and rejects calls immediately for the cool-down window,
// then allows a trial call through.
type Breaker struct {
	Threshold int
	Cooldown  time.Duration
	// Now is overridable for tests.
	Now func() time.Time

	mu          sync.Mutex
	consecutive int
	openedAt    time.Time
	open        bool
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and stays open for cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{Threshold: threshold, Cooldown: cooldown}
}

func (b *Breaker) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Allow reports whether a call may proceed. While open, it returns false
// until the cool-down window has elapsed; the first call after the window is
// the trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.Cooldown {
		// Half-open: let one trial through; Record settles the state.
		return true
	}
	return false
}

// Record feeds a call outcome into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.consecutive = 0
		b.open = false
		return
	}
	b.consecutive++
	if b.Threshold > 0 && b.consecutive >= b.Threshold {
		b.open = true
		b.openedAt = b.now()
	}
}

// Call wraps fn with the breaker: rejected immediately with ErrCircuitOpen
// while open, otherwise executed and recorded.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	b.Record(err)
	return err
}
