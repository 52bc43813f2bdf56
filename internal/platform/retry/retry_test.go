package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(p *Policy) *Policy {
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	p := noSleep(&Policy{MaxAttempts: 3, BaseDelay: time.Millisecond})
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	p := noSleep(&Policy{MaxAttempts: 3, BaseDelay: time.Millisecond})
	calls := 0
	var reported []int
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(attempt int, _ error) {
		reported = append(reported, attempt)
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(reported) != 2 || reported[0] != 1 || reported[1] != 2 {
		t.Errorf("reported attempts = %v, want [1 2]", reported)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := noSleep(&Policy{MaxAttempts: 3, BaseDelay: time.Millisecond})
	wantErr := errors.New("permanent")
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return wantErr
	}, nil)
	if !errors.Is(err, wantErr) {
		t.Errorf("Do() error = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoFastFailsOnOpenCircuit(t *testing.T) {
	p := noSleep(&Policy{MaxAttempts: 5, BaseDelay: time.Millisecond})
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return ErrCircuitOpen
	}, nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Do() error = %v, want ErrCircuitOpen", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries against an open breaker)", calls)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	p := &Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDelayBackoff(t *testing.T) {
	p := &Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	if d := p.delay(1); d != 100*time.Millisecond {
		t.Errorf("delay(1) = %v, want 100ms", d)
	}
	if d := p.delay(2); d != 200*time.Millisecond {
		t.Errorf("delay(2) = %v, want 200ms", d)
	}
	if d := p.delay(3); d != 300*time.Millisecond {
		t.Errorf("delay(3) = %v, want cap 300ms", d)
	}
	if d := p.delay(4); d != 300*time.Millisecond {
		t.Errorf("delay(4) = %v, want cap 300ms", d)
	}
}

func TestDelayJitterBounded(t *testing.T) {
	p := &Policy{BaseDelay: 100 * time.Millisecond, Jitter: 0.3}
	for i := 0; i < 50; i++ {
		d := p.delay(1)
		if d < 100*time.Millisecond || d > 130*time.Millisecond {
			t.Fatalf("delay(1) = %v, want within [100ms, 130ms]", d)
		}
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	failure := errors.New("boom")

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("Allow() = false before threshold at failure %d", i)
		}
		b.Record(failure)
	}
	if b.Allow() {
		t.Error("Allow() = true after threshold, want false")
	}

	err := b.Call(context.Background(), func(context.Context) error {
		t.Fatal("call must not run while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Call() error = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Minute)
	b.Now = func() time.Time { return now }

	b.Record(errors.New("boom"))
	if b.Allow() {
		t.Fatal("Allow() = true while open")
	}

	// Cool-down elapsed: the trial call goes through and success closes it.
	now = now.Add(time.Minute)
	called := false
	err := b.Call(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("trial call err = %v, called = %v", err, called)
	}
	if !b.Allow() {
		t.Error("breaker should be closed after a successful trial")
	}
}

func TestBreakerReopensOnFailedTrial(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Minute)
	b.Now = func() time.Time { return now }

	b.Record(errors.New("boom"))
	now = now.Add(time.Minute)

	if err := b.Call(context.Background(), func(context.Context) error {
		return errors.New("still down")
	}); err == nil {
		t.Fatal("trial call should return the failure")
	}
	if b.Allow() {
		t.Error("breaker should reopen after a failed trial")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	failure := errors.New("boom")

	b.Record(failure)
	b.Record(failure)
	b.Record(nil)
	b.Record(failure)
	b.Record(failure)
	if !b.Allow() {
		t.Error("interleaved success must reset the consecutive failure count")
	}
}
