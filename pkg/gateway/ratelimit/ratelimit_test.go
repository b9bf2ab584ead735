package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
)

// manualClock advances only when the limiter sleeps.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func newTestLimiter(clock *manualClock, perWindow int, margin float64) *Limiter {
	return New(Config{
		RequestsPerWindow: perWindow,
		SafetyMargin:      margin,
		Now:               clock.Now,
		Sleep:             clock.Sleep,
	})
}

func TestEffectiveLimit(t *testing.T) {
	l := newTestLimiter(newManualClock(), 10, 0.8)
	if l.EffectiveLimit() != 8 {
		t.Fatalf("effective limit = %d, want 8", l.EffectiveLimit())
	}
}

func TestAcquire_NeverExceedsWindow(t *testing.T) {
	clock := newManualClock()
	l := newTestLimiter(clock, 10, 0.8)
	ctx := context.Background()

	// 12 rapid acquires: calls 9-12 must each wait for a slot to free, and
	// the trailing window must never hold more than 8 stamps.
	for i := 0; i < 12; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if n := l.InWindow(); n > 8 {
			t.Fatalf("after acquire %d: %d stamps in window, want <= 8", i, n)
		}
	}
}

func TestAcquire_BlockedCallerWaitsForOldestSlot(t *testing.T) {
	clock := newManualClock()
	l := newTestLimiter(clock, 10, 0.8)
	ctx := context.Background()

	start := clock.Now()
	for i := 0; i < 8; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if clock.Now() != start {
		t.Fatalf("first 8 acquires should not sleep")
	}

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("blocked acquire: %v", err)
	}
	waited := clock.Now().Sub(start)
	if waited < time.Minute {
		t.Fatalf("9th acquire waited %v, want >= window (60s)", waited)
	}
}

func TestAcquire_ContextCanceled(t *testing.T) {
	clock := newManualClock()
	l := newTestLimiter(clock, 2, 1.0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := l.Acquire(canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("acquire on canceled ctx = %v, want context.Canceled", err)
	}
}

func TestCall_RetriesQuotaWithBackoff(t *testing.T) {
	clock := newManualClock()
	l := newTestLimiter(clock, 100, 1.0)

	attempts := 0
	start := clock.Now()
	out, err := Call(context.Background(), l, 3, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", core.NewRateLimitError("quota exceeded", 0)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "ok" || attempts != 3 {
		t.Fatalf("out=%q attempts=%d, want ok/3", out, attempts)
	}
	// 30s + 60s of backoff between the three attempts.
	if waited := clock.Now().Sub(start); waited < 90*time.Second {
		t.Fatalf("backoff waited %v, want >= 90s", waited)
	}
}

func TestCall_ExhaustedRetriesReturnQuotaError(t *testing.T) {
	clock := newManualClock()
	l := newTestLimiter(clock, 100, 1.0)

	attempts := 0
	_, err := Call(context.Background(), l, 2, func(ctx context.Context) (string, error) {
		attempts++
		return "", core.NewRateLimitError("quota exceeded", 0)
	})
	if !core.IsQuota(err) {
		t.Fatalf("err = %v, want quota error", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}
}

func TestCall_NonQuotaErrorPropagatesImmediately(t *testing.T) {
	clock := newManualClock()
	l := newTestLimiter(clock, 100, 1.0)

	boom := errors.New("collaborator unavailable")
	attempts := 0
	_, err := Call(context.Background(), l, 5, func(ctx context.Context) (int, error) {
		attempts++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestAcquire_ConcurrentSessionsShareOneWindow(t *testing.T) {
	clock := newManualClock()
	l := newTestLimiter(clock, 10, 0.8)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
			}
			if n := l.InWindow(); n > 8 {
				t.Errorf("%d stamps in window, want <= 8", n)
			}
		}()
	}
	wg.Wait()
}
