package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
)

// Config describes one deployment tier of the shared provider quota. The
// tier is selected at process start and fixed for process lifetime.
type Config struct {
	RequestsPerWindow int
	SafetyMargin      float64

	// Window defaults to 60s, Buffer to 500ms slack added to computed waits.
	Window time.Duration
	Buffer time.Duration

	// Injectable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Limiter is the process-wide sliding-window quota governor for calls to the
// AI provider. All sessions share one Limiter; access to the timestamp window
// is serialized, and the lock is never held across a sleep.
type Limiter struct {
	cfg       Config
	effective int

	mu     sync.Mutex
	stamps []time.Time
}

func New(cfg Config) *Limiter {
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = 50
	}
	if cfg.SafetyMargin <= 0 || cfg.SafetyMargin > 1 {
		cfg.SafetyMargin = 0.9
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 500 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}

	effective := int(math.Floor(float64(cfg.RequestsPerWindow) * cfg.SafetyMargin))
	if effective < 1 {
		effective = 1
	}
	return &Limiter{
		cfg:       cfg,
		effective: effective,
		stamps:    make([]time.Time, 0, effective),
	}
}

// EffectiveLimit returns floor(requestsPerWindow * safetyMargin).
func (l *Limiter) EffectiveLimit() int {
	return l.effective
}

// Acquire blocks until issuing one more provider request would not exceed the
// effective limit in the trailing window, then records a timestamp.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.cfg.Now()
		l.pruneLocked(now)
		if len(l.stamps) < l.effective {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		oldest := l.stamps[0]
		wait := l.cfg.Window - now.Sub(oldest) + l.cfg.Buffer
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if err := l.cfg.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// InWindow reports how many requests are recorded in the trailing window.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.cfg.Now())
	return len(l.stamps)
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	idx := 0
	for idx < len(l.stamps) && !l.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[idx:]...)
	}
}

const retryBaseBackoff = 30 * time.Second

// Call acquires a window slot and runs op. Quota-classified errors are
// retried with exponential backoff (30s x 2^attempt) up to maxRetries; the
// final quota error is returned for the caller to branch on with
// core.IsQuota. Any other error propagates immediately.
func Call[T any](ctx context.Context, l *Limiter, maxRetries int, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := l.Acquire(ctx); err != nil {
			return zero, err
		}
		out, err := op(ctx)
		if err == nil || !core.IsQuota(err) {
			return out, err
		}
		if attempt >= maxRetries {
			return zero, err
		}
		backoff := retryBaseBackoff << attempt
		if sleepErr := l.cfg.Sleep(ctx, backoff); sleepErr != nil {
			return zero, sleepErr
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
