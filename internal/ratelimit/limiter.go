package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config holds the limiter's budget and backoff parameters.
type Config struct {
	TotalBudget  int           // tokens allowed per window
	SafetyMargin float64       // fraction of TotalBudget actually spent (0..1]
	Window       time.Duration // budget window, typically one minute
	BackoffBase  time.Duration // first backoff step
	BackoffCap   time.Duration // upper bound for backoff
}

// DefaultConfig returns the limiter settings used in production.
func DefaultConfig() Config {
	return Config{
		TotalBudget:  90_000,
		SafetyMargin: 0.75,
		Window:       time.Minute,
		BackoffBase:  time.Second,
		BackoffCap:   128 * time.Second,
	}
}

// Limiter paces outbound calls against a rolling token budget shared by
// all concurrent callers in the process. Construct one per process and
// hand the same instance to every caller.
type Limiter struct {
	cfg   Config
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	windowStart   time.Time
	consumed      int
	inflight      int
	throttleCount int
}

// New creates a Limiter with the given config. Zero or invalid fields fall
// back to DefaultConfig values.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.TotalBudget <= 0 {
		cfg.TotalBudget = def.TotalBudget
	}
	if cfg.SafetyMargin <= 0 || cfg.SafetyMargin > 1 {
		cfg.SafetyMargin = def.SafetyMargin
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	l := &Limiter{
		cfg: cfg,
		now: time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	l.windowStart = l.now()
	return l
}

// Reserve blocks until estimatedTokens fits the caller's share of the
// current window, then records the spend. It returns an error only when
// ctx is cancelled; ordinary throttling waits instead of failing.
func (l *Limiter) Reserve(ctx context.Context, estimatedTokens int) error {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}

	l.mu.Lock()
	l.inflight++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.inflight--
		l.mu.Unlock()
	}()

	waited := false
	for {
		l.mu.Lock()
		now := l.now()
		l.rollWindow(now)

		allowed := l.allowedShare()
		if l.consumed+estimatedTokens <= allowed || (l.consumed == 0 && estimatedTokens >= allowed) {
			// A reservation larger than a full share is granted alone at
			// window start; it saturates the window for everyone else.
			l.consumed += estimatedTokens
			if !waited && l.throttleCount > 0 {
				l.throttleCount--
			}
			l.mu.Unlock()
			return nil
		}

		wait := l.windowStart.Add(l.cfg.Window).Sub(now)
		if b := l.backoff(); b > wait {
			wait = b
		}
		l.mu.Unlock()

		slog.Debug("rate limiter waiting", "wait", wait, "tokens", estimatedTokens)
		waited = true
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// ReportThrottled is called when the remote service returned an explicit
// throttling signal despite a granted reservation. It waits out the larger
// of the service's hint and the limiter's own backoff, then starts a fresh
// window.
func (l *Limiter) ReportThrottled(ctx context.Context, retryAfterHint time.Duration) error {
	l.mu.Lock()
	l.throttleCount++
	wait := l.backoff()
	if retryAfterHint > wait {
		wait = retryAfterHint
	}
	l.mu.Unlock()

	slog.Warn("remote throttle reported, backing off", "wait", wait)
	if err := l.sleep(ctx, wait); err != nil {
		return err
	}

	l.mu.Lock()
	l.windowStart = l.now()
	l.consumed = 0
	l.mu.Unlock()
	return nil
}

// rollWindow resets the consumed budget once the window has elapsed.
// Caller must hold l.mu.
func (l *Limiter) rollWindow(now time.Time) {
	if now.Sub(l.windowStart) >= l.cfg.Window {
		l.windowStart = now
		l.consumed = 0
	}
}

// allowedShare is the budget available to a single reservation given the
// current concurrency. Caller must hold l.mu.
func (l *Limiter) allowedShare() int {
	n := l.inflight
	if n < 1 {
		n = 1
	}
	return int(float64(l.cfg.TotalBudget)*l.cfg.SafetyMargin) / n
}

// backoff returns the exponential delay for the current throttle streak.
// Caller must hold l.mu.
func (l *Limiter) backoff() time.Duration {
	d := l.cfg.BackoffBase
	for i := 0; i < l.throttleCount; i++ {
		d *= 2
		if d >= l.cfg.BackoffCap {
			return l.cfg.BackoffCap
		}
	}
	return d
}
