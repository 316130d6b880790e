package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock drives the limiter deterministically: sleeps advance the clock
// instead of blocking.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock, *[]time.Duration) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	var slept []time.Duration
	l := New(cfg)
	l.now = clk.Now
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		clk.Advance(d)
		return nil
	}
	l.windowStart = clk.Now()
	return l, clk, &slept
}

func TestReserve_WithinBudget(t *testing.T) {
	l, _, slept := newTestLimiter(Config{TotalBudget: 100, SafetyMargin: 1.0, Window: time.Minute})

	if err := l.Reserve(context.Background(), 60); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v, want no waits", *slept)
	}
	if l.consumed != 60 {
		t.Errorf("consumed = %d, want 60", l.consumed)
	}
}

func TestReserve_SumBoundedPerWindow(t *testing.T) {
	l, _, _ := newTestLimiter(Config{TotalBudget: 100, SafetyMargin: 0.8, Window: time.Minute})
	// Fail the first sleep so the loop stops at the first forced wait.
	sleepErr := errors.New("would wait")
	l.sleep = func(context.Context, time.Duration) error { return sleepErr }

	granted := 0
	for {
		if err := l.Reserve(context.Background(), 10); err != nil {
			break
		}
		granted += 10
	}
	// 80 allowed under the 0.8 margin.
	if granted != 80 {
		t.Errorf("granted %d tokens without waiting, want 80", granted)
	}
}

func TestReserve_WaitsForWindowReset(t *testing.T) {
	l, _, slept := newTestLimiter(Config{TotalBudget: 100, SafetyMargin: 1.0, Window: time.Minute})

	if err := l.Reserve(context.Background(), 100); err != nil {
		t.Fatalf("Reserve 1: %v", err)
	}
	if err := l.Reserve(context.Background(), 50); err != nil {
		t.Fatalf("Reserve 2: %v", err)
	}
	if len(*slept) == 0 {
		t.Fatal("second reservation did not wait")
	}
	if (*slept)[0] != time.Minute {
		t.Errorf("waited %s, want full window %s", (*slept)[0], time.Minute)
	}
	// After the rollover only the second reservation counts.
	if l.consumed != 50 {
		t.Errorf("consumed = %d after rollover, want 50", l.consumed)
	}
}

func TestAllowedShare_ShrinksWithConcurrency(t *testing.T) {
	l, _, _ := newTestLimiter(Config{TotalBudget: 100, SafetyMargin: 1.0, Window: time.Minute})

	for _, tt := range []struct {
		inflight int
		want     int
	}{
		{0, 100}, {1, 100}, {2, 50}, {4, 25},
	} {
		l.mu.Lock()
		l.inflight = tt.inflight
		share := l.allowedShare()
		l.mu.Unlock()
		if share != tt.want {
			t.Errorf("allowedShare(inflight=%d) = %d, want %d", tt.inflight, share, tt.want)
		}
	}
}

func TestReserve_ParkedCallerCompletesAfterWindowRoll(t *testing.T) {
	l, _, _ := newTestLimiter(Config{TotalBudget: 100, SafetyMargin: 1.0, Window: time.Minute})

	parked := make(chan struct{})
	release := make(chan struct{})
	l.sleep = func(context.Context, time.Duration) error {
		parked <- struct{}{}
		<-release
		return nil
	}

	// Saturate the window, then park a second caller in its wait.
	if err := l.Reserve(context.Background(), 100); err != nil {
		t.Fatalf("Reserve 1: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- l.Reserve(context.Background(), 30) }()
	<-parked

	l.mu.Lock()
	if l.inflight != 1 {
		t.Errorf("inflight while parked = %d, want 1", l.inflight)
	}
	// Roll the window back so the retry sees a fresh budget.
	l.windowStart = l.windowStart.Add(-2 * time.Minute)
	l.mu.Unlock()

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("parked Reserve: %v", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.consumed != 30 {
		t.Errorf("consumed = %d after rollover, want 30", l.consumed)
	}
	if l.inflight != 0 {
		t.Errorf("inflight = %d after completion, want 0", l.inflight)
	}
}

func TestReserve_CancelRestoresInflight(t *testing.T) {
	l, _, _ := newTestLimiter(Config{TotalBudget: 100, SafetyMargin: 1.0, Window: time.Minute})
	l.sleep = func(ctx context.Context, _ time.Duration) error { return context.Canceled }

	if err := l.Reserve(context.Background(), 100); err != nil {
		t.Fatalf("Reserve 1: %v", err)
	}
	if err := l.Reserve(context.Background(), 50); !errors.Is(err, context.Canceled) {
		t.Fatalf("Reserve 2 err = %v, want context.Canceled", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight != 0 {
		t.Errorf("inflight = %d after cancelled reserve, want 0", l.inflight)
	}
}

func TestReportThrottled_WaitsAndResetsWindow(t *testing.T) {
	l, clk, slept := newTestLimiter(Config{
		TotalBudget: 100, SafetyMargin: 1.0, Window: time.Minute,
		BackoffBase: time.Second, BackoffCap: 128 * time.Second,
	})

	if err := l.Reserve(context.Background(), 80); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// Hint longer than the 2s backoff for the first throttle wins.
	if err := l.ReportThrottled(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("ReportThrottled: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 5*time.Second {
		t.Errorf("slept %v, want [5s]", *slept)
	}
	if l.consumed != 0 {
		t.Errorf("consumed = %d after throttle reset, want 0", l.consumed)
	}
	if !l.windowStart.Equal(clk.Now()) {
		t.Errorf("windowStart = %s, want reset to now", l.windowStart)
	}

	// Without a hint the doubled backoff applies.
	if err := l.ReportThrottled(context.Background(), 0); err != nil {
		t.Fatalf("ReportThrottled 2: %v", err)
	}
	if (*slept)[1] != 4*time.Second {
		t.Errorf("second throttle slept %s, want 4s", (*slept)[1])
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	l, _, _ := newTestLimiter(Config{
		TotalBudget: 100, SafetyMargin: 1.0, Window: time.Minute,
		BackoffBase: time.Second, BackoffCap: 128 * time.Second,
	})

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	}
	for i, w := range want {
		l.throttleCount = i
		if got := l.backoff(); got != w {
			t.Errorf("backoff(count=%d) = %s, want %s", i, got, w)
		}
	}

	l.throttleCount = 50
	if got := l.backoff(); got != 128*time.Second {
		t.Errorf("backoff(count=50) = %s, want cap 128s", got)
	}
}

func TestThrottleCountDecaysOnWaitFreeSuccess(t *testing.T) {
	l, _, _ := newTestLimiter(Config{TotalBudget: 1000, SafetyMargin: 1.0, Window: time.Minute})
	l.throttleCount = 2

	if err := l.Reserve(context.Background(), 10); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if l.throttleCount != 1 {
		t.Errorf("throttleCount = %d after wait-free success, want 1", l.throttleCount)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		// 8 letters / 4.
		{"letters", "abcdefgh", 2},
		// 3 digits round up to 1; plus 4 letters = 1.
		{"mixed", "abcd123", 2},
		// 2 words, 1 whitespace run: 8/4 + 1.
		{"two words", "abcd efgh", 3},
		// Punctuation weighs heavier than letters.
		{"punct", "!!!!", 2},
		// A lone character still costs one token.
		{"single", "a", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.in); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestEstimateBytes(t *testing.T) {
	if got := EstimateBytes([]byte("abcdefgh")); got != 2 {
		t.Errorf("EstimateBytes = %d, want 2", got)
	}
}
