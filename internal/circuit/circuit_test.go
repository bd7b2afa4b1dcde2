package circuit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store/memory"
)

func TestWindowLabel(t *testing.T) {
	ts := time.Date(2026, 3, 9, 14, 59, 59, 0, time.FixedZone("CET", 3600))
	if got := WindowLabel(ts); got != "2026-03-09T13" {
		t.Fatalf("got %q", got)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		at   time.Time
		want int
	}{
		{time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), 3600},
		{time.Date(2026, 1, 1, 10, 59, 59, 0, time.UTC), 1},
		{time.Date(2026, 1, 1, 10, 59, 59, 500, time.UTC), 1},
		{time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC), 1800},
	}
	for _, tt := range tests {
		if got := RetryAfter(tt.at); got != tt.want {
			t.Errorf("RetryAfter(%v) = %d, want %d", tt.at, got, tt.want)
		}
	}
}

func TestRuleLimits(t *testing.T) {
	def := Limits{RequestsPerHour: DefaultRequestsPerHour, TokenBudget: DefaultTokenBudget}
	if got := RuleLimits(nil, def); got != def {
		t.Fatalf("expected default, got %+v", got)
	}
	if got := RuleLimits(&model.RateLimitConfig{}, def); got != def {
		t.Fatalf("expected default for empty config, got %+v", got)
	}
	got := RuleLimits(&model.RateLimitConfig{RequestsPerHour: 3}, def)
	if got.RequestsPerHour != 3 || got.TokenBudget != 0 {
		t.Fatalf("unexpected limits: %+v", got)
	}
}

func newBreaker(at *time.Time) *Breaker {
	b := New(memory.New())
	b.now = func() time.Time { return *at }
	return b
}

func TestCheckAndConsumeRequestLimit(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 15, 0, 0, time.UTC)
	b := newBreaker(&now)
	ctx := context.Background()
	limits := Limits{RequestsPerHour: 3}

	for i := 1; i <= 3; i++ {
		d, err := b.CheckAndConsume(ctx, "a1", "demo.*", 1, limits)
		if err != nil || !d.Allowed || d.Count != i {
			t.Fatalf("call %d: %+v %v", i, d, err)
		}
	}

	d, err := b.CheckAndConsume(ctx, "a1", "demo.*", 1, limits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed || d.RetryAfter <= 0 {
		t.Fatalf("expected rejection with retry-after, got %+v", d)
	}
	if d.Reason != "Requests per hour exceeded (4/3)" {
		t.Fatalf("unexpected reason %q", d.Reason)
	}

	// Blocked counters reject without recounting.
	d, _ = b.CheckAndConsume(ctx, "a1", "demo.*", 1, limits)
	if d.Allowed || d.Count != 4 || d.Reason != "Requests per hour exceeded (4/3)" {
		t.Fatalf("expected stored rejection, got %+v", d)
	}

	// Other scopes are independent.
	if d, _ := b.CheckAndConsume(ctx, "a1", "users.*", 1, limits); !d.Allowed {
		t.Fatalf("expected other scope to pass, got %+v", d)
	}

	now = now.Add(time.Hour)
	d, _ = b.CheckAndConsume(ctx, "a1", "demo.*", 1, limits)
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("expected next window to pass, got %+v", d)
	}
}

func TestCheckAndConsumeTokenBudget(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	b := newBreaker(&now)
	ctx := context.Background()
	limits := Limits{RequestsPerHour: 100, TokenBudget: 250}

	if d, _ := b.CheckAndConsume(ctx, "a1", "*", 200, limits); !d.Allowed {
		t.Fatalf("expected first call to pass, got %+v", d)
	}
	d, _ := b.CheckAndConsume(ctx, "a1", "*", 100, limits)
	if d.Allowed || !strings.HasPrefix(d.Reason, "Token budget exceeded (300/250)") {
		t.Fatalf("expected budget rejection, got %+v", d)
	}
}

func TestUnlimitedNeverBlocks(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	b := newBreaker(&now)
	for i := 0; i < 50; i++ {
		if d, _ := b.CheckAndConsume(context.Background(), "a1", "*", 1e6, Limits{}); !d.Allowed {
			t.Fatalf("call %d rejected: %+v", i, d)
		}
	}
}

func TestConcurrentConsumeNeverExceedsLimit(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	b := newBreaker(&now)
	limits := Limits{RequestsPerHour: 10}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := b.CheckAndConsume(context.Background(), "a1", "*", 1, limits)
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Fatalf("expected exactly 10 allowed, got %d", allowed)
	}
}

func TestStatusResetAndListBlocked(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	b := newBreaker(&now)
	ctx := context.Background()

	c, err := b.Status(ctx, "a1", "*")
	if err != nil || c.RequestCount != 0 || c.Window != "2026-05-01T09" {
		t.Fatalf("expected zero status, got %+v %v", c, err)
	}

	limits := Limits{RequestsPerHour: 1}
	b.CheckAndConsume(ctx, "a1", "*", 1, limits)
	b.CheckAndConsume(ctx, "a1", "*", 1, limits)

	blocked, err := b.ListBlocked(ctx)
	if err != nil || len(blocked) != 1 || blocked[0].AgentID != "a1" {
		t.Fatalf("expected one blocked counter, got %+v %v", blocked, err)
	}

	if err := b.Reset(ctx, "a1", "*"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	c, _ = b.Status(ctx, "a1", "*")
	if c.Blocked || c.RequestCount != 0 {
		t.Fatalf("expected reset counter, got %+v", c)
	}
	if d, _ := b.CheckAndConsume(ctx, "a1", "*", 1, limits); !d.Allowed {
		t.Fatalf("expected call after reset to pass, got %+v", d)
	}

	// A counter blocked in the previous hour is not listed.
	b.CheckAndConsume(ctx, "a1", "*", 1, limits)
	now = now.Add(time.Hour)
	if blocked, _ := b.ListBlocked(ctx); len(blocked) != 0 {
		t.Fatalf("expected no blocked counters in new window, got %+v", blocked)
	}
}
