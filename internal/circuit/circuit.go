// Package circuit implements the hourly request and cost breaker. Counters
// live in fixed one-hour windows labelled by the UTC hour; once a counter
// trips it stays blocked until the window rolls over or an operator resets
// it.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

const (
	// DefaultRequestsPerHour and DefaultTokenBudget apply to rate_limited
	// rules that carry no limits of their own.
	DefaultRequestsPerHour = 100
	DefaultTokenBudget     = 50000

	// AgentScope is the scope of the agent-wide base counter.
	AgentScope = "*"

	// FallbackReason is reported for a blocked counter with no stored reason.
	FallbackReason = "Circuit breaker is open"

	windowLayout = "2006-01-02T15"
)

// Limits bounds one counter. Zero disables a bound.
type Limits struct {
	RequestsPerHour int
	TokenBudget     float64
}

// Unlimited reports whether neither bound is set.
func (l Limits) Unlimited() bool {
	return l.RequestsPerHour <= 0 && l.TokenBudget <= 0
}

// RuleLimits returns the limits for a rate_limited rule, falling back to
// the default quota when the rule has none.
func RuleLimits(rl *model.RateLimitConfig, def Limits) Limits {
	if rl == nil || (rl.RequestsPerHour <= 0 && rl.TokenBudget <= 0) {
		return def
	}
	return Limits{RequestsPerHour: rl.RequestsPerHour, TokenBudget: rl.TokenBudget}
}

// FunctionScope is the counter scope for a function-wide global limit.
func FunctionScope(functionKey string) string {
	return "fn:" + functionKey
}

// WindowLabel returns the UTC hour containing t.
func WindowLabel(t time.Time) string {
	return t.UTC().Format(windowLayout)
}

// RetryAfter returns the whole seconds until the next hour boundary, rounded
// up. Exactly on a boundary it is a full hour.
func RetryAfter(now time.Time) int {
	now = now.UTC()
	next := now.Truncate(time.Hour).Add(time.Hour)
	return int(math.Ceil(next.Sub(now).Seconds()))
}

// Decision is the outcome of one consume.
type Decision struct {
	Allowed    bool    `json:"allowed"`
	Count      int     `json:"current_count"`
	Cost       float64 `json:"current_cost"`
	Reason     string  `json:"reason,omitempty"`
	Window     string  `json:"window"`
	RetryAfter int     `json:"retry_after_seconds,omitempty"`
}

// Consume counts one request of the given cost against (agentID, scope) in
// the window containing now. It must run inside an Update transaction; the
// counter write is part of the result even when the request is rejected, so
// callers commit the transaction in both cases.
func Consume(ctx context.Context, tx store.Counters, agentID, scope string, cost float64, l Limits, now time.Time) (Decision, error) {
	window := WindowLabel(now)
	c, err := tx.GetCounter(ctx, agentID, scope, window)
	if errors.Is(err, store.ErrNotFound) {
		c = &model.CircuitCounter{AgentID: agentID, Scope: scope, Window: window}
	} else if err != nil {
		return Decision{}, fmt.Errorf("reading counter: %w", err)
	}

	if c.Blocked {
		reason := c.BlockReason
		if reason == "" {
			reason = FallbackReason
		}
		return Decision{
			Count:      c.RequestCount,
			Cost:       c.CostEstimate,
			Reason:     reason,
			Window:     window,
			RetryAfter: RetryAfter(now),
		}, nil
	}

	if cost < 0 {
		cost = 0
	}
	c.RequestCount++
	c.CostEstimate += cost
	c.UpdatedAt = now.UTC()

	var reason string
	switch {
	case l.RequestsPerHour > 0 && c.RequestCount > l.RequestsPerHour:
		reason = fmt.Sprintf("Requests per hour exceeded (%d/%d)", c.RequestCount, l.RequestsPerHour)
	case l.TokenBudget > 0 && c.CostEstimate > l.TokenBudget:
		reason = fmt.Sprintf("Token budget exceeded (%g/%g)", c.CostEstimate, l.TokenBudget)
	}
	if reason != "" {
		at := now.UTC()
		c.Blocked = true
		c.BlockReason = reason
		c.BlockedAt = &at
	}

	if err := tx.PutCounter(ctx, c); err != nil {
		return Decision{}, fmt.Errorf("writing counter: %w", err)
	}

	d := Decision{
		Allowed: reason == "",
		Count:   c.RequestCount,
		Cost:    c.CostEstimate,
		Reason:  reason,
		Window:  window,
	}
	if !d.Allowed {
		d.RetryAfter = RetryAfter(now)
	}
	return d, nil
}

// Breaker exposes the counters outside the gateway transaction.
type Breaker struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Breaker {
	return &Breaker{store: s, now: time.Now}
}

// CheckAndConsume runs Consume in its own transaction.
func (b *Breaker) CheckAndConsume(ctx context.Context, agentID, scope string, cost float64, l Limits) (Decision, error) {
	var d Decision
	err := b.store.Update(ctx, func(tx store.Tx) error {
		var err error
		d, err = Consume(ctx, tx, agentID, scope, cost, l, b.now())
		return err
	})
	return d, err
}

// Status returns the current-window counter, zeroed when none exists yet.
func (b *Breaker) Status(ctx context.Context, agentID, scope string) (*model.CircuitCounter, error) {
	window := WindowLabel(b.now())
	var c *model.CircuitCounter
	err := b.store.View(ctx, func(tx store.Tx) error {
		var err error
		c, err = tx.GetCounter(ctx, agentID, scope, window)
		if errors.Is(err, store.ErrNotFound) {
			c = &model.CircuitCounter{AgentID: agentID, Scope: scope, Window: window}
			return nil
		}
		return err
	})
	return c, err
}

// Reset zeroes and unblocks the current-window counter.
func (b *Breaker) Reset(ctx context.Context, agentID, scope string) error {
	now := b.now().UTC()
	return b.store.Update(ctx, func(tx store.Tx) error {
		return tx.PutCounter(ctx, &model.CircuitCounter{
			AgentID:   agentID,
			Scope:     scope,
			Window:    WindowLabel(now),
			UpdatedAt: now,
		})
	})
}

// ListBlocked returns the counters blocked in the current window.
func (b *Breaker) ListBlocked(ctx context.Context) ([]*model.CircuitCounter, error) {
	window := WindowLabel(b.now())
	var out []*model.CircuitCounter
	err := b.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListBlockedCounters(ctx, window)
		return err
	})
	return out, err
}
