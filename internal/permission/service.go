package permission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/okrlinkhub/agent-bridge/internal/config"
	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

// Validation errors returned by the Service layer.
var (
	ErrPatternRequired  = errors.New("pattern is required")
	ErrPatternUnmatched = errors.New("pattern matches no configured function")
	ErrPermissionKind   = errors.New("permission must be one of: allow, deny, rate_limited")
	ErrDuplicatePattern = errors.New("duplicate pattern")
	ErrRateLimitInvalid = errors.New("rate_limit values must not be negative")
	ErrFunctionUnknown  = errors.New("function key is not configured")
)

// Service administers permission rules and function overrides. Keys is the
// set of function keys known to the host configuration.
type Service struct {
	store store.Store
	keys  []string
	now   func() time.Time
}

func NewService(s store.Store, knownKeys []string) *Service {
	return &Service{store: s, keys: knownKeys, now: time.Now}
}

// Validate checks a rule set against the known function keys.
func (s *Service) Validate(rules []model.PermissionRule) error {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		p := strings.TrimSpace(r.Pattern)
		if p == "" {
			return fmt.Errorf("rule %d: %w", i, ErrPatternRequired)
		}
		if !r.Permission.Valid() {
			return fmt.Errorf("rule %d: %w", i, ErrPermissionKind)
		}
		if r.RateLimit != nil && (r.RateLimit.RequestsPerHour < 0 || r.RateLimit.TokenBudget < 0) {
			return fmt.Errorf("rule %d: %w", i, ErrRateLimitInvalid)
		}
		if seen[p] {
			return fmt.Errorf("%w: %q", ErrDuplicatePattern, p)
		}
		seen[p] = true
		if !MatchesAny(p, s.keys) {
			return fmt.Errorf("%w: %q", ErrPatternUnmatched, p)
		}
	}
	return nil
}

// SetRules replaces every rule for (agentID, appName) with rules. An empty
// appName is the agent-wide rule set.
func (s *Service) SetRules(ctx context.Context, agentID, appName string, rules []model.PermissionRule) ([]model.PermissionRule, error) {
	if err := s.Validate(rules); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	normalized := make([]model.PermissionRule, len(rules))
	for i, r := range rules {
		r.AgentID = agentID
		r.AppName = appName
		r.Pattern = strings.TrimSpace(r.Pattern)
		if r.Permission != model.PermissionRateLimited {
			r.RateLimit = nil
		}
		r.CreatedAt = now
		normalized[i] = r
	}

	err := s.store.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.GetAgent(ctx, agentID); err != nil {
			return err
		}
		return tx.ReplaceRules(ctx, agentID, appName, normalized)
	})
	if err != nil {
		return nil, fmt.Errorf("replacing rules: %w", err)
	}
	return normalized, nil
}

func (s *Service) ListRules(ctx context.Context, agentID, appName string) ([]model.PermissionRule, error) {
	var rules []model.PermissionRule
	err := s.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetAgent(ctx, agentID); err != nil {
			return err
		}
		var err error
		rules, err = tx.ListRules(ctx, agentID, appName)
		return err
	})
	return rules, err
}

// SetOverride upserts the kill switch for one function key.
func (s *Service) SetOverride(ctx context.Context, o model.FunctionOverride) (*model.FunctionOverride, error) {
	o.FunctionKey = strings.TrimSpace(o.FunctionKey)
	known := false
	for _, k := range s.keys {
		if k == o.FunctionKey {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrFunctionUnknown, o.FunctionKey)
	}
	if o.GlobalRateLimit < 0 {
		return nil, ErrRateLimitInvalid
	}
	o.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, func(tx store.Tx) error {
		return tx.UpsertOverride(ctx, o)
	}); err != nil {
		return nil, fmt.Errorf("upserting override: %w", err)
	}
	return &o, nil
}

func (s *Service) ListOverrides(ctx context.Context) ([]model.FunctionOverride, error) {
	var out []model.FunctionOverride
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListOverrides(ctx)
		return err
	})
	return out, err
}

// RulesFromConfig converts configured default permissions into rules. The
// result still has to pass Validate.
func RulesFromConfig(cfgs []config.PermissionConfig) []model.PermissionRule {
	rules := make([]model.PermissionRule, 0, len(cfgs))
	for _, c := range cfgs {
		r := model.PermissionRule{
			Pattern:    strings.TrimSpace(c.Pattern),
			Permission: model.PermissionKind(c.Permission),
		}
		if r.Permission == model.PermissionRateLimited && (c.RequestsPerHour > 0 || c.TokenBudget > 0) {
			r.RateLimit = &model.RateLimitConfig{RequestsPerHour: c.RequestsPerHour, TokenBudget: c.TokenBudget}
		}
		rules = append(rules, r)
	}
	return rules
}
