// Package provisioning issues provisioning tokens and manages the
// per-application instance tokens they are redeemed for.
//
// An agent-application pair moves from unprovisioned to active when a token
// is redeemed, to expired when its instance token lapses, and back to active
// on refresh or re-provisioning. Revoking the agent is terminal for every
// pair; revoking an instance removes only that pair.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/okrlinkhub/agent-bridge/internal/auth"
	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

var (
	ErrInvalidToken   = errors.New("invalid provisioning token")
	ErrTokenInactive  = errors.New("provisioning token is no longer active")
	ErrTokenExpired   = errors.New("provisioning token has expired")
	ErrTokenExhausted = errors.New("provisioning token has reached its application limit")
	ErrAgentRevoked   = errors.New("agent not found or revoked")
	ErrNoInstance     = errors.New("no instance for application")
	ErrHashMismatch   = errors.New("token hash mismatch")
	ErrEmailInvalid   = errors.New("a valid email is required")
	ErrAppRequired    = errors.New("application name is required")
	ErrMaxAppsInvalid = errors.New("max_apps must be positive")
)

// Settings carries the operator-level defaults injected at startup.
type Settings struct {
	TokenTTL           time.Duration
	MaxApps            int
	InstanceTTL        time.Duration
	DefaultRateLimit   int
	DefaultPermissions []model.PermissionRule
}

type Service struct {
	store    store.Store
	settings Settings
	now      func() time.Time
}

func NewService(s store.Store, settings Settings) *Service {
	return &Service{store: s, settings: settings, now: time.Now}
}

// GenerateTokenInput describes who a provisioning token is issued for.
type GenerateTokenInput struct {
	Email      string        `json:"email" validate:"required,email"`
	Department string        `json:"department"`
	MaxApps    int           `json:"max_apps" validate:"gte=0"`
	TTL        time.Duration `json:"-"`
	CreatedBy  string        `json:"-"`
}

// GenerateToken creates a provisioning token and returns its plaintext once.
func (s *Service) GenerateToken(ctx context.Context, in GenerateTokenInput) (*model.ProvisioningToken, string, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, "", err
	}
	maxApps := in.MaxApps
	if maxApps == 0 {
		maxApps = s.settings.MaxApps
	}
	if maxApps < 0 {
		return nil, "", ErrMaxAppsInvalid
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.settings.TokenTTL
	}

	key, plaintext, err := auth.GenerateProvisioningToken()
	if err != nil {
		return nil, "", err
	}
	now := s.now().UTC()
	t := &model.ProvisioningToken{
		TokenHash:   key.Hash,
		TokenPrefix: key.Prefix,
		Email:       email,
		Department:  strings.TrimSpace(in.Department),
		MaxApps:     maxApps,
		ExpiresAt:   now.Add(ttl),
		Active:      true,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
	}
	if err := s.store.Update(ctx, func(tx store.Tx) error {
		return tx.CreateProvisioningToken(ctx, t)
	}); err != nil {
		return nil, "", fmt.Errorf("creating provisioning token: %w", err)
	}
	return t, plaintext, nil
}

func (s *Service) ListTokens(ctx context.Context) ([]*model.ProvisioningToken, error) {
	var out []*model.ProvisioningToken
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListProvisioningTokens(ctx)
		return err
	})
	return out, err
}

// Result is returned by Provision and Refresh. InstanceToken is the only
// copy of the plaintext.
type Result struct {
	AgentID       string    `json:"agentId"`
	AppName       string    `json:"appName"`
	InstanceToken string    `json:"instanceToken"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Rotated       bool      `json:"rotated"`
}

// Provision redeems token for appName. The agent is found by the token's
// email or created. An unexpired instance is rotated in place without
// consuming the token; otherwise a fresh instance is registered, one use of
// the token is consumed and default permissions are seeded when the agent
// has none for appName. Any failure leaves no trace.
func (s *Service) Provision(ctx context.Context, token, appName string) (*Result, error) {
	appName = strings.TrimSpace(appName)
	if appName == "" {
		return nil, ErrAppRequired
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	key, plaintext, err := auth.GenerateInstanceToken()
	if err != nil {
		return nil, err
	}

	var res *Result
	err = s.store.Update(ctx, func(tx store.Tx) error {
		now := s.now().UTC()

		pt, err := tx.GetProvisioningTokenByHash(ctx, auth.HashKey(token))
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		if err != nil {
			return err
		}
		switch {
		case !pt.Active:
			return ErrTokenInactive
		case !now.Before(pt.ExpiresAt):
			return ErrTokenExpired
		case pt.UsedCount >= pt.MaxApps:
			return ErrTokenExhausted
		}

		agent, err := s.findOrCreateAgent(ctx, tx, pt, now)
		if err != nil {
			return err
		}

		inst, err := tx.GetInstance(ctx, agent.ID, appName)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if inst != nil && now.Before(inst.ExpiresAt) {
			inst.TokenHash = key.Hash
			inst.ExpiresAt = now.Add(s.settings.InstanceTTL)
			if err := tx.PutInstance(ctx, inst); err != nil {
				return err
			}
			res = &Result{AgentID: agent.ID, AppName: appName, InstanceToken: plaintext, ExpiresAt: inst.ExpiresAt, Rotated: true}
			return nil
		}

		inst = &model.AppInstance{
			AgentID:      agent.ID,
			AppName:      appName,
			TokenHash:    key.Hash,
			RegisteredAt: now,
			ExpiresAt:    now.Add(s.settings.InstanceTTL),
		}
		if err := tx.PutInstance(ctx, inst); err != nil {
			return err
		}

		pt.UsedCount++
		if err := tx.UpdateProvisioningToken(ctx, pt); err != nil {
			return err
		}

		if err := s.seedPermissions(ctx, tx, agent.ID, appName, now); err != nil {
			return err
		}

		res = &Result{AgentID: agent.ID, AppName: appName, InstanceToken: plaintext, ExpiresAt: inst.ExpiresAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) findOrCreateAgent(ctx context.Context, tx store.Tx, pt *model.ProvisioningToken, now time.Time) (*model.Agent, error) {
	a, err := tx.GetAgentByEmail(ctx, pt.Email)
	if err == nil {
		if !a.Active() {
			return nil, ErrAgentRevoked
		}
		return a, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	email := pt.Email
	a = &model.Agent{
		Name:      email,
		Email:     &email,
		Enabled:   true,
		RateLimit: s.settings.DefaultRateLimit,
		CreatedAt: now,
	}
	if pt.Department != "" {
		dept := pt.Department
		a.Department = &dept
	}
	if err := tx.CreateAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("creating provisioned agent: %w", err)
	}
	return a, nil
}

func (s *Service) seedPermissions(ctx context.Context, tx store.Tx, agentID, appName string, now time.Time) error {
	if len(s.settings.DefaultPermissions) == 0 {
		return nil
	}
	existing, err := tx.ListRules(ctx, agentID, appName)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	rules := make([]model.PermissionRule, len(s.settings.DefaultPermissions))
	for i, r := range s.settings.DefaultPermissions {
		r.AgentID = agentID
		r.AppName = appName
		r.CreatedAt = now
		rules[i] = r
	}
	return tx.ReplaceRules(ctx, agentID, appName, rules)
}

// Refresh rotates the instance token for (agentID, appName). The caller
// proves possession by presenting the hash of the token it holds, which may
// already be expired.
func (s *Service) Refresh(ctx context.Context, agentID, appName, currentHash string) (*Result, error) {
	key, plaintext, err := auth.GenerateInstanceToken()
	if err != nil {
		return nil, err
	}
	var res *Result
	err = s.store.Update(ctx, func(tx store.Tx) error {
		now := s.now().UTC()
		a, err := tx.GetAgent(ctx, agentID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !a.Active()) {
			return ErrAgentRevoked
		}
		if err != nil {
			return err
		}
		inst, err := tx.GetInstance(ctx, agentID, strings.TrimSpace(appName))
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoInstance
		}
		if err != nil {
			return err
		}
		if !auth.HashesEqual(inst.TokenHash, strings.ToLower(strings.TrimSpace(currentHash))) {
			return ErrHashMismatch
		}
		inst.TokenHash = key.Hash
		inst.ExpiresAt = now.Add(s.settings.InstanceTTL)
		if err := tx.PutInstance(ctx, inst); err != nil {
			return err
		}
		res = &Result{AgentID: agentID, AppName: inst.AppName, InstanceToken: plaintext, ExpiresAt: inst.ExpiresAt, Rotated: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RevokeAgent disables the agent everywhere. It is terminal.
func (s *Service) RevokeAgent(ctx context.Context, agentID, revokedBy string) (*model.Agent, error) {
	var a *model.Agent
	err := s.store.Update(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		if a.RevokedAt != nil {
			return nil
		}
		now := s.now().UTC()
		a.Enabled = false
		a.RevokedAt = &now
		if revokedBy != "" {
			a.RevokedBy = &revokedBy
		}
		return tx.UpdateAgent(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// RevokeInstance removes one agent-application pairing.
func (s *Service) RevokeInstance(ctx context.Context, agentID, appName string) error {
	return s.store.Update(ctx, func(tx store.Tx) error {
		ok, err := tx.DeleteInstance(ctx, agentID, appName)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoInstance
		}
		return nil
	})
}

// ListProvisionedAgents returns agents created through provisioning.
func (s *Service) ListProvisionedAgents(ctx context.Context) ([]*model.Agent, error) {
	var out []*model.Agent
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListAgents(ctx, model.AgentFilter{ProvisionedOnly: true})
		return err
	})
	return out, err
}

func (s *Service) ListInstances(ctx context.Context, agentID string) ([]*model.AppInstance, error) {
	var out []*model.AppInstance
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListInstances(ctx, agentID)
		return err
	})
	return out, err
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrEmailInvalid
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrEmailInvalid
	}
	return email, nil
}
