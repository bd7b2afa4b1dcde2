// Package agent administers the credential store: agent identities and
// their hashed API keys.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/okrlinkhub/agent-bridge/internal/auth"
	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

var (
	ErrNameRequired      = errors.New("name is required")
	ErrRateLimitNegative = errors.New("rate_limit must not be negative")
	ErrAppKeyTaken       = errors.New("app_key is already assigned to another agent")
)

type Service struct {
	store            store.Store
	defaultRateLimit int
	now              func() time.Time
}

func NewService(s store.Store, defaultRateLimit int) *Service {
	return &Service{store: s, defaultRateLimit: defaultRateLimit, now: time.Now}
}

// Create registers an agent with a fresh API key. The plaintext key is
// returned once and never stored.
func (s *Service) Create(ctx context.Context, in CreateAgentInput) (*model.Agent, string, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, "", ErrNameRequired
	}
	rateLimit := s.defaultRateLimit
	if in.RateLimit != nil {
		if *in.RateLimit < 0 {
			return nil, "", ErrRateLimitNegative
		}
		rateLimit = *in.RateLimit
	}

	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}

	a := &model.Agent{
		Name:         name,
		AppKey:       normalizeAppKey(in.AppKey),
		APIKeyHash:   &key.Hash,
		APIKeyPrefix: &key.Prefix,
		Enabled:      in.Enabled == nil || *in.Enabled,
		RateLimit:    rateLimit,
		CreatedAt:    s.now().UTC(),
	}
	err = s.store.Update(ctx, func(tx store.Tx) error {
		return tx.CreateAgent(ctx, a)
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, "", ErrAppKeyTaken
	}
	if err != nil {
		return nil, "", fmt.Errorf("creating agent: %w", err)
	}
	return a, plaintext, nil
}

func (s *Service) Get(ctx context.Context, id string) (*model.Agent, error) {
	var a *model.Agent
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.GetAgent(ctx, id)
		return err
	})
	return a, err
}

func (s *Service) List(ctx context.Context, params ListParams) ([]*model.Agent, error) {
	var out []*model.Agent
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListAgents(ctx, model.AgentFilter{ActiveOnly: params.ActiveOnly})
		return err
	})
	return out, err
}

// Update applies a partial update. An empty AppKey clears it.
func (s *Service) Update(ctx context.Context, id string, in UpdateAgentInput) (*model.Agent, error) {
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return nil, ErrNameRequired
	}
	if in.RateLimit != nil && *in.RateLimit < 0 {
		return nil, ErrRateLimitNegative
	}

	var a *model.Agent
	err := s.store.Update(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		if in.Name != nil {
			a.Name = strings.TrimSpace(*in.Name)
		}
		if in.AppKey != nil {
			a.AppKey = normalizeAppKey(in.AppKey)
		}
		if in.Enabled != nil {
			a.Enabled = *in.Enabled
		}
		if in.RateLimit != nil {
			a.RateLimit = *in.RateLimit
		}
		return tx.UpdateAgent(ctx, a)
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrAppKeyTaken
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// RotateKey replaces the agent's API key. The previous key stops working
// as soon as the transaction commits.
func (s *Service) RotateKey(ctx context.Context, id string) (*model.Agent, string, error) {
	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	var a *model.Agent
	err = s.store.Update(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		a.APIKeyHash = &key.Hash
		a.APIKeyPrefix = &key.Prefix
		return tx.UpdateAgent(ctx, a)
	})
	if err != nil {
		return nil, "", err
	}
	return a, plaintext, nil
}

func normalizeAppKey(k *string) *string {
	if k == nil {
		return nil
	}
	v := strings.TrimSpace(*k)
	if v == "" {
		return nil
	}
	return &v
}
