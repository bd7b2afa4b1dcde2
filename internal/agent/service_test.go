package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/okrlinkhub/agent-bridge/internal/auth"
	"github.com/okrlinkhub/agent-bridge/internal/store"
	"github.com/okrlinkhub/agent-bridge/internal/store/memory"
)

func ptr[T any](v T) *T { return &v }

func TestCreate(t *testing.T) {
	svc := NewService(memory.New(), 1000)
	ctx := context.Background()

	a, key, err := svc.Create(ctx, CreateAgentInput{Name: "  reporter  "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(key, auth.APIKeyPrefix) {
		t.Fatalf("expected prefixed key, got %q", key)
	}
	if a.Name != "reporter" || !a.Enabled || a.RateLimit != 1000 {
		t.Fatalf("unexpected agent: %+v", a)
	}
	if *a.APIKeyHash != auth.HashKey(key) || *a.APIKeyPrefix != key[:14] {
		t.Fatal("expected stored hash and prefix to derive from the key")
	}

	if _, _, err := svc.Create(ctx, CreateAgentInput{Name: " "}); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("expected ErrNameRequired, got %v", err)
	}
	if _, _, err := svc.Create(ctx, CreateAgentInput{Name: "x", RateLimit: ptr(-1)}); !errors.Is(err, ErrRateLimitNegative) {
		t.Fatalf("expected ErrRateLimitNegative, got %v", err)
	}
}

func TestCreateAppKeyUnique(t *testing.T) {
	svc := NewService(memory.New(), 1000)
	ctx := context.Background()

	if _, _, err := svc.Create(ctx, CreateAgentInput{Name: "a", AppKey: ptr("crm")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := svc.Create(ctx, CreateAgentInput{Name: "b", AppKey: ptr(" crm ")}); !errors.Is(err, ErrAppKeyTaken) {
		t.Fatalf("expected ErrAppKeyTaken, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	svc := NewService(memory.New(), 1000)
	ctx := context.Background()
	a, _, _ := svc.Create(ctx, CreateAgentInput{Name: "a", AppKey: ptr("crm")})

	got, err := svc.Update(ctx, a.ID, UpdateAgentInput{Enabled: ptr(false), RateLimit: ptr(2), AppKey: ptr("")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Enabled || got.RateLimit != 2 || got.AppKey != nil || got.Name != "a" {
		t.Fatalf("unexpected agent after update: %+v", got)
	}

	if _, err := svc.Update(ctx, "missing", UpdateAgentInput{Enabled: ptr(true)}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	list, _ := svc.List(ctx, ListParams{ActiveOnly: true})
	if len(list) != 0 {
		t.Fatalf("expected disabled agent to be filtered, got %d", len(list))
	}
}

func TestRotateKey(t *testing.T) {
	svc := NewService(memory.New(), 1000)
	ctx := context.Background()
	a, oldKey, _ := svc.Create(ctx, CreateAgentInput{Name: "a"})

	rotated, newKey, err := svc.RotateKey(ctx, a.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if newKey == oldKey || *rotated.APIKeyHash != auth.HashKey(newKey) {
		t.Fatal("expected a new key and matching hash")
	}

	got, _ := svc.Get(ctx, a.ID)
	if *got.APIKeyHash == auth.HashKey(oldKey) {
		t.Fatal("expected old key hash to be replaced")
	}
}
