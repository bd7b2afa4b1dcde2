package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

func strPtr(s string) *string { return &s }

func TestUpdateRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.CreateAgent(ctx, &model.Agent{ID: "a1", Name: "one", Enabled: true}); err != nil {
			return err
		}
		if err := tx.PutCounter(ctx, &model.CircuitCounter{AgentID: "a1", Scope: "*", Window: "w", RequestCount: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_ = s.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetAgent(ctx, "a1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("agent survived rollback: %v", err)
		}
		if _, err := tx.GetCounter(ctx, "a1", "*", "w"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("counter survived rollback: %v", err)
		}
		return nil
	})
}

func TestRollbackRestoresPreviousValue(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.Update(ctx, func(tx store.Tx) error {
		return tx.PutCounter(ctx, &model.CircuitCounter{AgentID: "a", Scope: "*", Window: "w", RequestCount: 3})
	})
	_ = s.Update(ctx, func(tx store.Tx) error {
		_ = tx.PutCounter(ctx, &model.CircuitCounter{AgentID: "a", Scope: "*", Window: "w", RequestCount: 4})
		return errors.New("abort")
	})
	_ = s.View(ctx, func(tx store.Tx) error {
		c, err := tx.GetCounter(ctx, "a", "*", "w")
		if err != nil {
			t.Fatalf("GetCounter: %v", err)
		}
		if c.RequestCount != 3 {
			t.Errorf("expected count 3 after rollback, got %d", c.RequestCount)
		}
		return nil
	})
}

func TestViewIsReadOnly(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.View(ctx, func(tx store.Tx) error {
		return tx.CreateAgent(ctx, &model.Agent{Name: "x"})
	})
	if !errors.Is(err, store.ErrReadOnly) {
		t.Errorf("expected ErrReadOnly, got %v", err)
	}
}

func TestAgentUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.Update(ctx, func(tx store.Tx) error {
		return tx.CreateAgent(ctx, &model.Agent{ID: "a1", APIKeyHash: strPtr("h1"), AppKey: strPtr("crm")})
	})

	tests := []struct {
		name  string
		agent *model.Agent
	}{
		{"duplicate hash", &model.Agent{APIKeyHash: strPtr("h1")}},
		{"duplicate app key", &model.Agent{APIKeyHash: strPtr("h2"), AppKey: strPtr("crm")}},
		{"duplicate id", &model.Agent{ID: "a1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Update(ctx, func(tx store.Tx) error { return tx.CreateAgent(ctx, tt.agent) })
			if !errors.Is(err, store.ErrConflict) {
				t.Errorf("expected ErrConflict, got %v", err)
			}
		})
	}

	// Agents without an app key or hash do not collide.
	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.CreateAgent(ctx, &model.Agent{Name: "p1", Email: strPtr("a@x")}); err != nil {
			return err
		}
		return tx.CreateAgent(ctx, &model.Agent{Name: "p2", Email: strPtr("b@x")})
	})
	if err != nil {
		t.Errorf("unexpected conflict: %v", err)
	}
}

func TestReturnedValuesAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Update(ctx, func(tx store.Tx) error {
		return tx.CreateAgent(ctx, &model.Agent{ID: "a1", Name: "orig"})
	})
	_ = s.View(ctx, func(tx store.Tx) error {
		a, _ := tx.GetAgent(ctx, "a1")
		a.Name = "mutated"
		return nil
	})
	_ = s.View(ctx, func(tx store.Tx) error {
		a, _ := tx.GetAgent(ctx, "a1")
		if a.Name != "orig" {
			t.Errorf("store was mutated through a returned pointer: %q", a.Name)
		}
		return nil
	})
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(ctx, func(tx store.Tx) error {
				c, err := tx.GetCounter(ctx, "a", "*", "w")
				if errors.Is(err, store.ErrNotFound) {
					c = &model.CircuitCounter{AgentID: "a", Scope: "*", Window: "w"}
				} else if err != nil {
					return err
				}
				c.RequestCount++
				return tx.PutCounter(ctx, c)
			})
		}()
	}
	wg.Wait()

	_ = s.View(ctx, func(tx store.Tx) error {
		c, err := tx.GetCounter(ctx, "a", "*", "w")
		if err != nil {
			t.Fatalf("GetCounter: %v", err)
		}
		if c.RequestCount != 50 {
			t.Errorf("expected 50 increments, got %d", c.RequestCount)
		}
		return nil
	})
}

func TestReplaceRules(t *testing.T) {
	s := New()
	ctx := context.Background()

	set := func(rules ...model.PermissionRule) {
		t.Helper()
		if err := s.Update(ctx, func(tx store.Tx) error { return tx.ReplaceRules(ctx, "a", "", rules) }); err != nil {
			t.Fatalf("ReplaceRules: %v", err)
		}
	}
	set(model.PermissionRule{Pattern: "a.*", Permission: model.PermissionAllow},
		model.PermissionRule{Pattern: "b.*", Permission: model.PermissionDeny})
	set(model.PermissionRule{Pattern: "c.*", Permission: model.PermissionAllow})

	_ = s.View(ctx, func(tx store.Tx) error {
		rules, _ := tx.ListRules(ctx, "a", "")
		if len(rules) != 1 || rules[0].Pattern != "c.*" {
			t.Errorf("expected rules replaced wholesale, got %+v", rules)
		}
		other, _ := tx.ListRules(ctx, "a", "crm")
		if len(other) != 0 {
			t.Errorf("app-scoped rules should be separate, got %+v", other)
		}
		return nil
	})
}

func TestListLinksFilterAndLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = s.Update(ctx, func(tx store.Tx) error {
		for i, app := range []string{"crm", "crm", "erp"} {
			l := &model.Link{
				Provider: "slack", ProviderUserID: string(rune('a' + i)), AppKey: app,
				Status: model.LinkActive, UpdatedAt: base.Add(time.Duration(i) * time.Minute),
			}
			if err := tx.CreateLink(ctx, l); err != nil {
				return err
			}
		}
		return nil
	})

	_ = s.View(ctx, func(tx store.Tx) error {
		links, _ := tx.ListLinks(ctx, model.LinkFilter{AppKey: "crm"})
		if len(links) != 2 {
			t.Fatalf("expected 2 crm links, got %d", len(links))
		}
		if links[0].ProviderUserID != "b" {
			t.Errorf("expected newest first, got %q", links[0].ProviderUserID)
		}
		limited, _ := tx.ListLinks(ctx, model.LinkFilter{Limit: 1})
		if len(limited) != 1 {
			t.Errorf("expected limit 1, got %d", len(limited))
		}
		return nil
	})

	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.CreateLink(ctx, &model.Link{Provider: "slack", ProviderUserID: "a", AppKey: "crm"})
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate triple, got %v", err)
	}
}

func TestAccessLogPagination(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var entries []model.AccessLogEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, model.AccessLogEntry{
			AgentID: "a", FunctionKey: "demo.listItems", Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	entries = append(entries, model.AccessLogEntry{AgentID: "b", FunctionKey: "demo.getItem", Timestamp: base})
	if err := s.InsertAccessLogs(ctx, entries); err != nil {
		t.Fatalf("InsertAccessLogs: %v", err)
	}

	page1, cursor, err := s.ListAccessLogs(ctx, model.AccessLogQuery{AgentID: "a", Limit: 3})
	if err != nil {
		t.Fatalf("ListAccessLogs: %v", err)
	}
	if len(page1) != 3 || cursor == "" {
		t.Fatalf("expected 3 entries and a cursor, got %d %q", len(page1), cursor)
	}
	if !page1[0].Timestamp.Equal(base.Add(4 * time.Second)) {
		t.Errorf("expected newest first, got %v", page1[0].Timestamp)
	}

	page2, cursor2, err := s.ListAccessLogs(ctx, model.AccessLogQuery{AgentID: "a", Limit: 3, Cursor: cursor})
	if err != nil {
		t.Fatalf("ListAccessLogs page 2: %v", err)
	}
	if len(page2) != 2 || cursor2 != "" {
		t.Errorf("expected final page of 2, got %d %q", len(page2), cursor2)
	}
}
