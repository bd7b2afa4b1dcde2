package linking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/okrlinkhub/agent-bridge/internal/crypto"
	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store"
	"github.com/okrlinkhub/agent-bridge/internal/store/memory"
)

type fixture struct {
	svc   *Service
	store *memory.Store
	now   time.Time
}

func newFixture(t *testing.T, cipher *crypto.Cipher) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), now: time.Date(2026, 4, 1, 8, 0, 30, 0, time.UTC)}
	f.svc = NewService(f.store, cipher, Defaults{MaxRequestsPerWindow: 60, Window: time.Minute})
	f.svc.now = func() time.Time { return f.now }
	return f
}

var slackUser = Identity{Provider: "slack", ProviderUserID: "U123", AppKey: "crm"}

func linkErr(t *testing.T, err error) *Error {
	t.Helper()
	var le *Error
	if !errors.As(err, &le) {
		t.Fatalf("expected *linking.Error, got %v", err)
	}
	return le
}

func TestUpsertIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, created, err := f.svc.Upsert(ctx, UpsertInput{Identity: slackUser, AppUserSubject: "user-1"})
	if err != nil || !created {
		t.Fatalf("expected created link, got %v %v", created, err)
	}

	again := UpsertInput{
		Identity:       Identity{Provider: " Slack ", ProviderUserID: "U123", AppKey: "CRM "},
		AppUserSubject: "user-2",
		Metadata:       json.RawMessage(`{"team":"T1"}`),
	}
	second, created, err := f.svc.Upsert(ctx, again)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created || second.ID != first.ID || second.AppUserSubject != "user-2" {
		t.Fatalf("expected in-place update of %s, got %+v created=%v", first.ID, second, created)
	}

	links, _ := f.svc.List(ctx, model.LinkFilter{AppKey: "crm"})
	if len(links) != 1 {
		t.Fatalf("expected one row, got %d", len(links))
	}
}

func TestUpsertValidation(t *testing.T) {
	f := newFixture(t, nil)
	_, _, err := f.svc.Upsert(context.Background(), UpsertInput{Identity: Identity{Provider: "slack"}, AppUserSubject: "u"})
	if le := linkErr(t, err); le.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", le)
	}
	_, _, err = f.svc.Upsert(context.Background(), UpsertInput{Identity: slackUser, AppUserSubject: "u", Metadata: json.RawMessage(`{`)})
	linkErr(t, err)
}

func TestResolveSuccessAndExtend(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.svc.Upsert(ctx, UpsertInput{Identity: slackUser, AppUserSubject: "user-1", ExpiresInDays: 1})

	l, err := f.svc.Resolve(ctx, ResolveInput{Identity: slackUser, ExtendExpiryDays: 30})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.AppUserSubject != "user-1" || l.LastUsedAt == nil || !l.ExpiresAt.Equal(f.now.Add(30*24*time.Hour)) {
		t.Fatalf("unexpected link: %+v", l)
	}
}

func TestResolveNotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Resolve(context.Background(), ResolveInput{Identity: slackUser})
	if le := linkErr(t, err); le.Code != CodeNotFound || le.Status != http.StatusNotFound {
		t.Fatalf("unexpected error: %+v", le)
	}
}

func TestRevokedLinkNeverResolves(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.svc.Upsert(ctx, UpsertInput{Identity: slackUser, AppUserSubject: "user-1"})

	if _, err := f.svc.Revoke(ctx, slackUser); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, err := f.svc.Resolve(ctx, ResolveInput{Identity: slackUser})
		if le := linkErr(t, err); le.Code != CodeRevoked || le.Status != http.StatusGone {
			t.Fatalf("attempt %d: unexpected error %+v", i, le)
		}
	}

	// A fresh upsert reactivates.
	if _, created, _ := f.svc.Upsert(ctx, UpsertInput{Identity: slackUser, AppUserSubject: "user-1"}); created {
		t.Fatal("expected existing row to be reused")
	}
	if _, err := f.svc.Resolve(ctx, ResolveInput{Identity: slackUser}); err != nil {
		t.Fatalf("expected resolve after upsert to succeed, got %v", err)
	}

	_, err := f.svc.Revoke(ctx, Identity{Provider: "slack", ProviderUserID: "nobody", AppKey: "crm"})
	if le := linkErr(t, err); le.Code != CodeNotFound {
		t.Fatalf("unexpected error %+v", le)
	}
}

func TestResolveLazilyExpires(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.svc.Upsert(ctx, UpsertInput{Identity: slackUser, AppUserSubject: "user-1", ExpiresInDays: 1})

	f.now = f.now.Add(25 * time.Hour)
	_, err := f.svc.Resolve(ctx, ResolveInput{Identity: slackUser})
	if le := linkErr(t, err); le.Code != CodeExpired || le.Status != http.StatusGone {
		t.Fatalf("unexpected error %+v", le)
	}

	// The transition to expired is committed despite the failure.
	f.store.View(ctx, func(tx store.Tx) error {
		l, _ := tx.GetLink(ctx, "slack", "U123", "crm")
		if l.Status != model.LinkExpired {
			t.Fatalf("expected expired status, got %s", l.Status)
		}
		return nil
	})

	_, err = f.svc.Resolve(ctx, ResolveInput{Identity: slackUser, ExtendExpiryDays: 10})
	if le := linkErr(t, err); le.Code != CodeExpired {
		t.Fatalf("expected expired link to stay expired, got %+v", le)
	}
}

func TestResolveRateLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.svc.Upsert(ctx, UpsertInput{Identity: slackUser, AppUserSubject: "user-1"})

	in := ResolveInput{Identity: slackUser, MaxRequestsPerWindow: 1, WindowSeconds: 60}
	if _, err := f.svc.Resolve(ctx, in); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err := f.svc.Resolve(ctx, in)
	le := linkErr(t, err)
	if le.Code != CodeRateLimited || le.Status != http.StatusTooManyRequests || le.RetryAfter < 1 {
		t.Fatalf("unexpected error %+v", le)
	}
	if le.RetryAfter != 30 {
		t.Fatalf("expected 30s to the bucket boundary, got %d", le.RetryAfter)
	}

	f.now = f.now.Add(time.Minute)
	if _, err := f.svc.Resolve(ctx, in); err != nil {
		t.Fatalf("expected next bucket to pass, got %v", err)
	}
}

func TestRateLimitCountsFailedResolves(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := ResolveInput{Identity: slackUser, MaxRequestsPerWindow: 2, WindowSeconds: 60}

	f.svc.Resolve(ctx, in)
	f.svc.Resolve(ctx, in)
	_, err := f.svc.Resolve(ctx, in)
	if le := linkErr(t, err); le.Code != CodeRateLimited {
		t.Fatalf("expected not-found attempts to consume the bucket, got %+v", le)
	}
}

func TestRefreshTokenSealed(t *testing.T) {
	key, _ := crypto.GenerateKey()
	c, err := crypto.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, c)
	ctx := context.Background()

	l, _, err := f.svc.Upsert(ctx, UpsertInput{Identity: slackUser, AppUserSubject: "u", RefreshToken: "rt-secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(l.RefreshTokenSealed, "rt-secret") || l.TokenVersion != 1 {
		t.Fatalf("expected sealed token with version 1, got %+v", l)
	}
	got, err := f.svc.RefreshToken(ctx, l.ID)
	if err != nil || got != "rt-secret" {
		t.Fatalf("expected decrypted token, got %q %v", got, err)
	}
}

func TestRefreshTokenRequiresCipher(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, _, err := f.svc.Upsert(ctx, UpsertInput{Identity: slackUser, AppUserSubject: "u", RefreshToken: "rt-secret-123"})
	le := linkErr(t, err)
	if le.Code != CodeNoCipher || le.Status != http.StatusInternalServerError {
		t.Fatalf("got %s/%d", le.Code, le.Status)
	}
	err = f.store.View(ctx, func(tx store.Tx) error {
		_, err := tx.GetLink(ctx, "slack", "U123", "crm")
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no link to be stored, got %v", err)
	}

	// Links without refresh tokens still work.
	if _, _, err := f.svc.Upsert(ctx, UpsertInput{Identity: slackUser, AppUserSubject: "u"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBucketKeysDoNotCollide(t *testing.T) {
	a := Identity{Provider: "a|b", ProviderUserID: "c", AppKey: "d"}
	b := Identity{Provider: "a", ProviderUserID: "b|c", AppKey: "d"}
	if a.bucketKey() == b.bucketKey() {
		t.Fatalf("identities share bucket %q", a.bucketKey())
	}

	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []Identity{a, b} {
		if _, _, err := f.svc.Upsert(ctx, UpsertInput{Identity: id, AppUserSubject: "u"}); err != nil {
			t.Fatal(err)
		}
	}
	limit := ResolveInput{Identity: a, MaxRequestsPerWindow: 1}
	if _, err := f.svc.Resolve(ctx, limit); err != nil {
		t.Fatalf("first resolve of a: %v", err)
	}
	limit.Identity = b
	if _, err := f.svc.Resolve(ctx, limit); err != nil {
		t.Fatalf("b must have its own bucket: %v", err)
	}
}

func TestListFilters(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.svc.Upsert(ctx, UpsertInput{Identity: slackUser, AppUserSubject: "a"})
	f.svc.Upsert(ctx, UpsertInput{Identity: Identity{Provider: "github", ProviderUserID: "9", AppKey: "crm"}, AppUserSubject: "b"})
	f.svc.Revoke(ctx, slackUser)

	active, _ := f.svc.List(ctx, model.LinkFilter{Status: model.LinkActive})
	if len(active) != 1 || active[0].Provider != "github" {
		t.Fatalf("unexpected active links: %+v", active)
	}
	if _, err := f.svc.List(ctx, model.LinkFilter{Status: "bogus"}); err == nil {
		t.Fatal("expected invalid status error")
	}
}
