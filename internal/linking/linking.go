// Package linking maps third-party identities to application user subjects.
// Links are keyed by (provider, provider user id, app key) and carry their
// own fixed-window rate limit, independent of the agent circuit breaker.
package linking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okrlinkhub/agent-bridge/internal/crypto"
	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

// Error codes for failed link operations.
const (
	CodeNotFound    = "link_not_found"
	CodeRevoked     = "link_revoked"
	CodeExpired     = "link_expired"
	CodeRateLimited = "link_rate_limited"
	CodeInvalid     = "malformed_request"
	CodeNoCipher    = "misconfigured_server"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Error is a link failure with its HTTP status.
type Error struct {
	Code       string
	Status     int
	Message    string
	RetryAfter int
}

func (e *Error) Error() string { return e.Message }

func invalid(msg string) *Error {
	return &Error{Code: CodeInvalid, Status: http.StatusBadRequest, Message: msg}
}

// Defaults are the rate-limit settings used when a resolve call gives none.
type Defaults struct {
	MaxRequestsPerWindow int
	Window               time.Duration
}

type Service struct {
	store    store.Store
	cipher   *crypto.Cipher
	defaults Defaults
	now      func() time.Time
}

// NewService creates a link service. With a nil cipher, links cannot carry
// refresh-token material.
func NewService(s store.Store, cipher *crypto.Cipher, defaults Defaults) *Service {
	return &Service{store: s, cipher: cipher, defaults: defaults, now: time.Now}
}

// Identity is the normalized lookup key of a link.
type Identity struct {
	Provider       string `json:"provider" validate:"required"`
	ProviderUserID string `json:"providerUserId" validate:"required"`
	AppKey         string `json:"appKey" validate:"required"`
}

func (id Identity) normalize() (Identity, error) {
	id.Provider = strings.ToLower(strings.TrimSpace(id.Provider))
	id.ProviderUserID = strings.TrimSpace(id.ProviderUserID)
	id.AppKey = strings.ToLower(strings.TrimSpace(id.AppKey))
	if id.Provider == "" || id.ProviderUserID == "" || id.AppKey == "" {
		return id, invalid("provider, providerUserId and appKey are required")
	}
	return id, nil
}

// bucketKey length-prefixes each part so no two identities share a bucket.
func (id Identity) bucketKey() string {
	return fmt.Sprintf("%d:%s|%d:%s|%s", len(id.Provider), id.Provider, len(id.ProviderUserID), id.ProviderUserID, id.AppKey)
}

type UpsertInput struct {
	Identity
	AppUserSubject        string          `json:"appUserSubject" validate:"required"`
	Metadata              json.RawMessage `json:"metadata,omitempty"`
	ExpiresInDays         int             `json:"expiresInDays,omitempty" validate:"gte=0"`
	RefreshToken          string          `json:"refreshToken,omitempty"`
	RefreshTokenExpiresAt *time.Time      `json:"refreshTokenExpiresAt,omitempty"`
}

// Upsert creates the link or updates the existing one in place. A revoked
// or expired link is reactivated. created reports whether a row was
// inserted.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (link *model.Link, created bool, err error) {
	id, err := in.Identity.normalize()
	if err != nil {
		return nil, false, err
	}
	subject := strings.TrimSpace(in.AppUserSubject)
	if subject == "" {
		return nil, false, invalid("appUserSubject is required")
	}
	if in.ExpiresInDays < 0 {
		return nil, false, invalid("expiresInDays must not be negative")
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		return nil, false, invalid("metadata must be valid JSON")
	}
	if in.RefreshToken != "" && !s.cipher.Enabled() {
		return nil, false, &Error{Code: CodeNoCipher, Status: http.StatusInternalServerError,
			Message: "refresh tokens require an encryption key"}
	}

	err = s.store.Update(ctx, func(tx store.Tx) error {
		now := s.now().UTC()
		created = false
		existing, err := tx.GetLink(ctx, id.Provider, id.ProviderUserID, id.AppKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		l := existing
		if l == nil {
			created = true
			l = &model.Link{
				ID:             uuid.NewString(),
				Provider:       id.Provider,
				ProviderUserID: id.ProviderUserID,
				AppKey:         id.AppKey,
				CreatedAt:      now,
			}
		}
		l.AppUserSubject = subject
		l.Status = model.LinkActive
		l.RevokedAt = nil
		l.UpdatedAt = now
		if len(in.Metadata) > 0 {
			l.Metadata = in.Metadata
		}
		if in.ExpiresInDays > 0 {
			exp := now.Add(time.Duration(in.ExpiresInDays) * 24 * time.Hour)
			l.ExpiresAt = &exp
		} else if l.ExpiresAt != nil && !now.Before(*l.ExpiresAt) {
			// Reactivating a lapsed link without a new expiry clears it.
			l.ExpiresAt = nil
		}
		if in.RefreshToken != "" {
			sealed, err := s.cipher.Seal(in.RefreshToken, l.ID)
			if err != nil {
				return fmt.Errorf("sealing refresh token: %w", err)
			}
			l.RefreshTokenSealed = sealed
			l.RefreshTokenExpiresAt = in.RefreshTokenExpiresAt
			l.TokenVersion++
		}

		link = l
		if created {
			return tx.CreateLink(ctx, l)
		}
		return tx.UpdateLink(ctx, l)
	})
	if err != nil {
		return nil, false, err
	}
	return link, created, nil
}

type ResolveInput struct {
	Identity
	MaxRequestsPerWindow int `json:"maxRequestsPerWindow,omitempty" validate:"gte=0"`
	WindowSeconds        int `json:"windowSeconds,omitempty" validate:"gte=0"`
	ExtendExpiryDays     int `json:"extendExpiryDays,omitempty" validate:"gte=0"`
}

// Resolve returns the active link for an identity. In one transaction it
// counts the call against the identity's rate-limit bucket, checks the link
// exists, is not revoked and has not expired, then records the use. The
// bucket increment and a lazy transition to expired are kept even when the
// call fails.
func (s *Service) Resolve(ctx context.Context, in ResolveInput) (*model.Link, error) {
	id, err := in.Identity.normalize()
	if err != nil {
		return nil, err
	}
	maxReq := in.MaxRequestsPerWindow
	if maxReq <= 0 {
		maxReq = s.defaults.MaxRequestsPerWindow
	}
	window := time.Duration(in.WindowSeconds) * time.Second
	if window <= 0 {
		window = s.defaults.Window
	}
	if window < time.Second {
		window = time.Second
	}

	var (
		link    *model.Link
		failure *Error
	)
	err = s.store.Update(ctx, func(tx store.Tx) error {
		now := s.now().UTC()
		link, failure = nil, nil

		start := now.Truncate(window)
		b, err := tx.GetLinkBucket(ctx, id.bucketKey(), start)
		if errors.Is(err, store.ErrNotFound) {
			b = &model.LinkBucket{Key: id.bucketKey(), BucketStart: start}
		} else if err != nil {
			return err
		}
		b.RequestCount++
		b.UpdatedAt = now
		if err := tx.PutLinkBucket(ctx, b); err != nil {
			return err
		}
		if maxReq > 0 && b.RequestCount > maxReq {
			retry := int(math.Ceil(start.Add(window).Sub(now).Seconds()))
			if retry < 1 {
				retry = 1
			}
			failure = &Error{Code: CodeRateLimited, Status: http.StatusTooManyRequests,
				Message: "link resolution rate limit exceeded", RetryAfter: retry}
			return nil
		}

		l, err := tx.GetLink(ctx, id.Provider, id.ProviderUserID, id.AppKey)
		if errors.Is(err, store.ErrNotFound) {
			failure = &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: "link not found"}
			return nil
		}
		if err != nil {
			return err
		}

		switch l.Status {
		case model.LinkRevoked:
			failure = &Error{Code: CodeRevoked, Status: http.StatusGone, Message: "link has been revoked"}
			return nil
		case model.LinkExpired:
			failure = &Error{Code: CodeExpired, Status: http.StatusGone, Message: "link has expired"}
			return nil
		}
		if l.ExpiresAt != nil && !now.Before(*l.ExpiresAt) {
			l.Status = model.LinkExpired
			l.UpdatedAt = now
			if err := tx.UpdateLink(ctx, l); err != nil {
				return err
			}
			failure = &Error{Code: CodeExpired, Status: http.StatusGone, Message: "link has expired"}
			return nil
		}

		l.LastUsedAt = &now
		l.UpdatedAt = now
		if in.ExtendExpiryDays > 0 {
			exp := now.Add(time.Duration(in.ExtendExpiryDays) * 24 * time.Hour)
			l.ExpiresAt = &exp
		}
		if err := tx.UpdateLink(ctx, l); err != nil {
			return err
		}
		link = l
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolving link: %w", err)
	}
	if failure != nil {
		return nil, failure
	}
	return link, nil
}

// Revoke marks the link revoked. Revocation is terminal until the next
// Upsert.
func (s *Service) Revoke(ctx context.Context, identity Identity) (*model.Link, error) {
	id, err := identity.normalize()
	if err != nil {
		return nil, err
	}
	var l *model.Link
	err = s.store.Update(ctx, func(tx store.Tx) error {
		var err error
		l, err = tx.GetLink(ctx, id.Provider, id.ProviderUserID, id.AppKey)
		if errors.Is(err, store.ErrNotFound) {
			return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: "link not found"}
		}
		if err != nil {
			return err
		}
		if l.Status == model.LinkRevoked {
			return nil
		}
		now := s.now().UTC()
		l.Status = model.LinkRevoked
		l.RevokedAt = &now
		l.UpdatedAt = now
		return tx.UpdateLink(ctx, l)
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// List returns links filtered by app key, provider and status. App key and
// provider are normalized like lookups.
func (s *Service) List(ctx context.Context, f model.LinkFilter) ([]*model.Link, error) {
	f.AppKey = strings.ToLower(strings.TrimSpace(f.AppKey))
	f.Provider = strings.ToLower(strings.TrimSpace(f.Provider))
	f.Limit = store.ClampLimit(f.Limit, defaultListLimit, maxListLimit)
	if f.Status != "" && f.Status != model.LinkActive && f.Status != model.LinkRevoked && f.Status != model.LinkExpired {
		return nil, invalid("status must be one of: active, revoked, expired")
	}
	var out []*model.Link
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListLinks(ctx, f)
		return err
	})
	return out, err
}

// RefreshToken returns the decrypted refresh-token material of a link, or
// "" when none is stored.
func (s *Service) RefreshToken(ctx context.Context, linkID string) (string, error) {
	var l *model.Link
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		l, err = tx.GetLinkByID(ctx, linkID)
		return err
	})
	if err != nil {
		return "", err
	}
	if l.RefreshTokenSealed == "" {
		return "", nil
	}
	return s.cipher.Open(l.RefreshTokenSealed, l.ID)
}
