package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// User-token rejection reasons.
const (
	ReasonMalformedToken   = "malformed_token"
	ReasonExpired          = "expired"
	ReasonIssuerMismatch   = "issuer_mismatch"
	ReasonAudienceMismatch = "audience_mismatch"
)

// UserTokenError reports why a bearer user token was not accepted.
type UserTokenError struct {
	Reason string
	Err    error
}

func (e *UserTokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("user token %s: %v", e.Reason, e.Err)
	}
	return "user token " + e.Reason
}

func (e *UserTokenError) Unwrap() error { return e.Err }

// UserClaims is the attribution context taken from a user token.
type UserClaims struct {
	Subject  string
	Issuer   string
	Audience []string
	Expires  *time.Time
}

// UserTokenValidator decodes user tokens for audit attribution. Signatures are
// not verified: the claims never influence an authorization decision.
type UserTokenValidator struct {
	Issuer   string
	Audience string
	now      func() time.Time
}

func NewUserTokenValidator(issuer, audience string) *UserTokenValidator {
	return &UserTokenValidator{Issuer: issuer, Audience: audience, now: time.Now}
}

// Parse decodes and checks expiry, issuer and audience.
func (v *UserTokenValidator) Parse(token string) (*UserClaims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, &UserTokenError{Reason: ReasonMalformedToken, Err: err}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, &UserTokenError{Reason: ReasonMalformedToken, Err: err}
	}
	if exp != nil && !exp.Time.After(v.now()) {
		return nil, &UserTokenError{Reason: ReasonExpired}
	}

	iss, _ := claims.GetIssuer()
	if v.Issuer != "" && iss != v.Issuer {
		return nil, &UserTokenError{Reason: ReasonIssuerMismatch}
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return nil, &UserTokenError{Reason: ReasonMalformedToken, Err: err}
	}
	if v.Audience != "" && !slices.Contains([]string(aud), v.Audience) {
		return nil, &UserTokenError{Reason: ReasonAudienceMismatch}
	}

	sub, _ := claims.GetSubject()
	uc := &UserClaims{Subject: sub, Issuer: iss, Audience: aud}
	if exp != nil {
		t := exp.Time
		uc.Expires = &t
	}
	return uc, nil
}

// TokenReason extracts the rejection reason from err, or "" if err is not a
// user-token error.
func TokenReason(err error) string {
	var ute *UserTokenError
	if errors.As(err, &ute) {
		return ute.Reason
	}
	return ""
}
