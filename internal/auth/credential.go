package auth

import (
	"errors"
	"net/http"
	"strings"
)

// Header names understood by the gateway surface.
const (
	HeaderAPIKey        = "X-Agent-API-Key"
	HeaderServiceID     = "X-Agent-Service-Id"
	HeaderServiceKey    = "X-Agent-Service-Key"
	HeaderApp           = "X-Agent-App"
	HeaderInstanceToken = "X-Agent-Instance-Token"
)

var (
	// ErrNoCredential is returned when a request carries no agent credential.
	ErrNoCredential = errors.New("missing agent credential")
	// ErrIncompleteServiceHeaders is returned when only part of the
	// service-mode header triplet is present.
	ErrIncompleteServiceHeaders = errors.New("service mode requires X-Agent-Service-Id, X-Agent-Service-Key and X-Agent-App")
)

type CredentialKind int

const (
	CredentialAPIKey CredentialKind = iota + 1
	CredentialService
	CredentialInstance
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialAPIKey:
		return "api_key"
	case CredentialService:
		return "service"
	case CredentialInstance:
		return "instance_token"
	default:
		return "none"
	}
}

// Credential is the raw credential material presented by a caller. Secret is
// never logged.
type Credential struct {
	Kind       CredentialKind
	Secret     string // API key or instance token plaintext
	ServiceID  string
	ServiceKey string
	AppKey     string
	UserToken  string // optional bearer user token, attribution only
}

// ExtractCredential reads the agent credential from request headers.
// Service headers take precedence, then the API key, then an instance token
// (dedicated header or an "ait_live_" bearer token). A non-instance bearer
// token is carried as the user token.
func ExtractCredential(r *http.Request) (Credential, error) {
	bearer := extractBearerToken(r)

	serviceID := strings.TrimSpace(r.Header.Get(HeaderServiceID))
	serviceKey := strings.TrimSpace(r.Header.Get(HeaderServiceKey))
	appKey := strings.TrimSpace(r.Header.Get(HeaderApp))
	if serviceID != "" || serviceKey != "" || appKey != "" {
		if serviceID == "" || serviceKey == "" || appKey == "" {
			return Credential{}, ErrIncompleteServiceHeaders
		}
		cred := Credential{
			Kind:       CredentialService,
			ServiceID:  serviceID,
			ServiceKey: serviceKey,
			AppKey:     appKey,
		}
		if bearer != "" && !IsInstanceToken(bearer) {
			cred.UserToken = bearer
		}
		return cred, nil
	}

	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		cred := Credential{Kind: CredentialAPIKey, Secret: key}
		if bearer != "" && !IsInstanceToken(bearer) {
			cred.UserToken = bearer
		}
		return cred, nil
	}

	if tok := strings.TrimSpace(r.Header.Get(HeaderInstanceToken)); tok != "" {
		cred := Credential{Kind: CredentialInstance, Secret: tok}
		if bearer != "" && !IsInstanceToken(bearer) {
			cred.UserToken = bearer
		}
		return cred, nil
	}
	if IsInstanceToken(bearer) {
		return Credential{Kind: CredentialInstance, Secret: bearer}, nil
	}

	return Credential{}, ErrNoCredential
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
