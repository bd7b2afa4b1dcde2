package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AdminKeyChecker verifies the operator admin key against either a bcrypt
// hash or a plaintext key.
type AdminKeyChecker struct {
	plain string
	hash  []byte
}

// NewAdminKeyChecker prefers hash when both are set. With neither set every
// admin request is rejected.
func NewAdminKeyChecker(plain, hash string) *AdminKeyChecker {
	c := &AdminKeyChecker{plain: plain}
	if hash != "" {
		c.hash = []byte(hash)
		c.plain = ""
	}
	return c
}

// HashAdminKey returns a bcrypt hash for storing in admin_key_hash.
func HashAdminKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (c *AdminKeyChecker) Check(key string) bool {
	if key == "" {
		return false
	}
	if len(c.hash) > 0 {
		return bcrypt.CompareHashAndPassword(c.hash, []byte(key)) == nil
	}
	if c.plain == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.plain), []byte(key)) == 1
}

// AdminAuthMiddleware returns middleware that requires the admin key as a
// bearer token.
func AdminAuthMiddleware(checker *AdminKeyChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}
			if !checker.Check(token) {
				writeUnauthorized(w, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "unauthorized",
			Message: message,
		},
	})
}
