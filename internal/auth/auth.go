package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Secret prefixes. The prefix is kept in plaintext alongside the hash so
// operators can tell keys apart without seeing them.
const (
	APIKeyPrefix            = "abk_live_"
	ProvisioningTokenPrefix = "apt_live_"
	InstanceTokenPrefix     = "ait_live_"
)

// displayPrefixLen is how many plaintext characters are kept for display.
const displayPrefixLen = 14

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 14 characters of the plaintext key
}

// GenerateAPIKey creates a new agent API key with the "abk_live_" prefix
// followed by 32 URL-safe random characters. It returns the APIKey struct
// (containing the hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	return generate(APIKeyPrefix)
}

// GenerateInstanceToken creates a per-application instance token.
func GenerateInstanceToken() (APIKey, string, error) {
	return generate(InstanceTokenPrefix)
}

// GenerateProvisioningToken creates a provisioning token: the prefix followed
// by the 32 hex characters of a random UUID.
func GenerateProvisioningToken() (APIKey, string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return APIKey{}, "", fmt.Errorf("generating token id: %w", err)
	}
	plaintext := ProvisioningTokenPrefix + strings.ReplaceAll(id.String(), "-", "")
	return APIKey{Hash: HashKey(plaintext), Prefix: plaintext[:displayPrefixLen]}, plaintext, nil
}

func generate(prefix string) (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := prefix + base64.RawURLEncoding.EncodeToString(b)

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:displayPrefixLen],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// HashesEqual compares two hashes in constant time.
func HashesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// IsInstanceToken reports whether s looks like an instance token.
func IsInstanceToken(s string) bool {
	return strings.HasPrefix(s, InstanceTokenPrefix)
}
