package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix marks values produced by Seal. Stored values without it were
// written while encryption was disabled and are returned as-is by Open.
const sealedPrefix = "v1."

// ErrMalformed is returned when a sealed value cannot be decoded or
// authenticated.
var ErrMalformed = errors.New("malformed sealed value")

// Cipher seals refresh-token material with AES-256-GCM. The associated data
// binds a ciphertext to the row it belongs to, so a value copied onto another
// identity link fails to open.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a hex-encoded 32-byte key.
// Returns nil if key is empty (encryption disabled).
func NewCipher(hexKey string) (*Cipher, error) {
	if hexKey == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding hex key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// GenerateKey returns a random hex-encoded 32-byte key suitable for NewCipher.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Enabled reports whether values are actually encrypted.
func (c *Cipher) Enabled() bool {
	return c != nil
}

// Seal encrypts plaintext bound to aad. A nil Cipher returns plaintext unchanged.
func (c *Cipher) Seal(plaintext, aad string) (string, error) {
	if c == nil || plaintext == "" {
		return plaintext, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal for the same aad.
func (c *Cipher) Open(value, aad string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if c == nil {
		return "", fmt.Errorf("%w: encryption key not configured", ErrMalformed)
	}

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: too short", ErrMalformed)
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, []byte(aad))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return string(plaintext), nil
}
