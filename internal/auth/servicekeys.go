package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrServiceKeysUnavailable means no usable service-key map is configured.
	ErrServiceKeysUnavailable = errors.New("service key map is not configured")
	// ErrInvalidServiceKey means the service id is unknown or the key does not match.
	ErrInvalidServiceKey = errors.New("invalid service credentials")
)

// ServiceKeySource resolves the operator's service-id to service-key map.
// Static entries win; otherwise the map is read from the environment variable
// on every call so a bad value only fails the request that reads it.
type ServiceKeySource struct {
	static map[string]string
	envVar string
	getenv func(string) string
}

func NewServiceKeySource(static map[string]string, envVar string) *ServiceKeySource {
	return &ServiceKeySource{static: static, envVar: envVar, getenv: os.Getenv}
}

// Keys returns the current service-key map.
func (s *ServiceKeySource) Keys() (map[string]string, error) {
	if len(s.static) > 0 {
		return s.static, nil
	}
	if s.envVar == "" {
		return nil, ErrServiceKeysUnavailable
	}
	raw := strings.TrimSpace(s.getenv(s.envVar))
	if raw == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrServiceKeysUnavailable, s.envVar)
	}
	var keys map[string]string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrServiceKeysUnavailable, s.envVar, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s has no entries", ErrServiceKeysUnavailable, s.envVar)
	}
	return keys, nil
}

// Verify checks a service id and key against the map.
func (s *ServiceKeySource) Verify(serviceID, serviceKey string) error {
	keys, err := s.Keys()
	if err != nil {
		return err
	}
	expected, ok := keys[serviceID]
	if !ok || expected == "" {
		return ErrInvalidServiceKey
	}
	if !HashesEqual(HashKey(expected), HashKey(serviceKey)) {
		return ErrInvalidServiceKey
	}
	return nil
}
