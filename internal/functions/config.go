package functions

import (
	"fmt"
	"net/http"
	"time"

	"github.com/okrlinkhub/agent-bridge/internal/config"
)

// FromConfig builds definitions for the configured upstream functions, plus
// the demo functions when enabled. Endpoint templates are resolved here so a
// bad template fails at startup rather than on the first call.
func FromConfig(fns []config.FunctionConfig, demo bool, timeout time.Duration) ([]Definition, error) {
	client := &http.Client{Timeout: timeout}

	var defs []Definition
	if demo {
		defs = append(defs, DemoDefinitions()...)
	}
	for _, fc := range fns {
		endpoint, err := ResolveTemplate(fc.Endpoint, fc.Variables)
		if err != nil {
			return nil, fmt.Errorf("function %q: %w", fc.Key, err)
		}
		t := Type(fc.Type)
		defs = append(defs, Definition{
			Key:  fc.Key,
			Type: t,
			Handle: &Upstream{
				Key:        fc.Key,
				Type:       t,
				Endpoint:   endpoint,
				Method:     fc.Method,
				AuthType:   fc.AuthType,
				AuthConfig: fc.AuthConfig,
				Client:     client,
			},
			Metadata: Metadata{
				Description: fc.Description,
				RiskLevel:   fc.RiskLevel,
				Category:    fc.Category,
			},
		})
	}
	return defs, nil
}
