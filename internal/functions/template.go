package functions

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{([a-zA-Z0-9_-]{1,64})\}`)

// ResolveTemplate substitutes {name} placeholders in an endpoint from vars.
// Every unresolved name is reported, in order of first appearance.
func ResolveTemplate(endpoint string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(endpoint, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		for _, seen := range missing {
			if seen == name {
				return m
			}
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("endpoint variables not defined: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
