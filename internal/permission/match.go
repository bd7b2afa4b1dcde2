// Package permission resolves which rule governs an agent's call to a
// function key, and administers rules and function overrides.
//
// A pattern matches a key when every literal character matches and each '*'
// matches any (possibly empty) substring. When several rules match, the one
// with the highest specificity wins. Specificity is the index of the first
// '*' in the pattern, or the full pattern length when it has none, so a
// wildcard appearing later (or not at all) outranks an earlier one. Equal
// specificity falls back to the longer pattern, then to byte order.
package permission

import (
	"strings"

	"github.com/okrlinkhub/agent-bridge/internal/model"
)

// Wildcard matches any substring.
const Wildcard = "*"

// Matches reports whether pattern matches the whole key.
func Matches(pattern, key string) bool {
	if pattern == Wildcard {
		return true
	}
	if !strings.Contains(pattern, Wildcard) {
		return pattern == key
	}

	parts := strings.Split(pattern, Wildcard)
	first, last := parts[0], parts[len(parts)-1]
	if !strings.HasPrefix(key, first) {
		return false
	}
	rest := key[len(first):]
	if len(rest) < len(last) || !strings.HasSuffix(rest, last) {
		return false
	}
	rest = rest[:len(rest)-len(last)]
	for _, mid := range parts[1 : len(parts)-1] {
		i := strings.Index(rest, mid)
		if i < 0 {
			return false
		}
		rest = rest[i+len(mid):]
	}
	return true
}

// Specificity scores a pattern for tie-breaking among matches.
func Specificity(pattern string) int {
	if i := strings.Index(pattern, Wildcard); i >= 0 {
		return i
	}
	return len(pattern)
}

// Outranks reports whether pattern a beats pattern b. For distinct patterns
// exactly one of Outranks(a, b) and Outranks(b, a) is true.
func Outranks(a, b string) bool {
	sa, sb := Specificity(a), Specificity(b)
	if sa != sb {
		return sa > sb
	}
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a < b
}

// restrictiveness orders kinds for rules sharing a pattern.
var restrictiveness = map[model.PermissionKind]int{
	model.PermissionDeny:        2,
	model.PermissionRateLimited: 1,
	model.PermissionAllow:       0,
}

// BestMatch returns the highest-ranked rule matching key, or false when no
// rule matches. Rules with an identical pattern resolve to the most
// restrictive kind.
func BestMatch(key string, rules []model.PermissionRule) (model.PermissionRule, bool) {
	var best model.PermissionRule
	found := false
	for _, r := range rules {
		if !Matches(r.Pattern, key) {
			continue
		}
		switch {
		case !found:
		case r.Pattern == best.Pattern:
			if restrictiveness[r.Permission] <= restrictiveness[best.Permission] {
				continue
			}
		case !Outranks(r.Pattern, best.Pattern):
			continue
		}
		best, found = r, true
	}
	return best, found
}

// MatchesAny reports whether pattern matches at least one of keys.
func MatchesAny(pattern string, keys []string) bool {
	for _, k := range keys {
		if Matches(pattern, k) {
			return true
		}
	}
	return false
}
