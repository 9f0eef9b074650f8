// Package validation enforces the identifier rules shared by every
// user-visible entity in a session: nodes, graphs, workflows, and steps.
package validation

import (
	"fmt"
	"strings"
)

// MaxIDLength is the longest an identifier may be. 36 accommodates a
// canonical lowercase UUID (e.g. session and run ids), which is the
// longest id format in use.
const MaxIDLength = 36

// ValidateID checks that id is a legal identifier: lowercase alphanumeric
// plus '-' and '_', length 1-36, no leading or trailing separator. kind is
// used only to produce a readable error message ("node", "graph", "step", ...).
func ValidateID(id, kind string) error {
	if id == "" {
		return fmt.Errorf("%s id cannot be empty", kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s id %q exceeds maximum length %d", kind, id, MaxIDLength)
	}
	if id[0] == '-' || id[0] == '_' || id[len(id)-1] == '-' || id[len(id)-1] == '_' {
		return fmt.Errorf("%s id %q must not start or end with a separator", kind, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("%s id %q contains invalid character %q (allowed: a-z, 0-9, -, _)", kind, id, r)
		}
	}
	return nil
}

// IsValidID reports whether id satisfies ValidateID without constructing an error.
func IsValidID(id string) bool {
	return ValidateID(id, "id") == nil
}

// NormalizeWhitespace trims surrounding whitespace from a human-supplied
// name. It does not reject a blank result or apply ValidateID's rules.
func NormalizeWhitespace(s string) string {
	return strings.TrimSpace(s)
}
