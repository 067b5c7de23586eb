// Package validate holds identifier validation shared by sessions, nodes,
// graphs and workflows.
package validate

import (
	"strings"

	apperrors "github.com/nervehq/nerve/internal/common/errors"
)

// MaxIDLength bounds identifier length.
const MaxIDLength = 64

// ID checks that an identifier is a printable slug: nonempty, at most
// MaxIDLength characters, restricted to letters, digits, '-' and '_'.
// Identifiers are case-sensitive.
func ID(id string) error {
	if id == "" {
		return apperrors.InvalidName(id, "must not be empty")
	}
	if len(id) > MaxIDLength {
		return apperrors.InvalidName(id, "exceeds maximum length")
	}
	if strings.ContainsAny(id, "/\\") {
		return apperrors.InvalidName(id, "must not contain path separators")
	}
	for _, r := range id {
		if !isIDRune(r) {
			return apperrors.InvalidName(id, "may only contain letters, digits, '-' and '_'")
		}
	}
	return nil
}

func isIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}
