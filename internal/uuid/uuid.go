// Package uuid provides identifier generation for queue entries and tentative record keys.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// TentativePrefix marks locally generated primary keys that have not yet
// been confirmed by the server.
const TentativePrefix = "tmp-"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewTentativeKey generates a placeholder primary key for an unconfirmed create.
func NewTentativeKey() string {
	return TentativePrefix + uuid.New().String()
}

// IsTentative reports whether key was produced by NewTentativeKey.
func IsTentative(key string) bool {
	return strings.HasPrefix(key, TentativePrefix) && IsValid(strings.TrimPrefix(key, TentativePrefix))
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
