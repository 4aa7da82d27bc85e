package ledger

import (
	"fmt"
	"regexp"
	"strings"
)

// AccountID is the dotted-integer account identifier used across the mesh,
// e.g. "0.0.7304745". External references must validate before use.
type AccountID string

var accountIDPattern = regexp.MustCompile(`^0\.0\.[0-9]+$`)

// ParseAccountID validates the supplied string and returns it as an AccountID.
func ParseAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if !accountIDPattern.MatchString(trimmed) {
		return "", fmt.Errorf("invalid account id %q", raw)
	}
	return AccountID(trimmed), nil
}

// ValidAccountID reports whether raw is a well-formed account identifier.
// Surrounding whitespace is not tolerated.
func ValidAccountID(raw string) bool {
	return accountIDPattern.MatchString(raw)
}

// String implements fmt.Stringer.
func (id AccountID) String() string { return string(id) }

var accountTokenPattern = regexp.MustCompile(`0\.0\.[0-9]+`)

// ExtractAccountID pulls the first account-shaped token out of loose text.
// It lets the CLI accept inputs like "score 0.0.2 please".
func ExtractAccountID(text string) (AccountID, bool) {
	match := accountTokenPattern.FindString(text)
	if match == "" {
		return "", false
	}
	return AccountID(match), true
}
