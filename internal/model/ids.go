package model

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	calculationIDPrefix = "qcrbox_calc_0x"
	inboxPrefixPrefix   = "qcrbox_rk_0x"
)

// NewCalculationID returns a fresh opaque calculation id.
func NewCalculationID() string {
	return calculationIDPrefix + hexUUID()
}

// NewInboxPrefix returns a fresh private inbox prefix for a client agent.
func NewInboxPrefix() string {
	return inboxPrefixPrefix + hexUUID()
}

// NewClientID returns a fresh client id.
func NewClientID() string {
	return uuid.NewString()
}

func hexUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsCalculationID reports whether id has the calculation id shape.
func IsCalculationID(id string) bool {
	rest, ok := strings.CutPrefix(id, calculationIDPrefix)
	return ok && len(rest) == 32 && isHex(rest)
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

var subjectUnsafe = regexp.MustCompile(`[.\s*>]`)

// SanitizeSubjectToken replaces characters that are not allowed inside a
// single bus subject token.
func SanitizeSubjectToken(s string) string {
	return subjectUnsafe.ReplaceAllString(s, "_")
}
