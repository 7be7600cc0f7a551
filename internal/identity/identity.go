// Package identity canonicalizes external sender identifiers so that
// allowlist matching and conversation keys are stable regardless of how
// the platform happened to spell the sender.
package identity

import (
	"strings"
)

// NormalizePhone canonicalizes a phone number into a single
// international format: "+" followed by digits only. Punctuation and
// whitespace are stripped. A bare 10-digit national number gets
// defaultPrefix prepended (e.g. "+1"). An 11-digit number starting
// with the digits of defaultPrefix is treated as already carrying the
// country code. Anything that is not phone-shaped is returned
// unchanged (Signal also uses UUIDs as sender ids for contacts that
// hide their number).
func NormalizePhone(raw, defaultPrefix string) string {
	if defaultPrefix == "" {
		defaultPrefix = "+1"
	}

	var digits strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			// Letters or anything else: not a phone number.
			return raw
		}
	}
	if digits.Len() == 0 {
		return raw
	}

	d := digits.String()
	prefixDigits := strings.TrimPrefix(defaultPrefix, "+")

	switch {
	case strings.HasPrefix(raw, "+"):
		return "+" + d
	case len(d) == 10:
		return defaultPrefix + d
	case len(d) == len(prefixDigits)+10 && strings.HasPrefix(d, prefixDigits):
		return "+" + d
	default:
		return "+" + d
	}
}

// Member is a normalized guild member: numeric id plus role names.
type Member struct {
	ID    string
	Roles []string
}

// NormalizeMember canonicalizes a guild member reference. Discord user
// ids arrive with mention decorations in some payloads ("<@123>",
// "<@!123>"); those are stripped to the bare numeric id. Role names are
// lowercased for case-insensitive allowlist matching.
func NormalizeMember(rawID string, roles []string) Member {
	id := strings.TrimSuffix(strings.TrimPrefix(rawID, "<@"), ">")
	id = strings.TrimPrefix(id, "!")

	normalized := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(strings.ToLower(r))
		if r != "" {
			normalized = append(normalized, r)
		}
	}
	return Member{ID: id, Roles: normalized}
}

// SanitizeKey strips non-alphanumeric characters from an identifier to
// produce a safe conversation key component.
func SanitizeKey(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
