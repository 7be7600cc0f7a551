// Package allowlist gates inbound senders against the rule entries
// fetched from the config service. Resolution is a pure function over
// an immutable snapshot of entries; the caller refetches when the
// integration config is reloaded.
package allowlist

import "strings"

// Match source values returned by Resolve.
const (
	MatchNone     = ""
	MatchDMOpen   = "dm-open"
	MatchWildcard = "wildcard"
	MatchExact    = "exact"
	MatchRole     = "role"
)

// Entry is a single allowlist rule: the wildcard "*", an exact sender
// id, or a role reference "role:<name>". An entry may carry a default
// agent binding used by the router when the sender has no sticky
// binding.
type Entry struct {
	Pattern      string `json:"pattern"`
	DefaultAgent string `json:"default_agent,omitempty"`
}

// Policy controls resolution behavior beyond the entry list.
type Policy struct {
	// OpenDMs allows any direct-message sender regardless of entries.
	// Role context may be unavailable for DMs, so this check (like the
	// wildcard) short-circuits before role evaluation.
	OpenDMs bool
}

// Decision is the outcome of a resolution.
type Decision struct {
	Allowed     bool
	MatchSource string
	// DefaultAgent is the agent binding of the matched entry, if any.
	DefaultAgent string
}

// Resolve checks whether senderID may talk to the integration.
//
// Evaluation order: empty entry set denies everything; a DM under an
// open-DM policy is allowed; a wildcard entry allows anyone; an exact
// id match allows; a role match (requires role context) allows;
// anything else is denied.
func Resolve(senderID string, roles []string, isDM bool, entries []Entry, policy Policy) Decision {
	if len(entries) == 0 {
		return Decision{}
	}

	if isDM && policy.OpenDMs {
		return Decision{Allowed: true, MatchSource: MatchDMOpen}
	}

	// Wildcard and exact matches never need role context.
	for _, e := range entries {
		if e.Pattern == "*" {
			return Decision{Allowed: true, MatchSource: MatchWildcard, DefaultAgent: e.DefaultAgent}
		}
	}
	for _, e := range entries {
		if e.Pattern == senderID {
			return Decision{Allowed: true, MatchSource: MatchExact, DefaultAgent: e.DefaultAgent}
		}
	}

	if len(roles) > 0 {
		for _, e := range entries {
			name, ok := strings.CutPrefix(e.Pattern, "role:")
			if !ok {
				continue
			}
			name = strings.ToLower(strings.TrimSpace(name))
			for _, r := range roles {
				if strings.ToLower(r) == name {
					return Decision{Allowed: true, MatchSource: MatchRole, DefaultAgent: e.DefaultAgent}
				}
			}
		}
	}

	return Decision{}
}
