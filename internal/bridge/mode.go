package bridge

// Mode is the coordinator's operating mode for one channel.
type Mode int

const (
	// ModeDisabled means no routing and (normally) no daemon. The
	// daemon may still be started lazily for an administrative link
	// request.
	ModeDisabled Mode = iota
	// ModeReceiveOnly keeps the daemon connected so the platform does
	// not deregister the account for inactivity, but routes nothing.
	ModeReceiveOnly
	// ModeFull routes inbound messages: daemon, event loop, router, and
	// typing manager are all live.
	ModeFull
)

// String returns the mode's wire/log name.
func (m Mode) String() string {
	switch m {
	case ModeReceiveOnly:
		return "receive_only"
	case ModeFull:
		return "full"
	default:
		return "disabled"
	}
}

// ModeFor derives the target mode from the integration's enabled flag
// and the account's link state. Routing requires both; a linked but
// disabled account stays connected in receive-only mode.
func ModeFor(enabled, linked bool) Mode {
	switch {
	case enabled && linked:
		return ModeFull
	case linked:
		return ModeReceiveOnly
	default:
		return ModeDisabled
	}
}
