// Package bridge is the channel-agnostic coordinator core: the mode
// state machine, the inbound event loop, the message pipeline from
// allowlist check through session delivery, and the control-plane RPC
// handler. Platform specifics live behind the Adapter interface.
package bridge

import (
	"context"
	"time"

	"github.com/harbinger-ai/harbinger/internal/daemon"
	"github.com/harbinger-ai/harbinger/internal/session"
)

// Envelope is the normalized inbound message shape. Adapters translate
// platform payloads into this; receipts, typing indicators, and sync
// traffic never produce one.
type Envelope struct {
	// ID is the platform message id, used for read receipts and
	// reply-to references.
	ID string
	// SenderID is the canonical sender identity (E.164 number, user
	// UUID, platform user id).
	SenderID string
	// SenderName is the display name when the platform provides one.
	SenderName string
	// ConversationKey identifies the conversation ("dm:<id>" or
	// "group:<id>"/"thread:<id>") and is stable across messages.
	ConversationKey string
	// IsDM reports whether this is a direct message rather than a
	// group or thread message.
	IsDM bool
	// RoleIDs are the sender's role memberships, when the platform has
	// roles. Empty for DMs on role-less platforms.
	RoleIDs []string
	// Mentioned reports whether the bridged account was explicitly
	// mentioned. Group messages without a mention are ignored.
	Mentioned bool

	Text        string
	Attachments []session.Attachment
	Timestamp   time.Time
}

// LinkInvite is a pending device-link handshake.
type LinkInvite struct {
	// URI is the provisioning URI the user's device must consume.
	URI string
	// QRCodePNG is the URI rendered as a PNG QR code, base64-encoded,
	// for display in an admin UI. Empty when rendering failed.
	QRCodePNG string
}

// LinkState describes whether the adapter's account is usable.
type LinkState struct {
	Linked    bool   `json:"linked"`
	AccountID string `json:"account_id,omitempty"`
}

// Adapter is one platform integration. Implementations are expected to
// be safe for concurrent use once their daemon is ready.
type Adapter interface {
	// Platform returns the channel name ("signal", "discord").
	Platform() string
	// AccountID returns the bridged account's identity on the platform.
	AccountID() string
	// Daemon returns the protocol daemon this adapter depends on, for
	// supervision. May return nil when the platform needs no local
	// process.
	Daemon() daemon.Daemon

	// Listen blocks delivering inbound envelopes to handle until the
	// underlying stream fails or ctx is canceled. A nil return means
	// the stream ended cleanly; either way the caller decides whether
	// to reconnect.
	Listen(ctx context.Context, handle func(Envelope)) error

	SendText(ctx context.Context, conversationKey, text string) error
	SendTyping(ctx context.Context, conversationKey string, stop bool) error
	SendReceipt(ctx context.Context, env Envelope) error

	// FetchHistory assembles recent conversation history, newest last.
	FetchHistory(ctx context.Context, conversationKey string, limit int) ([]session.HistoryMessage, error)

	// Link begins a device-link handshake. LinkStatus reports the
	// current account state. Unlink removes the account.
	Link(ctx context.Context, deviceName string) (LinkInvite, error)
	LinkStatus(ctx context.Context) (LinkState, error)
	Unlink(ctx context.Context) error
}
