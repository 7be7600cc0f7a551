package discord

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/harbinger-ai/harbinger/internal/bridge"
	"github.com/harbinger-ai/harbinger/internal/daemon"
	"github.com/harbinger-ai/harbinger/internal/identity"
	"github.com/harbinger-ai/harbinger/internal/session"
)

// Options configures the Discord adapter.
type Options struct {
	Gateway *Gateway
	REST    *REST
	// GuildID restricts the adapter to one guild when set.
	GuildID string
	// BotUserID may be set up front (tests); otherwise it is learned
	// from the gateway READY event.
	BotUserID string
	Logger    *slog.Logger
}

// Adapter implements the channel contract for Discord.
type Adapter struct {
	gw      *Gateway
	rest    *REST
	guildID string
	logger  *slog.Logger

	mu         sync.Mutex
	botUserID  string
	dmChannels map[string]string // user id → DM channel id
	dmUsers    map[string]string // DM channel id → user id
}

// NewAdapter builds the Discord adapter.
func NewAdapter(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		gw:         opts.Gateway,
		rest:       opts.REST,
		guildID:    opts.GuildID,
		botUserID:  opts.BotUserID,
		logger:     logger,
		dmChannels: make(map[string]string),
		dmUsers:    make(map[string]string),
	}
}

func (a *Adapter) Platform() string { return "discord" }

func (a *Adapter) AccountID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// Daemon returns nil: Discord needs no local protocol process, the
// gateway connection is the whole transport.
func (a *Adapter) Daemon() daemon.Daemon { return nil }

// Listen runs one gateway connection, translating MESSAGE_CREATE
// events. Returns when the connection drops; the event loop owns
// reconnects.
func (a *Adapter) Listen(ctx context.Context, handle func(bridge.Envelope)) error {
	return a.gw.Run(ctx, func(msg Message) {
		if u := a.gw.BotUser(); u.ID != "" {
			a.mu.Lock()
			a.botUserID = u.ID
			a.mu.Unlock()
		}
		e, ok := a.translate(ctx, msg)
		if !ok {
			return
		}
		handle(e)
	})
}

// translate maps one gateway message to the normalized envelope.
func (a *Adapter) translate(ctx context.Context, msg Message) (bridge.Envelope, bool) {
	botID := a.AccountID()
	if msg.Author.Bot || msg.Author.ID == botID {
		return bridge.Envelope{}, false
	}
	if a.guildID != "" && msg.GuildID != "" && msg.GuildID != a.guildID {
		return bridge.Envelope{}, false
	}

	var roles []string
	if msg.Member != nil {
		roles = msg.Member.Roles
	}
	member := identity.NormalizeMember(msg.Author.ID, roles)

	isDM := msg.GuildID == ""
	e := bridge.Envelope{
		ID:         msg.ID,
		SenderID:   member.ID,
		SenderName: msg.Author.Username,
		IsDM:       isDM,
		Timestamp:  msg.Timestamp,
	}
	if isDM {
		e.ConversationKey = "dm:" + member.ID
		e.Mentioned = true
		a.mu.Lock()
		a.dmChannels[member.ID] = msg.ChannelID
		a.dmUsers[msg.ChannelID] = member.ID
		a.mu.Unlock()
	} else {
		e.ConversationKey = "thread:" + msg.ChannelID
		e.Mentioned = isMentioned(msg.Mentions, botID)
		e.RoleIDs = member.Roles
	}

	e.Text = strings.TrimSpace(stripMention(msg.Content, botID))
	if e.Text == "" && len(msg.Attachments) == 0 {
		return bridge.Envelope{}, false
	}

	for _, att := range msg.Attachments {
		data, err := a.rest.Download(ctx, att.URL)
		if err != nil {
			a.logger.Warn("discord attachment download failed, skipping",
				"filename", att.Filename, "error", err)
			continue
		}
		e.Attachments = append(e.Attachments, session.Attachment{
			Filename: att.Filename,
			MimeType: att.ContentType,
			Data:     data,
		})
	}
	return e, true
}

// SendText posts text to the conversation's channel.
func (a *Adapter) SendText(ctx context.Context, conversationKey, text string) error {
	channelID, err := a.channelFor(ctx, conversationKey)
	if err != nil {
		return err
	}
	_, err = a.rest.CreateMessage(ctx, channelID, text)
	return err
}

// SendTyping triggers the typing indicator. Discord has no explicit
// stop: the indicator lapses on its own, so stop is a no-op.
func (a *Adapter) SendTyping(ctx context.Context, conversationKey string, stop bool) error {
	if stop {
		return nil
	}
	channelID, err := a.channelFor(ctx, conversationKey)
	if err != nil {
		return err
	}
	return a.rest.TriggerTyping(ctx, channelID)
}

// SendReceipt is a no-op: Discord has no read-receipt concept.
func (a *Adapter) SendReceipt(ctx context.Context, env bridge.Envelope) error {
	return nil
}

// FetchHistory pulls recent channel messages, normalized oldest first.
func (a *Adapter) FetchHistory(ctx context.Context, conversationKey string, limit int) ([]session.HistoryMessage, error) {
	channelID, err := a.channelFor(ctx, conversationKey)
	if err != nil {
		return nil, err
	}
	msgs, err := a.rest.ChannelMessages(ctx, channelID, limit)
	if err != nil {
		return nil, err
	}

	botID := a.AccountID()
	out := make([]session.HistoryMessage, 0, len(msgs))
	// Discord returns newest first; reverse into chronological order.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Content == "" {
			continue
		}
		role := "user"
		if m.Author.ID == botID {
			role = "assistant"
		}
		out = append(out, session.HistoryMessage{
			Role:      role,
			Author:    m.Author.Username,
			Text:      m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return out, nil
}

// Link returns the bot's OAuth2 invite URL (with a QR rendering) so an
// admin can add it to a server. Discord bots attach by invite, not by
// device provisioning.
func (a *Adapter) Link(ctx context.Context, deviceName string) (bridge.LinkInvite, error) {
	me, err := a.rest.Me(ctx)
	if err != nil {
		return bridge.LinkInvite{}, fmt.Errorf("resolve bot identity: %w", err)
	}
	a.mu.Lock()
	a.botUserID = me.ID
	a.mu.Unlock()

	inviteURL := "https://discord.com/oauth2/authorize?" + url.Values{
		"client_id": {me.ID},
		"scope":     {"bot"},
	}.Encode()
	invite := bridge.LinkInvite{URI: inviteURL}

	png, err := qrcode.Encode(inviteURL, qrcode.Medium, 256)
	if err != nil {
		a.logger.Warn("invite QR render failed", "error", err)
	} else {
		invite.QRCodePNG = base64.StdEncoding.EncodeToString(png)
	}
	return invite, nil
}

// LinkStatus reports whether the configured token authenticates.
func (a *Adapter) LinkStatus(ctx context.Context) (bridge.LinkState, error) {
	me, err := a.rest.Me(ctx)
	if err != nil {
		return bridge.LinkState{}, nil
	}
	return bridge.LinkState{Linked: true, AccountID: me.ID}, nil
}

// Unlink is not supported: bot membership is managed on Discord's
// side.
func (a *Adapter) Unlink(ctx context.Context) error {
	return fmt.Errorf("discord bots are removed via server settings, not unlink")
}

// channelFor resolves a conversation key to a channel id, opening a DM
// channel on demand.
func (a *Adapter) channelFor(ctx context.Context, key string) (string, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return "", fmt.Errorf("malformed conversation key %q", key)
	}
	switch kind {
	case "thread":
		return id, nil
	case "dm":
		a.mu.Lock()
		channelID, cached := a.dmChannels[id]
		a.mu.Unlock()
		if cached {
			return channelID, nil
		}
		channelID, err := a.rest.CreateDM(ctx, id)
		if err != nil {
			return "", err
		}
		a.mu.Lock()
		a.dmChannels[id] = channelID
		a.dmUsers[channelID] = id
		a.mu.Unlock()
		return channelID, nil
	default:
		return "", fmt.Errorf("malformed conversation key %q", key)
	}
}

func isMentioned(mentions []User, botID string) bool {
	for _, u := range mentions {
		if u.ID == botID {
			return true
		}
	}
	return false
}

// stripMention removes a leading @-mention of the bot so the agent
// sees clean text.
func stripMention(content, botID string) string {
	if botID == "" {
		return content
	}
	for _, form := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		if strings.HasPrefix(content, form) {
			return strings.TrimPrefix(content, form)
		}
		content = strings.ReplaceAll(content, form, "")
	}
	return content
}
