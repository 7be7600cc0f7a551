package signalcli

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/harbinger-ai/harbinger/internal/bridge"
	"github.com/harbinger-ai/harbinger/internal/daemon"
	"github.com/harbinger-ai/harbinger/internal/identity"
	"github.com/harbinger-ai/harbinger/internal/session"
)

const (
	// historyWindow bounds the locally assembled history per
	// conversation.
	historyWindow = 200

	qrCodeSize = 256
)

// Options configures the Signal adapter.
type Options struct {
	Client *Client
	// Account is the bridged account's E.164 number.
	Account string
	// AttachmentsDir is signal-cli's attachment storage directory,
	// where inbound media lands by id.
	AttachmentsDir string
	// DefaultCountryPrefix normalizes national-format sender numbers.
	DefaultCountryPrefix string
	Logger               *slog.Logger
}

// Adapter implements the channel contract for Signal.
type Adapter struct {
	client  *Client
	daemon  *Daemon
	account string
	attDir  string
	prefix  string
	history *historyRing
	logger  *slog.Logger
}

// NewAdapter builds the Signal adapter around a prepared client.
func NewAdapter(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client:  opts.Client,
		daemon:  NewDaemon(opts.Client, logger),
		account: opts.Account,
		attDir:  opts.AttachmentsDir,
		prefix:  opts.DefaultCountryPrefix,
		history: newHistoryRing(historyWindow),
		logger:  logger,
	}
}

func (a *Adapter) Platform() string      { return "signal" }
func (a *Adapter) AccountID() string     { return a.account }
func (a *Adapter) Daemon() daemon.Daemon { return a.daemon }

// Listen translates signal-cli envelopes into the normalized shape
// until the subprocess stream ends or ctx is canceled.
func (a *Adapter) Listen(ctx context.Context, handle func(bridge.Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-a.client.Envelopes():
			if !ok {
				return fmt.Errorf("signal-cli notification stream closed")
			}
			e, ok := a.translate(env)
			if !ok {
				continue
			}
			a.history.add(e.ConversationKey, session.HistoryMessage{
				Role:      "user",
				Author:    e.SenderID,
				Text:      e.Text,
				Timestamp: e.Timestamp,
			})
			handle(e)
		}
	}
}

// translate maps one signal-cli envelope to the normalized form. The
// second return is false for envelopes the pipeline should never see.
func (a *Adapter) translate(env *envelope) (bridge.Envelope, bool) {
	dm := env.DataMessage
	if dm == nil {
		return bridge.Envelope{}, false
	}
	sender := env.SourceNumber
	if sender == "" {
		sender = env.Source
	}
	if sender == "" {
		a.logger.Debug("signal envelope with no sender, dropping")
		return bridge.Envelope{}, false
	}
	sender = identity.NormalizePhone(sender, a.prefix)
	if dm.Message == "" && len(dm.Attachments) == 0 {
		return bridge.Envelope{}, false
	}

	e := bridge.Envelope{
		ID:         strconv.FormatInt(dm.Timestamp, 10),
		SenderID:   sender,
		SenderName: env.SourceName,
		Text:       dm.Message,
		Timestamp:  time.UnixMilli(dm.Timestamp),
	}
	if dm.GroupInfo != nil {
		e.ConversationKey = "group:" + dm.GroupInfo.GroupID
		e.Mentioned = a.mentioned(dm.Mentions)
	} else {
		e.ConversationKey = "dm:" + sender
		e.IsDM = true
		e.Mentioned = true
	}

	for _, att := range dm.Attachments {
		data, err := a.readAttachment(att)
		if err != nil {
			// Degrade per attachment; the message itself still flows.
			a.logger.Warn("signal attachment unreadable, skipping",
				"id", att.ID, "error", err)
			continue
		}
		name := att.Filename
		if name == "" {
			name = att.ID
		}
		e.Attachments = append(e.Attachments, session.Attachment{
			Filename: name,
			MimeType: att.ContentType,
			Data:     data,
		})
	}
	return e, true
}

func (a *Adapter) mentioned(mentions []mention) bool {
	for _, m := range mentions {
		if m.Number == a.account {
			return true
		}
	}
	return false
}

func (a *Adapter) readAttachment(att attachment) ([]byte, error) {
	if a.attDir == "" {
		return nil, fmt.Errorf("no attachments directory configured")
	}
	// Attachment ids come from the wire; never let one traverse out of
	// the storage directory.
	name := filepath.Base(att.ID)
	return os.ReadFile(filepath.Join(a.attDir, name))
}

// SendText delivers text to a conversation and records it in the local
// history window.
func (a *Adapter) SendText(ctx context.Context, conversationKey, text string) error {
	kind, id, err := splitKey(conversationKey)
	if err != nil {
		return err
	}
	if kind == "group" {
		_, err = a.client.SendGroup(ctx, id, text)
	} else {
		_, err = a.client.Send(ctx, id, text)
	}
	if err != nil {
		return err
	}
	a.history.add(conversationKey, session.HistoryMessage{
		Role:      "assistant",
		Author:    a.account,
		Text:      text,
		Timestamp: time.Now(),
	})
	return nil
}

func (a *Adapter) SendTyping(ctx context.Context, conversationKey string, stop bool) error {
	kind, id, err := splitKey(conversationKey)
	if err != nil {
		return err
	}
	if kind == "group" {
		return a.client.SendTyping(ctx, "", id, stop)
	}
	return a.client.SendTyping(ctx, id, "", stop)
}

func (a *Adapter) SendReceipt(ctx context.Context, env bridge.Envelope) error {
	ts, err := strconv.ParseInt(env.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse receipt timestamp %q: %w", env.ID, err)
	}
	return a.client.SendReceipt(ctx, env.SenderID, ts)
}

// FetchHistory returns the locally observed window for the
// conversation, newest last.
func (a *Adapter) FetchHistory(ctx context.Context, conversationKey string, limit int) ([]session.HistoryMessage, error) {
	return a.history.recent(conversationKey, limit), nil
}

// Link starts a device-link handshake. The provisioning URI is
// returned immediately (with a QR rendering); completion runs in the
// background because it blocks until the user scans.
func (a *Adapter) Link(ctx context.Context, deviceName string) (bridge.LinkInvite, error) {
	uri, err := a.client.StartLink(ctx)
	if err != nil {
		return bridge.LinkInvite{}, err
	}
	invite := bridge.LinkInvite{URI: uri}

	png, err := qrcode.Encode(uri, qrcode.Medium, qrCodeSize)
	if err != nil {
		a.logger.Warn("link QR render failed", "error", err)
	} else {
		invite.QRCodePNG = base64.StdEncoding.EncodeToString(png)
	}

	go func() {
		finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := a.client.FinishLink(finishCtx, uri, deviceName); err != nil {
			a.logger.Error("device link did not complete", "error", err)
			return
		}
		a.logger.Info("device link completed", "device", deviceName)
	}()
	return invite, nil
}

func (a *Adapter) LinkStatus(ctx context.Context) (bridge.LinkState, error) {
	numbers, err := a.client.ListAccounts(ctx)
	if err != nil {
		return bridge.LinkState{}, err
	}
	for _, n := range numbers {
		if n == a.account {
			return bridge.LinkState{Linked: true, AccountID: n}, nil
		}
	}
	return bridge.LinkState{}, nil
}

func (a *Adapter) Unlink(ctx context.Context) error {
	return a.client.DeleteAccountData(ctx)
}

// splitKey parses "dm:<number>" or "group:<id>".
func splitKey(key string) (kind, id string, err error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" || (kind != "dm" && kind != "group") {
		return "", "", fmt.Errorf("malformed conversation key %q", key)
	}
	return kind, id, nil
}
