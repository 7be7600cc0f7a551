package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/harbinger-ai/harbinger/internal/httpkit"
)

// DefaultAPIBase is Discord's REST API root.
const DefaultAPIBase = "https://discord.com/api/v10"

// maxAttachmentBytes caps how much of one attachment the adapter will
// download.
const maxAttachmentBytes = 25 << 20

// REST is a minimal Discord REST client covering the coordinator's
// outbound needs.
type REST struct {
	base   string
	token  string
	client *http.Client
	logger *slog.Logger
}

// NewREST creates a REST client. base may be empty to use Discord's
// endpoint.
func NewREST(token, base string, logger *slog.Logger) *REST {
	if base == "" {
		base = DefaultAPIBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &REST{
		base:  base,
		token: token,
		client: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Me returns the bot's own user object.
func (r *REST) Me(ctx context.Context) (User, error) {
	var u User
	if err := r.do(ctx, http.MethodGet, "/users/@me", nil, &u); err != nil {
		return User{}, fmt.Errorf("get current user: %w", err)
	}
	return u, nil
}

// CreateMessage posts content to a channel and returns the new
// message id.
func (r *REST) CreateMessage(ctx context.Context, channelID, content string) (string, error) {
	var msg Message
	body := map[string]string{"content": content}
	if err := r.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", body, &msg); err != nil {
		return "", fmt.Errorf("create message in %s: %w", channelID, err)
	}
	return msg.ID, nil
}

// TriggerTyping shows the typing indicator in a channel. Discord
// expires it after roughly ten seconds; there is no explicit stop.
func (r *REST) TriggerTyping(ctx context.Context, channelID string) error {
	if err := r.do(ctx, http.MethodPost, "/channels/"+channelID+"/typing", nil, nil); err != nil {
		return fmt.Errorf("trigger typing in %s: %w", channelID, err)
	}
	return nil
}

// ChannelMessages fetches up to limit recent messages, newest first.
func (r *REST) ChannelMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	path := "/channels/" + channelID + "/messages?limit=" + strconv.Itoa(limit)
	var msgs []Message
	if err := r.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, fmt.Errorf("channel messages %s: %w", channelID, err)
	}
	return msgs, nil
}

// CreateDM opens (or returns the existing) DM channel with a user.
func (r *REST) CreateDM(ctx context.Context, userID string) (string, error) {
	var ch struct {
		ID string `json:"id"`
	}
	body := map[string]string{"recipient_id": userID}
	if err := r.do(ctx, http.MethodPost, "/users/@me/channels", body, &ch); err != nil {
		return "", fmt.Errorf("create dm channel for %s: %w", userID, err)
	}
	return ch.ID, nil
}

// Download fetches an attachment's bytes from its CDN URL.
func (r *REST) Download(ctx context.Context, rawURL string) ([]byte, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("parse attachment url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<16)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes))
}

func (r *REST) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.base+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<16)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
