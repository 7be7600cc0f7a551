// Package configsvc is the client for the dashboard API that stores
// integration settings, allowlists, and the external-identity registry.
// The coordinator treats this service as advisory: config fetches
// degrade to a safe "disabled, empty" default on network failure so a
// transient outage never crashes startup.
package configsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/harbinger-ai/harbinger/internal/allowlist"
	"github.com/harbinger-ai/harbinger/internal/httpkit"
)

// ErrNotLinked indicates that an external sender identity has no
// registered internal user.
var ErrNotLinked = errors.New("sender identity not linked to a user")

// IntegrationConfig is the per-channel configuration record.
type IntegrationConfig struct {
	// Enabled arms the integration. Disabled integrations keep their
	// daemon only if the account is linked (receive-only mode).
	Enabled bool `json:"enabled"`
	// DefaultAgent receives conversations with no sticky binding and no
	// per-sender default.
	DefaultAgent string `json:"default_agent"`
	// Agents is the registered agent id pool, in registration order.
	Agents []string `json:"agents"`
	// StickyTTLSec is the sticky routing binding lifetime (default 3600).
	StickyTTLSec int `json:"sticky_ttl_sec"`
	// OpenDMs allows any direct-message sender (see allowlist.Policy).
	OpenDMs bool `json:"open_dms"`
	// Model overrides the agent runtime's default model. Optional.
	Model string `json:"model"`
}

// StickyTTL returns the binding lifetime as a duration.
func (c IntegrationConfig) StickyTTL() time.Duration {
	if c.StickyTTLSec <= 0 {
		return time.Hour
	}
	return time.Duration(c.StickyTTLSec) * time.Second
}

// User is a resolved internal user.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Client talks to the config service over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a config service client.
func New(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http: httpkit.NewClient(
			httpkit.WithTimeout(10*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// IntegrationConfig fetches the channel's integration settings. Network
// or decode failures return a disabled zero config, never an error:
// the coordinator falls back to Disabled mode and retries on the next
// reload.
func (c *Client) IntegrationConfig(ctx context.Context, channel string) IntegrationConfig {
	var cfg IntegrationConfig
	if err := c.getJSON(ctx, "/api/integrations/"+url.PathEscape(channel), &cfg); err != nil {
		c.logger.Warn("integration config fetch failed, using disabled default",
			"channel", channel,
			"error", err,
		)
		return IntegrationConfig{}
	}
	return cfg
}

// Allowlist fetches the channel's allowlist entries. Failures return an
// empty list, which the resolver treats as deny-everything, the safe
// direction.
func (c *Client) Allowlist(ctx context.Context, channel string) []allowlist.Entry {
	var entries []allowlist.Entry
	if err := c.getJSON(ctx, "/api/integrations/"+url.PathEscape(channel)+"/allowlist", &entries); err != nil {
		c.logger.Warn("allowlist fetch failed, using empty default",
			"channel", channel,
			"error", err,
		)
		return nil
	}
	return entries
}

// ResolveUser maps an external sender identity to an internal user.
// Unlike the config fetches this must distinguish "not linked" from
// transient failure, because the session pool surfaces the former to
// the sender and retries the latter.
func (c *Client) ResolveUser(ctx context.Context, channel, senderID string) (User, error) {
	path := fmt.Sprintf("/api/identities/%s/%s", url.PathEscape(channel), url.PathEscape(senderID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return User{}, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("resolve user: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	switch resp.StatusCode {
	case http.StatusOK:
		var u User
		if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
			return User{}, fmt.Errorf("decode user: %w", err)
		}
		return u, nil
	case http.StatusNotFound:
		return User{}, ErrNotLinked
	default:
		return User{}, fmt.Errorf("resolve user: unexpected status %d", resp.StatusCode)
	}
}

// getJSON performs an authorized GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
