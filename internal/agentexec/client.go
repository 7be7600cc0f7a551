// Package agentexec is the websocket client for the agent execution
// service. One connection multiplexes request/response calls
// (correlated by message id) with server-pushed session events that
// are fanned out to registered hook sets.
package agentexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harbinger-ai/harbinger/internal/session"
)

const (
	// requestTimeout bounds a single request/response exchange.
	requestTimeout = 30 * time.Second

	readBufferSize  = 64 * 1024
	writeBufferSize = 64 * 1024
)

// wireMessage is the generic frame format, both directions.
type wireMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Event   *sessionEvent   `json:"event,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sessionEvent is a server-pushed notification about a running session.
type sessionEvent struct {
	Kind      string `json:"kind"` // output, tool_start, tool_end, step_end
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
	Tool      string `json:"tool,omitempty"`
}

type wireResponse struct {
	Success bool
	Result  json.RawMessage
	Error   *wireError
}

// Client talks to the agent execution service. It satisfies
// session.Runner.
type Client struct {
	baseURL string
	token   string

	conn   *websocket.Conn
	connMu sync.Mutex
	msgID  atomic.Int64

	pending   map[int64]chan wireResponse
	pendingMu sync.Mutex

	hooks   map[int64]session.Hooks
	hookID  atomic.Int64
	hooksMu sync.Mutex

	logger *slog.Logger
}

// NewClient creates a client for the execution service at baseURL
// (http(s) or ws(s) scheme, converted as needed).
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		pending: make(map[int64]chan wireResponse),
		hooks:   make(map[int64]session.Hooks),
		logger:  logger,
	}
}

// Connect dials the websocket endpoint and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	c.conn = conn
	c.logger.Info("connected to execution service", "url", u.String())

	go c.readLoop(conn)
	return nil
}

// Reconnect closes any existing connection and re-establishes it.
// Safe to call from any goroutine.
func (c *Client) Reconnect(ctx context.Context) error {
	c.logger.Info("reconnecting to execution service")
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	return c.Connect(ctx)
}

// Close closes the connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// StartSession creates an execution session, optionally seeded with
// assembled history.
func (c *Client) StartSession(ctx context.Context, req session.StartRequest) error {
	payload := map[string]any{
		"session_id": req.SessionID,
		"agent_id":   req.AgentID,
	}
	if req.Model != "" {
		payload["model"] = req.Model
	}
	if len(req.SeedHistory) > 0 {
		payload["seed_history"] = req.SeedHistory
	}
	_, err := c.call(ctx, "session/start", payload)
	if err != nil {
		return fmt.Errorf("start session %s: %w", req.SessionID, err)
	}
	return nil
}

// SendMessage forwards one message into a running session.
func (c *Client) SendMessage(ctx context.Context, req session.SendRequest) error {
	payload := map[string]any{
		"session_id": req.SessionID,
		"text":       req.Text,
	}
	if req.Model != "" {
		payload["model"] = req.Model
	}
	if req.ReplyToID != "" {
		payload["reply_to_id"] = req.ReplyToID
	}
	if len(req.Attachments) > 0 {
		payload["attachments"] = req.Attachments
	}
	_, err := c.call(ctx, "session/message", payload)
	if err != nil {
		return fmt.Errorf("send to session %s: %w", req.SessionID, err)
	}
	return nil
}

// StopSession terminates a session.
func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, "session/stop", map[string]any{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("stop session %s: %w", sessionID, err)
	}
	return nil
}

// IsSessionActive asks the service whether a session is still running.
func (c *Client) IsSessionActive(ctx context.Context, sessionID string) (bool, error) {
	result, err := c.call(ctx, "session/status", map[string]any{"session_id": sessionID})
	if err != nil {
		return false, fmt.Errorf("session status %s: %w", sessionID, err)
	}
	var status struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(result, &status); err != nil {
		return false, fmt.Errorf("unmarshal session status: %w", err)
	}
	return status.Active, nil
}

// RegisterHooks adds a hook set for server-pushed session events. The
// returned disposer removes it; after the disposer returns the hook
// set receives no further events.
func (c *Client) RegisterHooks(h session.Hooks) (func(), error) {
	id := c.hookID.Add(1)
	c.hooksMu.Lock()
	c.hooks[id] = h
	c.hooksMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.hooksMu.Lock()
			delete(c.hooks, id)
			c.hooksMu.Unlock()
		})
	}, nil
}

// call sends one request frame and waits for its correlated response.
func (c *Client) call(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	id := c.msgID.Add(1)

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := wireMessage{ID: id, Type: msgType, Payload: raw}

	respCh := make(chan wireResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	conn := c.conn
	if conn == nil {
		c.connMu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	err = conn.WriteJSON(msg)
	c.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", msgType, err)
	}

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("%s failed", msgType)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("timeout waiting for %s response", msgType)
	}
}

// readLoop reads frames until the connection dies. Responses are
// routed to their pending caller; events fan out to every registered
// hook set.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("execution service connection closed")
				return
			}
			c.logger.Error("execution service read error", "error", err)
			return
		}

		switch msg.Type {
		case "result":
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- wireResponse{Success: msg.Success, Result: msg.Result, Error: msg.Error}
			}
			c.pendingMu.Unlock()

		case "event":
			if msg.Event != nil {
				c.dispatchEvent(*msg.Event)
			}

		case "pong":
			// keepalive, ignore

		default:
			c.logger.Debug("unhandled frame type", "type", msg.Type)
		}
	}
}

func (c *Client) dispatchEvent(ev sessionEvent) {
	c.hooksMu.Lock()
	sets := make([]session.Hooks, 0, len(c.hooks))
	for _, h := range c.hooks {
		sets = append(sets, h)
	}
	c.hooksMu.Unlock()

	for _, h := range sets {
		switch ev.Kind {
		case "output":
			if h.OnOutput != nil {
				h.OnOutput(ev.SessionID, ev.Text)
			}
		case "tool_start":
			if h.OnToolStart != nil {
				h.OnToolStart(ev.SessionID, ev.Tool)
			}
		case "tool_end":
			if h.OnToolEnd != nil {
				h.OnToolEnd(ev.SessionID, ev.Tool)
			}
		case "step_end":
			if h.OnStepEnd != nil {
				h.OnStepEnd(ev.SessionID)
			}
		default:
			c.logger.Debug("unknown session event kind", "kind", ev.Kind)
		}
	}
}
