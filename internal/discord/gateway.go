// Package discord bridges Discord through the Gateway websocket for
// inbound events and the REST API for everything outbound.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultGatewayURL is Discord's Gateway endpoint.
	DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	// Gateway opcodes.
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11

	// Gateway intents.
	intentGuildMessages  = 1 << 9
	intentDirectMessages = 1 << 12
	intentMessageContent = 1 << 15
)

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int            `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string            `json:"token"`
	Intents    int               `json:"intents"`
	Properties map[string]string `json:"properties"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
}

type readyData struct {
	SessionID string `json:"session_id"`
	User      User   `json:"user"`
}

// User is a Discord user object, reduced to what the adapter needs.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// Message is a Discord message as delivered by MESSAGE_CREATE and the
// channel-messages REST endpoint.
type Message struct {
	ID          string           `json:"id"`
	ChannelID   string           `json:"channel_id"`
	GuildID     string           `json:"guild_id,omitempty"`
	Author      User             `json:"author"`
	Content     string           `json:"content"`
	Timestamp   time.Time        `json:"timestamp"`
	Mentions    []User           `json:"mentions,omitempty"`
	Member      *Member          `json:"member,omitempty"`
	Attachments []FileAttachment `json:"attachments,omitempty"`
}

// Member carries the guild-scoped part of a message author.
type Member struct {
	Roles []string `json:"roles"`
}

// FileAttachment is an uploaded file on a message.
type FileAttachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

// Gateway maintains one Discord Gateway connection. Run performs a
// single connect/identify/read lifecycle and returns when it drops;
// the caller owns reconnect policy. Session id and sequence survive
// across Run calls so a reconnect resumes instead of re-identifying
// when Discord permits it.
type Gateway struct {
	token  string
	url    string
	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	seq       int
	botUser   User
}

// NewGateway prepares a gateway for the given bot token. url may be
// empty to use Discord's endpoint.
func NewGateway(token, url string, logger *slog.Logger) *Gateway {
	if url == "" {
		url = DefaultGatewayURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{token: token, url: url, logger: logger}
}

// BotUser returns the identity learned from the READY event.
func (g *Gateway) BotUser() User {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.botUser
}

// Run connects, identifies (or resumes), and delivers MESSAGE_CREATE
// events to onMessage until the connection drops or ctx is canceled.
func (g *Gateway) Run(ctx context.Context, onMessage func(Message)) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	// Writes come from both the read loop and the heartbeat goroutine.
	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello (op %d), got op %d", opHello, hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil {
		return fmt.Errorf("unmarshal hello: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go g.heartbeatLoop(hbCtx, writeJSON, time.Duration(hd.HeartbeatInterval)*time.Millisecond)

	g.mu.Lock()
	sessionID, seq := g.sessionID, g.seq
	g.mu.Unlock()
	if sessionID != "" {
		d, _ := json.Marshal(resumeData{Token: g.token, SessionID: sessionID, Seq: seq})
		err = writeJSON(gatewayPayload{Op: opResume, D: d})
	} else {
		d, _ := json.Marshal(identifyData{
			Token:   g.token,
			Intents: intentGuildMessages | intentDirectMessages | intentMessageContent,
			Properties: map[string]string{
				"os": "linux", "browser": "harbinger", "device": "harbinger",
			},
		})
		err = writeJSON(gatewayPayload{Op: opIdentify, D: d})
	}
	if err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	// Unblock the blocking read when ctx is canceled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var payload gatewayPayload
		if err := conn.ReadJSON(&payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("gateway read: %w", err)
		}

		if payload.S != nil {
			g.mu.Lock()
			g.seq = *payload.S
			g.mu.Unlock()
		}

		switch payload.Op {
		case opDispatch:
			g.handleDispatch(payload, onMessage)
		case opHeartbeat:
			g.sendHeartbeat(writeJSON)
		case opReconnect:
			g.logger.Info("discord gateway requested reconnect")
			return fmt.Errorf("gateway requested reconnect")
		case opInvalidSession:
			g.logger.Warn("discord session invalidated")
			g.mu.Lock()
			g.sessionID = ""
			g.mu.Unlock()
			return fmt.Errorf("gateway session invalidated")
		case opHeartbeatAck:
			// healthy
		}
	}
}

func (g *Gateway) handleDispatch(payload gatewayPayload, onMessage func(Message)) {
	switch payload.T {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(payload.D, &ready); err != nil {
			g.logger.Warn("malformed READY payload", "error", err)
			return
		}
		g.mu.Lock()
		g.sessionID = ready.SessionID
		g.botUser = ready.User
		g.mu.Unlock()
		g.logger.Info("discord gateway ready", "user", ready.User.Username, "id", ready.User.ID)

	case "RESUMED":
		g.logger.Info("discord session resumed")

	case "MESSAGE_CREATE":
		var msg Message
		if err := json.Unmarshal(payload.D, &msg); err != nil {
			g.logger.Warn("malformed MESSAGE_CREATE payload", "error", err)
			return
		}
		onMessage(msg)
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, write func(any) error, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.sendHeartbeat(write); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) sendHeartbeat(write func(any) error) error {
	g.mu.Lock()
	seq := g.seq
	g.mu.Unlock()
	d, _ := json.Marshal(seq)
	return write(gatewayPayload{Op: opHeartbeat, D: d})
}
