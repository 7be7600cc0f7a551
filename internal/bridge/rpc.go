package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/harbinger-ai/harbinger/internal/buildinfo"
	"github.com/harbinger-ai/harbinger/internal/coord"
	"github.com/harbinger-ai/harbinger/internal/events"
)

// rpcRequestTimeout bounds one administrative request, including a lazy
// daemon spawn with its readiness probe.
const rpcRequestTimeout = 60 * time.Second

// rpcRequest is the wire shape on the request topic.
type rpcRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcReply is the wire shape on the per-request reply topic.
type rpcReply struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RPCConfig wires the control-plane handler for one channel.
type RPCConfig struct {
	PubSub      coord.PubSub
	Coordinator *Coordinator
	// LockHeld reports the singleton lock state for health responses.
	LockHeld func() bool
	// DeviceName is the name presented during a device-link handshake
	// when the request does not override it.
	DeviceName string

	Bus    *events.Bus
	Logger *slog.Logger
}

// RPCHandler services administrative requests arriving over pub/sub.
// One failing request is answered with an error string; it never takes
// down the subscriber loop.
type RPCHandler struct {
	cfg     RPCConfig
	channel string
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()
}

// NewRPCHandler creates the handler. Call Start to subscribe.
func NewRPCHandler(cfg RPCConfig) *RPCHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	channel := cfg.Coordinator.channel

	ctx, cancel := context.WithCancel(context.Background())
	return &RPCHandler{
		cfg:     cfg,
		channel: channel,
		logger:  logger.With("channel", channel),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// RequestTopic returns the channel's request topic.
func (h *RPCHandler) RequestTopic() string {
	return "harbinger/" + h.channel + "/rpc"
}

// ReplyTopic returns the reply topic for a request id.
func (h *RPCHandler) ReplyTopic(id string) string {
	return h.RequestTopic() + "/reply/" + id
}

// Start subscribes to the request topic.
func (h *RPCHandler) Start(ctx context.Context) error {
	unsub, err := h.cfg.PubSub.Subscribe(ctx, h.RequestTopic(), func(_ string, payload []byte) {
		var req rpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			h.logger.Warn("malformed rpc request dropped", "error", err)
			return
		}
		if req.ID == "" {
			h.logger.Warn("rpc request without id dropped", "method", req.Method)
			return
		}
		// Each request runs on its own goroutine so a slow daemon
		// spawn does not stall the subscriber.
		go h.serve(req)
	})
	if err != nil {
		return fmt.Errorf("subscribe rpc topic: %w", err)
	}
	h.unsub = unsub
	return nil
}

// Stop unsubscribes and cancels in-flight requests.
func (h *RPCHandler) Stop() {
	h.cancel()
	if h.unsub != nil {
		h.unsub()
	}
}

func (h *RPCHandler) serve(req rpcRequest) {
	ctx, cancel := context.WithTimeout(h.ctx, rpcRequestTimeout)
	defer cancel()

	h.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRPC,
		Kind:      events.KindRPCRequest,
		Data:      map[string]any{"method": req.Method, "id": req.ID},
	})

	result, err := h.dispatch(ctx, req)

	reply := rpcReply{ID: req.ID, Result: result}
	if err != nil {
		reply.Error = err.Error()
		h.logger.Warn("rpc request failed", "method", req.Method, "id", req.ID, "error", err)
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		h.logger.Error("rpc reply marshal failed", "id", req.ID, "error", err)
		return
	}
	if err := h.cfg.PubSub.Publish(ctx, h.ReplyTopic(req.ID), payload); err != nil {
		h.logger.Error("rpc reply publish failed", "id", req.ID, "error", err)
	}
}

func (h *RPCHandler) dispatch(ctx context.Context, req rpcRequest) (any, error) {
	switch req.Method {
	case "link":
		return h.link(ctx, req.Params)
	case "unlink":
		return h.unlink(ctx)
	case "link_status":
		return h.linkStatus(ctx)
	case "send":
		return h.send(ctx, req.Params)
	case "health":
		return h.health(), nil
	case "reload_config":
		return h.reloadConfig(ctx)
	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func (h *RPCHandler) link(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		DeviceName string `json:"device_name"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	name := p.DeviceName
	if name == "" {
		name = h.cfg.DeviceName
	}
	if name == "" {
		name = "harbinger"
	}

	if _, err := h.cfg.Coordinator.EnsureDaemon(ctx); err != nil {
		return nil, err
	}
	invite, err := h.cfg.Coordinator.adapter.Link(ctx, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"uri":    invite.URI,
		"qr_png": invite.QRCodePNG,
	}, nil
}

func (h *RPCHandler) unlink(ctx context.Context) (any, error) {
	if _, err := h.cfg.Coordinator.EnsureDaemon(ctx); err != nil {
		return nil, err
	}
	if err := h.cfg.Coordinator.adapter.Unlink(ctx); err != nil {
		return nil, err
	}
	// The account is gone; re-derive the mode (normally Disabled).
	if err := h.cfg.Coordinator.ReloadConfig(ctx); err != nil {
		h.logger.Warn("reload after unlink failed", "error", err)
	}
	return map[string]any{"unlinked": true}, nil
}

func (h *RPCHandler) linkStatus(ctx context.Context) (any, error) {
	if _, err := h.cfg.Coordinator.EnsureDaemon(ctx); err != nil {
		return nil, err
	}
	state, err := h.cfg.Coordinator.adapter.LinkStatus(ctx)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// send delivers an operator-composed message into a conversation. An
// agent id, when given, also binds the conversation so subsequent
// replies route to that agent.
func (h *RPCHandler) send(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ConversationKey string `json:"conversation_key"`
		AgentID         string `json:"agent_id"`
		Text            string `json:"text"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if p.ConversationKey == "" || p.Text == "" {
		return nil, fmt.Errorf("send requires conversation_key and text")
	}

	c := h.cfg.Coordinator
	if p.AgentID != "" {
		c.mu.Lock()
		ttl := c.ic.StickyTTL()
		c.mu.Unlock()
		if err := c.router.Bind(p.ConversationKey, p.AgentID, ttl); err != nil {
			return nil, fmt.Errorf("bind agent: %w", err)
		}
	}
	if err := c.sendFormatted(ctx, p.ConversationKey, p.Text); err != nil {
		return nil, err
	}
	return map[string]any{"sent": true}, nil
}

func (h *RPCHandler) health() any {
	c := h.cfg.Coordinator
	lockHeld := false
	if h.cfg.LockHeld != nil {
		lockHeld = h.cfg.LockHeld()
	}
	return map[string]any{
		"channel":         h.channel,
		"mode":            c.Mode().String(),
		"uptime_sec":      int(time.Since(c.started).Seconds()),
		"active_sessions": c.pool.ActiveCount(),
		"lock_held":       lockHeld,
		"build":           buildinfo.Info(),
	}
}

func (h *RPCHandler) reloadConfig(ctx context.Context) (any, error) {
	if err := h.cfg.Coordinator.ReloadConfig(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"mode": h.cfg.Coordinator.Mode().String()}, nil
}
