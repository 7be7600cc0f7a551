package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harbinger-ai/harbinger/internal/allowlist"
	"github.com/harbinger-ai/harbinger/internal/configsvc"
	"github.com/harbinger-ai/harbinger/internal/daemon"
	"github.com/harbinger-ai/harbinger/internal/events"
	"github.com/harbinger-ai/harbinger/internal/format"
	"github.com/harbinger-ai/harbinger/internal/route"
	"github.com/harbinger-ai/harbinger/internal/session"
	"github.com/harbinger-ai/harbinger/internal/storage"
	"github.com/harbinger-ai/harbinger/internal/typing"
)

// reconnectDelay is the fixed wait between event-stream reconnects.
// The daemon is local, so blips are short; no backoff ceiling.
const reconnectDelay = 3 * time.Second

// ConfigSource provides integration settings, allowlists, and identity
// resolution. *configsvc.Client satisfies it.
type ConfigSource interface {
	IntegrationConfig(ctx context.Context, channel string) configsvc.IntegrationConfig
	Allowlist(ctx context.Context, channel string) []allowlist.Entry
	ResolveUser(ctx context.Context, channel, senderID string) (configsvc.User, error)
}

// Config wires one channel coordinator.
type Config struct {
	Adapter Adapter
	Runner  session.Runner
	Configs ConfigSource
	// StickyStore persists conversation→agent bindings.
	StickyStore *route.StickyStore
	Supervisor  *daemon.Supervisor
	// Upload sends an attachment to the storage collaborator. Nil when
	// no storage is configured; attachments are then dropped.
	Upload func(ctx context.Context, a session.Attachment) (storage.Object, error)

	// Target selects the outbound text encoding for this platform.
	Target format.Target
	// DefaultModel is the agent runtime's model unless the integration
	// overrides it.
	DefaultModel string
	// SendReadReceipts acknowledges inbound messages when true.
	SendReadReceipts bool
	// RateLimit is messages per sender per minute; 0 = unlimited.
	RateLimit int

	Bus    *events.Bus
	Logger *slog.Logger
}

// Coordinator runs one channel integration end to end: mode state
// machine, daemon supervision, the inbound event loop, and the message
// pipeline from allowlist check to session delivery.
type Coordinator struct {
	cfg     Config
	channel string
	logger  *slog.Logger

	adapter Adapter
	router  *route.Router
	pool    *session.Pool
	typing  *typing.Manager
	rate    *rateLimiter

	started time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// reconnect is overridable in tests.
	reconnect time.Duration

	// spawnMu serializes daemon spawn attempts. It is held across the
	// whole spawn and readiness probe so concurrent callers cannot each
	// start a process; it must never be taken while holding mu.
	spawnMu sync.Mutex

	mu         sync.Mutex
	mode       Mode
	handle     *daemon.Handle
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	ic         configsvc.IntegrationConfig
	entries    []allowlist.Entry
}

// New builds a coordinator and its session pool. The pool registers
// its hook set with the runner, so New fails if the runner is not
// reachable.
func New(cfg Config) (*Coordinator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("channel", cfg.Adapter.Platform())

	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cfg:       cfg,
		channel:   cfg.Adapter.Platform(),
		logger:    logger,
		adapter:   cfg.Adapter,
		rate:      newRateLimiter(cfg.RateLimit),
		started:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		reconnect: reconnectDelay,
	}

	c.typing = typing.NewManager(cfg.Adapter.SendTyping, logger)

	c.router = route.NewRouter(route.Config{
		Store:  cfg.StickyStore,
		Status: c.statusText,
		Logger: logger,
	})

	pool, err := session.NewPool(session.Config{
		Platform: c.channel,
		Runner:   cfg.Runner,
		Model:    cfg.DefaultModel,
		ResolveIdentity: func(ctx context.Context, senderID string) (configsvc.User, error) {
			return cfg.Configs.ResolveUser(ctx, c.channel, senderID)
		},
		FetchHistory: cfg.Adapter.FetchHistory,
		Upload:       cfg.Upload,
		Reply:        c.sendFormatted,
		OnOutput:     c.onAgentOutput,
		OnToolStart:  func(key string) { c.typing.Refresh(key) },
		OnToolEnd:    func(key string) { c.typing.Refresh(key) },
		OnStepEnd:    func(key string) { c.typing.Stop(key) },
		Bus:          cfg.Bus,
		Logger:       logger,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build session pool: %w", err)
	}
	c.pool = pool

	return c, nil
}

// Start performs the initial config fetch and mode transition. Startup
// failures are non-fatal: the coordinator logs, stays in Disabled, and
// retries on the next reload.
func (c *Coordinator) Start(ctx context.Context) {
	if err := c.ReloadConfig(ctx); err != nil {
		c.logger.Warn("initial config apply failed, staying disabled", "error", err)
	}
}

// Stop shuts the coordinator down: event loop first, then typing, the
// session pool's hooks, and finally the daemon.
func (c *Coordinator) Stop() {
	c.cancel()

	c.mu.Lock()
	c.stopFullModeLocked()
	handle := c.handle
	c.handle = nil
	c.mode = ModeDisabled
	c.mu.Unlock()

	c.typing.StopAll()
	c.pool.Close()
	c.cfg.Supervisor.Shutdown(handle)
}

// Mode reports the current operating mode.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Pool exposes the session pool for administrative operations.
func (c *Coordinator) Pool() *session.Pool { return c.pool }

// Router exposes the conversation router for administrative bindings.
func (c *Coordinator) Router() *route.Router { return c.router }

// ReloadConfig refetches the integration settings and allowlist, probes
// the account link state, and drives the mode state machine to the
// resulting target.
func (c *Coordinator) ReloadConfig(ctx context.Context) error {
	ic := c.cfg.Configs.IntegrationConfig(ctx, c.channel)
	entries := c.cfg.Configs.Allowlist(ctx, c.channel)

	c.mu.Lock()
	c.ic = ic
	c.entries = entries
	c.mu.Unlock()

	// The integration may override the runtime's default model; a
	// cleared override falls back to the default.
	model := ic.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	c.pool.SetModel(model)

	// Link status needs a live daemon on platforms with a local
	// process. A readiness failure forces Disabled.
	if _, err := c.EnsureDaemon(ctx); err != nil {
		c.logger.Warn("daemon unavailable, falling back to disabled", "error", err)
		c.applyMode(ModeDisabled)
		return err
	}

	linked := false
	if state, err := c.adapter.LinkStatus(ctx); err != nil {
		c.logger.Warn("link status probe failed, treating as unlinked", "error", err)
	} else {
		linked = state.Linked
	}

	target := ModeFor(ic.Enabled, linked)
	c.applyMode(target)
	return nil
}

// EnsureDaemon lazily spawns and readiness-probes the adapter's daemon.
// It exists apart from the mode machine so an administrative link
// request can bring the process up while the integration is still
// logically disabled. Platforms without a local process always succeed.
func (c *Coordinator) EnsureDaemon(ctx context.Context) (*daemon.Handle, error) {
	c.spawnMu.Lock()
	defer c.spawnMu.Unlock()

	// Re-check under the spawn guard: a concurrent caller may have
	// finished the spawn while this one waited.
	c.mu.Lock()
	if c.handle != nil {
		h := c.handle
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	d := c.adapter.Daemon()
	if d == nil {
		return nil, nil
	}

	h, err := c.cfg.Supervisor.Spawn(ctx, d, c.adapter.AccountID(), c.onDaemonExit)
	if err != nil {
		return nil, err
	}
	if err := c.cfg.Supervisor.WaitReady(ctx, h); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()

	c.logger.Info("daemon ready", "account", h.Account())
	return h, nil
}

// onDaemonExit runs when the supervised daemon dies outside an
// intentional stop. The handle is cleared so the next reload or link
// request respawns it.
func (c *Coordinator) onDaemonExit(err error) {
	c.mu.Lock()
	if c.handle == nil {
		// Intentional stop already cleared the handle.
		c.mu.Unlock()
		return
	}
	c.handle = nil
	c.stopFullModeLocked()
	c.mode = ModeDisabled
	c.mu.Unlock()

	c.publish(events.KindDaemonExited, map[string]any{"error": errString(err)})
}

// applyMode drives the transition to target. Full→ReceiveOnly stops
// exactly the event loop and typing manager; ReceiveOnly→Full attaches
// them without touching the daemon; Full→Full only refreshes router
// configuration (which is read live from the last reload snapshot, so
// there is nothing to do beyond logging).
func (c *Coordinator) applyMode(target Mode) {
	c.mu.Lock()
	current := c.mode
	changed := target != current

	if changed {
		if current == ModeFull {
			c.stopFullModeLocked()
		}
		if target == ModeFull {
			c.startFullModeLocked()
		}
		c.mode = target
	}

	// A daemon spawned just to probe link state must not outlive a
	// Disabled target, even when the mode did not change.
	var handle *daemon.Handle
	if target == ModeDisabled {
		handle = c.handle
		c.handle = nil
	}
	c.mu.Unlock()

	if target != ModeFull {
		c.typing.StopAll()
	}
	if handle != nil {
		if err := handle.Daemon().Stop(); err != nil {
			c.logger.Warn("daemon stop failed", "error", err)
		}
	}

	if !changed {
		if target == ModeFull {
			c.logger.Debug("config refreshed in place")
		}
		return
	}

	c.logger.Info("mode changed", "from", current.String(), "to", target.String())
	c.publish(events.KindModeChanged, map[string]any{
		"from": current.String(),
		"to":   target.String(),
	})
}

// startFullModeLocked arms the event loop. Must be called with c.mu
// held.
func (c *Coordinator) startFullModeLocked() {
	loopCtx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.loopCancel = cancel
	c.loopDone = done
	go c.runEventLoop(loopCtx, done)
}

// stopFullModeLocked cancels the event loop and waits for it to drain.
// The daemon and its account registration are left untouched. Must be
// called with c.mu held; safe when no loop is running.
func (c *Coordinator) stopFullModeLocked() {
	if c.loopCancel == nil {
		return
	}
	c.loopCancel()
	done := c.loopDone
	c.loopCancel = nil
	c.loopDone = nil

	// Release the lock while waiting: the loop's handler may be
	// blocked on it.
	c.mu.Unlock()
	<-done
	c.mu.Lock()
}

// runEventLoop keeps the inbound subscription open until its context
// fires. Stream errors trigger a fixed short delay and an unconditional
// reconnect.
func (c *Coordinator) runEventLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		err := c.adapter.Listen(ctx, c.handleEnvelope)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("event stream failed, reconnecting",
				"delay", c.reconnect.String(),
				"error", err,
			)
		} else {
			c.logger.Info("event stream ended, reconnecting", "delay", c.reconnect.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnect):
		}
	}
}

// handleEnvelope runs one inbound message through the pipeline: group
// mention gate, rate limit, read receipt, allowlist, built-in commands,
// routing, then session delivery.
func (c *Coordinator) handleEnvelope(env Envelope) {
	if !env.IsDM && !env.Mentioned {
		return
	}

	if !c.rate.Allow(env.SenderID) {
		c.logger.Warn("message rate-limited", "sender", env.SenderID)
		return
	}

	c.mu.Lock()
	ic := c.ic
	entries := c.entries
	c.mu.Unlock()

	if c.cfg.SendReadReceipts {
		if err := c.adapter.SendReceipt(c.ctx, env); err != nil {
			c.logger.Debug("read receipt failed", "error", err)
		}
	}

	decision := allowlist.Resolve(env.SenderID, env.RoleIDs, env.IsDM, entries, allowlist.Policy{
		OpenDMs: ic.OpenDMs,
	})
	if !decision.Allowed {
		c.logger.Warn("sender denied by allowlist", "sender", env.SenderID)
		c.publish(events.KindMessageDenied, map[string]any{"sender": env.SenderID})
		return
	}

	c.publish(events.KindMessageReceived, map[string]any{
		"sender":       env.SenderID,
		"conversation": env.ConversationKey,
		"match":        decision.MatchSource,
	})

	defaults := route.Defaults{
		SenderAgent:      decision.DefaultAgent,
		IntegrationAgent: ic.DefaultAgent,
		Agents:           ic.Agents,
		StickyTTL:        ic.StickyTTL(),
	}

	if handled, resp := c.router.HandleCommand(env.ConversationKey, env.Text, defaults); handled {
		if err := c.sendFormatted(c.ctx, env.ConversationKey, resp); err != nil {
			c.logger.Error("command response send failed", "error", err)
		}
		return
	}

	routed, err := c.router.Route(env.ConversationKey, defaults)
	if err != nil {
		c.logger.Error("routing failed", "conversation", env.ConversationKey, "error", err)
		if err := c.sendFormatted(c.ctx, env.ConversationKey, "No agent is configured for this channel yet."); err != nil {
			c.logger.Error("routing failure reply failed", "error", err)
		}
		return
	}

	c.typing.Start(c.ctx, env.ConversationKey)

	_, err = c.pool.SendMessage(c.ctx, routed.AgentID, env.ConversationKey, session.Inbound{
		SenderID:    env.SenderID,
		Text:        env.Text,
		ReplyToID:   env.ID,
		IsDM:        env.IsDM,
		Attachments: env.Attachments,
	})
	if err != nil {
		c.typing.Stop(env.ConversationKey)
		c.logger.Error("session delivery failed",
			"conversation", env.ConversationKey,
			"agent", routed.AgentID,
			"error", err,
		)
	}
}

// onAgentOutput delivers one streamed agent reply: stop the typing
// indicator, render for the platform, and send each chunk in order.
func (c *Coordinator) onAgentOutput(key, text string) {
	c.typing.Stop(key)
	for _, chunk := range format.Render(text, c.cfg.Target) {
		if err := c.adapter.SendText(c.ctx, key, chunk); err != nil {
			c.logger.Error("outbound send failed", "conversation", key, "error", err)
			return
		}
	}
}

// sendFormatted renders and sends a coordinator-authored message (an
// apology, a command response) to a conversation.
func (c *Coordinator) sendFormatted(ctx context.Context, key, text string) error {
	for _, chunk := range format.Render(text, c.cfg.Target) {
		if err := c.adapter.SendText(ctx, key, chunk); err != nil {
			return err
		}
	}
	return nil
}

// statusText renders the /status command response.
func (c *Coordinator) statusText() string {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()

	return fmt.Sprintf("mode: %s\nuptime: %s\nactive sessions: %d",
		mode.String(),
		time.Since(c.started).Round(time.Second).String(),
		c.pool.ActiveCount(),
	)
}

func (c *Coordinator) publish(kind string, data map[string]any) {
	c.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceCoordinator,
		Kind:      kind,
		Data:      data,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
