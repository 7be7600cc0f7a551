package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harbinger-ai/harbinger/internal/configsvc"
	"github.com/harbinger-ai/harbinger/internal/events"
	"github.com/harbinger-ai/harbinger/internal/identity"
	"github.com/harbinger-ai/harbinger/internal/storage"
)

// Default pool timing. DMs get a longer idle grace period than
// group/thread conversations because they are lower-volume and more
// likely to resume.
const (
	DefaultDMIdleTimeout     = 20 * time.Minute
	DefaultThreadIdleTimeout = 10 * time.Minute
	DefaultReplyTimeout      = 120 * time.Second

	// HistoryLimit bounds the platform history assembled for a cold
	// start.
	HistoryLimit = 100
)

// User-visible replies for per-message failures. These go back through
// the chat channel, never out of the pipeline as errors.
const (
	replyNotLinked = "Your account isn't linked yet. Link it from the dashboard and send your message again."
	replyColdStart = "Sorry, something went wrong starting this conversation. Please try again."
	replyForward   = "Sorry, your message couldn't be delivered to the agent. Please try again."
	replyTimeout   = "Sorry, the agent is taking too long to respond. Please try again later."
)

type entryState int

const (
	stateReserved entryState = iota
	stateStarting
	stateActive
	stateTearingDown
)

// pendingMsg is a message awaiting delivery into a session. It keeps
// the raw platform attachments; forward uploads them right before the
// send so nothing reaches storage until the session exists.
type pendingMsg struct {
	text        string
	replyToID   string
	attachments []Attachment
}

type entry struct {
	key       string
	agentID   string
	sessionID string
	isDM      bool
	state     entryState

	idle       *time.Timer
	replyTimer *time.Timer
	pending    []pendingMsg
}

// Inbound is one platform message handed to the pool after allowlist
// and routing checks.
type Inbound struct {
	SenderID    string
	Text        string
	ReplyToID   string
	IsDM        bool
	Attachments []Attachment
}

// Config wires the pool's collaborators. Runner is required; the
// remaining function fields may be nil when the capability is absent
// (e.g. no storage collaborator configured).
type Config struct {
	Platform string
	Runner   Runner
	Model    string

	// ResolveIdentity maps an external sender id to an internal user.
	// It returns configsvc.ErrNotLinked when no link exists.
	ResolveIdentity func(ctx context.Context, senderID string) (configsvc.User, error)
	// FetchHistory assembles recent platform history for a conversation.
	FetchHistory func(ctx context.Context, key string, limit int) ([]HistoryMessage, error)
	// Upload sends one attachment to the storage collaborator.
	Upload func(ctx context.Context, a Attachment) (storage.Object, error)
	// Reply delivers a user-visible message back to the conversation.
	Reply func(ctx context.Context, key, text string) error
	// PreTeardown runs just before a session is stopped. Failures are
	// logged and teardown proceeds.
	PreTeardown func(ctx context.Context, sessionID string) error

	// Streamed session events, demuxed from session id to conversation
	// key. All optional.
	OnOutput    func(key, text string)
	OnToolStart func(key string)
	OnToolEnd   func(key string)
	OnStepEnd   func(key string)

	DMIdleTimeout     time.Duration
	ThreadIdleTimeout time.Duration
	ReplyTimeout      time.Duration

	Bus    *events.Bus
	Logger *slog.Logger
}

// Pool maps conversation keys to live execution sessions.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	model    string            // current model, reload can change it
	entries  map[string]*entry // conversation key → entry
	sessions map[string]string // session id → conversation key

	unhook func()
}

// NewPool creates the pool and registers its hook set with the runner.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Runner == nil {
		return nil, errors.New("session: runner is required")
	}
	if cfg.DMIdleTimeout <= 0 {
		cfg.DMIdleTimeout = DefaultDMIdleTimeout
	}
	if cfg.ThreadIdleTimeout <= 0 {
		cfg.ThreadIdleTimeout = DefaultThreadIdleTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		model:    cfg.Model,
		entries:  make(map[string]*entry),
		sessions: make(map[string]string),
	}

	unhook, err := cfg.Runner.RegisterHooks(Hooks{
		OnOutput:    p.handleOutput,
		OnToolStart: p.handleToolStart,
		OnToolEnd:   p.handleToolEnd,
		OnStepEnd:   p.handleStepEnd,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("register hooks: %w", err)
	}
	p.unhook = unhook
	return p, nil
}

// SetModel applies a model override from an integration config reload.
// New session starts and forwards pick it up; sessions already running
// keep whatever the runtime gave them. Empty input is ignored so a
// config without an override keeps the constructed default.
func (p *Pool) SetModel(model string) {
	if model == "" {
		return
	}
	p.mu.Lock()
	p.model = model
	p.mu.Unlock()
}

func (p *Pool) currentModel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model
}

// SendMessage delivers a message to the conversation's session,
// cold-starting one if needed. It returns the session id immediately;
// cold-start work continues asynchronously.
func (p *Pool) SendMessage(ctx context.Context, agentID, key string, msg Inbound) (string, error) {
	p.mu.Lock()

	if e, ok := p.entries[key]; ok && e.state != stateTearingDown {
		if e.agentID != agentID {
			// The router rebound the conversation; retire the old
			// session and re-run the lookup under the new agent.
			p.logger.Info("agent changed, recycling session",
				"conversation", key, "from", e.agentID, "to", agentID)
			e.idle.Stop()
			p.removeLocked(e)
			p.mu.Unlock()
			p.teardown(e, "agent_switch")
			return p.SendMessage(ctx, agentID, key, msg)
		}
		switch e.state {
		case stateReserved, stateStarting:
			// Cold start in flight, queue behind it.
			e.pending = append(e.pending, pendingMsg{text: msg.Text, replyToID: msg.ReplyToID, attachments: msg.Attachments})
			sid := e.sessionID
			p.mu.Unlock()
			return sid, nil
		case stateActive:
			e.resetIdle(p.idleTimeout(e))
			sid := e.sessionID
			p.mu.Unlock()

			// The runtime may have dropped the session server-side
			// (restart, eviction). A dead session gets recycled into a
			// fresh cold start instead of swallowing messages until
			// the idle timer fires.
			alive, err := p.cfg.Runner.IsSessionActive(ctx, sid)
			if err != nil {
				p.logger.Warn("session liveness check failed, assuming alive",
					"conversation", key, "session", sid, "error", err)
				alive = true
			}
			if !alive {
				p.logger.Info("session no longer active, recycling",
					"conversation", key, "session", sid)
				p.mu.Lock()
				if cur, ok := p.entries[key]; ok && cur == e && e.state == stateActive {
					e.idle.Stop()
					p.removeLocked(e)
				}
				p.mu.Unlock()
				return p.SendMessage(ctx, agentID, key, msg)
			}
			return sid, p.forward(ctx, e, pendingMsg{text: msg.Text, replyToID: msg.ReplyToID, attachments: msg.Attachments})
		}
	}

	// Reserve before any network work so a concurrent message for the
	// same conversation sees the entry and queues instead of racing
	// into a second session.
	e := &entry{
		key:       key,
		agentID:   agentID,
		sessionID: newSessionID(p.cfg.Platform, key),
		isDM:      msg.IsDM,
		state:     stateReserved,
	}
	e.idle = time.AfterFunc(p.idleTimeout(e), func() { p.idleExpired(e) })
	p.entries[key] = e
	p.sessions[e.sessionID] = key
	p.mu.Unlock()

	go p.coldStart(e, msg)
	return e.sessionID, nil
}

// Stop tears down the conversation's session on administrative
// request. The idle timer is canceled first so the timer callback and
// this path cannot both run teardown.
func (p *Pool) Stop(key string) error {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok || e.state == stateTearingDown {
		p.mu.Unlock()
		return nil
	}
	e.idle.Stop()
	p.removeLocked(e)
	p.mu.Unlock()

	p.teardown(e, "explicit_stop")
	return nil
}

// StopAll tears down every live session. Used at shutdown.
func (p *Pool) StopAll() {
	p.mu.Lock()
	all := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.state == stateTearingDown {
			continue
		}
		e.idle.Stop()
		all = append(all, e)
	}
	for _, e := range all {
		p.removeLocked(e)
	}
	p.mu.Unlock()

	for _, e := range all {
		p.teardown(e, "shutdown")
	}
}

// ActiveCount reports the number of live entries.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// SessionFor returns the live session id for a conversation, or "".
func (p *Pool) SessionFor(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		return e.sessionID
	}
	return ""
}

// Close stops all sessions and unregisters the runner hooks.
func (p *Pool) Close() {
	p.StopAll()
	if p.unhook != nil {
		p.unhook()
	}
	p.cancel()
}

// coldStart runs the asynchronous half of session creation: identity
// resolution, history assembly, session start, attachment upload, then
// forwarding the trigger and anything queued behind it.
func (p *Pool) coldStart(e *entry, trigger Inbound) {
	ctx := p.ctx

	p.mu.Lock()
	e.state = stateStarting
	p.mu.Unlock()

	if p.cfg.ResolveIdentity != nil {
		if _, err := p.cfg.ResolveIdentity(ctx, trigger.SenderID); err != nil {
			if errors.Is(err, configsvc.ErrNotLinked) {
				p.logger.Info("sender not linked", "conversation", e.key, "sender", trigger.SenderID)
				p.abortColdStart(e, replyNotLinked)
				return
			}
			p.logger.Error("identity resolution failed", "conversation", e.key, "error", err)
			p.abortColdStart(e, replyColdStart)
			return
		}
	}

	var history []HistoryMessage
	if p.cfg.FetchHistory != nil {
		h, err := p.cfg.FetchHistory(ctx, e.key, HistoryLimit)
		if err != nil {
			// History is best-effort context; a fetch failure must not
			// block the conversation.
			p.logger.Warn("history fetch failed", "conversation", e.key, "error", err)
		} else if hasAssistantTurn(h) {
			history = h
		} else if len(h) > 0 {
			p.logger.Debug("discarding one-sided history", "conversation", e.key, "messages", len(h))
		}
	}

	err := p.cfg.Runner.StartSession(ctx, StartRequest{
		SessionID:   e.sessionID,
		AgentID:     e.agentID,
		Model:       p.currentModel(),
		SeedHistory: history,
	})
	if err != nil {
		p.logger.Error("session start failed", "conversation", e.key, "session", e.sessionID, "error", err)
		p.abortColdStart(e, replyColdStart)
		return
	}

	first := pendingMsg{text: trigger.Text, replyToID: trigger.ReplyToID, attachments: trigger.Attachments}
	if err := p.forward(ctx, e, first); err != nil {
		p.mu.Lock()
		p.removeLocked(e)
		p.mu.Unlock()
		e.idle.Stop()
		p.reply(e.key, replyForward)
		if stopErr := p.cfg.Runner.StopSession(ctx, e.sessionID); stopErr != nil {
			p.logger.Warn("session stop after failed forward", "session", e.sessionID, "error", stopErr)
		}
		return
	}

	// Flush anything that queued while we were starting, then go
	// active. The drain loop and the state flip happen under the same
	// lock acquisition pattern so no message can slip between them.
	for {
		p.mu.Lock()
		if len(e.pending) == 0 {
			e.state = stateActive
			p.mu.Unlock()
			break
		}
		queued := e.pending
		e.pending = nil
		p.mu.Unlock()
		for _, m := range queued {
			if err := p.forward(ctx, e, m); err != nil {
				p.logger.Error("queued forward failed", "conversation", e.key, "error", err)
				p.reply(e.key, replyForward)
			}
		}
	}

	p.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourcePool,
		Kind:      events.KindSessionStarted,
		Data: map[string]any{
			"conversation": e.key,
			"session_id":   e.sessionID,
			"agent_id":     e.agentID,
			"seeded":       len(history) > 0,
		},
	})
	p.logger.Info("session started",
		"conversation", e.key, "session", e.sessionID, "agent", e.agentID, "history", len(history))
}

// abortColdStart removes a failed reservation and tells the sender.
// The entry must be gone before the reply so the sender's retry takes
// a clean cold-start path.
func (p *Pool) abortColdStart(e *entry, message string) {
	p.mu.Lock()
	p.removeLocked(e)
	p.mu.Unlock()
	e.idle.Stop()
	p.reply(e.key, message)
}

// forward uploads the message's attachments, delivers it into the
// running session, and arms the reply timeout. Uploads happen here, not
// at enqueue time, so the storage collaborator can attach them to a
// session row that already exists.
func (p *Pool) forward(ctx context.Context, e *entry, m pendingMsg) error {
	err := p.cfg.Runner.SendMessage(ctx, SendRequest{
		SessionID:   e.sessionID,
		Text:        m.text,
		Model:       p.currentModel(),
		ReplyToID:   m.replyToID,
		Attachments: p.uploadAll(ctx, e.key, m.attachments),
	})
	if err != nil {
		return fmt.Errorf("forward to session %s: %w", e.sessionID, err)
	}
	p.armReplyTimeout(e)
	return nil
}

// uploadAll pushes attachments to the storage collaborator. A failed
// upload skips that attachment; an empty result is "no attachments",
// not an error.
func (p *Pool) uploadAll(ctx context.Context, key string, atts []Attachment) []storage.Object {
	if len(atts) == 0 || p.cfg.Upload == nil {
		return nil
	}
	out := make([]storage.Object, 0, len(atts))
	for _, a := range atts {
		obj, err := p.cfg.Upload(ctx, a)
		if err != nil {
			p.logger.Warn("attachment upload failed, skipping",
				"conversation", key, "filename", a.Filename, "error", err)
			continue
		}
		out = append(out, obj)
	}
	return out
}

// idleExpired is the idle timer callback. It re-checks the entry under
// the lock because an explicit Stop may have raced the timer.
func (p *Pool) idleExpired(e *entry) {
	p.mu.Lock()
	current, ok := p.entries[e.key]
	if !ok || current != e || e.state == stateTearingDown {
		p.mu.Unlock()
		return
	}
	p.removeLocked(e)
	p.mu.Unlock()

	p.logger.Info("session idle, tearing down", "conversation", e.key, "session", e.sessionID)
	p.teardown(e, "idle")
}

// teardown runs the pre-teardown hook then stops the execution
// session. Hook failure is logged and never blocks the stop.
func (p *Pool) teardown(e *entry, reason string) {
	p.mu.Lock()
	e.state = stateTearingDown
	p.mu.Unlock()
	if e.replyTimer != nil {
		e.replyTimer.Stop()
	}

	if p.cfg.PreTeardown != nil {
		if err := p.cfg.PreTeardown(p.ctx, e.sessionID); err != nil {
			p.logger.Warn("pre-teardown hook failed", "session", e.sessionID, "error", err)
		}
	}
	if err := p.cfg.Runner.StopSession(p.ctx, e.sessionID); err != nil {
		p.logger.Warn("session stop failed", "session", e.sessionID, "error", err)
	}

	p.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourcePool,
		Kind:      events.KindSessionStopped,
		Data: map[string]any{
			"conversation": e.key,
			"session_id":   e.sessionID,
			"reason":       reason,
		},
	})
}

// removeLocked deletes the entry from both maps. Caller holds p.mu.
func (p *Pool) removeLocked(e *entry) {
	if current, ok := p.entries[e.key]; ok && current == e {
		delete(p.entries, e.key)
	}
	delete(p.sessions, e.sessionID)
}

func (p *Pool) idleTimeout(e *entry) time.Duration {
	if e.isDM {
		return p.cfg.DMIdleTimeout
	}
	return p.cfg.ThreadIdleTimeout
}

// armReplyTimeout starts (or restarts) the response watchdog for an
// entry. If the runner produces neither output nor a step-end before
// it fires, the sender gets a timeout apology.
func (p *Pool) armReplyTimeout(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.replyTimer != nil {
		e.replyTimer.Stop()
	}
	e.replyTimer = time.AfterFunc(p.cfg.ReplyTimeout, func() {
		p.logger.Warn("reply timeout", "conversation", e.key, "session", e.sessionID)
		p.reply(e.key, replyTimeout)
	})
}

func (p *Pool) disarmReplyTimeout(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok && e.replyTimer != nil {
		e.replyTimer.Stop()
	}
}

func (p *Pool) reply(key, text string) {
	if p.cfg.Reply == nil {
		return
	}
	if err := p.cfg.Reply(p.ctx, key, text); err != nil {
		p.logger.Warn("reply delivery failed", "conversation", key, "error", err)
	}
}

// keyFor resolves a session id back to its conversation key.
func (p *Pool) keyFor(sessionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, ok := p.sessions[sessionID]
	return key, ok
}

func (p *Pool) handleOutput(sessionID, text string) {
	key, ok := p.keyFor(sessionID)
	if !ok {
		return
	}
	p.disarmReplyTimeout(key)
	p.touch(key)
	if p.cfg.OnOutput != nil {
		p.cfg.OnOutput(key, text)
	}
}

func (p *Pool) handleToolStart(sessionID, tool string) {
	key, ok := p.keyFor(sessionID)
	if !ok {
		return
	}
	p.disarmReplyTimeout(key)
	if p.cfg.OnToolStart != nil {
		p.cfg.OnToolStart(key)
	}
}

func (p *Pool) handleToolEnd(sessionID, tool string) {
	key, ok := p.keyFor(sessionID)
	if !ok {
		return
	}
	if p.cfg.OnToolEnd != nil {
		p.cfg.OnToolEnd(key)
	}
}

func (p *Pool) handleStepEnd(sessionID string) {
	key, ok := p.keyFor(sessionID)
	if !ok {
		return
	}
	p.disarmReplyTimeout(key)
	p.touch(key)
	if p.cfg.OnStepEnd != nil {
		p.cfg.OnStepEnd(key)
	}
}

// touch resets the idle timer. Agent activity counts as conversation
// activity.
func (p *Pool) touch(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok && e.state != stateTearingDown {
		e.resetIdle(p.idleTimeout(e))
	}
}

func (e *entry) resetIdle(d time.Duration) {
	e.idle.Stop()
	e.idle.Reset(d)
}

// hasAssistantTurn reports whether assembled history contains at least
// one assistant-authored message. One-sided history is discarded: it
// provides no conversational context and skews the agent's
// turn-taking.
func hasAssistantTurn(h []HistoryMessage) bool {
	for _, m := range h {
		if m.Role == "assistant" {
			return true
		}
	}
	return false
}

func newSessionID(platform, key string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s-%s-%s", platform, identity.SanitizeKey(key), id.String())
}
