// Package route assigns inbound conversations to agents. Assignment is
// sticky: once a conversation lands on an agent it stays there until
// the binding's TTL lapses, so multi-message exchanges keep a single
// persona. Built-in slash commands are intercepted here and never reach
// an agent.
package route

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Reason codes for a routing decision.
const (
	ReasonSticky   = "sticky"
	ReasonDefault  = "default"
	ReasonExplicit = "explicit-command"
)

// Decision is the router's output for one message.
type Decision struct {
	AgentID string
	Reason  string
	TTL     time.Duration
}

// Defaults carries the fallback chain for conversations with no live
// sticky binding.
type Defaults struct {
	// SenderAgent is the per-sender default from the matched allowlist
	// entry, possibly empty.
	SenderAgent string
	// IntegrationAgent is the integration-wide default agent.
	IntegrationAgent string
	// Agents is the registered agent pool in registration order; the
	// first entry is the last-resort fallback.
	Agents []string
	// StickyTTL is the binding lifetime applied on each route.
	StickyTTL time.Duration
}

// Config holds the router dependencies.
type Config struct {
	Store *StickyStore
	// Status renders the /status command response.
	Status func() string
	Logger *slog.Logger
}

// Router performs sticky conversation→agent assignment.
type Router struct {
	store  *StickyStore
	status func() string
	logger *slog.Logger

	mu sync.Mutex // serializes read-modify-write on a binding
}

// NewRouter creates a Router.
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	status := cfg.Status
	if status == nil {
		status = func() string { return "status unavailable" }
	}
	return &Router{store: cfg.Store, status: status, logger: logger}
}

// Route picks the agent for a conversation. Preference order: live
// sticky binding, per-sender default, integration default, first
// registered agent. Every successful route refreshes the sticky TTL.
func (r *Router) Route(conversationKey string, d Defaults) (Decision, error) {
	ttl := d.StickyTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if bound, explicit, err := r.store.Get(conversationKey); err != nil {
		return Decision{}, err
	} else if bound != "" {
		if err := r.store.Put(conversationKey, bound, ttl, explicit); err != nil {
			return Decision{}, err
		}
		reason := ReasonSticky
		if explicit {
			reason = ReasonExplicit
		}
		return Decision{AgentID: bound, Reason: reason, TTL: ttl}, nil
	}

	agent := d.SenderAgent
	if agent == "" {
		agent = d.IntegrationAgent
	}
	if agent == "" && len(d.Agents) > 0 {
		agent = d.Agents[0]
	}
	if agent == "" {
		return Decision{}, fmt.Errorf("no agent available for conversation %s", conversationKey)
	}

	if err := r.store.Put(conversationKey, agent, ttl, false); err != nil {
		return Decision{}, err
	}
	return Decision{AgentID: agent, Reason: ReasonDefault, TTL: ttl}, nil
}

// HandleCommand intercepts built-in commands. It returns handled=false
// for ordinary messages; a handled command returns the chat response to
// send back. Commands never reach the agent collaborator.
func (r *Router) HandleCommand(conversationKey, text string, d Defaults) (handled bool, response string) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return false, ""
	}

	fields := strings.Fields(trimmed)
	switch fields[0] {
	case "/status":
		return true, r.status()

	case "/help":
		return true, strings.Join([]string{
			"Commands:",
			"/status - coordinator status",
			"/agent <id> - switch this conversation to another agent",
			"/help - this message",
		}, "\n")

	case "/agent":
		if len(fields) < 2 {
			return true, "Usage: /agent <id>"
		}
		target := fields[1]
		if !contains(d.Agents, target) {
			return true, fmt.Sprintf("Unknown agent %q. Available: %s", target, strings.Join(d.Agents, ", "))
		}
		ttl := d.StickyTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		r.mu.Lock()
		err := r.store.Put(conversationKey, target, ttl, true)
		r.mu.Unlock()
		if err != nil {
			r.logger.Error("agent switch failed", "conversation", conversationKey, "error", err)
			return true, "Could not switch agents, try again."
		}
		return true, fmt.Sprintf("Switched to %s.", target)

	default:
		// Unrecognized slash text is treated as an ordinary message;
		// people legitimately start sentences with "/".
		return false, ""
	}
}

// Bind records an explicit conversation→agent binding (used by the
// control-plane send method).
func (r *Router) Bind(conversationKey, agentID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Put(conversationKey, agentID, ttl, true)
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
