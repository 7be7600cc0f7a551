// Package typing keeps per-conversation "composing" indicators alive.
// Platforms expire the indicator after a few seconds, so each started
// conversation gets a refresh loop that re-sends it until stopped. Tool
// execution boundaries re-trigger the refresh so a long tool call does
// not let the indicator lapse mid-response.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RefreshInterval is how often the indicator is re-sent. Signal and
// Discord both expire composing state after roughly 10 seconds.
const RefreshInterval = 6 * time.Second

// SendFunc delivers one typing indicator frame. stop=true clears it.
type SendFunc func(ctx context.Context, conversationKey string, stop bool) error

// Manager runs one refresh loop per active conversation.
type Manager struct {
	send   SendFunc
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]chan struct{} // conversation key → refresh kick channel
	cancel map[string]context.CancelFunc
}

// NewManager creates a typing keepalive manager. send is called from
// loop goroutines and must be safe for concurrent use.
func NewManager(send SendFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		send:   send,
		logger: logger,
		active: make(map[string]chan struct{}),
		cancel: make(map[string]context.CancelFunc),
	}
}

// Start begins (or restarts) the indicator refresh loop for a
// conversation. Calling Start on an already-active conversation is a
// no-op beyond an immediate refresh.
func (m *Manager) Start(ctx context.Context, key string) {
	m.mu.Lock()
	if kick, ok := m.active[key]; ok {
		m.mu.Unlock()
		select {
		case kick <- struct{}{}:
		default:
		}
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	kick := make(chan struct{}, 1)
	m.active[key] = kick
	m.cancel[key] = cancel
	m.mu.Unlock()

	go m.run(loopCtx, key, kick)
}

// Refresh re-sends the indicator immediately if the conversation has an
// active loop. Used at tool-execution boundaries.
func (m *Manager) Refresh(key string) {
	m.mu.Lock()
	kick, ok := m.active[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

// Stop cancels the refresh loop and clears the indicator. Safe to call
// for a conversation that was never started.
func (m *Manager) Stop(key string) {
	m.mu.Lock()
	cancel, ok := m.cancel[key]
	if ok {
		delete(m.active, key)
		delete(m.cancel, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	cancel()

	// Best-effort clear with a fresh context: the loop context is gone.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := m.send(stopCtx, key, true); err != nil {
		m.logger.Debug("typing stop failed", "conversation", key, "error", err)
	}
}

// StopAll tears down every active loop. Called on shutdown and when the
// coordinator leaves Full mode.
func (m *Manager) StopAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.active))
	for k := range m.active {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.Stop(k)
	}
}

// ActiveCount returns the number of conversations with a live indicator.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// run sends the indicator immediately, then every RefreshInterval or on
// an explicit kick, until the loop context is cancelled.
func (m *Manager) run(ctx context.Context, key string, kick <-chan struct{}) {
	if err := m.send(ctx, key, false); err != nil {
		m.logger.Debug("typing indicator failed", "conversation", key, "error", err)
	}

	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
		case <-ticker.C:
		}
		if err := m.send(ctx, key, false); err != nil {
			m.logger.Debug("typing indicator failed", "conversation", key, "error", err)
		}
	}
}
