// Package daemon supervises the external protocol connection behind a
// channel integration: a signal-cli subprocess, a Discord gateway
// socket, or anything else that can start, stop, report health, and
// signal its own exit.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Daemon is the supervised protocol bridge.
type Daemon interface {
	// Start launches the process or connection. Must be called once.
	Start(ctx context.Context) error
	// Stop shuts the daemon down gracefully.
	Stop() error
	// CheckHealth reports whether the daemon is responsive.
	CheckHealth(ctx context.Context) error
	// Done is closed (after receiving at most one error) when the
	// daemon terminates for any reason.
	Done() <-chan error
}

// ErrNotReady is returned by WaitReady when the readiness probe loop
// exhausts its timeout.
var ErrNotReady = errors.New("daemon failed readiness probe")

// Config tunes the supervisor's readiness probe loop.
type Config struct {
	// ReadyTimeout bounds WaitReady (default 30s).
	ReadyTimeout time.Duration
	// ReadyInterval is the probe poll interval (default 500ms).
	ReadyInterval time.Duration
	Logger        *slog.Logger
}

// Handle represents one supervised daemon instance.
type Handle struct {
	daemon  Daemon
	account string
}

// Daemon returns the supervised daemon.
func (h *Handle) Daemon() Daemon { return h.daemon }

// Account returns the platform account identity the daemon serves.
func (h *Handle) Account() string { return h.account }

// Supervisor spawns daemons, watches for unexpected exits, and provides
// the bounded readiness wait.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	shutdown bool
}

// NewSupervisor creates a supervisor with defaults applied.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, logger: cfg.Logger}
}

// Spawn starts the daemon and attaches the exit watcher. An unexpected
// exit is logged, never fatal: the mode state machine decides whether
// to respawn on the next config reload. onExit is invoked (if non-nil)
// unless shutdown was already requested.
func (s *Supervisor) Spawn(ctx context.Context, d Daemon, account string, onExit func(err error)) (*Handle, error) {
	if err := d.Start(ctx); err != nil {
		return nil, fmt.Errorf("start daemon: %w", err)
	}

	h := &Handle{daemon: d, account: account}

	go func() {
		// A closed channel yields a nil error: clean exit.
		err := <-d.Done()

		s.mu.Lock()
		requested := s.shutdown
		s.mu.Unlock()

		if requested {
			s.logger.Debug("daemon exited during shutdown", "account", account)
			return
		}
		if err != nil {
			s.logger.Error("daemon exited unexpectedly", "account", account, "error", err)
		} else {
			s.logger.Warn("daemon exited unexpectedly without error", "account", account)
		}
		if onExit != nil {
			onExit(err)
		}
	}()

	return h, nil
}

// WaitReady polls the daemon's health until it responds or the timeout
// elapses. On timeout the daemon is stopped so the caller can fall back
// to Disabled mode without leaking a half-started process.
func (s *Supervisor) WaitReady(ctx context.Context, h *Handle) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.ReadyInterval)
	defer ticker.Stop()

	for {
		if err := h.daemon.CheckHealth(probeCtx); err == nil {
			return nil
		}

		select {
		case <-probeCtx.Done():
			s.logger.Error("daemon readiness probe timed out, stopping daemon",
				"account", h.account,
				"timeout", s.cfg.ReadyTimeout.String(),
			)
			if stopErr := h.daemon.Stop(); stopErr != nil {
				s.logger.Warn("daemon stop after failed readiness", "error", stopErr)
			}
			return fmt.Errorf("%w after %s", ErrNotReady, s.cfg.ReadyTimeout)
		case <-ticker.C:
		}
	}
}

// Shutdown marks the supervisor as shutting down so subsequent daemon
// exits are expected, then stops the given handle if non-nil.
func (s *Supervisor) Shutdown(h *Handle) {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	if h == nil {
		return
	}
	if err := h.daemon.Stop(); err != nil {
		s.logger.Warn("daemon stop failed during shutdown", "error", err)
	}
}
