package coord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrLockLost indicates a renewal found the lease owned by someone else.
var ErrLockLost = errors.New("lock lease lost to another owner")

// Default lock acquisition schedule. A prior holder's lease can take up
// to its TTL to expire after an abrupt restart, so the total backoff
// (1+2+3+4)×step should comfortably cover one TTL.
const (
	DefaultAcquireAttempts = 5
	DefaultBackoffStep     = 3 * time.Second
)

// LockConfig configures a singleton Lock.
type LockConfig struct {
	// DB is the shared coordination database. All processes that must
	// exclude each other open the same file.
	DB *sql.DB
	// Name identifies the channel integration, e.g. "signal" or "discord".
	Name string
	// Owner is this process's unique token (the persisted instance id).
	Owner string
	// TTL is the lease duration. Renewed at TTL/2 while held.
	TTL time.Duration
	// Attempts bounds Acquire retries (default 5).
	Attempts int
	// BackoffStep is multiplied by the attempt number between retries
	// (default 3s).
	BackoffStep time.Duration
	// OnLost is invoked once if a renewal discovers the lease was taken
	// over by another owner. Optional.
	OnLost func()
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Lock is a named, TTL-bearing coordination record held by exactly one
// process at a time.
type Lock struct {
	db          *sql.DB
	name        string
	owner       string
	ttl         time.Duration
	attempts    int
	backoffStep time.Duration
	onLost      func()
	logger      *slog.Logger

	mu          sync.Mutex
	held        bool
	stopRenew   context.CancelFunc
	renewDone   chan struct{}
}

// NewLock creates a lock handle and ensures the schema exists. The lock
// is not acquired until Acquire is called.
func NewLock(cfg LockConfig) (*Lock, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("coord: LockConfig.DB must not be nil")
	}
	if cfg.Name == "" || cfg.Owner == "" {
		return nil, fmt.Errorf("coord: lock name and owner must not be empty")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAcquireAttempts
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = DefaultBackoffStep
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	schema := `
	CREATE TABLE IF NOT EXISTS channel_locks (
		name        TEXT PRIMARY KEY,
		owner       TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL
	);
	`
	if _, err := cfg.DB.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate channel_locks: %w", err)
	}

	return &Lock{
		db:          cfg.DB,
		name:        cfg.Name,
		owner:       cfg.Owner,
		ttl:         cfg.TTL,
		attempts:    cfg.Attempts,
		backoffStep: cfg.BackoffStep,
		onLost:      cfg.OnLost,
		logger:      cfg.Logger,
	}, nil
}

// Acquire attempts to take the lock, retrying with linearly increasing
// backoff (attempt × step). Contention is not an error: a second
// coordinator instance must idle harmlessly, so Acquire returns
// (false, nil) when all attempts fail. Database failures are errors.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	for attempt := 1; attempt <= l.attempts; attempt++ {
		ok, err := l.tryAcquire()
		if err != nil {
			return false, err
		}
		if ok {
			l.startRenewLoop()
			l.logger.Info("channel lock acquired",
				"lock", l.name,
				"owner", l.owner,
				"attempt", attempt,
			)
			return true, nil
		}

		if attempt == l.attempts {
			break
		}

		delay := time.Duration(attempt) * l.backoffStep
		l.logger.Debug("channel lock busy, retrying",
			"lock", l.name,
			"attempt", attempt,
			"next_delay", delay.String(),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	l.logger.Warn("channel lock not acquired, another coordinator is live",
		"lock", l.name,
		"attempts", l.attempts,
	)
	return false, nil
}

// tryAcquire performs one atomic set-if-absent-with-TTL. The upsert
// only overwrites a row whose lease has expired or that we already own
// (re-acquisition refreshes the lease).
func (l *Lock) tryAcquire() (bool, error) {
	now := time.Now().UnixMilli()
	expires := now + l.ttl.Milliseconds()

	_, err := l.db.Exec(`
		INSERT INTO channel_locks (name, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE channel_locks.expires_at <= excluded.acquired_at
		   OR channel_locks.owner = excluded.owner`,
		l.name, l.owner, now, expires,
	)
	if err != nil {
		return false, fmt.Errorf("lock upsert: %w", err)
	}

	var owner string
	err = l.db.QueryRow(
		`SELECT owner FROM channel_locks WHERE name = ?`, l.name,
	).Scan(&owner)
	if err != nil {
		return false, fmt.Errorf("lock readback: %w", err)
	}

	if owner != l.owner {
		return false, nil
	}

	l.mu.Lock()
	l.held = true
	l.mu.Unlock()
	return true, nil
}

// startRenewLoop refreshes the lease at TTL/2 until Release.
func (l *Lock) startRenewLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	l.mu.Lock()
	l.stopRenew = cancel
	l.renewDone = done
	l.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := l.renew()
				if err == nil {
					continue
				}
				if errors.Is(err, ErrLockLost) {
					l.logger.Error("channel lock lost", "lock", l.name)
					l.mu.Lock()
					l.held = false
					l.mu.Unlock()
					if l.onLost != nil {
						l.onLost()
					}
					return
				}
				l.logger.Warn("channel lock renewal failed",
					"lock", l.name,
					"error", err,
				)
			}
		}
	}()
}

// renew extends the lease if we still own the row.
func (l *Lock) renew() error {
	expires := time.Now().UnixMilli() + l.ttl.Milliseconds()
	res, err := l.db.Exec(
		`UPDATE channel_locks SET expires_at = ? WHERE name = ? AND owner = ?`,
		expires, l.name, l.owner,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("renew %s as %s: %w", l.name, l.owner, ErrLockLost)
	}
	return nil
}

// Held reports whether this process currently believes it holds the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Release drops the lock if held. Idempotent: a second call is a no-op,
// and releasing never disturbs a lock that has since been acquired by
// another owner.
func (l *Lock) Release() {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return
	}
	l.held = false
	cancel := l.stopRenew
	done := l.renewDone
	l.stopRenew = nil
	l.renewDone = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	// Delete only rows we still own; an expired-and-reacquired lock
	// belongs to someone else now.
	if _, err := l.db.Exec(
		`DELETE FROM channel_locks WHERE name = ? AND owner = ?`,
		l.name, l.owner,
	); err != nil {
		l.logger.Warn("channel lock release failed", "lock", l.name, "error", err)
		return
	}
	l.logger.Info("channel lock released", "lock", l.name, "owner", l.owner)
}
