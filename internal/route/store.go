package route

import (
	"database/sql"
	"fmt"
	"time"
)

// StickyStore persists conversation→agent bindings in the coordination
// database so routing affinity survives a coordinator restart. Bindings
// are scoped to one channel integration; nothing here attempts
// cross-channel consistency.
type StickyStore struct {
	db      *sql.DB
	channel string
}

// NewStickyStore creates the store and ensures the schema exists.
func NewStickyStore(db *sql.DB, channel string) (*StickyStore, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS sticky_bindings (
		channel          TEXT NOT NULL,
		conversation_key TEXT NOT NULL,
		agent_id         TEXT NOT NULL,
		explicit         INTEGER NOT NULL DEFAULT 0,
		expires_at       INTEGER NOT NULL,
		PRIMARY KEY (channel, conversation_key)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate sticky_bindings: %w", err)
	}
	return &StickyStore{db: db, channel: channel}, nil
}

// Get returns the bound agent for a conversation and whether the
// binding came from an explicit switch, or "" when no live binding
// exists. Expired rows are treated as absent (and lazily removed).
func (s *StickyStore) Get(conversationKey string) (agentID string, explicit bool, err error) {
	var expiresAt int64
	err = s.db.QueryRow(
		`SELECT agent_id, explicit, expires_at FROM sticky_bindings
		 WHERE channel = ? AND conversation_key = ?`,
		s.channel, conversationKey,
	).Scan(&agentID, &explicit, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sticky get: %w", err)
	}

	if expiresAt <= time.Now().UnixMilli() {
		_, _ = s.db.Exec(
			`DELETE FROM sticky_bindings WHERE channel = ? AND conversation_key = ?`,
			s.channel, conversationKey,
		)
		return "", false, nil
	}
	return agentID, explicit, nil
}

// Put creates or refreshes a binding with the given TTL. explicit
// marks bindings made by an /agent switch or the control plane, as
// opposed to ones the router assigned by default.
func (s *StickyStore) Put(conversationKey, agentID string, ttl time.Duration, explicit bool) error {
	expires := time.Now().Add(ttl).UnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO sticky_bindings (channel, conversation_key, agent_id, explicit, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(channel, conversation_key) DO UPDATE SET
			agent_id = excluded.agent_id,
			explicit = excluded.explicit,
			expires_at = excluded.expires_at`,
		s.channel, conversationKey, agentID, explicit, expires,
	)
	if err != nil {
		return fmt.Errorf("sticky put: %w", err)
	}
	return nil
}

// Delete removes a binding. Missing rows are not an error.
func (s *StickyStore) Delete(conversationKey string) error {
	_, err := s.db.Exec(
		`DELETE FROM sticky_bindings WHERE channel = ? AND conversation_key = ?`,
		s.channel, conversationKey,
	)
	if err != nil {
		return fmt.Errorf("sticky delete: %w", err)
	}
	return nil
}
