package signalcli

import (
	"sync"

	"github.com/harbinger-ai/harbinger/internal/session"
)

// historyRing keeps a bounded window of recent traffic per
// conversation. signal-cli has no server-side history API, so the
// adapter assembles cold-start context from what it has seen itself:
// inbound data messages and its own outbound replies.
type historyRing struct {
	mu    sync.Mutex
	limit int
	byKey map[string][]session.HistoryMessage
}

func newHistoryRing(limit int) *historyRing {
	return &historyRing{
		limit: limit,
		byKey: make(map[string][]session.HistoryMessage),
	}
}

func (r *historyRing) add(key string, m session.HistoryMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := append(r.byKey[key], m)
	if len(msgs) > r.limit {
		msgs = msgs[len(msgs)-r.limit:]
	}
	r.byKey[key] = msgs
}

// recent returns up to n messages for key, newest last.
func (r *historyRing) recent(key string, n int) []session.HistoryMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.byKey[key]
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]session.HistoryMessage, len(msgs))
	copy(out, msgs)
	return out
}
