package coord

import (
	"context"
	"strings"
	"sync"
)

// Handler is called for each message received on a subscribed topic.
// Implementations must be safe for concurrent use.
type Handler func(topic string, payload []byte)

// PubSub is the publish/subscribe face of the coordination store. The
// production implementation is [MQTTPubSub]; tests use [MemoryPubSub].
type PubSub interface {
	// Publish delivers payload to every subscriber whose filter matches
	// topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers a handler for an MQTT-style topic filter
	// ("+" single level, "#" trailing multi level) and returns an
	// unsubscribe function. The unsubscribe function is idempotent.
	Subscribe(ctx context.Context, filter string, h Handler) (func(), error)
}

// matchTopic reports whether an MQTT-style filter matches a concrete
// topic. "+" matches exactly one level; a trailing "#" matches any
// remainder including none.
func matchTopic(filter, topic string) bool {
	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")

	for i, f := range fparts {
		if f == "#" {
			return i == len(fparts)-1
		}
		if i >= len(tparts) {
			return false
		}
		if f != "+" && f != tparts[i] {
			return false
		}
	}
	return len(fparts) == len(tparts)
}

// MemoryPubSub is an in-process PubSub used by tests and by single-node
// deployments that run without a broker.
type MemoryPubSub struct {
	mu   sync.RWMutex
	subs map[int]memorySub
	next int
}

type memorySub struct {
	filter string
	h      Handler
}

// NewMemoryPubSub creates an empty in-process pub/sub hub.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[int]memorySub)}
}

// Publish delivers synchronously to matching handlers.
func (m *MemoryPubSub) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	matched := make([]Handler, 0, 2)
	for _, s := range m.subs {
		if matchTopic(s.filter, topic) {
			matched = append(matched, s.h)
		}
	}
	m.mu.RUnlock()

	for _, h := range matched {
		h(topic, payload)
	}
	return nil
}

// Subscribe registers a handler; the returned func removes it.
func (m *MemoryPubSub) Subscribe(_ context.Context, filter string, h Handler) (func(), error) {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = memorySub{filter: filter, h: h}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}, nil
}
