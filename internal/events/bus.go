// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (coordinator, session pool,
// RPC handler, channel adapters) to subscribers (health endpoint, future
// metrics collector). The bus is nil-safe: calling Publish on a nil *Bus
// is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceCoordinator identifies events from the channel coordinator.
	SourceCoordinator = "coordinator"
	// SourcePool identifies events from the session pool.
	SourcePool = "pool"
	// SourceRPC identifies events from the control-plane RPC handler.
	SourceRPC = "rpc"
	// SourceSignal identifies events from the Signal adapter.
	SourceSignal = "signal"
	// SourceDiscord identifies events from the Discord adapter.
	SourceDiscord = "discord"
)

// Kind constants describe the type of event within a source.
const (
	// KindLockAcquired signals the singleton lock was won.
	// Data: channel, owner.
	KindLockAcquired = "lock_acquired"
	// KindLockLost signals the singleton lock could not be acquired.
	// Data: channel, attempts.
	KindLockLost = "lock_lost"
	// KindModeChanged signals a mode state machine transition.
	// Data: channel, from, to.
	KindModeChanged = "mode_changed"
	// KindDaemonExited signals the protocol daemon terminated unexpectedly.
	// Data: channel, error.
	KindDaemonExited = "daemon_exited"

	// KindMessageReceived signals an inbound platform message was accepted.
	// Data: sender, conversation_key, message_len.
	KindMessageReceived = "message_received"
	// KindMessageDenied signals a sender failed the allowlist check.
	// Data: sender.
	KindMessageDenied = "message_denied"

	// KindSessionStarted signals a cold start completed.
	// Data: session_id, agent_id, conversation_key.
	KindSessionStarted = "session_started"
	// KindSessionStopped signals a session was torn down.
	// Data: session_id, reason.
	KindSessionStopped = "session_stopped"

	// KindRPCRequest signals a control-plane request was dispatched.
	// Data: channel, method, id.
	KindRPCRequest = "rpc_request"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full. Drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
