// Package coord provides the coordination store primitives the
// channel coordinators share: a TTL-bearing singleton lock backed by a
// SQLite database that all coordinator processes point at, and a
// publish/subscribe transport for the control-plane RPC topics.
//
// The lock guarantees that at most one live (non-expired) holder exists
// per channel integration. A crashed holder's lease simply expires; a
// restarting process may therefore need to wait up to one TTL before
// its acquisition succeeds, which is why Acquire retries with linearly
// increasing backoff instead of failing fast.
//
// Pub/sub uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect the
// client re-subscribes to all registered topic filters, and a will
// message flips the coordinator's availability topic to "offline" on
// unexpected disconnects.
package coord
