// Package store provides SQLite-backed durable key/value storage for
// audiencesync state.
//
// Every persisted piece of state (pending mutation queues, the channel
// identifier, the last registration payload, scheduler work flags) lives in a
// single kv table as a JSON document under its own key. Writes are atomic per
// key: a Put either replaces the whole document or fails.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: A Put is on disk before it returns
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Callers that assume "durable before return" (queue appends, identifier
// swaps) rely on synchronous=FULL.
package store
