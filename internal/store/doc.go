// Package store provides the durable mirror for warroom-gateway using SQLite.
//
// # Role
//
// The in-memory room.Repository is authoritative while the process runs;
// this package is the capacity-bounded mirror it writes through. Every
// mutation is an upsert keyed by entity id, so replays and retries after
// eviction are harmless.
//
// # Data Models
//
//   - Meeting: root aggregate with policy and a reduced runtime snapshot
//   - Participant: identity with kind, role, and cohort tag
//   - Topic: queued/active/closed lifecycle with a round counter
//   - Message: append-only content with free-form metadata
//   - Event: append-only audit record driving the broadcast bus
//
// # Capacity
//
// The store enforces a byte ceiling with PRAGMA max_page_count. A write
// that exceeds it fails with SQLite's "database or disk is full" error,
// which is classified into ErrStoreFull so callers can evict and retry.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrStoreFull: write rejected at the byte ceiling
package store
