// Package room holds the authoritative in-memory state for meetings.
//
// # Role
//
// The Repository is loaded from the durable store at startup and owns all
// meeting state for the process lifetime. Every mutation runs under the
// meeting's lock via Mutate and records what it touched in a Txn; the
// repository then mirrors exactly those rows to the store and publishes
// the appended events on the bus.
//
// # Capacity
//
// Mirror writes that fail with store.ErrStoreFull trigger eviction: the
// oldest-idle meeting (no active topic, every topic closed) is deleted
// from both memory and disk and the write retried. The last remaining
// meeting is never evicted. Mirror failures never surface to callers;
// in-memory state stays authoritative.
//
// # Session revisions
//
// Adapter session revisions per (topic, speaker) are in-memory only.
// They are not part of the persisted snapshot, so a restart starts fresh
// backend sessions everywhere.
package room
