// Package scheduler decides who speaks next and drives topic progress.
//
// # Turn discipline
//
// Schedule collapses trigger bursts into one debounce timer per meeting.
// While a turn is in flight, triggers only overwrite the single pending
// reason (last-write-wins); the completion handler consumes it, or
// continues under auto-round-robin. The turn-in-flight flag is the sole
// guard against concurrent turns for a meeting and is cleared on every
// path, including panics.
//
// # Selection
//
// Round-robin advances a cursor over active automated participants. The
// balanced policy compares cohort turn counts within the topic, breaking
// ties in configured order (cursor cohort, then not-last-speaker cohort),
// steering away from the cohort that just produced a near-duplicate, and
// honoring a host-interrupt bias under strong configuration. Round-robin
// is the fallback when either cohort is empty.
//
// # Lifecycle
//
// Topics move queued to active to closed. Closing always goes through
// summarize: a fixed-shape moderator summary, the topic.closed event, and
// cleared stagnation counters. Starting a topic while another is active
// closes the previous one first.
package scheduler
