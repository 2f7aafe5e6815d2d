// Package adapter provides the uniform call contract to reasoning backends.
//
// # Contract
//
// A Backend turns a Request (agent identity, session key, prompt, hard
// timeout) into a Result. ProcessBackend spawns an external agent CLI and
// kills it on deadline; ScriptedBackend answers locally and serves as the
// rescue path and the test double.
//
// # Resilience
//
// Gateway.Produce never fails. Raw responses pass validity filters
// (leakage stripping, meta-reply, scaffold, low-information, lookup gate)
// and failures walk a fixed chain: primary identity, alternate identity
// under a fresh session revision after timeout or unknown-identity
// errors, rescue backend with a direct-answer reinforcement, then a
// synthesized deterministic fallback. A lookup-gate failure gets exactly
// one reinforced retry before the gateway answers with a blocked-by-gate
// reply instead of a fabricated conclusion.
//
// Every step emits an observability event through the Recorder:
// adapter.request, adapter.retry, adapter.error, adapter.session_reset,
// adapter.discarded.
package adapter
