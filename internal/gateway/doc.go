// ABOUTME: Package documentation for the HTTP request surface
// ABOUTME: Describes the API shape, error taxonomy, and SSE contract

// Package gateway exposes the meeting room over a JSON HTTP API plus an
// SSE event feed.
//
// The surface is deliberately thin. Orchestration rules (topic
// resolution, the turn-in-flight guard, pause semantics) live in the
// scheduler; persistence and locking live in the room repository. This
// package only translates requests and maps sentinel errors onto status
// codes: unknown entities are 404, retryable conflicts 409, caller
// mistakes 400. Adapter and storage failures never surface as request
// errors.
//
// # Event feed
//
// GET /api/meetings/{id}/events streams the meeting's events as SSE. The
// first frame is a "connected" event carrying the runtime snapshot and
// policy; each subsequent frame is one broadcast event, named by its
// type. Delivery is at-most-once: slow subscribers lose frames instead
// of stalling publishers.
package gateway
