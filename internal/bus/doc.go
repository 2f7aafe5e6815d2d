// Package bus provides in-memory pub/sub fan-out of meeting events.
//
// Every state change that persists an event row is also published here so
// live clients see it without polling. Delivery is best effort: subscriber
// channels are buffered and a full channel drops the event for that
// subscriber only. There is no replay; reconnecting clients re-read the
// timeline over HTTP and then resubscribe.
package bus
