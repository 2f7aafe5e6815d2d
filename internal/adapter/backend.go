// ABOUTME: Backend contract for pluggable reasoning backends
// ABOUTME: Defines Request/Result types and failure sentinels

package adapter

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout marks a backend call that exceeded its wall-clock deadline.
var ErrTimeout = errors.New("backend call timed out")

// ErrUnknownAgent marks a backend rejection of the agent identity or
// session. Both recover the same way: a fresh session revision, then an
// alternate identity.
var ErrUnknownAgent = errors.New("unknown agent or session")

// ErrEmptyReply marks a response whose envelope parsed but carried no
// usable text.
var ErrEmptyReply = errors.New("backend returned no usable content")

// Request is one backend invocation. SessionKey carries the session
// revision so a bumped revision starts a fresh backend-side session.
type Request struct {
	AgentID    string
	SessionKey string
	Prompt     string
	Timeout    time.Duration
}

// Result is a successful backend response before validity filtering.
type Result struct {
	Content string
	Meta    map[string]any
}

// Backend produces content for one speaker turn. Invoke must respect the
// request timeout as a hard wall-clock limit.
type Backend interface {
	Name() string
	Invoke(ctx context.Context, req *Request) (*Result, error)
}
