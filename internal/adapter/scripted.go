// ABOUTME: Deterministic in-process backend used as rescue path and in tests
// ABOUTME: Generates content locally from the request without any subprocess

package adapter

import (
	"context"
	"fmt"
	"strings"
)

// ScriptFunc produces deterministic content for a request.
type ScriptFunc func(req *Request) (string, error)

// ScriptedBackend answers locally via a script function. It serves as the
// structurally different rescue backend in the retry chain and as the fast
// path for styles that do not warrant a subprocess call.
type ScriptedBackend struct {
	name   string
	script ScriptFunc
}

// NewScriptedBackend creates a scripted backend. A nil script uses
// BuiltinReply.
func NewScriptedBackend(name string, script ScriptFunc) *ScriptedBackend {
	if script == nil {
		script = BuiltinReply
	}
	return &ScriptedBackend{name: name, script: script}
}

// Name returns the backend name.
func (s *ScriptedBackend) Name() string { return s.name }

// Invoke runs the script. It honors context cancellation but needs no
// timeout handling since the script is local and cheap.
func (s *ScriptedBackend) Invoke(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := s.script(req)
	if err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyReply
	}
	return &Result{Content: content, Meta: map[string]any{}}, nil
}

// BuiltinReply is the default script: a short direct answer keyed off the
// prompt's leading context line.
func BuiltinReply(req *Request) (string, error) {
	focus := firstLine(req.Prompt)
	if focus == "" {
		return "Taking a concrete position: start from the smallest runnable slice, state its acceptance criteria, and iterate from there.", nil
	}
	return fmt.Sprintf(
		"On %q: the next concrete step is to pin down scope and acceptance criteria, then split the work into one verifiable change at a time.",
		truncate(focus, 80)), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ Backend = (*ScriptedBackend)(nil)
