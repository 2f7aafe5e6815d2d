// ABOUTME: Out-of-process backend invoking an external agent CLI
// ABOUTME: Hard-kills on deadline and parses the JSON result envelope

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	// minProcessTimeout floors the subprocess deadline; shorter values
	// would kill the CLI before it can even start a session.
	minProcessTimeout = 10 * time.Second

	// waitDelay bounds how long we wait for the process to exit after
	// the context kills it.
	waitDelay = 2 * time.Second
)

// ProcessBackend runs an external agent CLI per invocation:
//
//	<bin> agent --agent <id> --session <key> --message <prompt> --json --timeout <sec>
//
// The process is forcibly terminated when the deadline passes.
type ProcessBackend struct {
	bin    string
	logger *slog.Logger
}

// NewProcessBackend creates a backend spawning the given binary.
func NewProcessBackend(bin string, logger *slog.Logger) *ProcessBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessBackend{
		bin:    bin,
		logger: logger.With("component", "adapter", "backend", bin),
	}
}

// Name returns the binary name.
func (b *ProcessBackend) Name() string { return b.bin }

// Invoke runs the CLI once and parses its JSON envelope.
func (b *ProcessBackend) Invoke(ctx context.Context, req *Request) (*Result, error) {
	timeout := req.Timeout
	if timeout < minProcessTimeout {
		timeout = minProcessTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Collapse whitespace so the prompt survives argv transport.
	message := strings.Join(strings.Fields(req.Prompt), " ")

	args := []string{"agent", "--agent", req.AgentID}
	if req.SessionKey != "" {
		args = append(args, "--session", req.SessionKey)
	}
	args = append(args,
		"--message", message,
		"--json",
		"--timeout", strconv.Itoa(int(timeout/time.Second)),
	)

	cmd := exec.CommandContext(cctx, b.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if cctx.Err() == context.DeadlineExceeded {
		b.logger.Warn("backend call timed out", "agent_id", req.AgentID, "elapsed", elapsed)
		return nil, fmt.Errorf("%s call after %s: %w", b.bin, elapsed.Round(time.Millisecond), ErrTimeout)
	}
	if runErr != nil {
		detail := tail(stderr.String(), 260)
		if detail == "" {
			detail = tail(stdout.String(), 260)
		}
		if isUnknownAgent(detail) {
			return nil, fmt.Errorf("%s rejected agent %q: %w", b.bin, req.AgentID, ErrUnknownAgent)
		}
		return nil, fmt.Errorf("%s exited: %w: %s", b.bin, runErr, detail)
	}

	res, err := parseEnvelope(stdout.String())
	if err != nil {
		return nil, fmt.Errorf("parsing %s output: %w", b.bin, err)
	}
	return res, nil
}

// envelope is the CLI's JSON result framing.
type envelope struct {
	Result struct {
		Payloads []struct {
			Text string `json:"text"`
		} `json:"payloads"`
		Usage map[string]any `json:"usage"`
	} `json:"result"`
}

// parseEnvelope decodes the JSON envelope, tolerating banner noise around
// it via best-effort brace extraction.
func parseEnvelope(raw string) (*Result, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, fmt.Errorf("no JSON object in output: %w", ErrEmptyReply)
	}
	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	parts := make([]string, 0, len(env.Result.Payloads))
	for _, p := range env.Result.Payloads {
		if t := strings.TrimSpace(p.Text); t != "" {
			parts = append(parts, t)
		}
	}
	content := strings.TrimSpace(strings.Join(parts, "\n\n"))
	if content == "" {
		return nil, fmt.Errorf("no text payload: %w", ErrEmptyReply)
	}

	meta := map[string]any{}
	if env.Result.Usage != nil {
		meta["usage"] = env.Result.Usage
	}
	return &Result{Content: content, Meta: meta}, nil
}

// extractJSON returns the substring from the first '{' to the last '}'.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	i := strings.Index(s, "{")
	j := strings.LastIndex(s, "}")
	if i < 0 || j <= i {
		return ""
	}
	return s[i : j+1]
}

func isUnknownAgent(detail string) bool {
	lower := strings.ToLower(detail)
	return strings.Contains(lower, "unknown agent") ||
		strings.Contains(lower, "unknown session") ||
		strings.Contains(lower, "no such agent") ||
		strings.Contains(lower, "agent not found")
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var _ Backend = (*ProcessBackend)(nil)
