// ABOUTME: Adapter gateway owning retry, session continuity, and fallback
// ABOUTME: Produce always resolves to some content, never a caller-facing error

package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/warroom-gateway/internal/policy"
)

// Sessions tracks adapter session revisions per (topic, speaker). Bumping
// a revision abandons backend-side conversational continuity.
type Sessions interface {
	SessionRev(meetingID, topicID, speakerID string) int
	BumpSessionRev(meetingID, topicID, speakerID string) int
}

// Recorder receives one observability event per chain step.
type Recorder func(eventType string, payload map[string]any)

// ProduceRequest describes one speaker turn to produce content for.
type ProduceRequest struct {
	MeetingID   string
	TopicID     string
	SpeakerID   string
	SpeakerName string

	TopicTitle string
	HostText   string
	Transcript string

	Timeout time.Duration

	// Enrich, when set, allows fast-path styles to return a deterministic
	// reply immediately and append a second message if the expensive
	// backend later succeeds.
	Enrich func(content string, meta map[string]any)
}

// Produced is the resolved turn content.
type Produced struct {
	Content string
	Meta    map[string]any
	Style   policy.StyleTag
}

// Gateway drives the retry/fallback chain over the configured backends:
// primary identity, alternate identity after timeout or unknown-identity
// failures, rescue backend with a direct-answer reinforcement, then a
// synthesized deterministic fallback.
type Gateway struct {
	primary    Backend
	rescue     Backend
	sessions   Sessions
	classifier policy.Classifier
	agentID    string
	altAgentID string
	logger     *slog.Logger
}

// NewGateway builds a gateway. rescue and altAgentID may be empty; the
// chain skips the steps it cannot take.
func NewGateway(primary, rescue Backend, sessions Sessions, classifier policy.Classifier, agentID, altAgentID string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = policy.NewKeywordClassifier()
	}
	return &Gateway{
		primary:    primary,
		rescue:     rescue,
		sessions:   sessions,
		classifier: classifier,
		agentID:    agentID,
		altAgentID: altAgentID,
		logger:     logger.With("component", "adapter"),
	}
}

// Produce resolves content for one turn. It never returns an error: every
// failure path ends in the deterministic fallback reply.
func (g *Gateway) Produce(ctx context.Context, req *ProduceRequest, rec Recorder) *Produced {
	if rec == nil {
		rec = func(string, map[string]any) {}
	}

	style := g.classifier.Classify(req.TopicTitle + "\n" + req.HostText)
	fctx := FilterContext{TopicTitle: req.TopicTitle, HostText: req.HostText, Style: style}
	prompt := buildPrompt(style, req.TopicTitle, req.HostText, req.Transcript, req.SpeakerName)

	// Fast path: general chatter gets a deterministic reply now and a
	// background enrichment later instead of blocking on the subprocess.
	if style == policy.StyleGeneral && req.Enrich != nil && g.rescue != nil {
		if p := g.fastPath(ctx, req, prompt, style, fctx, rec); p != nil {
			return p
		}
	}

	return g.chain(ctx, req, prompt, style, fctx, rec)
}

// chain walks the synchronous retry/fallback sequence.
func (g *Gateway) chain(ctx context.Context, req *ProduceRequest, prompt string, style policy.StyleTag, fctx FilterContext, rec Recorder) *Produced {
	var lastErr error
	retried := false

	// Step 1: primary backend, primary identity, current session revision.
	rev := g.sessions.SessionRev(req.MeetingID, req.TopicID, req.SpeakerID)
	content, meta, err := g.attempt(ctx, g.primary, g.agentID, rev, prompt, req, fctx, rec)
	if err == nil {
		return g.produced(content, meta, style, retried, false)
	}
	if gateBlocked(err) {
		return g.gateRetry(ctx, req, prompt, style, fctx, rec)
	}
	lastErr = err

	// Step 2: alternate identity for timeout/unknown-identity failures,
	// under a freshly bumped revision.
	if g.altAgentID != "" && (errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnknownAgent)) {
		retried = true
		rev = g.sessions.BumpSessionRev(req.MeetingID, req.TopicID, req.SpeakerID)
		rec("adapter.session_reset", map[string]any{
			"speaker_id": req.SpeakerID,
			"revision":   rev,
		})
		rec("adapter.retry", map[string]any{
			"step":       "alternate_identity",
			"adapter":    g.primary.Name(),
			"agent_id":   g.altAgentID,
			"speaker_id": req.SpeakerID,
		})
		content, meta, err = g.attempt(ctx, g.primary, g.altAgentID, rev, prompt, req, fctx, rec)
		if err == nil {
			return g.produced(content, meta, style, retried, false)
		}
		if gateBlocked(err) {
			return g.gateRetry(ctx, req, prompt, style, fctx, rec)
		}
		lastErr = err
	}

	// Step 3: rescue backend with direct-answer reinforcement.
	if g.rescue != nil {
		retried = true
		rec("adapter.retry", map[string]any{
			"step":       "rescue",
			"adapter":    g.rescue.Name(),
			"speaker_id": req.SpeakerID,
		})
		content, meta, err = g.attempt(ctx, g.rescue, g.agentID, 0, prompt+"\n"+directAnswerReinforcement, req, fctx, rec)
		if err == nil {
			return g.produced(content, meta, style, retried, false)
		}
		if gateBlocked(err) {
			return g.gateRetry(ctx, req, prompt, style, fctx, rec)
		}
		lastErr = err
	}

	// Step 4: synthesized deterministic fallback.
	content = fallbackReply(req, lastErr)
	meta = map[string]any{"adapter": "fallback"}
	return g.produced(content, meta, style, retried, true)
}

// errGateFailed wraps a lookup-gate rejection so the chain can divert to
// the single reinforced gate retry.
var errGateFailed = errors.New("lookup gate not passed")

func gateBlocked(err error) bool { return errors.Is(err, errGateFailed) }

// gateRetry performs the one reinforced retry the lookup gate allows, then
// falls back to a deterministic blocked-by-gate reply rather than a
// fabricated conclusion.
func (g *Gateway) gateRetry(ctx context.Context, req *ProduceRequest, prompt string, style policy.StyleTag, fctx FilterContext, rec Recorder) *Produced {
	rec("adapter.retry", map[string]any{
		"step":       "gate_reinforce",
		"adapter":    g.primary.Name(),
		"speaker_id": req.SpeakerID,
	})
	rev := g.sessions.SessionRev(req.MeetingID, req.TopicID, req.SpeakerID)
	content, meta, err := g.attempt(ctx, g.primary, g.agentID, rev, prompt+"\n"+gateReinforcement, req, fctx, rec)
	if err == nil {
		return g.produced(content, meta, style, true, false)
	}
	content = gateBlockedReply(req)
	meta = map[string]any{"adapter": "fallback", "gate_blocked": true}
	return g.produced(content, meta, style, true, true)
}

// attempt runs one backend invocation plus validity filtering.
func (g *Gateway) attempt(ctx context.Context, b Backend, agentID string, rev int, prompt string, req *ProduceRequest, fctx FilterContext, rec Recorder) (string, map[string]any, error) {
	sessionKey := fmt.Sprintf("%s:%s:%s:r%d", req.MeetingID, req.TopicID, req.SpeakerID, rev)
	rec("adapter.request", map[string]any{
		"adapter":     b.Name(),
		"agent_id":    agentID,
		"speaker_id":  req.SpeakerID,
		"session_key": sessionKey,
	})

	res, err := b.Invoke(ctx, &Request{
		AgentID:    agentID,
		SessionKey: sessionKey,
		Prompt:     prompt,
		Timeout:    req.Timeout,
	})
	if err != nil {
		rec("adapter.error", map[string]any{
			"adapter":    b.Name(),
			"agent_id":   agentID,
			"speaker_id": req.SpeakerID,
			"error":      truncate(err.Error(), 200),
		})
		g.logger.Warn("backend attempt failed",
			"adapter", b.Name(),
			"agent_id", agentID,
			"error", err)
		return "", nil, err
	}

	cleaned, reason := Validate(res.Content, fctx)
	if reason != "" {
		rec("adapter.discarded", map[string]any{
			"adapter":    b.Name(),
			"speaker_id": req.SpeakerID,
			"reason":     reason,
		})
		if reason == RejectGate {
			return "", nil, errGateFailed
		}
		return "", nil, fmt.Errorf("reply rejected: %s", reason)
	}

	meta := map[string]any{"adapter": b.Name(), "agent_id": agentID}
	for k, v := range res.Meta {
		meta[k] = v
	}
	return cleaned, meta, nil
}

// fastPath answers from the rescue backend immediately and schedules a
// background primary call whose success appends a second message via
// req.Enrich. Returns nil when the rescue path itself fails, in which
// case the caller runs the normal chain.
func (g *Gateway) fastPath(ctx context.Context, req *ProduceRequest, prompt string, style policy.StyleTag, fctx FilterContext, rec Recorder) *Produced {
	content, meta, err := g.attempt(ctx, g.rescue, g.agentID, 0, prompt, req, fctx, rec)
	if err != nil {
		return nil
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		rev := g.sessions.SessionRev(req.MeetingID, req.TopicID, req.SpeakerID)
		enriched, emeta, err := g.attempt(bg, g.primary, g.agentID, rev, prompt, req, fctx, rec)
		if err != nil {
			return
		}
		emeta["enrichment"] = true
		emeta["style"] = string(style)
		req.Enrich(enriched, emeta)
	}()

	meta["enrichment_pending"] = true
	return g.produced(content, meta, style, false, false)
}

func (g *Gateway) produced(content string, meta map[string]any, style policy.StyleTag, retried, fallback bool) *Produced {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["style"] = string(style)
	if retried {
		meta["retried"] = true
	}
	if fallback {
		meta["fallback"] = true
	}
	return &Produced{Content: content, Meta: meta, Style: style}
}

// fallbackReply acknowledges the failure and offers a generic on-topic
// suggestion so the meeting keeps moving.
func fallbackReply(req *ProduceRequest, cause error) string {
	var b strings.Builder
	b.WriteString("Live adapter call failed, offering a holding suggestion instead. ")
	if req.HostText != "" {
		fmt.Fprintf(&b, "Host focus: %s. ", truncate(req.HostText, 90))
	} else {
		b.WriteString("The host has not added specific requirements yet. ")
	}
	fmt.Fprintf(&b, "Suggest locking the goal and acceptance criteria for %q first, then advancing interface, state, and permissions in that order.", truncate(req.TopicTitle, 80))
	if cause != nil {
		fmt.Fprintf(&b, " Error: %s", truncate(cause.Error(), 160))
	}
	return b.String()
}

// gateBlockedReply is returned when the evidence gate cannot be passed.
func gateBlockedReply(req *ProduceRequest) string {
	return fmt.Sprintf(
		"Evidence gate not passed for %q. The required source categories were not all checked, so no conclusion is stated. Suggest verifying against official docs plus one independent source before continuing.",
		truncate(req.TopicTitle, 80))
}
