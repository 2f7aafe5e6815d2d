// ABOUTME: Tests for turn execution, pending-reason collapse, and topic closure
// ABOUTME: Uses a stub producer over a seeded in-memory repository

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warroom-gateway/internal/adapter"
	"github.com/2389/warroom-gateway/internal/bus"
	"github.com/2389/warroom-gateway/internal/room"
	"github.com/2389/warroom-gateway/internal/store"
)

const longReply = "Shipping the smallest runnable slice first derisks the schedule because integration problems surface early."

// stubProducer returns canned replies and can block a chosen call to keep
// a turn in flight.
type stubProducer struct {
	mu      sync.Mutex
	replies []string
	calls   int
	gate    chan struct{} // when set, call 0 blocks until the gate closes
}

func (p *stubProducer) Produce(_ context.Context, req *adapter.ProduceRequest, _ adapter.Recorder) *adapter.Produced {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	gate := p.gate
	p.mu.Unlock()

	if gate != nil && idx == 0 {
		<-gate
	}

	content := longReply
	if len(p.replies) > 0 {
		if idx >= len(p.replies) {
			idx = len(p.replies) - 1
		}
		content = p.replies[idx]
	}
	return &adapter.Produced{Content: content, Meta: map[string]any{"adapter": "stub"}}
}

func (p *stubProducer) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixture struct {
	repo    *room.Repository
	sched   *Scheduler
	meeting *store.Meeting
}

func newFixture(t *testing.T, producer ContentProducer, policy store.Policy, cfg Config) *fixture {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := bus.NewBroadcaster(nil)
	t.Cleanup(b.Close)

	repo, err := room.NewRepository(t.Context(), st, b, nil)
	require.NoError(t, err)

	m, err := repo.SeedDefaultMeeting(t.Context(), policy)
	require.NoError(t, err)

	if cfg.Debounce == 0 {
		// Keep timers from firing mid-test; turns run explicitly.
		cfg.Debounce = time.Hour
	}
	s := New(repo, producer, cfg, nil)
	t.Cleanup(s.Close)

	return &fixture{repo: repo, sched: s, meeting: m}
}

func (f *fixture) snapshot(t *testing.T) *store.Meeting {
	t.Helper()
	m, err := f.repo.Snapshot(f.meeting.ID)
	require.NoError(t, err)
	return m
}

func (f *fixture) activeTopic(t *testing.T) *store.Topic {
	t.Helper()
	m := f.snapshot(t)
	topic := m.ActiveTopic()
	require.NotNil(t, topic)
	return topic
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func eventTypes(m *store.Meeting) []string {
	out := make([]string, 0, len(m.Events))
	for _, e := range m.Events {
		out = append(out, e.Type)
	}
	return out
}

func TestScheduler_ForceSpeakerAppendsMessageAndIncrementsRound(t *testing.T) {
	f := newFixture(t, &stubProducer{}, store.Policy{MaxRounds: 6, HostPriority: true}, Config{})

	topic, err := f.sched.CreateTopic(t.Context(), f.meeting.ID, "Topic A", "")
	require.NoError(t, err)
	assert.Equal(t, store.TopicActive, f.activeTopic(t).State)

	err = f.sched.ForceSpeaker(t.Context(), f.meeting.ID, "", "OpenClaw")
	require.NoError(t, err)

	m := f.snapshot(t)
	utterances := 0
	for _, msg := range m.TopicMessages(topic.ID) {
		if msg.Kind == store.MessageUtterance {
			utterances++
			assert.Equal(t, longReply, msg.Content)
		}
	}
	assert.Equal(t, 1, utterances)
	assert.Equal(t, 1, m.Topic(topic.ID).Round)
	assert.False(t, m.Runtime.TurnInFlight)
	assert.Contains(t, eventTypes(m), "turn.started")
}

func TestScheduler_UnspecifiedPolicyStillRunsTurns(t *testing.T) {
	f := newFixture(t, &stubProducer{}, store.Policy{}, Config{})

	topic, err := f.sched.CreateTopic(t.Context(), f.meeting.ID, "Topic A", "")
	require.NoError(t, err)

	// The round budget falls back to the default, so the first turn
	// produces a speaker utterance instead of closing the topic.
	err = f.sched.ForceSpeaker(t.Context(), f.meeting.ID, "", "OpenClaw")
	require.NoError(t, err)

	m := f.snapshot(t)
	assert.Equal(t, 6, m.Policy.MaxRounds)
	assert.Equal(t, store.TopicActive, m.Topic(topic.ID).State)
	assert.Equal(t, 1, m.Topic(topic.ID).Round)

	utterances, summaries := 0, 0
	for _, msg := range m.TopicMessages(topic.ID) {
		switch msg.Kind {
		case store.MessageUtterance:
			utterances++
		case store.MessageSummary:
			summaries++
		}
	}
	assert.Equal(t, 1, utterances)
	assert.Zero(t, summaries)
}

func TestScheduler_StartingNewTopicClosesPreviousWithSummary(t *testing.T) {
	f := newFixture(t, &stubProducer{}, store.Policy{MaxRounds: 6}, Config{})
	ctx := t.Context()

	a, err := f.sched.CreateTopic(ctx, f.meeting.ID, "Topic A", "")
	require.NoError(t, err)
	b, err := f.sched.CreateTopic(ctx, f.meeting.ID, "Topic B", "")
	require.NoError(t, err)

	// B queued while A is active.
	m := f.snapshot(t)
	assert.Equal(t, store.TopicActive, m.Topic(a.ID).State)
	assert.Equal(t, store.TopicQueued, m.Topic(b.ID).State)

	require.NoError(t, f.sched.StartTopic(ctx, f.meeting.ID, b.ID))

	m = f.snapshot(t)
	assert.Equal(t, store.TopicClosed, m.Topic(a.ID).State)
	assert.Equal(t, store.TopicActive, m.Topic(b.ID).State)
	assert.Equal(t, b.ID, m.Runtime.CurrentTopicID)

	// At most one active topic.
	active := 0
	for _, tp := range m.Topics {
		if tp.State == store.TopicActive {
			active++
		}
	}
	assert.Equal(t, 1, active)

	// The implicit close produced a moderator summary and a topic.closed event.
	var summary *store.Message
	for _, msg := range m.TopicMessages(a.ID) {
		if msg.Kind == store.MessageSummary {
			summary = msg
		}
	}
	require.NotNil(t, summary)
	assert.Equal(t, CloseSwitched, summary.Meta["close_reason"])
	assert.Equal(t, m.Moderator().ID, summary.SpeakerID)
	assert.Contains(t, eventTypes(m), "topic.closed")
}

func TestScheduler_PendingReasonCollapsesToLastWrite(t *testing.T) {
	gate := make(chan struct{})
	producer := &stubProducer{gate: gate}
	f := newFixture(t, producer, store.Policy{MaxRounds: 6}, Config{})
	ctx := t.Context()

	_, err := f.sched.CreateTopic(ctx, f.meeting.ID, "Topic A", "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.sched.ForceSpeaker(context.Background(), f.meeting.ID, "", "OpenClaw") }()

	waitFor(t, func() bool { return f.snapshot(t).Runtime.TurnInFlight }, "turn never started")

	// Triggers during the in-flight turn only overwrite the pending reason.
	f.sched.Schedule(f.meeting.ID, ReasonHostInterrupt)
	f.sched.Schedule(f.meeting.ID, ReasonResume)
	f.sched.Schedule(f.meeting.ID, ReasonManualNext)

	assert.Equal(t, 1, producer.callCount())

	close(gate)
	require.NoError(t, <-done)

	waitFor(t, func() bool { return !f.snapshot(t).Runtime.TurnInFlight }, "turn never completed")

	// Exactly one pending reason was consumed; no extra turns ran.
	m := f.snapshot(t)
	assert.Empty(t, m.Runtime.PendingReason)
	assert.Equal(t, 1, producer.callCount())
}

func TestScheduler_MaxRoundsClosesWithSummary(t *testing.T) {
	f := newFixture(t, &stubProducer{}, store.Policy{MaxRounds: 1}, Config{})
	ctx := t.Context()

	topic, err := f.sched.CreateTopic(ctx, f.meeting.ID, "Topic A", "")
	require.NoError(t, err)

	f.sched.RunTurn(f.meeting.ID, ReasonManualNext)
	assert.Equal(t, 1, f.snapshot(t).Topic(topic.ID).Round)

	// Round cap reached: the next trigger summarizes instead of speaking.
	f.sched.RunTurn(f.meeting.ID, ReasonManualNext)

	m := f.snapshot(t)
	assert.Equal(t, store.TopicClosed, m.Topic(topic.ID).State)
	assert.Empty(t, m.Runtime.CurrentTopicID)

	var summary *store.Message
	for _, msg := range m.TopicMessages(topic.ID) {
		if msg.Kind == store.MessageSummary {
			summary = msg
		}
	}
	require.NotNil(t, summary)
	assert.Equal(t, CloseMaxRounds, summary.Meta["close_reason"])
	assert.Contains(t, summary.Content, "close_reason: max_rounds")
}

func TestScheduler_DuplicateTurnSkippedWithoutRoundIncrement(t *testing.T) {
	f := newFixture(t, &stubProducer{}, store.Policy{MaxRounds: 6}, Config{})
	ctx := t.Context()

	topic, err := f.sched.CreateTopic(ctx, f.meeting.ID, "Topic A", "")
	require.NoError(t, err)

	require.NoError(t, f.sched.ForceSpeaker(ctx, f.meeting.ID, "", "OpenClaw"))
	require.NoError(t, f.sched.ForceSpeaker(ctx, f.meeting.ID, "", "OpenClaw"))

	m := f.snapshot(t)
	utterances := 0
	for _, msg := range m.TopicMessages(topic.ID) {
		if msg.Kind == store.MessageUtterance {
			utterances++
		}
	}
	assert.Equal(t, 1, utterances, "identical reply should be suppressed")
	assert.Equal(t, 1, m.Topic(topic.ID).Round, "skipped turn must not advance the round")
	assert.Equal(t, 1, m.Runtime.NoNewInfoStreak)
	assert.Equal(t, "A", m.Runtime.LastDuplicateCohort)
	assert.Contains(t, eventTypes(m), "turn.skipped")
}

func TestScheduler_StagnationClosesTopic(t *testing.T) {
	f := newFixture(t, &stubProducer{}, store.Policy{MaxRounds: 10}, Config{StagnationThreshold: 2})
	ctx := t.Context()

	topic, err := f.sched.CreateTopic(ctx, f.meeting.ID, "Topic A", "")
	require.NoError(t, err)

	// Identical replies: accept, stale accept, then own-duplicate skip
	// crossing the threshold.
	f.sched.RunTurn(f.meeting.ID, ReasonRoundRobin)
	f.sched.RunTurn(f.meeting.ID, ReasonRoundRobin)
	f.sched.RunTurn(f.meeting.ID, ReasonRoundRobin)

	m := f.snapshot(t)
	assert.Equal(t, store.TopicClosed, m.Topic(topic.ID).State)

	var summary *store.Message
	for _, msg := range m.TopicMessages(topic.ID) {
		if msg.Kind == store.MessageSummary {
			summary = msg
		}
	}
	require.NotNil(t, summary)
	assert.Equal(t, CloseNoNewInfo, summary.Meta["close_reason"])
	assert.Zero(t, m.Runtime.NoNewInfoStreak)
}

func TestScheduler_NeedsHumanAutoPausesAndHumanReplyResumes(t *testing.T) {
	needsHost := "This tradeoff needs a human decision before the rollout plan can continue safely."
	f := newFixture(t, &stubProducer{replies: []string{needsHost}}, store.Policy{MaxRounds: 6, HostPriority: true}, Config{})
	ctx := t.Context()

	topic, err := f.sched.CreateTopic(ctx, f.meeting.ID, "Topic A", "")
	require.NoError(t, err)

	f.sched.RunTurn(f.meeting.ID, ReasonManualNext)

	m := f.snapshot(t)
	assert.True(t, m.Runtime.AutoPaused)
	assert.False(t, m.Runtime.Paused, "auto-pause is distinct from manual pause")
	assert.Contains(t, eventTypes(m), "meeting.auto_paused")

	// Auto-paused meetings do not run turns.
	f.sched.RunTurn(f.meeting.ID, ReasonManualNext)
	assert.Equal(t, 1, f.snapshot(t).Topic(topic.ID).Round)

	// A human message clears the auto-pause.
	host := m.ParticipantByName("Host")
	require.NotNil(t, host)
	_, err = f.sched.PostMessage(ctx, f.meeting.ID, PostMessageInput{
		SpeakerID: host.ID,
		Content:   "Go with the staged rollout.",
	})
	require.NoError(t, err)

	m = f.snapshot(t)
	assert.False(t, m.Runtime.AutoPaused)
	assert.Contains(t, eventTypes(m), "meeting.auto_resumed")
}

func TestScheduler_StaleTurnDroppedAfterTopicClose(t *testing.T) {
	gate := make(chan struct{})
	producer := &stubProducer{gate: gate}
	f := newFixture(t, producer, store.Policy{MaxRounds: 6}, Config{})
	ctx := t.Context()

	topic, err := f.sched.CreateTopic(ctx, f.meeting.ID, "Topic A", "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.sched.ForceSpeaker(context.Background(), f.meeting.ID, "", "OpenClaw") }()
	waitFor(t, func() bool { return f.snapshot(t).Runtime.TurnInFlight }, "turn never started")

	// Close the topic while the backend call is in flight.
	require.NoError(t, f.sched.EndTopic(ctx, f.meeting.ID))

	close(gate)
	require.NoError(t, <-done)
	waitFor(t, func() bool { return !f.snapshot(t).Runtime.TurnInFlight }, "turn never completed")

	m := f.snapshot(t)
	assert.Contains(t, eventTypes(m), "turn.dropped")
	for _, msg := range m.TopicMessages(topic.ID) {
		assert.NotEqual(t, store.MessageUtterance, msg.Kind, "stale content must be discarded")
	}
	assert.Equal(t, 0, m.Topic(topic.ID).Round)
}

func TestScheduler_ForceSpeakerConflictWhileInFlight(t *testing.T) {
	gate := make(chan struct{})
	producer := &stubProducer{gate: gate}
	f := newFixture(t, producer, store.Policy{MaxRounds: 6}, Config{})
	ctx := t.Context()

	_, err := f.sched.CreateTopic(ctx, f.meeting.ID, "Topic A", "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.sched.ForceSpeaker(context.Background(), f.meeting.ID, "", "OpenClaw") }()
	waitFor(t, func() bool { return f.snapshot(t).Runtime.TurnInFlight }, "turn never started")

	err = f.sched.ForceSpeaker(ctx, f.meeting.ID, "", "Codex")
	assert.ErrorIs(t, err, ErrTurnInFlight)

	close(gate)
	require.NoError(t, <-done)
}

func TestScheduler_ForceSpeakerValidation(t *testing.T) {
	f := newFixture(t, &stubProducer{}, store.Policy{MaxRounds: 6}, Config{})
	ctx := t.Context()

	// No active topic yet.
	err := f.sched.ForceSpeaker(ctx, f.meeting.ID, "", "OpenClaw")
	assert.ErrorIs(t, err, ErrNoActiveTopic)

	_, err = f.sched.CreateTopic(ctx, f.meeting.ID, "Topic A", "")
	require.NoError(t, err)

	err = f.sched.ForceSpeaker(ctx, f.meeting.ID, "", "nobody")
	assert.ErrorIs(t, err, ErrUnknownSpeaker)

	// Humans cannot be forced as speakers.
	err = f.sched.ForceSpeaker(ctx, f.meeting.ID, "", "Host")
	assert.ErrorIs(t, err, ErrNotAutomated)
}

func TestScheduler_PostMessageTopicResolution(t *testing.T) {
	f := newFixture(t, &stubProducer{}, store.Policy{MaxRounds: 6}, Config{})
	ctx := t.Context()

	m := f.snapshot(t)
	host := m.ParticipantByName("Host")
	require.NotNil(t, host)

	// No topics at all.
	_, err := f.sched.PostMessage(ctx, f.meeting.ID, PostMessageInput{SpeakerID: host.ID, Content: "hello"})
	assert.ErrorIs(t, err, ErrNoActiveTopic)

	a, err := f.sched.CreateTopic(ctx, f.meeting.ID, "Topic A", "")
	require.NoError(t, err)
	b, err := f.sched.CreateTopic(ctx, f.meeting.ID, "Topic B", "")
	require.NoError(t, err)

	// Queued topic while another is active is a conflict.
	_, err = f.sched.PostMessage(ctx, f.meeting.ID, PostMessageInput{TopicID: b.ID, SpeakerID: host.ID, Content: "hello"})
	assert.ErrorIs(t, err, ErrTopicConflict)

	// Unknown topic and speaker.
	_, err = f.sched.PostMessage(ctx, f.meeting.ID, PostMessageInput{TopicID: "missing", SpeakerID: host.ID, Content: "hello"})
	assert.ErrorIs(t, err, ErrTopicNotFound)
	_, err = f.sched.PostMessage(ctx, f.meeting.ID, PostMessageInput{SpeakerID: "missing", Content: "hello"})
	assert.ErrorIs(t, err, ErrUnknownSpeaker)

	// Empty content never mutates state.
	_, err = f.sched.PostMessage(ctx, f.meeting.ID, PostMessageInput{SpeakerID: host.ID, Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyContent)

	// Close A, then posting to queued B auto-activates it.
	require.NoError(t, f.sched.EndTopic(ctx, f.meeting.ID))
	msg, err := f.sched.PostMessage(ctx, f.meeting.ID, PostMessageInput{TopicID: b.ID, SpeakerID: host.ID, Content: "pick this up"})
	require.NoError(t, err)
	assert.Equal(t, b.ID, msg.TopicID)

	m = f.snapshot(t)
	assert.Equal(t, store.TopicActive, m.Topic(b.ID).State)
	assert.Equal(t, b.ID, m.Runtime.CurrentTopicID)

	// Closed topic rejects messages.
	_, err = f.sched.PostMessage(ctx, f.meeting.ID, PostMessageInput{TopicID: a.ID, SpeakerID: host.ID, Content: "too late"})
	assert.ErrorIs(t, err, ErrTopicClosed)
}

func TestScheduler_PausedMeetingRunsNoTurns(t *testing.T) {
	producer := &stubProducer{}
	f := newFixture(t, producer, store.Policy{MaxRounds: 6}, Config{})
	ctx := t.Context()

	topic, err := f.sched.CreateTopic(ctx, f.meeting.ID, "Topic A", "")
	require.NoError(t, err)

	require.NoError(t, f.sched.Pause(ctx, f.meeting.ID))
	f.sched.RunTurn(f.meeting.ID, ReasonManualNext)
	assert.Equal(t, 0, producer.callCount())
	assert.Equal(t, 0, f.snapshot(t).Topic(topic.ID).Round)

	require.NoError(t, f.sched.Resume(ctx, f.meeting.ID))
	f.sched.RunTurn(f.meeting.ID, ReasonManualNext)
	assert.Equal(t, 1, producer.callCount())
}

func TestScheduler_CompletionRunsPendingTrigger(t *testing.T) {
	gate := make(chan struct{})
	producer := &stubProducer{gate: gate}
	f := newFixture(t, producer, store.Policy{MaxRounds: 6}, Config{Debounce: 20 * time.Millisecond})
	ctx := t.Context()

	// Topic creation schedules a debounced turn; its producer call blocks
	// on the gate.
	_, err := f.sched.CreateTopic(ctx, f.meeting.ID, "Topic A", "")
	require.NoError(t, err)
	waitFor(t, func() bool { return f.snapshot(t).Runtime.TurnInFlight }, "turn never started")

	f.sched.Schedule(f.meeting.ID, ReasonManualNext)
	close(gate)

	// The pending trigger runs exactly one follow-up turn.
	waitFor(t, func() bool { return producer.callCount() == 2 }, "pending trigger never ran")
	waitFor(t, func() bool { return !f.snapshot(t).Runtime.TurnInFlight }, "turn never completed")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, producer.callCount())
}

func TestScheduler_CreateTopicValidation(t *testing.T) {
	f := newFixture(t, &stubProducer{}, store.Policy{MaxRounds: 6}, Config{})

	_, err := f.sched.CreateTopic(t.Context(), f.meeting.ID, "   ", "")
	assert.ErrorIs(t, err, ErrEmptyTitle)

	_, err = f.sched.CreateTopic(t.Context(), "missing", "Topic", "")
	assert.ErrorIs(t, err, room.ErrMeetingNotFound)
}
