// ABOUTME: Debounced turn scheduler driving speaker selection and turn execution
// ABOUTME: Owns the turn-in-flight discipline and pending-reason collapse

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/warroom-gateway/internal/adapter"
	"github.com/2389/warroom-gateway/internal/room"
	"github.com/2389/warroom-gateway/internal/store"
)

// Trigger reasons.
const (
	ReasonTopicStarted  = "topic_started"
	ReasonHostInterrupt = "host_interrupt"
	ReasonManualNext    = "manual_next"
	ReasonResume        = "resume"
	ReasonHumanReply    = "human_reply"
	ReasonRoundRobin    = "round_robin"
	ReasonAfterForce    = "after_force"
	ReasonForceSpeaker  = "force_speaker"
)

// Sentinel errors surfaced to the request layer.
var (
	ErrTurnInFlight   = errors.New("turn already in flight")
	ErrNoActiveTopic  = errors.New("no active topic")
	ErrTopicNotFound  = errors.New("topic not found")
	ErrTopicClosed    = errors.New("topic is closed")
	ErrTopicConflict  = errors.New("another topic is active")
	ErrUnknownSpeaker = errors.New("unknown speaker")
	ErrNotAutomated   = errors.New("speaker is not an automated participant")
	ErrEmptyContent   = errors.New("empty content")
	ErrEmptyTitle     = errors.New("empty title")
)

// ContentProducer is what the scheduler needs from the adapter gateway.
type ContentProducer interface {
	Produce(ctx context.Context, req *adapter.ProduceRequest, rec adapter.Recorder) *adapter.Produced
}

// Config carries the scheduler knobs.
type Config struct {
	Debounce            time.Duration
	InteractiveTimeout  time.Duration
	BackgroundTimeout   time.Duration
	StagnationThreshold int
	Selection           string
	TieBreaks           []string
	StrongHostBias      bool
}

// Scheduler decides when turns run, who speaks, and what happens after.
// One pending debounce timer exists per meeting; triggers arriving while a
// turn is in flight collapse into a single pending reason.
type Scheduler struct {
	repo     *room.Repository
	producer ContentProducer
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New builds a scheduler. Zero config fields get working defaults.
func New(repo *room.Repository, producer ContentProducer, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 700 * time.Millisecond
	}
	if cfg.InteractiveTimeout <= 0 {
		cfg.InteractiveTimeout = 15 * time.Second
	}
	if cfg.BackgroundTimeout <= 0 {
		cfg.BackgroundTimeout = 25 * time.Second
	}
	if cfg.StagnationThreshold <= 0 {
		cfg.StagnationThreshold = 2
	}
	if len(cfg.TieBreaks) == 0 {
		cfg.TieBreaks = []string{TieBreakCursor, TieBreakLastSpeaker}
	}
	return &Scheduler{
		repo:     repo,
		producer: producer,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		timers:   make(map[string]*time.Timer),
	}
}

// Close stops all pending debounce timers. In-flight turns finish on
// their own.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Schedule records a trigger for the meeting. While a turn is in flight
// only the pending reason is updated (last-write-wins); otherwise a burst
// of triggers collapses into one debounce timer carrying the latest
// reason.
func (s *Scheduler) Schedule(meetingID, reason string) {
	inFlight := false
	err := s.repo.Mutate(context.Background(), meetingID, func(m *store.Meeting, _ *room.Txn) error {
		if m.Runtime.TurnInFlight {
			m.Runtime.PendingReason = reason
			inFlight = true
		}
		return nil
	})
	if err != nil || inFlight {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[meetingID]; ok {
		t.Stop()
	}
	s.timers[meetingID] = time.AfterFunc(s.cfg.Debounce, func() {
		s.mu.Lock()
		delete(s.timers, meetingID)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.RunTurn(meetingID, reason)
	})
}

// NextTurn forces one immediate turn, skipping the debounce. If a turn is
// already in flight the trigger collapses into the pending reason.
func (s *Scheduler) NextTurn(ctx context.Context, meetingID string) error {
	inFlight := false
	err := s.repo.Mutate(ctx, meetingID, func(m *store.Meeting, _ *room.Txn) error {
		if m.Runtime.TurnInFlight {
			m.Runtime.PendingReason = ReasonManualNext
			inFlight = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !inFlight {
		s.RunTurn(meetingID, ReasonManualNext)
	}
	return nil
}

// turnSetup is the immutable snapshot a turn carries across the adapter
// call, taken under the meeting lock before the call starts.
type turnSetup struct {
	topicID    string
	topicTitle string
	speaker    store.Participant
	transcript string
	hostText   string
	timeout    time.Duration
	reason     string
}

// RunTurn checks preconditions, selects a speaker, and executes one turn.
// It never returns an error; failures are recorded as events.
func (s *Scheduler) RunTurn(meetingID, reason string) {
	ctx := context.Background()

	var setup *turnSetup
	err := s.repo.Mutate(ctx, meetingID, func(m *store.Meeting, tx *room.Txn) error {
		if m.Status != store.MeetingStatusActive || m.Runtime.Paused || m.Runtime.AutoPaused || m.Runtime.TurnInFlight {
			return nil
		}
		topic := m.ActiveTopic()
		if topic == nil || topic.State != store.TopicActive {
			return nil
		}
		if topic.Round >= m.Policy.MaxRounds {
			s.summarize(m, tx, topic, CloseMaxRounds)
			return nil
		}
		speaker := s.pickSpeaker(m, topic, reason)
		if speaker == nil {
			return nil
		}

		m.Runtime.TurnInFlight = true
		tx.SaveMeeting()
		tx.AppendEvent(topic.ID, "turn.started", map[string]any{
			"speaker_id":   speaker.ID,
			"speaker_name": speaker.Name,
			"reason":       reason,
			"round":        topic.Round + 1,
		})
		setup = s.setupTurn(m, topic, speaker, reason)
		return nil
	})
	if err != nil || setup == nil {
		return
	}
	s.executeTurn(ctx, meetingID, setup)
}

// ForceSpeaker runs one turn for an explicitly named automated speaker,
// bypassing selection. A turn already in flight is a retryable conflict.
func (s *Scheduler) ForceSpeaker(ctx context.Context, meetingID, speakerID, speakerName string) error {
	var setup *turnSetup
	err := s.repo.Mutate(ctx, meetingID, func(m *store.Meeting, tx *room.Txn) error {
		topic := m.ActiveTopic()
		if topic == nil || topic.State != store.TopicActive {
			return ErrNoActiveTopic
		}
		var speaker *store.Participant
		if speakerID != "" {
			speaker = m.Participant(speakerID)
		}
		if speaker == nil && speakerName != "" {
			speaker = m.ParticipantByName(speakerName)
		}
		if speaker == nil {
			return ErrUnknownSpeaker
		}
		if speaker.Kind != store.ParticipantAutomated {
			return ErrNotAutomated
		}
		if m.Runtime.TurnInFlight {
			return ErrTurnInFlight
		}

		m.Runtime.TurnInFlight = true
		tx.SaveMeeting()
		tx.AppendEvent(topic.ID, "turn.started", map[string]any{
			"speaker_id":   speaker.ID,
			"speaker_name": speaker.Name,
			"reason":       ReasonForceSpeaker,
			"round":        topic.Round + 1,
		})
		setup = s.setupTurn(m, topic, speaker, ReasonForceSpeaker)
		return nil
	})
	if err != nil {
		return err
	}
	s.executeTurn(ctx, meetingID, setup)
	return nil
}

// setupTurn snapshots everything the adapter call needs. Must be called
// with the meeting lock held.
func (s *Scheduler) setupTurn(m *store.Meeting, topic *store.Topic, speaker *store.Participant, reason string) *turnSetup {
	timeout := s.cfg.InteractiveTimeout
	if reason == ReasonRoundRobin || reason == ReasonAfterForce {
		timeout = s.cfg.BackgroundTimeout
		if m.Policy.TimeoutSec > 0 {
			timeout = time.Duration(m.Policy.TimeoutSec) * time.Second
		}
	}
	return &turnSetup{
		topicID:    topic.ID,
		topicTitle: topic.Title,
		speaker:    *speaker,
		transcript: buildTranscript(m, topic.ID),
		hostText:   lastHostText(m, topic.ID),
		timeout:    timeout,
		reason:     reason,
	}
}

// executeTurn calls the adapter outside the meeting lock and applies the
// outcome. The in-flight flag is cleared on every path.
func (s *Scheduler) executeTurn(ctx context.Context, meetingID string, t *turnSetup) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("turn execution panicked", "meeting_id", meetingID, "panic", r)
			_ = s.repo.Mutate(ctx, meetingID, func(m *store.Meeting, tx *room.Txn) error {
				m.Runtime.TurnInFlight = false
				tx.AppendEvent(t.topicID, "turn.error", map[string]any{
					"speaker_id": t.speaker.ID,
					"error":      fmt.Sprint(r),
				})
				return nil
			})
		}
	}()

	rec := func(typ string, payload map[string]any) {
		_ = s.repo.Mutate(ctx, meetingID, func(m *store.Meeting, tx *room.Txn) error {
			tx.AppendEvent(t.topicID, typ, payload)
			return nil
		})
	}

	enrich := func(content string, meta map[string]any) {
		_ = s.repo.Mutate(context.Background(), meetingID, func(m *store.Meeting, tx *room.Txn) error {
			topic := m.Topic(t.topicID)
			if topic == nil || topic.State != store.TopicActive {
				return nil
			}
			tx.AppendMessage(&store.Message{
				TopicID:   t.topicID,
				SpeakerID: t.speaker.ID,
				Content:   content,
				Kind:      store.MessageUtterance,
				Meta:      meta,
			})
			return nil
		})
	}

	produced := s.producer.Produce(ctx, &adapter.ProduceRequest{
		MeetingID:   meetingID,
		TopicID:     t.topicID,
		SpeakerID:   t.speaker.ID,
		SpeakerName: t.speaker.Name,
		TopicTitle:  t.topicTitle,
		HostText:    t.hostText,
		Transcript:  t.transcript,
		Timeout:     t.timeout,
		Enrich:      enrich,
	}, rec)

	var next string
	_ = s.repo.Mutate(ctx, meetingID, func(m *store.Meeting, tx *room.Txn) error {
		defer func() { m.Runtime.TurnInFlight = false }()

		topic := m.Topic(t.topicID)
		switch {
		case topic == nil || topic.State != store.TopicActive || m.Runtime.CurrentTopicID != t.topicID:
			// Raced out by a topic switch or close; discard the content.
			tx.AppendEvent(t.topicID, "turn.dropped", map[string]any{
				"speaker_id": t.speaker.ID,
				"reason":     "topic_changed",
			})

		case isNearDuplicate(produced.Content, speakerUtterances(m, t.topicID, t.speaker.ID, 2)):
			m.Runtime.NoNewInfoStreak++
			m.Runtime.LastDuplicateCohort = t.speaker.Cohort
			tx.SaveMeeting()
			tx.AppendEvent(t.topicID, "turn.skipped", map[string]any{
				"speaker_id": t.speaker.ID,
				"reason":     "near_duplicate",
				"cohort":     t.speaker.Cohort,
			})
			if m.Runtime.NoNewInfoStreak >= s.cfg.StagnationThreshold {
				s.summarize(m, tx, topic, CloseNoNewInfo)
			}

		default:
			recent := recentContents(m, t.topicID, 4)
			tx.AppendMessage(&store.Message{
				TopicID:   t.topicID,
				SpeakerID: t.speaker.ID,
				Content:   produced.Content,
				Kind:      store.MessageUtterance,
				Meta:      produced.Meta,
			})
			m.Runtime.LastDuplicateCohort = ""
			if addsNoNewInfo(produced.Content, recent) {
				m.Runtime.NoNewInfoStreak++
			} else {
				m.Runtime.NoNewInfoStreak = 0
			}
			topic.Round++
			topic.UpdatedAt = time.Now().UTC()
			tx.SaveTopic(topic)
			tx.SaveMeeting()

			if needsHuman(produced.Content) {
				m.Runtime.AutoPaused = true
				tx.AppendEvent(t.topicID, "meeting.auto_paused", map[string]any{
					"speaker_id": t.speaker.ID,
				})
			} else if m.Runtime.NoNewInfoStreak >= s.cfg.StagnationThreshold {
				s.summarize(m, tx, topic, CloseNoNewInfo)
			}
		}

		// Completion handler: consume the pending reason, or continue
		// under auto-round-robin.
		if m.Runtime.PendingReason != "" {
			next = m.Runtime.PendingReason
			m.Runtime.PendingReason = ""
		} else if m.Policy.AutoRoundRobin && !m.Runtime.Paused && !m.Runtime.AutoPaused && m.Runtime.CurrentTopicID != "" {
			next = ReasonRoundRobin
		}
		return nil
	})

	if next != "" {
		s.Schedule(meetingID, next)
	}
}

// buildTranscript renders the last few topic messages for the prompt.
func buildTranscript(m *store.Meeting, topicID string) string {
	msgs := m.TopicMessages(topicID)
	if len(msgs) > 8 {
		msgs = msgs[len(msgs)-8:]
	}
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		name := "Unknown"
		if p := m.Participant(msg.SpeakerID); p != nil {
			name = p.Name
		}
		content := msg.Content
		if len(content) > 400 {
			content = content[:400]
		}
		lines = append(lines, name+": "+content)
	}
	return strings.Join(lines, "\n")
}

// lastHostText returns the most recent human message in the topic.
func lastHostText(m *store.Meeting, topicID string) string {
	msgs := m.TopicMessages(topicID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if p := m.Participant(msgs[i].SpeakerID); p != nil && p.Kind == store.ParticipantHuman {
			return msgs[i].Content
		}
	}
	return ""
}

// speakerUtterances returns the speaker's last n utterances in the topic.
func speakerUtterances(m *store.Meeting, topicID, speakerID string, n int) []string {
	var out []string
	msgs := m.TopicMessages(topicID)
	for i := len(msgs) - 1; i >= 0 && len(out) < n; i-- {
		if msgs[i].SpeakerID == speakerID && msgs[i].Kind == store.MessageUtterance {
			out = append(out, msgs[i].Content)
		}
	}
	return out
}

// recentContents returns the last n message contents in the topic.
func recentContents(m *store.Meeting, topicID string, n int) []string {
	msgs := m.TopicMessages(topicID)
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Content)
	}
	return out
}
