// ABOUTME: Topic lifecycle, message posting, and meeting control operations
// ABOUTME: Enforces topic resolution rules and pause/resume semantics

package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/warroom-gateway/internal/room"
	"github.com/2389/warroom-gateway/internal/store"
)

// activate flips a topic to active and points the meeting at it. Must be
// called with the meeting lock held.
func (s *Scheduler) activate(m *store.Meeting, tx *room.Txn, topic *store.Topic) {
	now := time.Now().UTC()
	topic.State = store.TopicActive
	topic.StartedAt = &now
	topic.UpdatedAt = now
	m.Runtime.CurrentTopicID = topic.ID
	m.Runtime.NoNewInfoStreak = 0
	m.Runtime.LastDuplicateCohort = ""
	tx.SaveTopic(topic)
	tx.SaveMeeting()
	tx.AppendEvent(topic.ID, "topic.started", map[string]any{"title": topic.Title})
}

// CreateTopic adds a queued topic. It auto-activates when no topic is
// active and the meeting is not paused.
func (s *Scheduler) CreateTopic(ctx context.Context, meetingID, title, createdBy string) (*store.Topic, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}

	var out store.Topic
	started := false
	err := s.repo.Mutate(ctx, meetingID, func(m *store.Meeting, tx *room.Txn) error {
		if createdBy == "" && len(m.Participants) > 0 {
			createdBy = m.Participants[0].ID
		}
		now := time.Now().UTC()
		topic := &store.Topic{
			ID:        uuid.NewString(),
			MeetingID: m.ID,
			Title:     title,
			State:     store.TopicQueued,
			CreatedBy: createdBy,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.Topics = append(m.Topics, topic)
		tx.SaveTopic(topic)
		tx.AppendEvent(topic.ID, "topic.created", map[string]any{"title": topic.Title})

		if m.Runtime.CurrentTopicID == "" && !m.Runtime.Paused {
			s.activate(m, tx, topic)
			started = true
		}
		out = *topic
		return nil
	})
	if err != nil {
		return nil, err
	}
	if started {
		s.Schedule(meetingID, ReasonTopicStarted)
	}
	return &out, nil
}

// StartTopic activates a queued topic. An already-active different topic
// is summarized and closed first.
func (s *Scheduler) StartTopic(ctx context.Context, meetingID, topicID string) error {
	err := s.repo.Mutate(ctx, meetingID, func(m *store.Meeting, tx *room.Txn) error {
		topic := m.Topic(topicID)
		if topic == nil {
			return ErrTopicNotFound
		}
		if topic.State == store.TopicClosed {
			return ErrTopicClosed
		}
		if topic.State == store.TopicActive {
			return nil
		}
		if prev := m.ActiveTopic(); prev != nil && prev.ID != topicID {
			s.summarize(m, tx, prev, CloseSwitched)
		}
		s.activate(m, tx, topic)
		return nil
	})
	if err != nil {
		return err
	}
	s.Schedule(meetingID, ReasonTopicStarted)
	return nil
}

// EndTopic summarizes and closes the active topic.
func (s *Scheduler) EndTopic(ctx context.Context, meetingID string) error {
	return s.repo.Mutate(ctx, meetingID, func(m *store.Meeting, tx *room.Txn) error {
		topic := m.ActiveTopic()
		if topic == nil || topic.State != store.TopicActive {
			return ErrNoActiveTopic
		}
		s.summarize(m, tx, topic, CloseHostEnd)
		return nil
	})
}

// Pause stops new turns from starting. An in-flight turn still completes.
func (s *Scheduler) Pause(ctx context.Context, meetingID string) error {
	return s.repo.Mutate(ctx, meetingID, func(m *store.Meeting, tx *room.Txn) error {
		m.Runtime.Paused = true
		tx.SaveMeeting()
		tx.AppendEvent(m.Runtime.CurrentTopicID, "meeting.paused", nil)
		return nil
	})
}

// Resume clears both manual and auto pause and re-triggers scheduling if
// a topic is active.
func (s *Scheduler) Resume(ctx context.Context, meetingID string) error {
	resumeTopic := false
	err := s.repo.Mutate(ctx, meetingID, func(m *store.Meeting, tx *room.Txn) error {
		m.Runtime.Paused = false
		m.Runtime.AutoPaused = false
		tx.SaveMeeting()
		tx.AppendEvent(m.Runtime.CurrentTopicID, "meeting.resumed", nil)
		resumeTopic = m.Runtime.CurrentTopicID != ""
		return nil
	})
	if err != nil {
		return err
	}
	if resumeTopic {
		s.Schedule(meetingID, ReasonResume)
	}
	return nil
}

// PostMessageInput describes a message posted from the request surface.
type PostMessageInput struct {
	TopicID   string
	SpeakerID string
	Content   string
	Kind      string
	Meta      map[string]any
}

// PostMessage appends a message under the topic resolution rules: an
// explicit closed topic is rejected, a queued one auto-activates when no
// other topic is active and conflicts otherwise, and an omitted topic
// resolves to the active one. A human message clears auto-pause; a host
// message under host-priority triggers an immediate turn.
func (s *Scheduler) PostMessage(ctx context.Context, meetingID string, in PostMessageInput) (*store.Message, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, ErrEmptyContent
	}
	if in.Kind == "" {
		in.Kind = store.MessageUtterance
	}

	var out store.Message
	trigger := ""
	err := s.repo.Mutate(ctx, meetingID, func(m *store.Meeting, tx *room.Txn) error {
		var topic *store.Topic
		if in.TopicID == "" {
			topic = m.ActiveTopic()
			if topic == nil {
				return ErrNoActiveTopic
			}
		} else {
			topic = m.Topic(in.TopicID)
			if topic == nil {
				return ErrTopicNotFound
			}
			switch topic.State {
			case store.TopicClosed:
				return ErrTopicClosed
			case store.TopicQueued:
				if m.Runtime.CurrentTopicID != "" {
					return ErrTopicConflict
				}
				s.activate(m, tx, topic)
				if trigger == "" {
					trigger = ReasonTopicStarted
				}
			}
		}

		speaker := m.Participant(in.SpeakerID)
		if speaker == nil {
			return ErrUnknownSpeaker
		}

		msg := &store.Message{
			TopicID:   topic.ID,
			SpeakerID: speaker.ID,
			Content:   in.Content,
			Kind:      in.Kind,
			Meta:      in.Meta,
		}
		tx.AppendMessage(msg)

		if speaker.Kind == store.ParticipantHuman {
			if m.Runtime.AutoPaused {
				m.Runtime.AutoPaused = false
				tx.SaveMeeting()
				tx.AppendEvent(topic.ID, "meeting.auto_resumed", map[string]any{
					"speaker_id": speaker.ID,
				})
				trigger = ReasonHumanReply
			}
			if m.Policy.HostPriority && speaker.Role == store.RoleHost {
				trigger = ReasonHostInterrupt
			}
		}
		out = *msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	if trigger != "" {
		s.Schedule(meetingID, trigger)
	}
	return &out, nil
}
