// ABOUTME: Store interface and data types for warroom-gateway persistence
// ABOUTME: Defines Meeting, Participant, Topic, Message, Event and the Store interface

package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrStoreFull is returned when a write fails because the durable store
// has reached its configured byte ceiling. Callers are expected to evict
// idle meetings and retry.
var ErrStoreFull = errors.New("store full")

// Meeting status constants
const (
	MeetingStatusActive   = "active"
	MeetingStatusArchived = "archived"
)

// Participant kind constants
const (
	ParticipantHuman     = "human"
	ParticipantAutomated = "automated"
	ParticipantSystem    = "system"
)

// Participant role constants
const (
	RoleHost      = "host"
	RoleModerator = "moderator"
	RoleExecutor  = "executor"
	RoleEngineer  = "engineer"
	RoleGuest     = "guest"
)

// Topic state constants
const (
	TopicQueued = "queued"
	TopicActive = "active"
	TopicClosed = "closed"
)

// Message kind constants
const (
	MessageUtterance = "utterance"
	MessageSummary   = "summary"
	MessageImage     = "image"
	MessageFile      = "file"
)

// Policy holds the per-meeting orchestration policy.
// TimeoutSec is whole seconds to keep the persisted JSON stable.
type Policy struct {
	MaxRounds      int  `json:"max_rounds"`
	TimeoutSec     int  `json:"timeout_sec"`
	HostPriority   bool `json:"host_priority"`
	AutoRoundRobin bool `json:"auto_round_robin"`
}

// DefaultPolicy returns the policy applied to meetings created without one.
func DefaultPolicy() Policy {
	return Policy{
		MaxRounds:    6,
		TimeoutSec:   25,
		HostPriority: true,
	}
}

// RuntimeState is the per-meeting scheduling state. Only the reduced
// snapshot (paused flags, active topic, cursor, streak) is persisted;
// TurnInFlight and PendingReason always rehydrate to their zero values.
type RuntimeState struct {
	Paused          bool   `json:"paused"`
	AutoPaused      bool   `json:"auto_paused"`
	CurrentTopicID  string `json:"current_topic_id"`
	Cursor          int    `json:"cursor"`
	NoNewInfoStreak int    `json:"streak"`

	TurnInFlight        bool   `json:"-"`
	PendingReason       string `json:"-"`
	LastDuplicateCohort string `json:"-"`
}

// Meeting is the root aggregate. It owns all children; a meeting is
// destroyed only by explicit deletion or eviction.
type Meeting struct {
	ID           string
	Title        string
	Status       string
	CreatedAt    time.Time
	Participants []*Participant
	Topics       []*Topic
	Messages     []*Message
	Events       []*Event
	Policy       Policy
	Runtime      RuntimeState
}

// Participant identity is immutable once created; only Active may toggle.
// Cohort is an explicit tag ("A"/"B"/empty) assigned at creation and used
// by the balanced speaker-selection policy.
type Participant struct {
	ID        string
	MeetingID string
	Name      string
	Kind      string
	Role      string
	Cohort    string
	Active    bool
	CreatedAt time.Time
}

// Topic tracks one discussion subject. At most one topic per meeting is
// active at a time; closed is terminal.
type Topic struct {
	ID        string
	MeetingID string
	Title     string
	State     string
	Round     int
	CreatedBy string
	CreatedAt time.Time
	StartedAt *time.Time
	ClosedAt  *time.Time
	UpdatedAt time.Time
}

// Message is append-only. Meta carries free-form adapter/attachment
// metadata (adapter used, retried flag, close reason, MIME type).
type Message struct {
	ID            string
	MeetingID     string
	TopicID       string
	SpeakerID     string
	Content       string
	Kind          string
	Meta          map[string]any
	TokenEstimate int
	CreatedAt     time.Time
}

// Event is the append-only audit record that also drives the broadcast bus.
type Event struct {
	ID        string
	MeetingID string
	TopicID   string
	Type      string
	Payload   map[string]any
	CreatedAt time.Time
}

// TokenEstimate approximates the token cost of a piece of content.
func TokenEstimate(content string) int {
	n := (len(content) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// LastActivity returns the most recent timestamp observed on the meeting:
// the latest of last event, last message, last topic update, or creation.
// Used to order eviction candidates oldest-idle first.
func (m *Meeting) LastActivity() time.Time {
	latest := m.CreatedAt
	if n := len(m.Topics); n > 0 {
		if t := m.Topics[n-1].UpdatedAt; t.After(latest) {
			latest = t
		}
	}
	if n := len(m.Messages); n > 0 {
		if t := m.Messages[n-1].CreatedAt; t.After(latest) {
			latest = t
		}
	}
	if n := len(m.Events); n > 0 {
		if t := m.Events[n-1].CreatedAt; t.After(latest) {
			latest = t
		}
	}
	return latest
}

// Idle reports whether the meeting is an eviction candidate: no active
// topic and every topic closed (or no topics at all).
func (m *Meeting) Idle() bool {
	if m.Runtime.CurrentTopicID != "" {
		return false
	}
	for _, t := range m.Topics {
		if t.State != TopicClosed {
			return false
		}
	}
	return true
}

// ActiveTopic returns the currently active topic, or nil.
func (m *Meeting) ActiveTopic() *Topic {
	if m.Runtime.CurrentTopicID == "" {
		return nil
	}
	return m.Topic(m.Runtime.CurrentTopicID)
}

// Topic returns the topic with the given id, or nil.
func (m *Meeting) Topic(id string) *Topic {
	for _, t := range m.Topics {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Participant returns the participant with the given id, or nil.
func (m *Meeting) Participant(id string) *Participant {
	for _, p := range m.Participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ParticipantByName returns the participant whose display name matches
// case-insensitively, or nil.
func (m *Meeting) ParticipantByName(name string) *Participant {
	for _, p := range m.Participants {
		if strings.EqualFold(p.Name, name) {
			return p
		}
	}
	return nil
}

// Moderator returns the system moderator participant, or nil.
func (m *Meeting) Moderator() *Participant {
	for _, p := range m.Participants {
		if p.Kind == ParticipantSystem && p.Role == RoleModerator {
			return p
		}
	}
	return nil
}

// TopicMessages returns the messages scoped to one topic, in order.
func (m *Meeting) TopicMessages(topicID string) []*Message {
	var out []*Message
	for _, msg := range m.Messages {
		if msg.TopicID == topicID {
			out = append(out, msg)
		}
	}
	return out
}

// Store defines the durable mirror for meetings and their children.
// All writes are upserts keyed by entity id; the same id overwrites.
type Store interface {
	UpsertMeeting(ctx context.Context, m *Meeting) error
	UpsertParticipant(ctx context.Context, p *Participant) error
	UpsertTopic(ctx context.Context, t *Topic) error
	UpsertMessage(ctx context.Context, msg *Message) error
	UpsertEvent(ctx context.Context, e *Event) error

	// DeleteMeeting removes the meeting row and its full subtree.
	DeleteMeeting(ctx context.Context, id string) error

	// LoadAll reads every meeting with children, ordered by creation time.
	LoadAll(ctx context.Context) ([]*Meeting, error)

	// SizeBytes reports the current on-disk size of the store.
	SizeBytes(ctx context.Context) (int64, error)

	// Close releases any resources held by the store
	Close() error
}
