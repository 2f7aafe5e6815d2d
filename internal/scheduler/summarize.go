// ABOUTME: Topic summarization and closure
// ABOUTME: The only path by which a topic transitions to closed

package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/2389/warroom-gateway/internal/room"
	"github.com/2389/warroom-gateway/internal/store"
)

// Close reasons recorded in the summary metadata and topic.closed event.
const (
	CloseMaxRounds = "max_rounds"
	CloseNoNewInfo = "no_new_info"
	CloseHostEnd   = "host_end_topic"
	CloseSwitched  = "switched_topic"
)

// summarize synthesizes the fixed-shape closing summary, attributes it to
// the system moderator, flips the topic to closed, and clears the
// meeting's active-topic pointer and stagnation counters. Must be called
// with the meeting lock held (inside a Mutate).
func (s *Scheduler) summarize(m *store.Meeting, tx *room.Txn, topic *store.Topic, reason string) {
	points := speakerPoints(m, topic.ID)

	agreement := "no positions recorded"
	if len(points) > 0 {
		agreement = "latest positions converge on: " + points[0]
	}
	disagreement := "none recorded"
	if len(points) > 1 {
		disagreement = "open split: " + points[1]
	}
	summary := strings.Join([]string{
		"agreement: " + agreement,
		"disagreement: " + disagreement,
		"action_items: 1) confirm the next concrete step 2) assign an owner per thread 3) carry open questions into the next topic",
		"close_reason: " + reason,
	}, "\n")

	moderatorID := ""
	if mod := m.Moderator(); mod != nil {
		moderatorID = mod.ID
	}

	tx.AppendMessage(&store.Message{
		TopicID:   topic.ID,
		SpeakerID: moderatorID,
		Content:   summary,
		Kind:      store.MessageSummary,
		Meta: map[string]any{
			"close_reason":     reason,
			"synthesized_from": points,
		},
	})

	now := time.Now().UTC()
	topic.State = store.TopicClosed
	topic.ClosedAt = &now
	topic.UpdatedAt = now
	tx.SaveTopic(topic)

	m.Runtime.CurrentTopicID = ""
	m.Runtime.NoNewInfoStreak = 0
	m.Runtime.LastDuplicateCohort = ""
	tx.SaveMeeting()

	tx.AppendEvent(topic.ID, "topic.closed", map[string]any{"reason": reason})
	s.logger.Info("topic closed", "meeting_id", m.ID, "topic_id", topic.ID, "reason", reason)
}

// speakerPoints collects each automated speaker's latest contribution, in
// participant order.
func speakerPoints(m *store.Meeting, topicID string) []string {
	latest := map[string]string{}
	for _, msg := range m.TopicMessages(topicID) {
		if msg.Kind == store.MessageUtterance {
			latest[msg.SpeakerID] = msg.Content
		}
	}
	var points []string
	for _, p := range m.Participants {
		if p.Kind != store.ParticipantAutomated {
			continue
		}
		if c, ok := latest[p.ID]; ok {
			if len(c) > 80 {
				c = c[:80]
			}
			points = append(points, fmt.Sprintf("%s: %s", p.Name, c))
		}
	}
	return points
}
