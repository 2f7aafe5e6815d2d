// ABOUTME: Speaker selection policies for the turn scheduler
// ABOUTME: Round-robin cursor and balanced cohort selection with tie-breaks

package scheduler

import (
	"github.com/2389/warroom-gateway/internal/store"
)

// Selection policy names.
const (
	SelectionRoundRobin = "round_robin"
	SelectionBalanced   = "balanced"
)

// Tie-break names, applied in configured order when cohort turn counts
// are equal.
const (
	TieBreakCursor      = "cursor"
	TieBreakLastSpeaker = "last_speaker"
)

// hostBiasCohort is the cohort a host interruption steers toward under
// strong_host_bias. The executor cohort answers the host first.
const hostBiasCohort = "A"

// activeAutomated returns the meeting's speaker candidates in participant
// order.
func activeAutomated(m *store.Meeting) []*store.Participant {
	var out []*store.Participant
	for _, p := range m.Participants {
		if p.Kind == store.ParticipantAutomated && p.Active {
			out = append(out, p)
		}
	}
	return out
}

// pickSpeaker selects the next speaker and advances the round-robin
// cursor. Returns nil when there are no candidates. Must be called with
// the meeting lock held.
func (s *Scheduler) pickSpeaker(m *store.Meeting, topic *store.Topic, reason string) *store.Participant {
	cands := activeAutomated(m)
	if len(cands) == 0 {
		return nil
	}

	idx := m.Runtime.Cursor % len(cands)
	m.Runtime.Cursor = (idx + 1) % len(cands)

	if s.cfg.Selection != SelectionBalanced {
		return cands[idx]
	}

	var a, b []*store.Participant
	for _, p := range cands {
		switch p.Cohort {
		case "A":
			a = append(a, p)
		case "B":
			b = append(b, p)
		}
	}
	// Balanced needs two non-empty cohorts; round-robin is the fallback.
	if len(a) == 0 || len(b) == 0 {
		return cands[idx]
	}

	counts := cohortTurnCounts(m, topic)
	cursorCohort := cands[idx].Cohort
	lastCohort := lastSpeakerCohort(m, topic)

	var pick string
	switch {
	case counts["A"] < counts["B"]:
		pick = "A"
	case counts["B"] < counts["A"]:
		pick = "B"
	default:
		if reason == ReasonHostInterrupt && s.cfg.StrongHostBias {
			pick = hostBiasCohort
			break
		}
		for _, tb := range s.cfg.TieBreaks {
			switch tb {
			case TieBreakCursor:
				if cursorCohort != "" {
					pick = cursorCohort
				}
			case TieBreakLastSpeaker:
				if lastCohort != "" {
					pick = otherCohort(lastCohort)
				}
			}
			if pick != "" {
				break
			}
		}
		if pick == "" {
			pick = "A"
		}
	}

	// Steer away from the cohort that just produced a near-duplicate.
	if dup := m.Runtime.LastDuplicateCohort; dup != "" && pick == dup {
		pick = otherCohort(dup)
	}

	cohort := a
	if pick == "B" {
		cohort = b
	}
	return leastSpoken(m, topic, cohort)
}

func otherCohort(c string) string {
	if c == "A" {
		return "B"
	}
	return "A"
}

// cohortTurnCounts counts accepted utterances per cohort within the topic.
func cohortTurnCounts(m *store.Meeting, topic *store.Topic) map[string]int {
	counts := map[string]int{}
	for _, msg := range m.Messages {
		if msg.TopicID != topic.ID || msg.Kind != store.MessageUtterance {
			continue
		}
		p := m.Participant(msg.SpeakerID)
		if p == nil || p.Kind != store.ParticipantAutomated {
			continue
		}
		counts[p.Cohort]++
	}
	return counts
}

// lastSpeakerCohort returns the cohort of the last automated utterance in
// the topic, or empty.
func lastSpeakerCohort(m *store.Meeting, topic *store.Topic) string {
	for i := len(m.Messages) - 1; i >= 0; i-- {
		msg := m.Messages[i]
		if msg.TopicID != topic.ID || msg.Kind != store.MessageUtterance {
			continue
		}
		if p := m.Participant(msg.SpeakerID); p != nil && p.Kind == store.ParticipantAutomated {
			return p.Cohort
		}
	}
	return ""
}

// leastSpoken picks the cohort member with the fewest accepted utterances
// in the topic, ties broken by participant order.
func leastSpoken(m *store.Meeting, topic *store.Topic, cohort []*store.Participant) *store.Participant {
	perSpeaker := map[string]int{}
	for _, msg := range m.Messages {
		if msg.TopicID == topic.ID && msg.Kind == store.MessageUtterance {
			perSpeaker[msg.SpeakerID]++
		}
	}
	best := cohort[0]
	for _, p := range cohort[1:] {
		if perSpeaker[p.ID] < perSpeaker[best.ID] {
			best = p
		}
	}
	return best
}
