// ABOUTME: Deep-copy helpers for meeting aggregates
// ABOUTME: Used to hand out read snapshots without exposing live state

package store

// Clone returns a deep copy of the meeting. Child records are copied as
// structs; message metadata and event payloads are shared because they are
// never mutated after creation.
func (m *Meeting) Clone() *Meeting {
	out := *m
	out.Participants = make([]*Participant, len(m.Participants))
	for i, p := range m.Participants {
		cp := *p
		out.Participants[i] = &cp
	}
	out.Topics = make([]*Topic, len(m.Topics))
	for i, t := range m.Topics {
		ct := *t
		if t.StartedAt != nil {
			ts := *t.StartedAt
			ct.StartedAt = &ts
		}
		if t.ClosedAt != nil {
			ts := *t.ClosedAt
			ct.ClosedAt = &ts
		}
		out.Topics[i] = &ct
	}
	out.Messages = make([]*Message, len(m.Messages))
	for i, msg := range m.Messages {
		cm := *msg
		out.Messages[i] = &cm
	}
	out.Events = make([]*Event, len(m.Events))
	for i, e := range m.Events {
		ce := *e
		out.Events[i] = &ce
	}
	return &out
}
