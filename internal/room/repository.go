// ABOUTME: In-memory authoritative repository of meetings with a durable mirror
// ABOUTME: Owns per-meeting locking, persist-with-eviction, and event fanout

package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/warroom-gateway/internal/bus"
	"github.com/2389/warroom-gateway/internal/store"
)

// ErrMeetingNotFound is returned when a meeting ID does not resolve.
var ErrMeetingNotFound = errors.New("meeting not found")

// Repository holds the authoritative in-memory state for all meetings.
// It is constructed from the durable store at startup and mirrors every
// mutation back to it best-effort. The durable mirror may fall behind
// under storage pressure; in-memory state remains authoritative for the
// process lifetime.
type Repository struct {
	mu       sync.RWMutex
	meetings map[string]*entry

	store  store.Store
	bus    *bus.Broadcaster
	logger *slog.Logger
}

// entry pairs a meeting with its lock and in-memory scheduling extras.
// lastActivity and idle are eviction summaries guarded by Repository.mu
// so the eviction scan never touches per-meeting locks.
type entry struct {
	mu      sync.Mutex
	meeting *store.Meeting

	revMu       sync.Mutex
	sessionRevs map[string]int // topicID|speakerID -> revision

	lastActivity time.Time
	idle         bool
}

// NewRepository loads all meetings from the durable store into memory.
func NewRepository(ctx context.Context, st store.Store, b *bus.Broadcaster, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Repository{
		meetings: make(map[string]*entry),
		store:    st,
		bus:      b,
		logger:   logger.With("component", "room"),
	}

	meetings, err := st.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading meetings: %w", err)
	}
	for _, m := range meetings {
		r.meetings[m.ID] = &entry{
			meeting:      m,
			sessionRevs:  make(map[string]int),
			lastActivity: m.LastActivity(),
			idle:         m.Idle(),
		}
	}
	r.logger.Info("repository loaded", "meetings", len(meetings))
	return r, nil
}

// Txn records which entities a mutation touched so the repository can
// mirror exactly those rows and publish the appended events afterward.
type Txn struct {
	m *store.Meeting

	meetingDirty bool
	participants []*store.Participant
	topics       []*store.Topic
	messages     []*store.Message
	events       []*store.Event
}

// SaveMeeting marks the meeting row (title, status, policy, runtime
// snapshot) for mirroring.
func (t *Txn) SaveMeeting() { t.meetingDirty = true }

// SaveParticipant marks a participant row for mirroring.
func (t *Txn) SaveParticipant(p *store.Participant) { t.participants = append(t.participants, p) }

// SaveTopic marks a topic row for mirroring.
func (t *Txn) SaveTopic(tp *store.Topic) { t.topics = append(t.topics, tp) }

// AppendMessage appends a message to the meeting log, fills in its token
// estimate, marks it for mirroring, and records the message.created event.
func (t *Txn) AppendMessage(msg *store.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.MeetingID = t.m.ID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.TokenEstimate = store.TokenEstimate(msg.Content)
	t.m.Messages = append(t.m.Messages, msg)
	t.messages = append(t.messages, msg)
	t.AppendEvent(msg.TopicID, "message.created", map[string]any{
		"message_id": msg.ID,
		"speaker_id": msg.SpeakerID,
		"kind":       msg.Kind,
	})
}

// AppendEvent appends an audit event to the meeting log and marks it for
// mirroring and broadcast.
func (t *Txn) AppendEvent(topicID, typ string, payload map[string]any) *store.Event {
	e := &store.Event{
		ID:        uuid.NewString(),
		MeetingID: t.m.ID,
		TopicID:   topicID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	t.m.Events = append(t.m.Events, e)
	t.events = append(t.events, e)
	return e
}

func (r *Repository) entryFor(meetingID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.meetings[meetingID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrMeetingNotFound
	}
	return e, nil
}

// View runs fn with the meeting lock held for reading. fn must not retain
// references past its return.
func (r *Repository) View(meetingID string, fn func(*store.Meeting) error) error {
	e, err := r.entryFor(meetingID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.meeting)
}

// Snapshot returns a deep copy of the meeting for lock-free reading.
func (r *Repository) Snapshot(meetingID string) (*store.Meeting, error) {
	var snap *store.Meeting
	err := r.View(meetingID, func(m *store.Meeting) error {
		snap = m.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Mutate runs fn under the meeting lock, then mirrors the entities the
// transaction touched and broadcasts its events. If fn returns an error
// nothing is mirrored or broadcast. Mirror failures never surface; under
// capacity pressure idle meetings are evicted and the write retried.
func (r *Repository) Mutate(ctx context.Context, meetingID string, fn func(*store.Meeting, *Txn) error) error {
	e, err := r.entryFor(meetingID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	tx := &Txn{m: e.meeting}
	if err := fn(e.meeting, tx); err != nil {
		e.mu.Unlock()
		return err
	}
	r.mirror(ctx, meetingID, tx)
	r.refreshSummary(e)
	events := tx.events
	e.mu.Unlock()

	for _, ev := range events {
		r.bus.Publish(meetingID, ev)
	}
	return nil
}

// mirror persists the transaction's dirty entities. Called with the
// meeting lock held.
func (r *Repository) mirror(ctx context.Context, meetingID string, tx *Txn) {
	if tx.meetingDirty {
		r.persist(ctx, meetingID, "meeting", func(ctx context.Context) error {
			return r.store.UpsertMeeting(ctx, tx.m)
		})
	}
	for _, p := range tx.participants {
		p := p
		r.persist(ctx, meetingID, "participant", func(ctx context.Context) error {
			return r.store.UpsertParticipant(ctx, p)
		})
	}
	for _, tp := range tx.topics {
		tp := tp
		r.persist(ctx, meetingID, "topic", func(ctx context.Context) error {
			return r.store.UpsertTopic(ctx, tp)
		})
	}
	for _, msg := range tx.messages {
		msg := msg
		r.persist(ctx, meetingID, "message", func(ctx context.Context) error {
			return r.store.UpsertMessage(ctx, msg)
		})
	}
	for _, ev := range tx.events {
		ev := ev
		r.persist(ctx, meetingID, "event", func(ctx context.Context) error {
			return r.store.UpsertEvent(ctx, ev)
		})
	}
}

// persist attempts one mirror write, evicting oldest-idle meetings and
// retrying while the store reports a capacity failure. Non-capacity
// failures are logged and swallowed.
func (r *Repository) persist(ctx context.Context, meetingID, what string, op func(context.Context) error) {
	for {
		err := op(ctx)
		if err == nil {
			return
		}
		if !errors.Is(err, store.ErrStoreFull) {
			r.logger.Warn("mirror write failed",
				"what", what,
				"meeting_id", meetingID,
				"error", err)
			return
		}

		victimID, ok := r.evictionVictim(meetingID)
		if !ok {
			r.logger.Warn("store full and no eviction candidates, write abandoned",
				"what", what,
				"meeting_id", meetingID)
			return
		}
		if !r.evict(ctx, victimID) {
			r.logger.Warn("eviction failed, write abandoned",
				"what", what,
				"meeting_id", meetingID,
				"victim_id", victimID)
			return
		}
	}
}

// evictionVictim picks the oldest-idle meeting other than the one being
// written. The last remaining meeting is never evicted.
func (r *Repository) evictionVictim(excludeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.meetings) <= 1 {
		return "", false
	}

	var victimID string
	var victimAt time.Time
	for id, e := range r.meetings {
		if id == excludeID || !e.idle {
			continue
		}
		if victimID == "" || e.lastActivity.Before(victimAt) {
			victimID = id
			victimAt = e.lastActivity
		}
	}
	return victimID, victimID != ""
}

// evict deletes a meeting's subtree from the durable store and, only on
// success, drops it from memory. Memory stays authoritative: a failed
// store delete leaves the meeting fully usable.
func (r *Repository) evict(ctx context.Context, meetingID string) bool {
	if err := r.store.DeleteMeeting(ctx, meetingID); err != nil {
		r.logger.Warn("evicting meeting from store failed",
			"meeting_id", meetingID,
			"error", err)
		return false
	}

	r.mu.Lock()
	delete(r.meetings, meetingID)
	r.mu.Unlock()

	r.logger.Info("evicted idle meeting", "meeting_id", meetingID)
	return true
}

// refreshSummary recomputes the eviction summary. Called with the meeting
// lock held.
func (r *Repository) refreshSummary(e *entry) {
	la := e.meeting.LastActivity()
	idle := e.meeting.Idle()
	r.mu.Lock()
	e.lastActivity = la
	e.idle = idle
	r.mu.Unlock()
}

// CreateMeeting registers a new meeting and mirrors it. Zero-valued
// numeric policy fields are filled from the defaults so a fresh meeting
// can never start with a zero round budget.
func (r *Repository) CreateMeeting(ctx context.Context, title string, policy store.Policy) (*store.Meeting, error) {
	def := store.DefaultPolicy()
	if policy.MaxRounds <= 0 {
		policy.MaxRounds = def.MaxRounds
	}
	if policy.TimeoutSec <= 0 {
		policy.TimeoutSec = def.TimeoutSec
	}

	m := &store.Meeting{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    store.MeetingStatusActive,
		CreatedAt: time.Now().UTC(),
		Policy:    policy,
	}
	e := &entry{
		meeting:      m,
		sessionRevs:  make(map[string]int),
		lastActivity: m.CreatedAt,
		idle:         true,
	}

	r.mu.Lock()
	r.meetings[m.ID] = e
	r.mu.Unlock()

	err := r.Mutate(ctx, m.ID, func(m *store.Meeting, tx *Txn) error {
		tx.SaveMeeting()
		tx.AppendEvent("", "meeting.created", map[string]any{"title": m.Title})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.Snapshot(m.ID)
}

// AddParticipant creates a participant in the meeting.
func (r *Repository) AddParticipant(ctx context.Context, meetingID string, p *store.Participant) (*store.Participant, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.MeetingID = meetingID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	err := r.Mutate(ctx, meetingID, func(m *store.Meeting, tx *Txn) error {
		m.Participants = append(m.Participants, p)
		tx.SaveParticipant(p)
		tx.AppendEvent("", "participant.joined", map[string]any{
			"participant_id": p.ID,
			"name":           p.Name,
			"kind":           p.Kind,
			"role":           p.Role,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

// List returns snapshots of all meetings ordered by creation time.
func (r *Repository) List() []*store.Meeting {
	r.mu.RLock()
	ids := make([]string, 0, len(r.meetings))
	for id := range r.meetings {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]*store.Meeting, 0, len(ids))
	for _, id := range ids {
		if snap, err := r.Snapshot(id); err == nil {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of meetings currently held in memory.
func (r *Repository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.meetings)
}

// SessionRev returns the current adapter session revision for a
// (topic, speaker) pair. Revisions start at 0 and live in memory only;
// after a restart every pair begins a fresh backend session.
func (r *Repository) SessionRev(meetingID, topicID, speakerID string) int {
	e, err := r.entryFor(meetingID)
	if err != nil {
		return 0
	}
	e.revMu.Lock()
	defer e.revMu.Unlock()
	return e.sessionRevs[topicID+"|"+speakerID]
}

// BumpSessionRev abandons backend session continuity for a (topic, speaker)
// pair and returns the fresh revision.
func (r *Repository) BumpSessionRev(meetingID, topicID, speakerID string) int {
	e, err := r.entryFor(meetingID)
	if err != nil {
		return 0
	}
	e.revMu.Lock()
	defer e.revMu.Unlock()
	key := topicID + "|" + speakerID
	e.sessionRevs[key]++
	return e.sessionRevs[key]
}
