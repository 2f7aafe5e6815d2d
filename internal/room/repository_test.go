// ABOUTME: Tests for the meeting repository and its persist-with-eviction mirror
// ABOUTME: Covers mutation, snapshots, eviction ordering, last-meeting guard, session revisions

package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warroom-gateway/internal/bus"
	"github.com/2389/warroom-gateway/internal/store"
)

// fakeStore simulates a durable mirror whose capacity can be exhausted.
// While full is set, every upsert fails with ErrStoreFull; deleting a
// meeting frees space.
type fakeStore struct {
	mu        sync.Mutex
	full      bool
	deleted   []string
	writes    int
	loaded    []*store.Meeting
	writeErr  error
	deleteErr error
}

func (f *fakeStore) upsert() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.full {
		return store.ErrStoreFull
	}
	f.writes++
	return nil
}

func (f *fakeStore) UpsertMeeting(context.Context, *store.Meeting) error         { return f.upsert() }
func (f *fakeStore) UpsertParticipant(context.Context, *store.Participant) error { return f.upsert() }
func (f *fakeStore) UpsertTopic(context.Context, *store.Topic) error             { return f.upsert() }
func (f *fakeStore) UpsertMessage(context.Context, *store.Message) error         { return f.upsert() }
func (f *fakeStore) UpsertEvent(context.Context, *store.Event) error             { return f.upsert() }

func (f *fakeStore) DeleteMeeting(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	f.full = false
	return nil
}

func (f *fakeStore) LoadAll(context.Context) ([]*store.Meeting, error) { return f.loaded, nil }
func (f *fakeStore) SizeBytes(context.Context) (int64, error)          { return 0, nil }
func (f *fakeStore) Close() error                                      { return nil }

func (f *fakeStore) setFull(v bool) {
	f.mu.Lock()
	f.full = v
	f.mu.Unlock()
}

func (f *fakeStore) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

var _ store.Store = (*fakeStore)(nil)

func newTestRepo(t *testing.T) (*Repository, *fakeStore, *bus.Broadcaster) {
	t.Helper()
	fs := &fakeStore{}
	b := bus.NewBroadcaster(nil)
	t.Cleanup(b.Close)
	r, err := NewRepository(t.Context(), fs, b, nil)
	require.NoError(t, err)
	return r, fs, b
}

func TestRepository_LoadsExistingMeetings(t *testing.T) {
	fs := &fakeStore{loaded: []*store.Meeting{
		{ID: "m-1", Title: "first", Status: store.MeetingStatusActive, CreatedAt: time.Now()},
		{ID: "m-2", Title: "second", Status: store.MeetingStatusActive, CreatedAt: time.Now()},
	}}
	b := bus.NewBroadcaster(nil)
	defer b.Close()

	r, err := NewRepository(t.Context(), fs, b, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Count())

	snap, err := r.Snapshot("m-1")
	require.NoError(t, err)
	assert.Equal(t, "first", snap.Title)
}

func TestRepository_CreateMeetingAndSnapshot(t *testing.T) {
	r, _, _ := newTestRepo(t)

	m, err := r.CreateMeeting(t.Context(), "war room", store.Policy{MaxRounds: 6})
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)
	assert.Equal(t, store.MeetingStatusActive, m.Status)
	require.Len(t, m.Events, 1)
	assert.Equal(t, "meeting.created", m.Events[0].Type)
}

func TestRepository_CreateMeetingFillsDefaultPolicy(t *testing.T) {
	r, _, _ := newTestRepo(t)

	m, err := r.CreateMeeting(t.Context(), "war room", store.Policy{})
	require.NoError(t, err)
	assert.Equal(t, 6, m.Policy.MaxRounds)
	assert.Equal(t, 25, m.Policy.TimeoutSec)

	// Explicit values are never overridden.
	m, err = r.CreateMeeting(t.Context(), "tuned", store.Policy{MaxRounds: 3, TimeoutSec: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, m.Policy.MaxRounds)
	assert.Equal(t, 10, m.Policy.TimeoutSec)
}

func TestRepository_SnapshotIsDeepCopy(t *testing.T) {
	r, _, _ := newTestRepo(t)

	m, err := r.CreateMeeting(t.Context(), "war room", store.Policy{})
	require.NoError(t, err)

	snap, err := r.Snapshot(m.ID)
	require.NoError(t, err)
	snap.Title = "mutated"
	snap.Events = nil

	again, err := r.Snapshot(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "war room", again.Title)
	assert.Len(t, again.Events, 1)
}

func TestRepository_MutateUnknownMeeting(t *testing.T) {
	r, _, _ := newTestRepo(t)

	err := r.Mutate(t.Context(), "missing", func(m *store.Meeting, tx *Txn) error { return nil })
	assert.ErrorIs(t, err, ErrMeetingNotFound)

	_, err = r.Snapshot("missing")
	assert.ErrorIs(t, err, ErrMeetingNotFound)
}

func TestRepository_MutatePublishesEvents(t *testing.T) {
	r, _, b := newTestRepo(t)

	m, err := r.CreateMeeting(t.Context(), "war room", store.Policy{})
	require.NoError(t, err)

	ch, _ := b.Subscribe(t.Context(), m.ID)

	_, err = r.AddParticipant(t.Context(), m.ID, &store.Participant{
		Name: "Host", Kind: store.ParticipantHuman, Role: store.RoleHost, Active: true,
	})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, "participant.joined", ev.Type)
		assert.Equal(t, "Host", ev.Payload["name"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for participant.joined event")
	}
}

func TestRepository_AppendMessageRecordsEventAndEstimate(t *testing.T) {
	r, _, _ := newTestRepo(t)

	m, err := r.CreateMeeting(t.Context(), "war room", store.Policy{})
	require.NoError(t, err)

	err = r.Mutate(t.Context(), m.ID, func(m *store.Meeting, tx *Txn) error {
		tx.AppendMessage(&store.Message{
			TopicID:   "t-1",
			SpeakerID: "p-1",
			Content:   "twelve chars",
			Kind:      store.MessageUtterance,
		})
		return nil
	})
	require.NoError(t, err)

	snap, err := r.Snapshot(m.ID)
	require.NoError(t, err)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, 3, snap.Messages[0].TokenEstimate)

	last := snap.Events[len(snap.Events)-1]
	assert.Equal(t, "message.created", last.Type)
	assert.Equal(t, snap.Messages[0].ID, last.Payload["message_id"])
}

func TestRepository_EvictsOldestIdleMeeting(t *testing.T) {
	r, fs, _ := newTestRepo(t)
	ctx := t.Context()

	oldest, err := r.CreateMeeting(ctx, "oldest idle", store.Policy{})
	require.NoError(t, err)
	newer, err := r.CreateMeeting(ctx, "newer idle", store.Policy{})
	require.NoError(t, err)
	busy, err := r.CreateMeeting(ctx, "busy", store.Policy{})
	require.NoError(t, err)

	// Touch the newer idle meeting so its activity is more recent.
	err = r.Mutate(ctx, newer.ID, func(m *store.Meeting, tx *Txn) error {
		tx.AppendEvent("", "meeting.touched", nil)
		return nil
	})
	require.NoError(t, err)

	// Give the busy meeting an active topic so it is never a candidate.
	err = r.Mutate(ctx, busy.ID, func(m *store.Meeting, tx *Txn) error {
		now := time.Now().UTC()
		tp := &store.Topic{
			ID: "t-1", MeetingID: m.ID, Title: "live", State: store.TopicActive,
			CreatedAt: now, StartedAt: &now, UpdatedAt: now,
		}
		m.Topics = append(m.Topics, tp)
		m.Runtime.CurrentTopicID = tp.ID
		tx.SaveTopic(tp)
		tx.SaveMeeting()
		return nil
	})
	require.NoError(t, err)

	fs.setFull(true)

	err = r.Mutate(ctx, busy.ID, func(m *store.Meeting, tx *Txn) error {
		tx.AppendEvent("t-1", "turn.started", nil)
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []string{oldest.ID}, fs.deletedIDs())
	assert.Equal(t, 2, r.Count())

	_, err = r.Snapshot(oldest.ID)
	assert.ErrorIs(t, err, ErrMeetingNotFound)
	_, err = r.Snapshot(newer.ID)
	assert.NoError(t, err)
}

func TestRepository_FailedEvictionKeepsVictimInMemory(t *testing.T) {
	r, fs, _ := newTestRepo(t)
	ctx := t.Context()

	victim, err := r.CreateMeeting(ctx, "idle victim", store.Policy{})
	require.NoError(t, err)
	active, err := r.CreateMeeting(ctx, "active", store.Policy{})
	require.NoError(t, err)

	fs.mu.Lock()
	fs.full = true
	fs.deleteErr = assert.AnError
	fs.mu.Unlock()

	// Write is abandoned after the failed delete, but never errors and
	// never loops retrying the same victim.
	err = r.Mutate(ctx, active.ID, func(m *store.Meeting, tx *Txn) error {
		tx.AppendEvent("", "meeting.touched", nil)
		return nil
	})
	require.NoError(t, err)

	// The victim was not dropped from memory and stays fully usable.
	assert.Equal(t, 2, r.Count())
	snap, err := r.Snapshot(victim.ID)
	require.NoError(t, err)
	assert.Equal(t, "idle victim", snap.Title)
	assert.Empty(t, fs.deletedIDs())
}

func TestRepository_NeverEvictsLastMeeting(t *testing.T) {
	r, fs, _ := newTestRepo(t)
	ctx := t.Context()

	only, err := r.CreateMeeting(ctx, "only meeting", store.Policy{})
	require.NoError(t, err)

	fs.setFull(true)

	// Write is abandoned but never errors and never deletes the meeting.
	err = r.Mutate(ctx, only.ID, func(m *store.Meeting, tx *Txn) error {
		tx.AppendEvent("", "meeting.touched", nil)
		return nil
	})
	require.NoError(t, err)

	assert.Empty(t, fs.deletedIDs())
	assert.Equal(t, 1, r.Count())
}

func TestRepository_NonCapacityWriteFailureIsSwallowed(t *testing.T) {
	r, fs, _ := newTestRepo(t)
	ctx := t.Context()

	m, err := r.CreateMeeting(ctx, "war room", store.Policy{})
	require.NoError(t, err)

	fs.mu.Lock()
	fs.writeErr = assert.AnError
	fs.mu.Unlock()

	err = r.Mutate(ctx, m.ID, func(m *store.Meeting, tx *Txn) error {
		tx.AppendEvent("", "meeting.touched", nil)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, fs.deletedIDs())

	// In-memory state stays authoritative.
	snap, err := r.Snapshot(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "meeting.touched", snap.Events[len(snap.Events)-1].Type)
}

func TestRepository_SessionRevisions(t *testing.T) {
	r, _, _ := newTestRepo(t)

	m, err := r.CreateMeeting(t.Context(), "war room", store.Policy{})
	require.NoError(t, err)

	assert.Equal(t, 0, r.SessionRev(m.ID, "t-1", "p-1"))
	assert.Equal(t, 1, r.BumpSessionRev(m.ID, "t-1", "p-1"))
	assert.Equal(t, 2, r.BumpSessionRev(m.ID, "t-1", "p-1"))
	assert.Equal(t, 2, r.SessionRev(m.ID, "t-1", "p-1"))

	// Pairs are independent.
	assert.Equal(t, 0, r.SessionRev(m.ID, "t-1", "p-2"))
	assert.Equal(t, 0, r.SessionRev(m.ID, "t-2", "p-1"))
}

func TestRepository_SeedDefaultMeeting(t *testing.T) {
	r, _, _ := newTestRepo(t)

	m, err := r.SeedDefaultMeeting(t.Context(), store.Policy{MaxRounds: 6, TimeoutSec: 25})
	require.NoError(t, err)

	require.Len(t, m.Participants, 4)
	assert.Equal(t, DefaultMeetingTitle, m.Title)

	host := m.ParticipantByName("host")
	require.NotNil(t, host)
	assert.Equal(t, store.ParticipantHuman, host.Kind)

	mod := m.Moderator()
	require.NotNil(t, mod)
	assert.Equal(t, "Moderator", mod.Name)

	cohorts := map[string]int{}
	for _, p := range m.Participants {
		if p.Kind == store.ParticipantAutomated {
			cohorts[p.Cohort]++
		}
	}
	assert.Equal(t, map[string]int{"A": 1, "B": 1}, cohorts)
}

func TestRepository_ListOrderedByCreation(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := t.Context()

	first, err := r.CreateMeeting(ctx, "first", store.Policy{})
	require.NoError(t, err)
	second, err := r.CreateMeeting(ctx, "second", store.Policy{})
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestRepository_SQLiteRoundTrip(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:", 0)
	require.NoError(t, err)
	defer st.Close()

	b := bus.NewBroadcaster(nil)
	defer b.Close()

	r, err := NewRepository(t.Context(), st, b, nil)
	require.NoError(t, err)

	m, err := r.SeedDefaultMeeting(t.Context(), store.Policy{MaxRounds: 6, TimeoutSec: 25})
	require.NoError(t, err)

	// A fresh repository over the same store sees the mirrored state.
	r2, err := NewRepository(t.Context(), st, b, nil)
	require.NoError(t, err)

	snap, err := r2.Snapshot(m.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Participants, 4)
	assert.Equal(t, DefaultMeetingTitle, snap.Title)
}
