// ABOUTME: JSON API handlers for meetings, topics, messages, and control
// ABOUTME: Maps scheduler and repository sentinel errors onto HTTP status codes

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2389/warroom-gateway/internal/room"
	"github.com/2389/warroom-gateway/internal/scheduler"
	"github.com/2389/warroom-gateway/internal/store"
)

// View types: the store keeps Go-shaped aggregates; the wire shape
// belongs here.

type policyView struct {
	MaxRounds      int  `json:"max_rounds"`
	TimeoutSec     int  `json:"timeout_sec"`
	HostPriority   bool `json:"host_priority"`
	AutoRoundRobin bool `json:"auto_round_robin"`
}

type runtimeView struct {
	Paused         bool   `json:"paused"`
	AutoPaused     bool   `json:"auto_paused"`
	CurrentTopicID string `json:"current_topic_id,omitempty"`
	Streak         int    `json:"no_new_info_streak"`
	TurnInFlight   bool   `json:"turn_in_flight"`
}

type participantView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Role      string    `json:"role,omitempty"`
	Cohort    string    `json:"cohort,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type topicView struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	Round     int        `json:"round"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

type messageView struct {
	ID            string         `json:"id"`
	TopicID       string         `json:"topic_id"`
	SpeakerID     string         `json:"speaker_id"`
	SpeakerName   string         `json:"speaker_name,omitempty"`
	Content       string         `json:"content"`
	Kind          string         `json:"kind"`
	Meta          map[string]any `json:"meta,omitempty"`
	TokenEstimate int            `json:"token_estimate"`
	CreatedAt     time.Time      `json:"created_at"`
}

type meetingSummary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	Participants  int       `json:"participants"`
	Topics        int       `json:"topics"`
	ActiveTopicID string    `json:"active_topic_id,omitempty"`
}

type meetingView struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	Policy       policyView        `json:"policy"`
	Runtime      runtimeView       `json:"runtime"`
	Participants []participantView `json:"participants"`
	Topics       []topicView       `json:"topics"`
}

func toPolicyView(p store.Policy) policyView {
	return policyView(p)
}

func toRuntimeView(rt store.RuntimeState) runtimeView {
	return runtimeView{
		Paused:         rt.Paused,
		AutoPaused:     rt.AutoPaused,
		CurrentTopicID: rt.CurrentTopicID,
		Streak:         rt.NoNewInfoStreak,
		TurnInFlight:   rt.TurnInFlight,
	}
}

func toParticipantView(p *store.Participant) participantView {
	return participantView{
		ID:        p.ID,
		Name:      p.Name,
		Kind:      p.Kind,
		Role:      p.Role,
		Cohort:    p.Cohort,
		Active:    p.Active,
		CreatedAt: p.CreatedAt,
	}
}

func toTopicView(t *store.Topic) topicView {
	return topicView{
		ID:        t.ID,
		Title:     t.Title,
		State:     t.State,
		Round:     t.Round,
		CreatedAt: t.CreatedAt,
		StartedAt: t.StartedAt,
		ClosedAt:  t.ClosedAt,
	}
}

func toMessageView(m *store.Meeting, msg *store.Message) messageView {
	name := ""
	if p := m.Participant(msg.SpeakerID); p != nil {
		name = p.Name
	}
	return messageView{
		ID:            msg.ID,
		TopicID:       msg.TopicID,
		SpeakerID:     msg.SpeakerID,
		SpeakerName:   name,
		Content:       msg.Content,
		Kind:          msg.Kind,
		Meta:          msg.Meta,
		TokenEstimate: msg.TokenEstimate,
		CreatedAt:     msg.CreatedAt,
	}
}

func toEventView(ev *store.Event) eventView {
	return eventView{
		ID:        ev.ID,
		TopicID:   ev.TopicID,
		Type:      ev.Type,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
	}
}

func toMeetingView(m *store.Meeting) meetingView {
	v := meetingView{
		ID:           m.ID,
		Title:        m.Title,
		Status:       m.Status,
		CreatedAt:    m.CreatedAt,
		Policy:       toPolicyView(m.Policy),
		Runtime:      toRuntimeView(m.Runtime),
		Participants: make([]participantView, 0, len(m.Participants)),
		Topics:       make([]topicView, 0, len(m.Topics)),
	}
	for _, p := range m.Participants {
		v.Participants = append(v.Participants, toParticipantView(p))
	}
	for _, t := range m.Topics {
		v.Topics = append(v.Topics, toTopicView(t))
	}
	return v
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps sentinel errors onto the response taxonomy: unknown
// entities are 404, retryable conflicts 409, everything else the caller
// got wrong is 400.
func statusFor(err error) int {
	switch {
	case errors.Is(err, room.ErrMeetingNotFound),
		errors.Is(err, scheduler.ErrTopicNotFound),
		errors.Is(err, scheduler.ErrUnknownSpeaker):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrTurnInFlight),
		errors.Is(err, scheduler.ErrTopicConflict):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrTopicClosed),
		errors.Is(err, scheduler.ErrNoActiveTopic),
		errors.Is(err, scheduler.ErrNotAutomated),
		errors.Is(err, scheduler.ErrEmptyContent),
		errors.Is(err, scheduler.ErrEmptyTitle):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"meetings": s.repo.Count(),
	})
}

// policyPatch overlays the caller's policy onto the defaults. Absent
// fields keep their default; only fields present in the request override.
type policyPatch struct {
	MaxRounds      *int  `json:"max_rounds"`
	TimeoutSec     *int  `json:"timeout_sec"`
	HostPriority   *bool `json:"host_priority"`
	AutoRoundRobin *bool `json:"auto_round_robin"`
}

func (p *policyPatch) apply(base store.Policy) store.Policy {
	if p == nil {
		return base
	}
	if p.MaxRounds != nil {
		base.MaxRounds = *p.MaxRounds
	}
	if p.TimeoutSec != nil {
		base.TimeoutSec = *p.TimeoutSec
	}
	if p.HostPriority != nil {
		base.HostPriority = *p.HostPriority
	}
	if p.AutoRoundRobin != nil {
		base.AutoRoundRobin = *p.AutoRoundRobin
	}
	return base
}

func (s *Server) handleCreateMeeting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title  string       `json:"title"`
		Policy *policyPatch `json:"policy"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return
	}

	m, err := s.repo.CreateMeeting(r.Context(), req.Title, req.Policy.apply(store.DefaultPolicy()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toMeetingView(m))
}

func (s *Server) handleListMeetings(w http.ResponseWriter, _ *http.Request) {
	meetings := s.repo.List()
	out := make([]meetingSummary, 0, len(meetings))
	for _, m := range meetings {
		sum := meetingSummary{
			ID:           m.ID,
			Title:        m.Title,
			Status:       m.Status,
			CreatedAt:    m.CreatedAt,
			Participants: len(m.Participants),
			Topics:       len(m.Topics),
		}
		if t := m.ActiveTopic(); t != nil {
			sum.ActiveTopicID = t.ID
		}
		out = append(out, sum)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"meetings": out})
}

func (s *Server) handleGetMeeting(w http.ResponseWriter, r *http.Request) {
	m, err := s.repo.Snapshot(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toMeetingView(m))
}

// timelineView is the full-history pull: everything a client needs to
// reconstruct a meeting without replaying the live stream.
type timelineView struct {
	MeetingID    string            `json:"meeting_id"`
	Title        string            `json:"title"`
	Participants []participantView `json:"participants"`
	Topics       []topicView       `json:"topics"`
	Messages     []messageView     `json:"messages"`
	Events       []eventView       `json:"events"`
	Policy       policyView        `json:"policy"`
	Runtime      runtimeView       `json:"runtime"`
}

// handleTimeline returns participants, topics, messages, and the event
// audit trail in append order, with speaker names resolved, plus the
// policy and a runtime snapshot.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	m, err := s.repo.Snapshot(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	tl := timelineView{
		MeetingID:    m.ID,
		Title:        m.Title,
		Participants: make([]participantView, 0, len(m.Participants)),
		Topics:       make([]topicView, 0, len(m.Topics)),
		Messages:     make([]messageView, 0, len(m.Messages)),
		Events:       make([]eventView, 0, len(m.Events)),
		Policy:       toPolicyView(m.Policy),
		Runtime:      toRuntimeView(m.Runtime),
	}
	for _, p := range m.Participants {
		tl.Participants = append(tl.Participants, toParticipantView(p))
	}
	for _, t := range m.Topics {
		tl.Topics = append(tl.Topics, toTopicView(t))
	}
	for _, msg := range m.Messages {
		tl.Messages = append(tl.Messages, toMessageView(m, msg))
	}
	for _, ev := range m.Events {
		tl.Events = append(tl.Events, toEventView(ev))
	}
	s.writeJSON(w, http.StatusOK, tl)
}

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Kind   string `json:"kind"`
		Role   string `json:"role"`
		Cohort string `json:"cohort"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	if req.Kind == "" {
		req.Kind = store.ParticipantAutomated
	}

	p, err := s.repo.AddParticipant(r.Context(), r.PathValue("id"), &store.Participant{
		Name:   req.Name,
		Kind:   req.Kind,
		Role:   req.Role,
		Cohort: req.Cohort,
		Active: true,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toParticipantView(p))
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title     string `json:"title"`
		CreatedBy string `json:"created_by"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	topic, err := s.sched.CreateTopic(r.Context(), r.PathValue("id"), req.Title, req.CreatedBy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toTopicView(topic))
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TopicID   string `json:"topic_id"`
		SpeakerID string `json:"speaker_id"`
		Content   string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	meetingID := r.PathValue("id")
	msg, err := s.sched.PostMessage(r.Context(), meetingID, scheduler.PostMessageInput{
		TopicID:   req.TopicID,
		SpeakerID: req.SpeakerID,
		Content:   req.Content,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	m, err := s.repo.Snapshot(meetingID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toMessageView(m, msg))
}

// handlePostAttachment records an uploaded artifact as a message. The
// message kind follows the MIME type: image/* becomes an image message,
// anything else a file message.
func (s *Server) handlePostAttachment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TopicID   string `json:"topic_id"`
		SpeakerID string `json:"speaker_id"`
		Filename  string `json:"filename"`
		MimeType  string `json:"mime_type"`
		Caption   string `json:"caption"`
		SizeBytes int64  `json:"size_bytes"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "filename is required"})
		return
	}

	kind := store.MessageFile
	if strings.HasPrefix(req.MimeType, "image/") {
		kind = store.MessageImage
	}
	content := req.Caption
	if strings.TrimSpace(content) == "" {
		content = req.Filename
	}

	meetingID := r.PathValue("id")
	msg, err := s.sched.PostMessage(r.Context(), meetingID, scheduler.PostMessageInput{
		TopicID:   req.TopicID,
		SpeakerID: req.SpeakerID,
		Content:   content,
		Kind:      kind,
		Meta: map[string]any{
			"filename":   req.Filename,
			"mime_type":  req.MimeType,
			"size_bytes": req.SizeBytes,
		},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	m, err := s.repo.Snapshot(meetingID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toMessageView(m, msg))
}

// Control actions accepted by handleControl.
const (
	actionPause        = "pause"
	actionResume       = "resume"
	actionNextTurn     = "next_turn"
	actionForceSpeaker = "force_speaker"
	actionEndTopic     = "end_topic"
	actionStartTopic   = "start_topic"
)

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action      string `json:"action"`
		TopicID     string `json:"topic_id"`
		SpeakerID   string `json:"speaker_id"`
		SpeakerName string `json:"speaker_name"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	meetingID := r.PathValue("id")
	var err error
	switch req.Action {
	case actionPause:
		err = s.sched.Pause(r.Context(), meetingID)
	case actionResume:
		err = s.sched.Resume(r.Context(), meetingID)
	case actionNextTurn:
		err = s.sched.NextTurn(r.Context(), meetingID)
	case actionForceSpeaker:
		err = s.sched.ForceSpeaker(r.Context(), meetingID, req.SpeakerID, req.SpeakerName)
	case actionEndTopic:
		err = s.sched.EndTopic(r.Context(), meetingID)
	case actionStartTopic:
		err = s.sched.StartTopic(r.Context(), meetingID, req.TopicID)
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown action: " + req.Action})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "action": req.Action})
}
