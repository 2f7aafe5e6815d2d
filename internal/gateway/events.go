// ABOUTME: SSE subscription endpoint streaming meeting events
// ABOUTME: Sends a connected snapshot, then one frame per broadcast event

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/warroom-gateway/internal/store"
)

// heartbeatInterval keeps intermediaries from closing idle streams.
const heartbeatInterval = 30 * time.Second

type eventView struct {
	ID        string         `json:"id"`
	TopicID   string         `json:"topic_id,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// connectedView is the runtime snapshot sent as the first SSE frame.
type connectedView struct {
	MeetingID string      `json:"meeting_id"`
	Runtime   runtimeView `json:"runtime"`
	Policy    policyView  `json:"policy"`
}

// handleEvents streams the meeting's event feed over SSE. Delivery is
// at-most-once; a subscriber that falls behind loses frames rather than
// stalling the publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("id")

	// Subscribe before snapshotting so no event published after the
	// snapshot is missed.
	events, subID := s.bus.Subscribe(r.Context(), meetingID)
	defer s.bus.Unsubscribe(meetingID, subID)

	m, err := s.repo.Snapshot(meetingID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	snapshot, err := json.Marshal(connectedView{
		MeetingID: m.ID,
		Runtime:   toRuntimeView(m.Runtime),
		Policy:    toPolicyView(m.Policy),
	})
	if err != nil {
		s.logger.Error("failed to marshal connected snapshot", "error", err)
		return
	}
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", snapshot)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeEventFrame(w, ev); err != nil {
				s.logger.Error("failed to write event frame", "error", err)
				continue
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeEventFrame(w http.ResponseWriter, ev *store.Event) error {
	data, err := json.Marshal(toEventView(ev))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
