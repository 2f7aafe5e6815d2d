// ABOUTME: Default meeting seeding for first boot
// ABOUTME: Creates a ready-to-use meeting with the standard participant set

package room

import (
	"context"
	"fmt"

	"github.com/2389/warroom-gateway/internal/store"
)

// DefaultMeetingTitle names the meeting seeded on an empty store.
const DefaultMeetingTitle = "Agent Meeting Room"

// SeedDefaultMeeting creates a meeting with the standard participant set:
// a human host, two automated speakers split across the balanced-selection
// cohorts, and the system moderator that authors topic summaries.
func (r *Repository) SeedDefaultMeeting(ctx context.Context, policy store.Policy) (*store.Meeting, error) {
	m, err := r.CreateMeeting(ctx, DefaultMeetingTitle, policy)
	if err != nil {
		return nil, fmt.Errorf("creating seed meeting: %w", err)
	}

	seeds := []*store.Participant{
		{Name: "Host", Kind: store.ParticipantHuman, Role: store.RoleHost, Active: true},
		{Name: "OpenClaw", Kind: store.ParticipantAutomated, Role: store.RoleExecutor, Cohort: "A", Active: true},
		{Name: "Codex", Kind: store.ParticipantAutomated, Role: store.RoleEngineer, Cohort: "B", Active: true},
		{Name: "Moderator", Kind: store.ParticipantSystem, Role: store.RoleModerator, Active: true},
	}
	for _, p := range seeds {
		if _, err := r.AddParticipant(ctx, m.ID, p); err != nil {
			return nil, fmt.Errorf("seeding participant %q: %w", p.Name, err)
		}
	}
	return r.Snapshot(m.ID)
}
