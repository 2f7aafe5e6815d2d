// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Enforces a byte ceiling via max_page_count and upserts every record type

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const pageSize = 4096

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path, capped at
// maxBytes on disk. A maxBytes of 0 disables the ceiling. Parent
// directories are created if needed.
func NewSQLiteStore(path string, maxBytes int64) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Serialized writes keep the page-count ceiling accurate. The store is
	// a best-effort mirror, so a single connection is plenty.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=DELETE",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		fmt.Sprintf("PRAGMA page_size=%d", pageSize),
	}
	if maxBytes > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA max_page_count=%d", maxBytes/pageSize))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "max_bytes", maxBytes)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS meetings (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			policy_json TEXT NOT NULL,
			runtime_json TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			role TEXT NOT NULL,
			cohort TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_participants_meeting
			ON participants(meeting_id, created_at);

		CREATE TABLE IF NOT EXISTS topics (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL,
			title TEXT NOT NULL,
			state TEXT NOT NULL,
			round INTEGER NOT NULL,
			created_by TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			closed_at TEXT,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_topics_meeting
			ON topics(meeting_id, created_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL,
			topic_id TEXT,
			speaker_id TEXT,
			content TEXT NOT NULL,
			kind TEXT NOT NULL,
			meta_json TEXT NOT NULL,
			token_estimate INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_meeting
			ON messages(meeting_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_topic
			ON messages(topic_id, created_at);

		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL,
			topic_id TEXT,
			type TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_meeting
			ON events(meeting_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isFullError checks if the error is SQLite's capacity failure
// ("database or disk is full", raised when max_page_count is exceeded).
func isFullError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "full")
}

// classify wraps capacity failures in ErrStoreFull so callers can
// errors.Is on them; other errors are wrapped with the action label.
func classify(action string, err error) error {
	if err == nil {
		return nil
	}
	if isFullError(err) {
		return fmt.Errorf("%s: %w", action, ErrStoreFull)
	}
	return fmt.Errorf("%s: %w", action, err)
}

// UpsertMeeting writes the meeting row with its policy and the reduced
// runtime snapshot. Same id overwrites.
func (s *SQLiteStore) UpsertMeeting(ctx context.Context, m *Meeting) error {
	policyJSON, err := json.Marshal(m.Policy)
	if err != nil {
		return fmt.Errorf("marshaling policy: %w", err)
	}
	runtimeJSON, err := json.Marshal(m.Runtime)
	if err != nil {
		return fmt.Errorf("marshaling runtime: %w", err)
	}

	query := `
		INSERT INTO meetings (id, title, status, created_at, policy_json, runtime_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			policy_json = excluded.policy_json,
			runtime_json = excluded.runtime_json
	`

	_, err = s.db.ExecContext(ctx, query,
		m.ID,
		m.Title,
		m.Status,
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(policyJSON),
		string(runtimeJSON),
	)
	return classify("upserting meeting", err)
}

// UpsertParticipant writes one participant row.
func (s *SQLiteStore) UpsertParticipant(ctx context.Context, p *Participant) error {
	query := `
		INSERT INTO participants (id, meeting_id, name, kind, role, cohort, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			role = excluded.role,
			cohort = excluded.cohort,
			active = excluded.active
	`

	active := 0
	if p.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.MeetingID,
		p.Name,
		p.Kind,
		p.Role,
		p.Cohort,
		active,
		p.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return classify("upserting participant", err)
}

// UpsertTopic writes one topic row.
func (s *SQLiteStore) UpsertTopic(ctx context.Context, t *Topic) error {
	query := `
		INSERT INTO topics (id, meeting_id, title, state, round, created_by, created_at, started_at, closed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			state = excluded.state,
			round = excluded.round,
			started_at = excluded.started_at,
			closed_at = excluded.closed_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.MeetingID,
		t.Title,
		t.State,
		t.Round,
		nullString(t.CreatedBy),
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullTime(t.StartedAt),
		nullTime(t.ClosedAt),
		t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return classify("upserting topic", err)
}

// UpsertMessage writes one message row.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg *Message) error {
	metaJSON, err := json.Marshal(orEmpty(msg.Meta))
	if err != nil {
		return fmt.Errorf("marshaling message meta: %w", err)
	}

	query := `
		INSERT INTO messages (id, meeting_id, topic_id, speaker_id, content, kind, meta_json, token_estimate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			kind = excluded.kind,
			meta_json = excluded.meta_json,
			token_estimate = excluded.token_estimate
	`

	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		msg.MeetingID,
		nullString(msg.TopicID),
		nullString(msg.SpeakerID),
		msg.Content,
		msg.Kind,
		string(metaJSON),
		msg.TokenEstimate,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return classify("upserting message", err)
}

// UpsertEvent writes one event row.
func (s *SQLiteStore) UpsertEvent(ctx context.Context, e *Event) error {
	payloadJSON, err := json.Marshal(orEmpty(e.Payload))
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}

	query := `
		INSERT INTO events (id, meeting_id, topic_id, type, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			payload_json = excluded.payload_json
	`

	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		e.MeetingID,
		nullString(e.TopicID),
		e.Type,
		string(payloadJSON),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return classify("upserting event", err)
}

// DeleteMeeting removes a meeting and its full subtree. Deletion frees
// pages, so it must succeed even when the store is at its ceiling.
func (s *SQLiteStore) DeleteMeeting(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM participants WHERE meeting_id = ?",
		"DELETE FROM topics WHERE meeting_id = ?",
		"DELETE FROM messages WHERE meeting_id = ?",
		"DELETE FROM events WHERE meeting_id = ?",
		"DELETE FROM meetings WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("deleting meeting subtree: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted meeting subtree", "meeting_id", id)
	return nil
}

// SizeBytes reports the current database size from the page counters.
func (s *SQLiteStore) SizeBytes(ctx context.Context) (int64, error) {
	var pages, size int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return 0, fmt.Errorf("reading page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&size); err != nil {
		return 0, fmt.Errorf("reading page_size: %w", err)
	}
	return pages * size, nil
}

// LoadAll reads the full store back into memory, children attached to
// their meetings in creation order. Rows referencing unknown meetings are
// skipped; a crash mid-mirror can legitimately leave orphans behind.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*Meeting, error) {
	byID := make(map[string]*Meeting)
	var ordered []*Meeting

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, created_at, policy_json, runtime_json
		FROM meetings ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying meetings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Meeting
		var createdAt, policyJSON, runtimeJSON string
		if err := rows.Scan(&m.ID, &m.Title, &m.Status, &createdAt, &policyJSON, &runtimeJSON); err != nil {
			return nil, fmt.Errorf("scanning meeting row: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		if err := json.Unmarshal([]byte(policyJSON), &m.Policy); err != nil {
			s.logger.Warn("skipping malformed policy", "meeting_id", m.ID, "error", err)
		}
		if err := json.Unmarshal([]byte(runtimeJSON), &m.Runtime); err != nil {
			s.logger.Warn("skipping malformed runtime", "meeting_id", m.ID, "error", err)
		}
		// In-flight state never survives a restart.
		m.Runtime.TurnInFlight = false
		m.Runtime.PendingReason = ""
		byID[m.ID] = &m
		ordered = append(ordered, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating meeting rows: %w", err)
	}

	if err := s.loadParticipants(ctx, byID); err != nil {
		return nil, err
	}
	if err := s.loadTopics(ctx, byID); err != nil {
		return nil, err
	}
	if err := s.loadMessages(ctx, byID); err != nil {
		return nil, err
	}
	if err := s.loadEvents(ctx, byID); err != nil {
		return nil, err
	}

	return ordered, nil
}

func (s *SQLiteStore) loadParticipants(ctx context.Context, byID map[string]*Meeting) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, meeting_id, name, kind, role, cohort, active, created_at
		FROM participants ORDER BY created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Participant
		var active int
		var createdAt string
		if err := rows.Scan(&p.ID, &p.MeetingID, &p.Name, &p.Kind, &p.Role, &p.Cohort, &active, &createdAt); err != nil {
			return fmt.Errorf("scanning participant row: %w", err)
		}
		p.Active = active != 0
		p.CreatedAt = parseTime(createdAt)
		if m, ok := byID[p.MeetingID]; ok {
			m.Participants = append(m.Participants, &p)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) loadTopics(ctx context.Context, byID map[string]*Meeting) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, meeting_id, title, state, round, created_by, created_at, started_at, closed_at, updated_at
		FROM topics ORDER BY created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("querying topics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t Topic
		var createdBy, startedAt, closedAt sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &t.MeetingID, &t.Title, &t.State, &t.Round, &createdBy, &createdAt, &startedAt, &closedAt, &updatedAt); err != nil {
			return fmt.Errorf("scanning topic row: %w", err)
		}
		t.CreatedBy = createdBy.String
		t.CreatedAt = parseTime(createdAt)
		t.UpdatedAt = parseTime(updatedAt)
		if startedAt.Valid {
			ts := parseTime(startedAt.String)
			t.StartedAt = &ts
		}
		if closedAt.Valid {
			ts := parseTime(closedAt.String)
			t.ClosedAt = &ts
		}
		if m, ok := byID[t.MeetingID]; ok {
			m.Topics = append(m.Topics, &t)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) loadMessages(ctx context.Context, byID map[string]*Meeting) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, meeting_id, topic_id, speaker_id, content, kind, meta_json, token_estimate, created_at
		FROM messages ORDER BY created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg Message
		var topicID, speakerID sql.NullString
		var metaJSON, createdAt string
		if err := rows.Scan(&msg.ID, &msg.MeetingID, &topicID, &speakerID, &msg.Content, &msg.Kind, &metaJSON, &msg.TokenEstimate, &createdAt); err != nil {
			return fmt.Errorf("scanning message row: %w", err)
		}
		msg.TopicID = topicID.String
		msg.SpeakerID = speakerID.String
		msg.CreatedAt = parseTime(createdAt)
		if err := json.Unmarshal([]byte(metaJSON), &msg.Meta); err != nil {
			msg.Meta = map[string]any{}
		}
		if m, ok := byID[msg.MeetingID]; ok {
			m.Messages = append(m.Messages, &msg)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) loadEvents(ctx context.Context, byID map[string]*Meeting) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, meeting_id, topic_id, type, payload_json, created_at
		FROM events ORDER BY created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Event
		var topicID sql.NullString
		var payloadJSON, createdAt string
		if err := rows.Scan(&e.ID, &e.MeetingID, &topicID, &e.Type, &payloadJSON, &createdAt); err != nil {
			return fmt.Errorf("scanning event row: %w", err)
		}
		e.TopicID = topicID.String
		e.CreatedAt = parseTime(createdAt)
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			e.Payload = map[string]any{}
		}
		if m, ok := byID[e.MeetingID]; ok {
			m.Events = append(m.Events, &e)
		}
	}
	return rows.Err()
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime returns nil for a nil time, otherwise the formatted string
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
