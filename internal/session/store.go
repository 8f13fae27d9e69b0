package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists the durable part of a session.
type Store interface {
	// Save inserts or updates a session. FirstSeen is kept from the
	// original insert.
	Save(ctx context.Context, s Session) error

	// List returns every stored session.
	List(ctx context.Context) ([]Session, error)
}

// SQLiteStore implements Store on the device_sessions table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an open, migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Save upserts one session row.
func (s *SQLiteStore) Save(ctx context.Context, sess Session) error {
	var assignment sql.NullString
	if sess.Assignment != nil {
		data, err := json.Marshal(sess.Assignment)
		if err != nil {
			return fmt.Errorf("marshalling assignment: %w", err)
		}
		assignment = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO device_sessions (
			id, transport, category, secondary_category, zone, room, name,
			assignment, first_seen, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			transport = excluded.transport,
			category = excluded.category,
			secondary_category = excluded.secondary_category,
			zone = excluded.zone,
			room = excluded.room,
			name = excluded.name,
			assignment = excluded.assignment,
			last_seen = excluded.last_seen`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		string(sess.Transport),
		sess.Tags.Category,
		sess.Tags.SecondaryCategory,
		sess.Tags.Zone,
		sess.Tags.Room,
		sess.Tags.Name,
		assignment,
		formatTime(sess.FirstSeen),
		formatTime(sess.LastSeen),
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID, err)
	}
	return nil
}

// List returns every stored session ordered by identity.
func (s *SQLiteStore) List(ctx context.Context) ([]Session, error) {
	query := `
		SELECT id, transport, category, secondary_category, zone, room, name,
			assignment, first_seen, last_seen
		FROM device_sessions
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return out, nil
}

func scanSession(rows *sql.Rows) (Session, error) {
	var sess Session
	var transport, firstSeen, lastSeen string
	var assignment sql.NullString

	err := rows.Scan(
		&sess.ID,
		&transport,
		&sess.Tags.Category,
		&sess.Tags.SecondaryCategory,
		&sess.Tags.Zone,
		&sess.Tags.Room,
		&sess.Tags.Name,
		&assignment,
		&firstSeen,
		&lastSeen,
	)
	if err != nil {
		return Session{}, err
	}
	sess.Transport = Transport(transport)
	sess.Liveness = LivenessUnknown

	if sess.FirstSeen, err = time.Parse(time.RFC3339Nano, firstSeen); err != nil {
		return Session{}, fmt.Errorf("parsing first_seen: %w", err)
	}
	if sess.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
		return Session{}, fmt.Errorf("parsing last_seen: %w", err)
	}

	if assignment.Valid && assignment.String != "" {
		var a Assignment
		if err := json.Unmarshal([]byte(assignment.String), &a); err != nil {
			return Session{}, fmt.Errorf("unmarshalling assignment: %w", err)
		}
		sess.Assignment = &a
	}
	return sess, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
