package scene

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultHistoryLimit = 50

// Store persists the active flag and activation history.
type Store interface {
	// SaveActive replaces the persisted active scene.
	SaveActive(ctx context.Context, a Active) error

	// LoadActive returns the persisted active scene; ok is false when
	// none was ever saved.
	LoadActive(ctx context.Context) (a Active, ok bool, err error)

	// RecordActivation appends one history row.
	RecordActivation(ctx context.Context, r Record) error

	// History returns up to limit rows, newest first.
	History(ctx context.Context, limit int) ([]Record, error)
}

// SQLiteStore implements Store on the scene_state and scene_activations
// tables.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an open, migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// SaveActive upserts the single scene_state row.
func (s *SQLiteStore) SaveActive(ctx context.Context, a Active) error {
	query := `
		INSERT INTO scene_state (id, active_scene_id, activated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			active_scene_id = excluded.active_scene_id,
			activated_at = excluded.activated_at`

	if _, err := s.db.ExecContext(ctx, query, a.SceneID, formatTime(a.ActivatedAt)); err != nil {
		return fmt.Errorf("saving active scene: %w", err)
	}
	return nil
}

// LoadActive reads the scene_state row.
func (s *SQLiteStore) LoadActive(ctx context.Context) (Active, bool, error) {
	var a Active
	var at string
	err := s.db.QueryRowContext(ctx,
		"SELECT active_scene_id, activated_at FROM scene_state WHERE id = 1",
	).Scan(&a.SceneID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Active{}, false, nil
	}
	if err != nil {
		return Active{}, false, fmt.Errorf("querying active scene: %w", err)
	}
	if a.ActivatedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return Active{}, false, fmt.Errorf("parsing activated_at: %w", err)
	}
	return a, true, nil
}

// RecordActivation inserts one history row.
func (s *SQLiteStore) RecordActivation(ctx context.Context, r Record) error {
	query := `
		INSERT INTO scene_activations (
			id, scene_id, previous_scene_id, source, redispatch,
			recipients, failures, activated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.SceneID,
		r.PreviousSceneID,
		r.Source,
		boolToInt(r.Redispatch),
		r.Recipients,
		r.Failures,
		formatTime(r.ActivatedAt),
	)
	if err != nil {
		return fmt.Errorf("recording activation: %w", err)
	}
	return nil
}

// History returns recent activations, newest first. A non-positive limit
// uses the default of 50.
func (s *SQLiteStore) History(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	query := `
		SELECT id, scene_id, previous_scene_id, source, redispatch,
			recipients, failures, activated_at
		FROM scene_activations
		ORDER BY rowid DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying activation history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var redispatch int
		var at string
		if err := rows.Scan(&r.ID, &r.SceneID, &r.PreviousSceneID, &r.Source,
			&redispatch, &r.Recipients, &r.Failures, &at); err != nil {
			return nil, fmt.Errorf("scanning activation: %w", err)
		}
		r.Redispatch = redispatch != 0
		if r.ActivatedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parsing activated_at: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activations: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
