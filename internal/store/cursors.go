package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetCursor returns the high-water mark for one consumer in one workspace.
// A missing row reads as the zero cursor (consume from the beginning).
func (s *Store) GetCursor(ctx context.Context, workspaceID, cursorID string) (*Cursor, error) {
	var c Cursor
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, id, last_occurred_at, last_event_id, updated_at
		FROM event_cursors WHERE workspace_id = $1 AND id = $2`,
		workspaceID, cursorID).Scan(&c.WorkspaceID, &c.ID, &c.LastOccurredAt, &c.LastEventID, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return &Cursor{WorkspaceID: workspaceID, ID: cursorID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return &c, nil
}

// AdvanceCursor moves the high-water mark forward. The guard keeps
// last_occurred_at monotonically non-decreasing even under concurrent
// invocations of the same consumer.
func (s *Store) AdvanceCursor(ctx context.Context, workspaceID, cursorID string, occurredAt time.Time, eventID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_cursors (workspace_id, id, last_occurred_at, last_event_id, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (workspace_id, id) DO UPDATE SET
			last_occurred_at = EXCLUDED.last_occurred_at,
			last_event_id = EXCLUDED.last_event_id,
			updated_at = NOW()
		WHERE event_cursors.last_occurred_at <= EXCLUDED.last_occurred_at`,
		workspaceID, cursorID, occurredAt, eventID)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}
