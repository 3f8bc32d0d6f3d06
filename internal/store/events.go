package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const eventColumns = `id, workspace_id, contact_id, event_type, occurred_at, campaign_id, COALESCE(meta,'{}')`

// InsertEvent appends a contact event. The id and occurred_at are assigned
// here when unset so every producer gets the same monotonic-per-workspace
// ordering the cursors depend on.
func (s *Store) InsertEvent(ctx context.Context, ev *ContactEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contact_events (id, workspace_id, contact_id, event_type, occurred_at, campaign_id, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.WorkspaceID, ev.ContactID, ev.EventType, ev.OccurredAt, ev.CampaignID, marshalMeta(ev.Meta))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEventsAfter returns up to limit events strictly newer than the cursor
// position, ascending. eventType narrows to one type when non-empty.
func (s *Store) ListEventsAfter(ctx context.Context, workspaceID string, after time.Time, eventType string, limit int) ([]ContactEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM contact_events
		WHERE workspace_id = $1 AND occurred_at > $2`
	args := []any{workspaceID, after}
	if eventType != "" {
		q += ` AND event_type = $3`
		args = append(args, eventType)
	}
	q += fmt.Sprintf(` ORDER BY occurred_at ASC, id ASC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []ContactEvent
	for rows.Next() {
		var ev ContactEvent
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.WorkspaceID, &ev.ContactID, &ev.EventType,
			&ev.OccurredAt, &ev.CampaignID, &meta); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Meta = unmarshalMeta(meta)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEventsBySend counts events of one type carrying the given sid in
// meta, used by tracking tests and heatmap rollups.
func (s *Store) CountEventsBySend(ctx context.Context, workspaceID, eventType, sid string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contact_events
		WHERE workspace_id = $1 AND event_type = $2 AND meta->>'sid' = $3`,
		workspaceID, eventType, sid).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events by send: %w", err)
	}
	return n, nil
}
