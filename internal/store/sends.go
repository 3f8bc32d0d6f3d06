package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sendColumns = `id, workspace_id, campaign_id, contact_id, to_email, COALESCE(from_email,''),
	COALESCE(subject,''), status, execute_at, sent_at, opened_at, clicked_at,
	provider_message_id, schedule_id, ab_variant, is_test, COALESCE(meta,'{}'), created_at, updated_at`

func scanSend(row interface{ Scan(...any) error }) (*EmailSend, error) {
	var e EmailSend
	var meta []byte
	err := row.Scan(&e.ID, &e.WorkspaceID, &e.CampaignID, &e.ContactID, &e.ToEmail, &e.FromEmail,
		&e.Subject, &e.Status, &e.ExecuteAt, &e.SentAt, &e.OpenedAt, &e.ClickedAt,
		&e.ProviderMessageID, &e.ScheduleID, &e.ABVariant, &e.IsTest, &meta, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Meta = unmarshalMeta(meta)
	return &e, nil
}

// InsertSend queues one email send. The id is assigned when unset.
func (s *Store) InsertSend(ctx context.Context, e *EmailSend) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = SendQueued
	}
	if e.ExecuteAt.IsZero() {
		e.ExecuteAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_sends (id, workspace_id, campaign_id, contact_id, to_email, from_email,
			subject, status, execute_at, schedule_id, ab_variant, is_test, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())`,
		e.ID, e.WorkspaceID, e.CampaignID, e.ContactID, e.ToEmail, e.FromEmail,
		e.Subject, e.Status, e.ExecuteAt, e.ScheduleID, e.ABVariant, e.IsTest, marshalMeta(e.Meta))
	if err != nil {
		return fmt.Errorf("insert send: %w", err)
	}
	return nil
}

// UpsertScheduledSend inserts a scheduler-produced send, relying on the
// unique index over (workspace_id, schedule_id, to_email). Returns true
// when a row was inserted, false when the recipient already had one —
// which is what makes overlapping scheduler runs idempotent.
func (s *Store) UpsertScheduledSend(ctx context.Context, e *EmailSend) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = SendQueued
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO email_sends (id, workspace_id, campaign_id, contact_id, to_email, from_email,
			subject, status, execute_at, schedule_id, ab_variant, is_test, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		ON CONFLICT (workspace_id, schedule_id, to_email) DO NOTHING`,
		e.ID, e.WorkspaceID, e.CampaignID, e.ContactID, e.ToEmail, e.FromEmail,
		e.Subject, e.Status, e.ExecuteAt, e.ScheduleID, e.ABVariant, e.IsTest, marshalMeta(e.Meta))
	if err != nil {
		return false, fmt.Errorf("upsert scheduled send: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetSend fetches one send by id, or nil when absent.
func (s *Store) GetSend(ctx context.Context, id uuid.UUID) (*EmailSend, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sendColumns+` FROM email_sends WHERE id = $1`, id)
	e, err := scanSend(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get send: %w", err)
	}
	return e, nil
}

// ListDueSends returns up to batch queued sends whose execute_at has
// arrived, oldest due first.
func (s *Store) ListDueSends(ctx context.Context, workspaceID string, batch int) ([]EmailSend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sendColumns+` FROM email_sends
		WHERE workspace_id = $1 AND status = $2 AND execute_at <= NOW()
		ORDER BY execute_at ASC
		LIMIT $3`,
		workspaceID, SendQueued, batch)
	if err != nil {
		return nil, fmt.Errorf("list due sends: %w", err)
	}
	defer rows.Close()

	var out []EmailSend
	for rows.Next() {
		e, err := scanSend(rows)
		if err != nil {
			return nil, fmt.Errorf("scan send: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ClaimSend transitions queued -> processing. A false return means another
// worker got there first and the caller should skip the row.
func (s *Store) ClaimSend(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_sends SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3`,
		id, SendProcessing, SendQueued)
	if err != nil {
		return false, fmt.Errorf("claim send: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkSendSent finalizes a delivered row.
func (s *Store) MarkSendSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_sends SET status = $2, provider_message_id = NULLIF($3,''), sent_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		id, SendSent, providerMessageID)
	if err != nil {
		return fmt.Errorf("mark send sent: %w", err)
	}
	return nil
}

// MarkSendFailed finalizes a failed row, recording the operator-visible
// error in meta. There is no automatic retry from failed.
func (s *Store) MarkSendFailed(ctx context.Context, id uuid.UUID, sendErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_sends SET status = $2,
			meta = COALESCE(meta,'{}'::jsonb) || jsonb_build_object('error', $3::text),
			updated_at = NOW()
		WHERE id = $1`,
		id, SendFailed, sendErr)
	if err != nil {
		return fmt.Errorf("mark send failed: %w", err)
	}
	return nil
}

// MarkOpened sets opened_at first-write-wins. Returns true only for the
// first open of a send.
func (s *Store) MarkOpened(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_sends SET opened_at = $2, updated_at = NOW() WHERE id = $1 AND opened_at IS NULL`,
		id, at)
	if err != nil {
		return false, fmt.Errorf("mark opened: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkClicked sets clicked_at first-write-wins. Returns true only for the
// first click of a send.
func (s *Store) MarkClicked(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_sends SET clicked_at = $2, updated_at = NOW() WHERE id = $1 AND clicked_at IS NULL`,
		id, at)
	if err != nil {
		return false, fmt.Errorf("mark clicked: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListTestSends returns the A/B test pool for one schedule, for winner
// scoring.
func (s *Store) ListTestSends(ctx context.Context, workspaceID string, scheduleID uuid.UUID) ([]EmailSend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sendColumns+` FROM email_sends
		WHERE workspace_id = $1 AND schedule_id = $2 AND is_test = true
		ORDER BY created_at ASC`,
		workspaceID, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list test sends: %w", err)
	}
	defer rows.Close()

	var out []EmailSend
	for rows.Next() {
		e, err := scanSend(rows)
		if err != nil {
			return nil, fmt.Errorf("scan send: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// RecoverStuckSends flips processing rows older than the threshold back to
// queued so a crashed delivery worker's batch is retried. Returns the
// number of rows recovered.
func (s *Store) RecoverStuckSends(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_sends SET status = $1, updated_at = NOW()
		WHERE status = $2 AND updated_at < NOW() - $3::interval`,
		SendQueued, SendProcessing, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("recover stuck sends: %w", err)
	}
	return res.RowsAffected()
}
