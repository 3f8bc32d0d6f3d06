package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const contactColumns = `id, workspace_id, email, COALESCE(first_name,''), COALESCE(last_name,''),
	status, unsubscribed, bounced, spam_complaint, COALESCE(lifecycle_stage,''), COALESCE(temperature,'cold'),
	COALESCE(tags,'{}'), COALESCE(lists,'{}'), lead_score, best_send_hour, best_send_minute,
	COALESCE(timezone,''), last_open_at, created_at, updated_at`

func scanContact(row interface{ Scan(...any) error }) (*Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.Email, &c.FirstName, &c.LastName,
		&c.Status, &c.Unsubscribed, &c.Bounced, &c.SpamComplaint, &c.LifecycleStage, &c.Temperature,
		pq.Array(&c.Tags), pq.Array(&c.Lists), &c.LeadScore, &c.BestSendHour, &c.BestSendMinute,
		&c.Timezone, &c.LastOpenAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetContact fetches one contact, or nil when absent.
func (s *Store) GetContact(ctx context.Context, workspaceID string, id uuid.UUID) (*Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

// ListEligibleContacts returns up to limit contacts that pass the sending
// eligibility predicate, oldest first for stable paging.
func (s *Store) ListEligibleContacts(ctx context.Context, workspaceID string, limit, offset int) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts
		WHERE workspace_id = $1 AND status = $2
		  AND unsubscribed = false AND bounced = false AND spam_complaint = false
		ORDER BY created_at ASC, id ASC
		LIMIT $3 OFFSET $4`,
		workspaceID, ContactSubscribed, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list eligible contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetContactsByIDs fetches specific contacts; missing ids are skipped.
func (s *Store) GetContactsByIDs(ctx context.Context, workspaceID string, ids []uuid.UUID) ([]Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE workspace_id = $1 AND id = ANY($2)`,
		workspaceID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get contacts by ids: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateLeadScore writes a new score and its derived temperature.
func (s *Store) UpdateLeadScore(ctx context.Context, workspaceID string, id uuid.UUID, score int, temperature string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET lead_score = $3, temperature = $4, updated_at = NOW()
		WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id, score, temperature)
	if err != nil {
		return fmt.Errorf("update lead score: %w", err)
	}
	return nil
}

// UpdateBestSendTime records the learned per-contact send slot.
func (s *Store) UpdateBestSendTime(ctx context.Context, workspaceID string, id uuid.UUID, hour, minute int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET best_send_hour = $3, best_send_minute = $4,
			best_send_updated_at = NOW(), updated_at = NOW()
		WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id, hour, minute)
	if err != nil {
		return fmt.Errorf("update best send time: %w", err)
	}
	return nil
}

// SetContactField patches one scalar contact column. Only the columns the
// automation update_field action may touch are accepted.
func (s *Store) SetContactField(ctx context.Context, workspaceID string, id uuid.UUID, field string, value any) error {
	column, ok := map[string]string{
		"lifecycle_stage": "lifecycle_stage",
		"temperature":     "temperature",
		"status":          "status",
		"lead_score":      "lead_score",
	}[field]
	if !ok {
		return fmt.Errorf("set contact field: column %q not patchable", field)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET `+column+` = $3, updated_at = NOW() WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id, value)
	if err != nil {
		return fmt.Errorf("set contact %s: %w", field, err)
	}
	return nil
}

// SetContactTags replaces the tag set.
func (s *Store) SetContactTags(ctx context.Context, workspaceID string, id uuid.UUID, tags []string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET tags = $3, updated_at = NOW() WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id, pq.Array(tags))
	if err != nil {
		return fmt.Errorf("set contact tags: %w", err)
	}
	return nil
}

// SetContactLists replaces the list membership set.
func (s *Store) SetContactLists(ctx context.Context, workspaceID string, id uuid.UUID, lists []string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET lists = $3, updated_at = NOW() WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id, pq.Array(lists))
	if err != nil {
		return fmt.Errorf("set contact lists: %w", err)
	}
	return nil
}

// UnsubscribeContact flips the contact out of all future sending.
func (s *Store) UnsubscribeContact(ctx context.Context, workspaceID string, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET unsubscribed = true, status = $3, updated_at = NOW()
		WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id, ContactUnsubscribed)
	if err != nil {
		return fmt.Errorf("unsubscribe contact: %w", err)
	}
	return nil
}

// BumpContactMetric increments the open/click counters kept on the contact
// row; opens also refresh last_open_at for the last_open_days condition.
func (s *Store) BumpContactMetric(ctx context.Context, workspaceID string, id uuid.UUID, metric string) error {
	var q string
	switch metric {
	case "open":
		q = `UPDATE contacts SET total_opens = COALESCE(total_opens,0) + 1, last_open_at = NOW(), updated_at = NOW()
			WHERE workspace_id = $1 AND id = $2`
	case "click":
		q = `UPDATE contacts SET total_clicks = COALESCE(total_clicks,0) + 1, updated_at = NOW()
			WHERE workspace_id = $1 AND id = $2`
	default:
		return fmt.Errorf("bump contact metric: unknown metric %q", metric)
	}
	if _, err := s.db.ExecContext(ctx, q, workspaceID, id); err != nil {
		return fmt.Errorf("bump contact metric: %w", err)
	}
	return nil
}
