package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const automationColumns = `id, workspace_id, name, status, COALESCE(steps,'[]'), created_at, updated_at`

func scanAutomation(row interface{ Scan(...any) error }) (*Automation, error) {
	var a Automation
	var steps []byte
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Status, &steps, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &a.Steps); err != nil {
		return nil, fmt.Errorf("decode automation steps: %w", err)
	}
	return &a, nil
}

// GetAutomation fetches one automation, or nil when absent.
func (s *Store) GetAutomation(ctx context.Context, workspaceID string, id uuid.UUID) (*Automation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id)
	a, err := scanAutomation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get automation: %w", err)
	}
	return a, nil
}

// ListRunningAutomations returns the automations whose triggers may fire.
func (s *Store) ListRunningAutomations(ctx context.Context, workspaceID string) ([]Automation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE workspace_id = $1 AND status = 'Running'`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list running automations: %w", err)
	}
	defer rows.Close()

	var out []Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan automation: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CreateRun inserts a new automation run in running state.
func (s *Store) CreateRun(ctx context.Context, r *AutomationRun) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = RunRunning
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_runs (id, workspace_id, automation_id, contact_id, status, current_step_id, started_at, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.WorkspaceID, r.AutomationID, r.ContactID, r.Status, r.CurrentStepID, r.StartedAt, marshalMeta(r.Meta))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// SetRunStep advances the run pointer to the next step.
func (s *Store) SetRunStep(ctx context.Context, workspaceID string, runID uuid.UUID, stepID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automation_runs SET current_step_id = $3, updated_at = NOW()
		WHERE workspace_id = $1 AND id = $2`,
		workspaceID, runID, stepID)
	if err != nil {
		return fmt.Errorf("set run step: %w", err)
	}
	return nil
}

// CompleteRun moves a run to its completed terminal state.
func (s *Store) CompleteRun(ctx context.Context, workspaceID string, runID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automation_runs SET status = $3, finished_at = NOW(), updated_at = NOW()
		WHERE workspace_id = $1 AND id = $2`,
		workspaceID, runID, RunCompleted)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// FailRun moves a run to its failed terminal state with an operator-visible
// error.
func (s *Store) FailRun(ctx context.Context, workspaceID string, runID uuid.UUID, runErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automation_runs SET status = $3, finished_at = NOW(), last_error = $4, updated_at = NOW()
		WHERE workspace_id = $1 AND id = $2`,
		workspaceID, runID, RunFailed, runErr)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return nil
}

// EnqueueStep inserts a due-time work item pointing a run at a step.
func (s *Store) EnqueueStep(ctx context.Context, item *AutomationQueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = QueueQueued
	}
	if item.ExecuteAt.IsZero() {
		item.ExecuteAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_queue (id, workspace_id, run_id, automation_id, contact_id, step_id,
			execute_at, status, attempts, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, NOW(), NOW())`,
		item.ID, item.WorkspaceID, item.RunID, item.AutomationID, item.ContactID, item.StepID,
		item.ExecuteAt, item.Status, marshalMeta(item.Payload))
	if err != nil {
		return fmt.Errorf("enqueue step: %w", err)
	}
	return nil
}

// ListDueQueueItems returns up to batch queued items whose execute_at has
// arrived, oldest due first.
func (s *Store) ListDueQueueItems(ctx context.Context, workspaceID string, batch int) ([]AutomationQueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, run_id, automation_id, contact_id, step_id,
			execute_at, status, attempts, last_error, COALESCE(payload,'{}')
		FROM automation_queue
		WHERE workspace_id = $1 AND status = $2 AND execute_at <= NOW()
		ORDER BY execute_at ASC
		LIMIT $3`,
		workspaceID, QueueQueued, batch)
	if err != nil {
		return nil, fmt.Errorf("list due queue items: %w", err)
	}
	defer rows.Close()

	var out []AutomationQueueItem
	for rows.Next() {
		var it AutomationQueueItem
		var payload []byte
		if err := rows.Scan(&it.ID, &it.WorkspaceID, &it.RunID, &it.AutomationID, &it.ContactID,
			&it.StepID, &it.ExecuteAt, &it.Status, &it.Attempts, &it.LastError, &payload); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		it.Payload = unmarshalMeta(payload)
		out = append(out, it)
	}
	return out, rows.Err()
}

// ClaimQueueItem transitions queued -> processing and counts the attempt.
// A false return means another worker already claimed the item.
func (s *Store) ClaimQueueItem(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_queue SET status = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, QueueProcessing, QueueQueued)
	if err != nil {
		return false, fmt.Errorf("claim queue item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkQueueItemDone finalizes a successfully interpreted item.
func (s *Store) MarkQueueItemDone(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automation_queue SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, QueueDone)
	if err != nil {
		return fmt.Errorf("mark queue item done: %w", err)
	}
	return nil
}

// MarkQueueItemFailed finalizes a poison item with its error.
func (s *Store) MarkQueueItemFailed(ctx context.Context, id uuid.UUID, itemErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automation_queue SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1`,
		id, QueueFailed, itemErr)
	if err != nil {
		return fmt.Errorf("mark queue item failed: %w", err)
	}
	return nil
}

// RecoverStuckQueueItems flips processing items older than the threshold
// back to queued. Attempts were already counted at claim time, so the
// counter stays an honest record for operators.
func (s *Store) RecoverStuckQueueItems(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_queue SET status = $1, updated_at = NOW()
		WHERE status = $2 AND updated_at < NOW() - $3::interval`,
		QueueQueued, QueueProcessing, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("recover stuck queue items: %w", err)
	}
	return res.RowsAffected()
}
