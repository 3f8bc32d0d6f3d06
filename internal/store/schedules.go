package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const scheduleColumns = `id, workspace_id, campaign_id, status, mode,
	COALESCE(window_start,'09:00'), COALESCE(window_end,'17:00'), COALESCE(timezone,'UTC'), next_run_at,
	ab_enabled, COALESCE(ab_subject_a,''), COALESCE(ab_subject_b,''), COALESCE(ab_subject_c,''),
	COALESCE(ab_test_fraction,0.1), COALESCE(ab_wait_minutes,60), COALESCE(ab_metric,'opens'),
	COALESCE(segment_json,'null')`

func scanSchedule(row interface{ Scan(...any) error }) (*CampaignSchedule, error) {
	var sc CampaignSchedule
	err := row.Scan(&sc.ID, &sc.WorkspaceID, &sc.CampaignID, &sc.Status, &sc.Mode,
		&sc.WindowStart, &sc.WindowEnd, &sc.Timezone, &sc.NextRunAt,
		&sc.ABEnabled, &sc.ABSubjectA, &sc.ABSubjectB, &sc.ABSubjectC,
		&sc.ABTestFraction, &sc.ABWaitMinutes, &sc.ABMetric, &sc.SegmentJSON)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// ListDueSchedules returns active schedules whose next_run_at has arrived.
func (s *Store) ListDueSchedules(ctx context.Context, workspaceID string, limit int) ([]CampaignSchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM campaign_schedules
		WHERE workspace_id = $1 AND status = 'active' AND next_run_at <= NOW()
		ORDER BY next_run_at ASC
		LIMIT $2`,
		workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var out []CampaignSchedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// SetScheduleNextRun pushes next_run_at forward, used after queueing an A/B
// test pool so the schedule re-fires at test end rather than on every tick.
func (s *Store) SetScheduleNextRun(ctx context.Context, workspaceID string, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_schedules SET next_run_at = $3, updated_at = NOW()
		WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id, at)
	if err != nil {
		return fmt.Errorf("set schedule next run: %w", err)
	}
	return nil
}

// CompleteSchedule marks a schedule done after final queueing.
func (s *Store) CompleteSchedule(ctx context.Context, workspaceID string, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_schedules SET status = 'completed', updated_at = NOW()
		WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id)
	if err != nil {
		return fmt.Errorf("complete schedule: %w", err)
	}
	return nil
}

// GetABState returns the A/B test state for a schedule, or nil before the
// test pool has been queued.
func (s *Store) GetABState(ctx context.Context, workspaceID string, scheduleID uuid.UUID) (*CampaignABState, error) {
	var st CampaignABState
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, schedule_id, status, test_end_at, winner_subject
		FROM campaign_ab_state WHERE workspace_id = $1 AND schedule_id = $2`,
		workspaceID, scheduleID).Scan(&st.WorkspaceID, &st.ScheduleID, &st.Status, &st.TestEndAt, &st.WinnerSubject)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ab state: %w", err)
	}
	return &st, nil
}

// CreateABState records that the test pool is queued and when the test
// window closes. Idempotent under overlapping scheduler runs.
func (s *Store) CreateABState(ctx context.Context, workspaceID string, scheduleID uuid.UUID, testEndAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaign_ab_state (workspace_id, schedule_id, status, test_end_at, created_at, updated_at)
		VALUES ($1, $2, 'testing', $3, NOW(), NOW())
		ON CONFLICT (workspace_id, schedule_id) DO NOTHING`,
		workspaceID, scheduleID, testEndAt)
	if err != nil {
		return fmt.Errorf("create ab state: %w", err)
	}
	return nil
}

// SetABWinner records the winning subject and closes the test.
func (s *Store) SetABWinner(ctx context.Context, workspaceID string, scheduleID uuid.UUID, winnerSubject string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_ab_state SET status = 'winner_selected', winner_subject = $3, updated_at = NOW()
		WHERE workspace_id = $1 AND schedule_id = $2`,
		workspaceID, scheduleID, winnerSubject)
	if err != nil {
		return fmt.Errorf("set ab winner: %w", err)
	}
	return nil
}
