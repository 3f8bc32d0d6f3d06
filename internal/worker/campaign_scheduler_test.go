package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/store"
)

func scheduleRows(scheduleID, campaignID uuid.UUID, abEnabled bool, subjA, subjB string, fraction float64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "workspace_id", "campaign_id", "status", "mode",
		"window_start", "window_end", "timezone", "next_run_at",
		"ab_enabled", "ab_subject_a", "ab_subject_b", "ab_subject_c",
		"ab_test_fraction", "ab_wait_minutes", "ab_metric", "segment_json",
	}).AddRow(
		scheduleID.String(), "default", campaignID.String(), "active", "fixed_time",
		"09:00", "17:00", "UTC", time.Now(),
		abEnabled, subjA, subjB, "",
		fraction, 30, "opens", []byte("null"),
	)
}

func contactsPage(n int) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "workspace_id", "email", "first_name", "last_name",
		"status", "unsubscribed", "bounced", "spam_complaint", "lifecycle_stage", "temperature",
		"tags", "lists", "lead_score", "best_send_hour", "best_send_minute",
		"timezone", "last_open_at", "created_at", "updated_at",
	})
	for i := 0; i < n; i++ {
		rows.AddRow(
			uuid.New().String(), "default", fmt.Sprintf("c%d@example.com", i), "C", "",
			store.ContactSubscribed, false, false, false, "", "cold",
			"{}", "{}", 10, nil, nil,
			"", nil, now, now,
		)
	}
	return rows
}

func testSendRows(scheduleID uuid.UUID, opens map[string]bool) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "workspace_id", "campaign_id", "contact_id", "to_email", "from_email",
		"subject", "status", "execute_at", "sent_at", "opened_at", "clicked_at",
		"provider_message_id", "schedule_id", "ab_variant", "is_test", "meta", "created_at", "updated_at",
	})
	for variant, opened := range opens {
		var openedAt any
		if opened {
			openedAt = now
		}
		rows.AddRow(
			uuid.New().String(), "default", "camp", uuid.New().String(), variant+"@example.com", "",
			"s", store.SendSent, now, now, openedAt, nil,
			nil, scheduleID.String(), variant, true, "{}", now, now,
		)
	}
	return rows
}

func TestSchedulerRunOnce_PlainScheduleQueuesAllAndCompletes(t *testing.T) {
	st, mock := setupTestDB(t)
	scheduleID, campaignID := uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM campaign_schedules`).
		WillReturnRows(scheduleRows(scheduleID, campaignID, false, "", "", 0.1))
	mock.ExpectQuery(`SELECT .+ FROM campaigns`).
		WillReturnRows(campaignRows(campaignID, "body"))
	mock.ExpectQuery(`SELECT .+ FROM contacts`).
		WillReturnRows(contactsPage(3))
	for i := 0; i < 3; i++ {
		mock.ExpectExec(`INSERT INTO email_sends .+ ON CONFLICT \(workspace_id, schedule_id, to_email\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(`UPDATE campaign_schedules SET status = 'completed'`).
		WithArgs("default", scheduleID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := NewCampaignScheduler(st, nil)
	processed, err := w.RunOnce(context.Background(), DefaultWorkspace, 10, 3)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
	expectMet(t, mock)
}

func TestSchedulerRunOnce_ABFirstContactQueuesTestPool(t *testing.T) {
	st, mock := setupTestDB(t)
	scheduleID, campaignID := uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM campaign_schedules`).
		WillReturnRows(scheduleRows(scheduleID, campaignID, true, "Subject A?", "Subject B!", 0.5))
	mock.ExpectQuery(`SELECT .+ FROM campaigns`).
		WillReturnRows(campaignRows(campaignID, "body"))
	mock.ExpectQuery(`SELECT .+ FROM contacts`).
		WillReturnRows(contactsPage(4))
	mock.ExpectQuery(`SELECT .+ FROM campaign_ab_state`).
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id"}))
	// ceil(4 * 0.5) = 2 test rows, round-robin A then B, sent immediately.
	mock.ExpectExec(`INSERT INTO email_sends .+ ON CONFLICT`).
		WithArgs(sqlmock.AnyArg(), "default", campaignID.String(), sqlmock.AnyArg(), "c0@example.com", "",
			"Subject A?", store.SendQueued, sqlmock.AnyArg(), scheduleID, "A", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO email_sends .+ ON CONFLICT`).
		WithArgs(sqlmock.AnyArg(), "default", campaignID.String(), sqlmock.AnyArg(), "c1@example.com", "",
			"Subject B!", store.SendQueued, sqlmock.AnyArg(), scheduleID, "B", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO campaign_ab_state`).
		WithArgs("default", scheduleID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaign_schedules SET next_run_at`).
		WithArgs("default", scheduleID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := NewCampaignScheduler(st, nil)
	processed, err := w.RunOnce(context.Background(), DefaultWorkspace, 10, 4)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
	expectMet(t, mock)
}

func TestSchedulerRunOnce_ABTestStillRunningPushesNextRun(t *testing.T) {
	st, mock := setupTestDB(t)
	scheduleID, campaignID := uuid.New(), uuid.New()
	testEnd := time.Now().Add(20 * time.Minute)

	mock.ExpectQuery(`SELECT .+ FROM campaign_schedules`).
		WillReturnRows(scheduleRows(scheduleID, campaignID, true, "Subject A?", "Subject B!", 0.5))
	mock.ExpectQuery(`SELECT .+ FROM campaigns`).
		WillReturnRows(campaignRows(campaignID, "body"))
	mock.ExpectQuery(`SELECT .+ FROM contacts`).
		WillReturnRows(contactsPage(2))
	mock.ExpectQuery(`SELECT .+ FROM campaign_ab_state`).
		WillReturnRows(sqlmock.NewRows([]string{
			"workspace_id", "schedule_id", "status", "test_end_at", "winner_subject",
		}).AddRow("default", scheduleID.String(), "testing", testEnd, nil))
	mock.ExpectExec(`UPDATE campaign_schedules SET next_run_at`).
		WithArgs("default", scheduleID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := NewCampaignScheduler(st, nil)
	if _, err := w.RunOnce(context.Background(), DefaultWorkspace, 10, 2); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	expectMet(t, mock)
}

func TestSchedulerRunOnce_ABWindowElapsedPicksWinnerAndCompletes(t *testing.T) {
	st, mock := setupTestDB(t)
	scheduleID, campaignID := uuid.New(), uuid.New()
	testEnd := time.Now().Add(-time.Minute)

	mock.ExpectQuery(`SELECT .+ FROM campaign_schedules`).
		WillReturnRows(scheduleRows(scheduleID, campaignID, true, "Subject A?", "Subject B!", 0.5))
	mock.ExpectQuery(`SELECT .+ FROM campaigns`).
		WillReturnRows(campaignRows(campaignID, "body"))
	mock.ExpectQuery(`SELECT .+ FROM contacts`).
		WillReturnRows(contactsPage(2))
	mock.ExpectQuery(`SELECT .+ FROM campaign_ab_state`).
		WillReturnRows(sqlmock.NewRows([]string{
			"workspace_id", "schedule_id", "status", "test_end_at", "winner_subject",
		}).AddRow("default", scheduleID.String(), "testing", testEnd, nil))
	// B opened, A did not: B wins on opens.
	mock.ExpectQuery(`SELECT .+ FROM email_sends .+ is_test = true`).
		WillReturnRows(testSendRows(scheduleID, map[string]bool{"A": false, "B": true}))
	mock.ExpectExec(`UPDATE campaign_ab_state SET status = 'winner_selected'`).
		WithArgs("default", scheduleID, "Subject B!").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Whole pool upserted with the winner subject; test recipients dedupe
	// on the upsert index.
	mock.ExpectExec(`INSERT INTO email_sends .+ ON CONFLICT`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO email_sends .+ ON CONFLICT`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaign_schedules SET status = 'completed'`).
		WithArgs("default", scheduleID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := NewCampaignScheduler(st, nil)
	if _, err := w.RunOnce(context.Background(), DefaultWorkspace, 10, 2); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	expectMet(t, mock)
}

type stubLock struct{ held bool }

func (s *stubLock) Acquire(ctx context.Context) (bool, error) { return !s.held, nil }
func (s *stubLock) Release(ctx context.Context) error         { return nil }

func TestSchedulerRunOnce_LockHeldElsewhereSkips(t *testing.T) {
	st, mock := setupTestDB(t)

	w := NewCampaignScheduler(st, &stubLock{held: true})
	processed, err := w.RunOnce(context.Background(), DefaultWorkspace, 10, 10)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if processed != 0 {
		t.Errorf("processed = %d, want 0", processed)
	}
	expectMet(t, mock)
}
