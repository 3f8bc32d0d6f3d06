package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/config"
	"github.com/flowmail/flowmail/internal/mailer"
	"github.com/flowmail/flowmail/internal/store"
)

func setupTestDB(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.New(db), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func dueSendRows(sendID, campaignID, contactID uuid.UUID) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "workspace_id", "campaign_id", "contact_id", "to_email", "from_email",
		"subject", "status", "execute_at", "sent_at", "opened_at", "clicked_at",
		"provider_message_id", "schedule_id", "ab_variant", "is_test", "meta", "created_at", "updated_at",
	}).AddRow(
		sendID.String(), "default", campaignID.String(), contactID.String(), "ada@example.com", "",
		"Hello {{firstName}}", store.SendQueued, now, nil, nil, nil,
		nil, nil, nil, false, "{}", now, now,
	)
}

func contactRows(contactID uuid.UUID) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "workspace_id", "email", "first_name", "last_name",
		"status", "unsubscribed", "bounced", "spam_complaint", "lifecycle_stage", "temperature",
		"tags", "lists", "lead_score", "best_send_hour", "best_send_minute",
		"timezone", "last_open_at", "created_at", "updated_at",
	}).AddRow(
		contactID.String(), "default", "ada@example.com", "Ada", "Lovelace",
		store.ContactSubscribed, false, false, false, "Customer", "warm",
		"{}", "{}", 18, nil, nil,
		"", nil, now, now,
	)
}

func campaignRows(campaignID uuid.UUID, body string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "workspace_id", "name", "subject", "body",
		"email_blocks", "status", "sent_count", "created_at", "updated_at",
	}).AddRow(
		campaignID.String(), "default", "spring-launch", "Hello {{firstName}}", body,
		"[]", "Active", 0, now, now,
	)
}

func TestDeliveryRunOnce_SendsAndFinalizes(t *testing.T) {
	var gotMsg mailer.Message
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotMsg)
		w.Write([]byte(`{"messageId":"gw-1"}`))
	}))
	defer gw.Close()

	st, mock := setupTestDB(t)
	sendID, campaignID, contactID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM email_sends .+ execute_at <= NOW\(\)`).
		WillReturnRows(dueSendRows(sendID, campaignID, contactID))
	mock.ExpectExec(`UPDATE email_sends SET status = \$2`).
		WithArgs(sendID, store.SendProcessing, store.SendQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM campaigns`).
		WillReturnRows(campaignRows(campaignID, "Hi {{firstName}}, welcome aboard"))
	mock.ExpectQuery(`SELECT .+ FROM workspace_settings`).
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id"}))
	mock.ExpectQuery(`SELECT .+ FROM contacts`).
		WillReturnRows(contactRows(contactID))
	mock.ExpectExec(`UPDATE email_sends SET status = \$2, provider_message_id`).
		WithArgs(sendID, store.SendSent, "gw-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	cfg := &config.Config{DefaultFromName: "FlowMail", DefaultFromEmail: "hello@flowmail.app"}
	w := NewDeliveryWorker(st, mailer.NewGateway(gw.URL, "tok"), cfg)

	processed, err := w.RunOnce(context.Background(), DefaultWorkspace, 25)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
	if gotMsg.To != "ada@example.com" {
		t.Errorf("to = %q", gotMsg.To)
	}
	if gotMsg.Subject != "Hello Ada" {
		t.Errorf("subject = %q, want substituted", gotMsg.Subject)
	}
	if !strings.Contains(gotMsg.HTML, "Hi Ada, welcome aboard") {
		t.Errorf("html = %q, want substituted body", gotMsg.HTML)
	}
	expectMet(t, mock)
}

func TestDeliveryRunOnce_GatewayFailureMarksRowFailed(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "relay down", http.StatusBadRequest)
	}))
	defer gw.Close()

	st, mock := setupTestDB(t)
	sendID, campaignID, contactID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM email_sends`).
		WillReturnRows(dueSendRows(sendID, campaignID, contactID))
	mock.ExpectExec(`UPDATE email_sends SET status = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM campaigns`).
		WillReturnRows(campaignRows(campaignID, "body"))
	mock.ExpectQuery(`SELECT .+ FROM workspace_settings`).
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id"}))
	mock.ExpectQuery(`SELECT .+ FROM contacts`).
		WillReturnRows(contactRows(contactID))
	mock.ExpectExec(`UPDATE email_sends SET status = .+ jsonb_build_object\('error'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cfg := &config.Config{DefaultFromName: "FlowMail", DefaultFromEmail: "hello@flowmail.app"}
	w := NewDeliveryWorker(st, mailer.NewGateway(gw.URL, "tok"), cfg)

	processed, err := w.RunOnce(context.Background(), DefaultWorkspace, 25)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
	expectMet(t, mock)
}

func TestDeliveryRunOnce_LostClaimSkipsRow(t *testing.T) {
	st, mock := setupTestDB(t)
	sendID, campaignID, contactID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM email_sends`).
		WillReturnRows(dueSendRows(sendID, campaignID, contactID))
	// Another invocation claimed the row between list and claim.
	mock.ExpectExec(`UPDATE email_sends SET status = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	cfg := &config.Config{}
	w := NewDeliveryWorker(st, mailer.NewGateway("http://unused.invalid", ""), cfg)

	processed, err := w.RunOnce(context.Background(), DefaultWorkspace, 25)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if processed != 0 {
		t.Errorf("processed = %d, want 0", processed)
	}
	expectMet(t, mock)
}
