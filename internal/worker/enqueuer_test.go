package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/config"
	"github.com/flowmail/flowmail/internal/mailer"
)

func TestSendBulk_ImmediateOverCapWithExplicitIDs(t *testing.T) {
	st, mock := setupTestDB(t)
	campaignID := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM campaigns`).
		WillReturnRows(campaignRows(campaignID, "body"))
	ids := make([]uuid.UUID, MaxImmediateRecipients+1)
	for i := range ids {
		ids[i] = uuid.New()
	}
	mock.ExpectQuery(`SELECT .+ FROM contacts`).
		WillReturnRows(contactsPage(len(ids)))

	e := NewEnqueuer(st, mailer.NewResend("test-key"), &config.Config{})
	_, err := e.SendBulk(context.Background(), BulkRequest{
		WorkspaceID:     DefaultWorkspace,
		Subject:         "s",
		Body:            "b",
		ContactIDs:      ids,
		SendImmediately: true,
	})
	if !errors.Is(err, ErrTooManyImmediate) {
		t.Errorf("err = %v, want ErrTooManyImmediate", err)
	}
	expectMet(t, mock)
}

func TestSendBulk_ImmediateOverCapWithEligiblePool(t *testing.T) {
	st, mock := setupTestDB(t)
	campaignID := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM campaigns`).
		WillReturnRows(campaignRows(campaignID, "body"))
	// No explicit ids: the whole eligible pool is the recipient list, and
	// it must hit the same cap.
	mock.ExpectQuery(`SELECT .+ FROM contacts`).
		WillReturnRows(contactsPage(MaxImmediateRecipients + 1))

	e := NewEnqueuer(st, mailer.NewResend("test-key"), &config.Config{})
	_, err := e.SendBulk(context.Background(), BulkRequest{
		WorkspaceID:     DefaultWorkspace,
		Subject:         "s",
		Body:            "b",
		SendImmediately: true,
	})
	if !errors.Is(err, ErrTooManyImmediate) {
		t.Errorf("err = %v, want ErrTooManyImmediate", err)
	}
	expectMet(t, mock)
}

func TestSendBulk_QueuedModeHasNoCap(t *testing.T) {
	st, mock := setupTestDB(t)
	campaignID := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM campaigns`).
		WillReturnRows(campaignRows(campaignID, "body"))
	n := MaxImmediateRecipients + 10
	mock.ExpectQuery(`SELECT .+ FROM contacts`).
		WillReturnRows(contactsPage(n))
	for i := 0; i < n; i++ {
		mock.ExpectExec(`INSERT INTO email_sends`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	e := NewEnqueuer(st, nil, &config.Config{})
	result, err := e.SendBulk(context.Background(), BulkRequest{
		WorkspaceID: DefaultWorkspace,
		Subject:     "s",
		Body:        "b",
	})
	if err != nil {
		t.Fatalf("SendBulk: %v", err)
	}
	if result.Mode != "queued" || result.Queued != n {
		t.Errorf("result = %+v, want queued %d", result, n)
	}
	expectMet(t, mock)
}
