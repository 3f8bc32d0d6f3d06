package worker

import (
	"context"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/store"
)

// LeadScoreWorker is the cursor-driven consumer that turns contact events
// into lead score deltas. The cursor advances only after the whole batch is
// applied, so a crash re-processes the batch; the resulting over-count is
// accepted in exchange for never losing events.
type LeadScoreWorker struct {
	store *store.Store

	processedEvents int64
	updatedContacts int64

	loop
}

// NewLeadScoreWorker wires the lead-score worker.
func NewLeadScoreWorker(st *store.Store) *LeadScoreWorker {
	return &LeadScoreWorker{store: st}
}

// Start begins the ticker loop for the default workspace.
func (w *LeadScoreWorker) Start(interval time.Duration) {
	w.start("LeadScoreWorker", interval, func(ctx context.Context) {
		if _, _, err := w.RunOnce(ctx, DefaultWorkspace, MaxEventLimit); err != nil {
			log.Printf("[LeadScoreWorker] run error: %v", err)
		}
	})
}

// Stop shuts the loop down.
func (w *LeadScoreWorker) Stop() {
	w.stop("LeadScoreWorker")
}

// ScoreDelta returns the lead score delta for one event.
func ScoreDelta(eventType, url, form string) int {
	switch eventType {
	case "email_open":
		return 1
	case "link_click":
		u := strings.ToLower(url)
		if strings.Contains(u, "pricing") || strings.Contains(u, "checkout") {
			return 5
		}
		return 3
	case "form_submitted":
		if strings.Contains(strings.ToLower(form), "webinar") {
			return 10
		}
		return 4
	case "purchase":
		return 15
	case "purchase_upgraded":
		return 10
	case "purchase_cancelled":
		return -10
	default:
		return 0
	}
}

// RunOnce consumes up to limit new events and applies aggregated deltas.
// Returns (processed events, updated contacts).
func (w *LeadScoreWorker) RunOnce(ctx context.Context, workspaceID string, limit int) (int, int, error) {
	limit = clampBatch(limit, MaxEventLimit)

	cursor, err := w.store.GetCursor(ctx, workspaceID, store.CursorLeadScore)
	if err != nil {
		return 0, 0, err
	}
	events, err := w.store.ListEventsAfter(ctx, workspaceID, cursor.LastOccurredAt, "", limit)
	if err != nil {
		return 0, 0, err
	}
	if len(events) == 0 {
		return 0, 0, nil
	}

	deltas := make(map[uuid.UUID]int)
	order := make([]uuid.UUID, 0, len(events))
	for _, ev := range events {
		d := ScoreDelta(ev.EventType, ev.MetaString("url"), ev.MetaString("form"))
		if d == 0 {
			continue
		}
		if _, seen := deltas[ev.ContactID]; !seen {
			order = append(order, ev.ContactID)
		}
		deltas[ev.ContactID] += d
	}

	updated := 0
	for _, contactID := range order {
		contact, err := w.store.GetContact(ctx, workspaceID, contactID)
		if err != nil {
			log.Printf("[LeadScoreWorker] load contact %s: %v", contactID, err)
			continue
		}
		if contact == nil {
			continue
		}
		score := store.ClampScore(contact.LeadScore + deltas[contactID])
		temp := store.TemperatureForScore(score)
		if err := w.store.UpdateLeadScore(ctx, workspaceID, contactID, score, temp); err != nil {
			log.Printf("[LeadScoreWorker] update contact %s: %v", contactID, err)
			continue
		}
		updated++
	}

	last := events[len(events)-1]
	if err := w.store.AdvanceCursor(ctx, workspaceID, store.CursorLeadScore, last.OccurredAt, last.ID); err != nil {
		return len(events), updated, err
	}

	atomic.AddInt64(&w.processedEvents, int64(len(events)))
	atomic.AddInt64(&w.updatedContacts, int64(updated))
	return len(events), updated, nil
}
