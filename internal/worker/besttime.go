package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/store"
)

// BestTimeWorker learns each contact's preferred send slot from their open
// events: local-time hour plus a quarter-hour bucket, chosen by histogram
// argmax over the new batch only. Basing the histogram on one batch rather
// than full history is accepted imprecision.
type BestTimeWorker struct {
	store *store.Store

	loop
}

// NewBestTimeWorker wires the best-time worker.
func NewBestTimeWorker(st *store.Store) *BestTimeWorker {
	return &BestTimeWorker{store: st}
}

// Start begins the ticker loop for the default workspace.
func (w *BestTimeWorker) Start(interval time.Duration) {
	w.start("BestTimeWorker", interval, func(ctx context.Context) {
		if _, _, err := w.RunOnce(ctx, DefaultWorkspace, MaxEventLimit); err != nil {
			log.Printf("[BestTimeWorker] run error: %v", err)
		}
	})
}

// Stop shuts the loop down.
func (w *BestTimeWorker) Stop() {
	w.stop("BestTimeWorker")
}

// BucketMinute snaps a minute to the nearest of 0/15/30/45; the top of the
// next hour rounds down to 45 to stay within the hour.
func BucketMinute(m int) int {
	bucket := ((m + 7) / 15) * 15
	if bucket >= 60 {
		bucket = 45
	}
	return bucket
}

type slot struct {
	hour   int
	minute int
}

// RunOnce consumes up to limit new email_open events and updates the
// contacts they belong to. Returns (processed events, updated contacts).
func (w *BestTimeWorker) RunOnce(ctx context.Context, workspaceID string, limit int) (int, int, error) {
	limit = clampBatch(limit, MaxEventLimit)

	cursor, err := w.store.GetCursor(ctx, workspaceID, store.CursorBestTime)
	if err != nil {
		return 0, 0, err
	}
	events, err := w.store.ListEventsAfter(ctx, workspaceID, cursor.LastOccurredAt, "email_open", limit)
	if err != nil {
		return 0, 0, err
	}
	if len(events) == 0 {
		return 0, 0, nil
	}

	// Per-contact histogram over "hour:bucket" slots; ties break to the
	// first-seen slot, which the ordered event scan makes deterministic.
	type histogram struct {
		counts map[slot]int
		order  []slot
	}
	byContact := make(map[uuid.UUID]*histogram)
	var contactOrder []uuid.UUID

	for _, ev := range events {
		contact, err := w.store.GetContact(ctx, workspaceID, ev.ContactID)
		if err != nil || contact == nil {
			continue
		}
		loc := time.UTC
		if contact.Timezone != "" {
			if l, err := time.LoadLocation(contact.Timezone); err == nil {
				loc = l
			}
		}
		local := ev.OccurredAt.In(loc)
		s := slot{hour: local.Hour(), minute: BucketMinute(local.Minute())}

		h, ok := byContact[ev.ContactID]
		if !ok {
			h = &histogram{counts: make(map[slot]int)}
			byContact[ev.ContactID] = h
			contactOrder = append(contactOrder, ev.ContactID)
		}
		if _, seen := h.counts[s]; !seen {
			h.order = append(h.order, s)
		}
		h.counts[s]++
	}

	updated := 0
	for _, contactID := range contactOrder {
		h := byContact[contactID]
		best := h.order[0]
		for _, s := range h.order[1:] {
			if h.counts[s] > h.counts[best] {
				best = s
			}
		}
		if err := w.store.UpdateBestSendTime(ctx, workspaceID, contactID, best.hour, best.minute); err != nil {
			log.Printf("[BestTimeWorker] update contact %s: %v", contactID, err)
			continue
		}
		updated++
	}

	last := events[len(events)-1]
	if err := w.store.AdvanceCursor(ctx, workspaceID, store.CursorBestTime, last.OccurredAt, last.ID); err != nil {
		return len(events), updated, fmt.Errorf("advance cursor: %w", err)
	}
	return len(events), updated, nil
}
