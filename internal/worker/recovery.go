package worker

import (
	"context"
	"log"
	"time"

	"github.com/flowmail/flowmail/internal/store"
)

// StuckThreshold is how long a row may sit in processing before it is
// considered abandoned by a crashed or timed-out invocation.
const StuckThreshold = 15 * time.Minute

// RecoveryWorker flips abandoned processing rows back to queued so the
// delivery and automation workers pick them up again. Re-delivery of a
// row whose side effect already happened is the accepted cost.
type RecoveryWorker struct {
	store *store.Store

	loop
}

// NewRecoveryWorker wires the recovery worker.
func NewRecoveryWorker(st *store.Store) *RecoveryWorker {
	return &RecoveryWorker{store: st}
}

// Start begins the ticker loop.
func (w *RecoveryWorker) Start(interval time.Duration) {
	w.start("RecoveryWorker", interval, func(ctx context.Context) {
		if _, _, err := w.RunOnce(ctx, StuckThreshold); err != nil {
			log.Printf("[RecoveryWorker] run error: %v", err)
		}
	})
}

// Stop shuts the loop down.
func (w *RecoveryWorker) Stop() {
	w.stop("RecoveryWorker")
}

// RunOnce requeues processing rows older than the threshold. Returns
// (recovered sends, recovered queue items).
func (w *RecoveryWorker) RunOnce(ctx context.Context, olderThan time.Duration) (int64, int64, error) {
	sends, err := w.store.RecoverStuckSends(ctx, olderThan)
	if err != nil {
		return 0, 0, err
	}
	items, err := w.store.RecoverStuckQueueItems(ctx, olderThan)
	if err != nil {
		return sends, 0, err
	}
	if sends > 0 || items > 0 {
		log.Printf("[RecoveryWorker] requeued sends=%d queue_items=%d", sends, items)
	}
	return sends, items, nil
}
