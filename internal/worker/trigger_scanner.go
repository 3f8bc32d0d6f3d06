package worker

import (
	"context"
	"log"
	"time"

	"github.com/flowmail/flowmail/internal/automation"
	"github.com/flowmail/flowmail/internal/store"
)

// TriggerScanner is the cursor-driven consumer that matches new contact
// events against the trigger nodes of running automations and starts runs.
// One run plus one queue item is created per matching (event, trigger) pair.
type TriggerScanner struct {
	store *store.Store

	loop
}

// NewTriggerScanner wires the trigger scanner.
func NewTriggerScanner(st *store.Store) *TriggerScanner {
	return &TriggerScanner{store: st}
}

// Start begins the ticker loop for the default workspace.
func (w *TriggerScanner) Start(interval time.Duration) {
	w.start("TriggerScanner", interval, func(ctx context.Context) {
		if _, _, err := w.RunOnce(ctx, DefaultWorkspace, MaxScanLimit); err != nil {
			log.Printf("[TriggerScanner] run error: %v", err)
		}
	})
}

// Stop shuts the loop down.
func (w *TriggerScanner) Stop() {
	w.stop("TriggerScanner")
}

// RunOnce scans up to limit new events. Returns (processed events,
// started runs).
func (w *TriggerScanner) RunOnce(ctx context.Context, workspaceID string, limit int) (int, int, error) {
	limit = clampBatch(limit, MaxScanLimit)

	cursor, err := w.store.GetCursor(ctx, workspaceID, store.CursorAutomationEvents)
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

	automations, err := w.store.ListRunningAutomations(ctx, workspaceID)
	if err != nil {
		return 0, 0, err
	}

	started := 0
	for _, ev := range events {
		matchEv := automation.Event{
			Type:       ev.EventType,
			CampaignID: ev.CampaignID.String,
			Meta:       ev.Meta,
		}
		for i := range automations {
			auto := &automations[i]
			graph := automation.NewGraph(auto.Steps)
			for _, step := range auto.Steps {
				if !automation.MatchTrigger(&step, matchEv) {
					continue
				}
				successor := graph.SuccessorOf(step.ID)
				if successor == "" {
					// A trigger with nothing after it starts nothing.
					continue
				}
				if err := w.startRun(ctx, auto, &ev, step.Config.Kind, successor); err != nil {
					log.Printf("[TriggerScanner] start run automation=%s event=%s: %v", auto.ID, ev.ID, err)
					continue
				}
				started++
			}
		}
	}

	last := events[len(events)-1]
	if err := w.store.AdvanceCursor(ctx, workspaceID, store.CursorAutomationEvents, last.OccurredAt, last.ID); err != nil {
		return len(events), started, err
	}
	return len(events), started, nil
}

func (w *TriggerScanner) startRun(ctx context.Context, auto *store.Automation, ev *store.ContactEvent, triggerKind, firstStepID string) error {
	run := &store.AutomationRun{
		WorkspaceID:   auto.WorkspaceID,
		AutomationID:  auto.ID,
		ContactID:     ev.ContactID,
		Status:        store.RunRunning,
		CurrentStepID: firstStepID,
		Meta: map[string]any{
			"triggered_by_event_id": ev.ID.String(),
			"trigger_kind":          triggerKind,
		},
	}
	if err := w.store.CreateRun(ctx, run); err != nil {
		return err
	}
	return w.store.EnqueueStep(ctx, &store.AutomationQueueItem{
		WorkspaceID:  auto.WorkspaceID,
		RunID:        run.ID,
		AutomationID: auto.ID,
		ContactID:    ev.ContactID,
		StepID:       firstStepID,
		ExecuteAt:    time.Now().UTC(),
		Status:       store.QueueQueued,
	})
}
