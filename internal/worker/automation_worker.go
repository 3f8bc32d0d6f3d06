package worker

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/automation"
	"github.com/flowmail/flowmail/internal/config"
	"github.com/flowmail/flowmail/internal/store"
)

// AutomationWorker drains due automation_queue items and interprets the
// step each run points at. Claim-then-do-then-done gives at-least-once
// semantics: a crash between do and done re-delivers, and duplicated side
// effects are tolerated rather than losing steps.
type AutomationWorker struct {
	store *store.Store
	cfg   *config.Config

	totalExecuted int64
	totalErrors   int64

	loop
}

// NewAutomationWorker wires the execution worker.
func NewAutomationWorker(st *store.Store, cfg *config.Config) *AutomationWorker {
	return &AutomationWorker{store: st, cfg: cfg}
}

// Start begins the ticker loop for the default workspace.
func (w *AutomationWorker) Start(interval time.Duration) {
	w.start("AutomationWorker", interval, func(ctx context.Context) {
		if _, err := w.RunOnce(ctx, DefaultWorkspace, MaxAutomationBatch); err != nil {
			log.Printf("[AutomationWorker] run error: %v", err)
		}
	})
}

// Stop shuts the loop down.
func (w *AutomationWorker) Stop() {
	w.stop("AutomationWorker")
	log.Printf("[AutomationWorker] totals: executed=%d errors=%d",
		atomic.LoadInt64(&w.totalExecuted), atomic.LoadInt64(&w.totalErrors))
}

// RunOnce claims and interprets up to batch due queue items. Returns the
// number of items claimed.
func (w *AutomationWorker) RunOnce(ctx context.Context, workspaceID string, batch int) (int, error) {
	batch = clampBatch(batch, MaxAutomationBatch)

	items, err := w.store.ListDueQueueItems(ctx, workspaceID, batch)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range items {
		item := &items[i]
		claimed, err := w.store.ClaimQueueItem(ctx, item.ID)
		if err != nil {
			log.Printf("[AutomationWorker] claim %s: %v", item.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		processed++

		if err := w.executeItem(ctx, item); err != nil {
			atomic.AddInt64(&w.totalErrors, 1)
			log.Printf("[AutomationWorker] item %s step %s: %v", item.ID, item.StepID, err)
			if mErr := w.store.MarkQueueItemFailed(ctx, item.ID, err.Error()); mErr != nil {
				log.Printf("[AutomationWorker] mark failed %s: %v", item.ID, mErr)
			}
			// Best effort; the run may already be terminal.
			w.store.FailRun(ctx, item.WorkspaceID, item.RunID, err.Error())
			continue
		}
		atomic.AddInt64(&w.totalExecuted, 1)
		if err := w.store.MarkQueueItemDone(ctx, item.ID); err != nil {
			log.Printf("[AutomationWorker] mark done %s: %v", item.ID, err)
		}
	}
	return processed, nil
}

// stepOutcome is what interpreting one step decides: where the run goes
// next and when.
type stepOutcome struct {
	nextStepID string
	executeAt  time.Time
}

func (w *AutomationWorker) executeItem(ctx context.Context, item *store.AutomationQueueItem) error {
	auto, err := w.store.GetAutomation(ctx, item.WorkspaceID, item.AutomationID)
	if err != nil {
		return err
	}
	if auto == nil {
		return fmt.Errorf("automation %s not found", item.AutomationID)
	}
	graph := automation.NewGraph(auto.Steps)
	step := graph.Step(item.StepID)
	if step == nil {
		return fmt.Errorf("step %s not found in automation %s", item.StepID, item.AutomationID)
	}

	contact, err := w.store.GetContact(ctx, item.WorkspaceID, item.ContactID)
	if err != nil {
		return err
	}
	if contact == nil {
		return fmt.Errorf("contact %s not found", item.ContactID)
	}

	now := time.Now().UTC()
	outcome, err := w.interpret(ctx, item, graph, step, contact, now)
	if err != nil {
		return err
	}

	if outcome.nextStepID == "" {
		return w.store.CompleteRun(ctx, item.WorkspaceID, item.RunID)
	}
	if err := w.store.EnqueueStep(ctx, &store.AutomationQueueItem{
		WorkspaceID:  item.WorkspaceID,
		RunID:        item.RunID,
		AutomationID: item.AutomationID,
		ContactID:    item.ContactID,
		StepID:       outcome.nextStepID,
		ExecuteAt:    outcome.executeAt,
		Status:       store.QueueQueued,
	}); err != nil {
		return err
	}
	return w.store.SetRunStep(ctx, item.WorkspaceID, item.RunID, outcome.nextStepID)
}

func (w *AutomationWorker) interpret(ctx context.Context, item *store.AutomationQueueItem, graph *automation.Graph, step *automation.Step, contact *store.Contact, now time.Time) (stepOutcome, error) {
	switch step.Type {
	case automation.StepTrigger:
		// Triggers are entry points; a queue item pointing at one just
		// falls through to its successor.
		return stepOutcome{nextStepID: graph.SuccessorOf(step.ID), executeAt: now}, nil

	case automation.StepWait:
		days, _ := step.Config.Float("days")
		if days < 0 {
			days = 0
		}
		delay := time.Duration(days * 86400 * float64(time.Second))
		return stepOutcome{nextStepID: graph.SuccessorOf(step.ID), executeAt: now.Add(delay)}, nil

	case automation.StepCondition:
		pass, err := w.evaluateCondition(step, contact, now)
		if err != nil {
			return stepOutcome{}, err
		}
		return stepOutcome{nextStepID: graph.BranchOf(step.ID, pass), executeAt: now}, nil

	case automation.StepAction:
		if err := w.performAction(ctx, item, step, contact, now); err != nil {
			return stepOutcome{}, err
		}
		return stepOutcome{nextStepID: graph.SuccessorOf(step.ID), executeAt: now}, nil

	default:
		return stepOutcome{}, fmt.Errorf("unknown step type %q", step.Type)
	}
}

func (w *AutomationWorker) evaluateCondition(step *automation.Step, contact *store.Contact, now time.Time) (bool, error) {
	cfg := &step.Config
	switch cfg.Kind {
	case automation.CondLeadScore:
		value, _ := cfg.Float("value")
		op := cfg.String("op")
		return compareScore(float64(contact.LeadScore), op, value), nil

	case automation.CondLifecycleStage:
		return strings.EqualFold(strings.TrimSpace(contact.LifecycleStage), strings.TrimSpace(cfg.String("value"))), nil

	case automation.CondLastOpenDays:
		days, _ := cfg.Float("days")
		if !contact.LastOpenAt.Valid {
			// Never opened reads as "at least N days since last open".
			return true, nil
		}
		elapsed := math.Floor(now.Sub(contact.LastOpenAt.Time).Hours() / 24)
		return elapsed >= days, nil

	case automation.CondHasTag:
		want := strings.ToLower(strings.TrimSpace(cfg.String("tag")))
		if want == "" {
			return true, nil
		}
		for _, tag := range contact.Tags {
			t := strings.ToLower(strings.TrimSpace(tag))
			if t == want || strings.Contains(t, want) {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown condition kind %q", cfg.Kind)
	}
}

func compareScore(have float64, op string, want float64) bool {
	switch op {
	case ">=":
		return have >= want
	case "<":
		return have < want
	case "<=":
		return have <= want
	default: // ">" is the documented default
		return have > want
	}
}

func (w *AutomationWorker) performAction(ctx context.Context, item *store.AutomationQueueItem, step *automation.Step, contact *store.Contact, now time.Time) error {
	cfg := &step.Config
	switch cfg.Kind {
	case automation.ActionSendEmail:
		send := &store.EmailSend{
			WorkspaceID: item.WorkspaceID,
			CampaignID:  item.AutomationID.String(),
			ContactID:   uuid.NullUUID{UUID: contact.ID, Valid: true},
			ToEmail:     contact.Email,
			Subject:     cfg.String("subject"),
			Status:      store.SendQueued,
			ExecuteAt:   now,
			Meta: map[string]any{
				"source":        "automation",
				"automation_id": item.AutomationID.String(),
				"step_id":       step.ID,
				"body":          cfg.String("body"),
			},
		}
		if err := w.store.InsertSend(ctx, send); err != nil {
			return err
		}
		return w.store.InsertEvent(ctx, &store.ContactEvent{
			WorkspaceID: item.WorkspaceID,
			ContactID:   contact.ID,
			EventType:   "email_queued",
			Meta:        map[string]any{"sid": send.ID.String(), "automation_id": item.AutomationID.String()},
		})

	case automation.ActionUpdateField:
		if err := w.updateField(ctx, item.WorkspaceID, contact, cfg); err != nil {
			return err
		}
		return w.store.InsertEvent(ctx, &store.ContactEvent{
			WorkspaceID: item.WorkspaceID,
			ContactID:   contact.ID,
			EventType:   "automation_update_field",
			Meta: map[string]any{
				"automation_id": item.AutomationID.String(),
				"step_id":       step.ID,
				"field":         cfg.String("field"),
			},
		})

	case automation.ActionNotify:
		to := cfg.String("email")
		if to == "" {
			to = w.cfg.TeamNotifyEmail
		}
		if to == "" {
			log.Printf("[AutomationWorker] notify step %s skipped: no team address configured", step.ID)
			return nil
		}
		subject := cfg.String("subject")
		if subject == "" {
			subject = fmt.Sprintf("Automation alert: %s reached %s", contact.Email, step.ID)
		}
		return w.store.InsertSend(ctx, &store.EmailSend{
			WorkspaceID: item.WorkspaceID,
			CampaignID:  item.AutomationID.String(),
			ToEmail:     to,
			Subject:     subject,
			Status:      store.SendQueued,
			ExecuteAt:   now,
			Meta: map[string]any{
				"source":        "automation_notify",
				"automation_id": item.AutomationID.String(),
				"step_id":       step.ID,
				"contact_email": contact.Email,
				"body":          cfg.String("body"),
			},
		})

	default:
		return fmt.Errorf("unknown action kind %q", cfg.Kind)
	}
}

// updateField applies an action.update_field to the contact: scalar columns
// are patched directly; tag/list apply op set|add|remove with normalized
// comparison for removal.
func (w *AutomationWorker) updateField(ctx context.Context, workspaceID string, contact *store.Contact, cfg *automation.Config) error {
	field := cfg.String("field")
	switch field {
	case "lifecycle_stage", "temperature", "status":
		return w.store.SetContactField(ctx, workspaceID, contact.ID, field, cfg.String("value"))

	case "lead_score":
		value, ok := cfg.Float("value")
		if !ok {
			return fmt.Errorf("update_field lead_score: non-numeric value")
		}
		score := store.ClampScore(int(value))
		if err := w.store.SetContactField(ctx, workspaceID, contact.ID, "lead_score", score); err != nil {
			return err
		}
		return w.store.SetContactField(ctx, workspaceID, contact.ID, "temperature", store.TemperatureForScore(score))

	case "tag":
		return w.store.SetContactTags(ctx, workspaceID, contact.ID,
			applySetOp(contact.Tags, cfg.String("op"), cfg.String("value")))

	case "list":
		return w.store.SetContactLists(ctx, workspaceID, contact.ID,
			applySetOp(contact.Lists, cfg.String("op"), cfg.String("value")))

	default:
		return fmt.Errorf("update_field: unknown field %q", field)
	}
}

// applySetOp implements set/add/remove over a tag or list collection.
// add is set-union; remove filters normalized-equal elements.
func applySetOp(items []string, op, value string) []string {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	switch op {
	case "set":
		if strings.TrimSpace(value) == "" {
			return []string{}
		}
		return []string{value}
	case "remove":
		out := make([]string, 0, len(items))
		for _, it := range items {
			if norm(it) != norm(value) {
				out = append(out, it)
			}
		}
		return out
	default: // "add" and anything unrecognized
		for _, it := range items {
			if norm(it) == norm(value) {
				return items
			}
		}
		return append(append([]string{}, items...), value)
	}
}
