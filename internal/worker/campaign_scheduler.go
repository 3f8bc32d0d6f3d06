package worker

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/flowmail/flowmail/internal/pkg/distlock"
	"github.com/flowmail/flowmail/internal/segment"
	"github.com/flowmail/flowmail/internal/store"
)

// abVariants labels the subject variants in tie-break order.
var abVariants = []string{"A", "B", "C"}

// CampaignScheduler drains due campaign_schedules: filters eligible
// contacts through the schedule's segment, computes per-recipient send
// times, and runs the A/B test lifecycle. All output goes through the
// (workspace_id, schedule_id, to_email) upsert, so overlapping cron fires
// cannot duplicate rows; the distributed lock just avoids wasted work.
type CampaignScheduler struct {
	store *store.Store
	lock  distlock.Lock

	loop
}

// NewCampaignScheduler wires the scheduler. lock may be nil when running
// single-process.
func NewCampaignScheduler(st *store.Store, lock distlock.Lock) *CampaignScheduler {
	return &CampaignScheduler{store: st, lock: lock}
}

// Start begins the ticker loop for the default workspace.
func (w *CampaignScheduler) Start(interval time.Duration) {
	w.start("CampaignScheduler", interval, func(ctx context.Context) {
		if _, err := w.RunOnce(ctx, DefaultWorkspace, MaxSchedules, MaxRecipients); err != nil {
			log.Printf("[CampaignScheduler] run error: %v", err)
		}
	})
}

// Stop shuts the loop down.
func (w *CampaignScheduler) Stop() {
	w.stop("CampaignScheduler")
}

// RunOnce processes up to limitSchedules due schedules and returns how
// many it handled. Returns 0 without error when another process holds the
// scheduler lock.
func (w *CampaignScheduler) RunOnce(ctx context.Context, workspaceID string, limitSchedules, limitRecipients int) (int, error) {
	limitSchedules = clampBatch(limitSchedules, MaxSchedules)
	limitRecipients = clampBatch(limitRecipients, MaxRecipients)

	if w.lock != nil {
		ok, err := w.lock.Acquire(ctx)
		if err != nil {
			return 0, fmt.Errorf("acquire scheduler lock: %w", err)
		}
		if !ok {
			return 0, nil
		}
		defer w.lock.Release(ctx)
	}

	schedules, err := w.store.ListDueSchedules(ctx, workspaceID, limitSchedules)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range schedules {
		sc := &schedules[i]
		if err := w.processSchedule(ctx, sc, limitRecipients); err != nil {
			log.Printf("[CampaignScheduler] schedule %s: %v", sc.ID, err)
			continue
		}
		processed++
	}
	return processed, nil
}

func (w *CampaignScheduler) processSchedule(ctx context.Context, sc *store.CampaignSchedule, limitRecipients int) error {
	campaign, err := w.store.GetCampaign(ctx, sc.WorkspaceID, sc.CampaignID)
	if err != nil {
		return err
	}
	if campaign == nil {
		return fmt.Errorf("campaign %s not found", sc.CampaignID)
	}

	recipients, err := w.eligibleRecipients(ctx, sc, limitRecipients)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return w.store.CompleteSchedule(ctx, sc.WorkspaceID, sc.ID)
	}

	subjects := sc.ABSubjects()
	if sc.ABEnabled && len(subjects) >= 2 {
		return w.processABSchedule(ctx, sc, campaign, recipients, subjects)
	}

	// Plain path: everything goes out with the campaign subject.
	now := time.Now().UTC()
	for i := range recipients {
		c := &recipients[i]
		if _, err := w.upsertScheduled(ctx, sc, campaign, c, campaign.SubjectOrName(), "", false, now); err != nil {
			log.Printf("[CampaignScheduler] queue %s for schedule %s: %v", c.Email, sc.ID, err)
		}
	}
	return w.store.CompleteSchedule(ctx, sc.WorkspaceID, sc.ID)
}

// processABSchedule runs one phase of the A/B lifecycle per invocation:
// queue the test pool on first contact, then pick the winner and queue
// the remainder once the wait window has elapsed.
func (w *CampaignScheduler) processABSchedule(ctx context.Context, sc *store.CampaignSchedule, campaign *store.Campaign, recipients []store.Contact, subjects []string) error {
	now := time.Now().UTC()

	state, err := w.store.GetABState(ctx, sc.WorkspaceID, sc.ID)
	if err != nil {
		return err
	}

	if state == nil {
		testSize := int(math.Ceil(float64(len(recipients)) * sc.ABTestFraction))
		if testSize < 1 {
			testSize = 1
		}
		if testSize > len(recipients) {
			testSize = len(recipients)
		}
		for i := 0; i < testSize; i++ {
			variantIdx := i % len(subjects)
			c := &recipients[i]
			if _, err := w.upsertScheduled(ctx, sc, campaign, c, subjects[variantIdx], abVariants[variantIdx], true, now); err != nil {
				log.Printf("[CampaignScheduler] queue test %s for schedule %s: %v", c.Email, sc.ID, err)
			}
		}
		testEnd := now.Add(time.Duration(sc.ABWaitMinutes) * time.Minute)
		if err := w.store.CreateABState(ctx, sc.WorkspaceID, sc.ID, testEnd); err != nil {
			return err
		}
		// Re-fire at test end instead of burning every tick on a
		// still-running test.
		return w.store.SetScheduleNextRun(ctx, sc.WorkspaceID, sc.ID, testEnd)
	}

	if state.Status == "winner_selected" {
		// A prior invocation picked the winner but crashed before
		// completing; finish the queueing with the recorded subject.
		return w.queueWinnerPool(ctx, sc, campaign, recipients, state.WinnerSubject.String, now)
	}

	if now.Before(state.TestEndAt) {
		return w.store.SetScheduleNextRun(ctx, sc.WorkspaceID, sc.ID, state.TestEndAt)
	}

	winner, err := w.selectWinner(ctx, sc, subjects)
	if err != nil {
		return err
	}
	if err := w.store.SetABWinner(ctx, sc.WorkspaceID, sc.ID, winner); err != nil {
		return err
	}
	return w.queueWinnerPool(ctx, sc, campaign, recipients, winner, now)
}

// selectWinner scores is_test rows per variant by the schedule metric.
// Argmax wins; ties break to the earlier variant (A before B before C).
func (w *CampaignScheduler) selectWinner(ctx context.Context, sc *store.CampaignSchedule, subjects []string) (string, error) {
	testSends, err := w.store.ListTestSends(ctx, sc.WorkspaceID, sc.ID)
	if err != nil {
		return "", err
	}

	counts := make(map[string]int, len(subjects))
	for i := range testSends {
		s := &testSends[i]
		if !s.ABVariant.Valid {
			continue
		}
		hit := s.OpenedAt.Valid
		if sc.ABMetric == "clicks" {
			hit = s.ClickedAt.Valid
		}
		if hit {
			counts[s.ABVariant.String]++
		}
	}

	best := 0
	for i := 1; i < len(subjects); i++ {
		if counts[abVariants[i]] > counts[abVariants[best]] {
			best = i
		}
	}
	return subjects[best], nil
}

// queueWinnerPool upserts every recipient with the winner subject. Test
// recipients are already present under the same upsert key, so they are
// skipped by the index rather than by bookkeeping.
func (w *CampaignScheduler) queueWinnerPool(ctx context.Context, sc *store.CampaignSchedule, campaign *store.Campaign, recipients []store.Contact, winnerSubject string, now time.Time) error {
	for i := range recipients {
		c := &recipients[i]
		if _, err := w.upsertScheduled(ctx, sc, campaign, c, winnerSubject, "", false, now); err != nil {
			log.Printf("[CampaignScheduler] queue winner %s for schedule %s: %v", c.Email, sc.ID, err)
		}
	}
	return w.store.CompleteSchedule(ctx, sc.WorkspaceID, sc.ID)
}

func (w *CampaignScheduler) upsertScheduled(ctx context.Context, sc *store.CampaignSchedule, campaign *store.Campaign, c *store.Contact, subject, variant string, isTest bool, now time.Time) (bool, error) {
	send := &store.EmailSend{
		WorkspaceID: sc.WorkspaceID,
		CampaignID:  campaign.ID.String(),
		ToEmail:     c.Email,
		Subject:     subject,
		Status:      store.SendQueued,
		ExecuteAt:   ComputeExecuteAt(sc, c, now),
		IsTest:      isTest,
	}
	send.ContactID.UUID, send.ContactID.Valid = c.ID, true
	send.ScheduleID.UUID, send.ScheduleID.Valid = sc.ID, true
	if variant != "" {
		send.ABVariant.String, send.ABVariant.Valid = variant, true
	}
	if isTest {
		// Test rows go out immediately so the wait window measures real
		// engagement.
		send.ExecuteAt = now
	}
	return w.store.UpsertScheduledSend(ctx, send)
}

// eligibleRecipients pages through eligible contacts and applies the
// schedule segment, stopping at the recipient limit.
func (w *CampaignScheduler) eligibleRecipients(ctx context.Context, sc *store.CampaignSchedule, limit int) ([]store.Contact, error) {
	def, err := segment.Parse(sc.SegmentJSON)
	if err != nil {
		return nil, err
	}

	var out []store.Contact
	offset := 0
	for len(out) < limit {
		page, err := w.store.ListEligibleContacts(ctx, sc.WorkspaceID, limit, offset)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		offset += len(page)
		for i := range page {
			c := &page[i]
			if !matchesSegment(def, c) {
				continue
			}
			out = append(out, *c)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// ComputeExecuteAt picks the send time for one recipient. best_time mode
// targets the contact's learned slot, fixed_time the window start; the
// target is applied on a UTC clock, pushed to tomorrow if already past,
// and snapped into the schedule window.
func ComputeExecuteAt(sc *store.CampaignSchedule, c *store.Contact, now time.Time) time.Time {
	startH, startM := parseClock(sc.WindowStart, 9, 0)
	endH, endM := parseClock(sc.WindowEnd, 17, 0)

	targetH, targetM := startH, startM
	if sc.Mode == "best_time" && c.BestSendHour.Valid {
		targetH = int(c.BestSendHour.Int32)
		targetM = 0
		if c.BestSendMinute.Valid {
			targetM = int(c.BestSendMinute.Int32)
		}
	}

	at := time.Date(now.Year(), now.Month(), now.Day(), targetH, targetM, 0, 0, time.UTC)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}

	minutes := at.Hour()*60 + at.Minute()
	winStart := startH*60 + startM
	winEnd := endH*60 + endM
	if minutes < winStart || minutes > winEnd {
		snapped := time.Date(at.Year(), at.Month(), at.Day(), startH, startM, 0, 0, time.UTC)
		if !snapped.After(now) {
			snapped = snapped.AddDate(0, 0, 1)
		}
		at = snapped
	}
	return at
}

// parseClock parses "HH:MM", falling back on malformed input.
func parseClock(s string, defH, defM int) (int, int) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return defH, defM
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return defH, defM
	}
	return h, m
}
