package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/config"
	"github.com/flowmail/flowmail/internal/mailer"
	"github.com/flowmail/flowmail/internal/render"
	"github.com/flowmail/flowmail/internal/segment"
	"github.com/flowmail/flowmail/internal/store"
)

// One-shot enqueuer caps. Immediate bulk sends bypass the queue entirely
// and are kept small on purpose.
const (
	MaxCampaignRecipients  = 10000
	MaxCampaignPageSize    = 1000
	MaxImmediateRecipients = 50
	immediateConcurrency   = 5
)

// Errors the HTTP layer maps to client-error statuses.
var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrTooManyImmediate = errors.New("immediate send exceeds recipient cap")
)

// Enqueuer implements the one-shot send-campaign and send-bulk operations:
// the scheduler's plain path with execute_at=now and no upsert guard.
// Callers are responsible for not invoking the same send twice.
type Enqueuer struct {
	store  *store.Store
	resend *mailer.Resend
	cfg    *config.Config
}

// NewEnqueuer wires the enqueuer. resend may be nil; immediate bulk mode
// is then unavailable.
func NewEnqueuer(st *store.Store, resend *mailer.Resend, cfg *config.Config) *Enqueuer {
	return &Enqueuer{store: st, resend: resend, cfg: cfg}
}

// CampaignRequest is one send-campaign invocation.
type CampaignRequest struct {
	WorkspaceID   string
	CampaignID    uuid.UUID
	MaxRecipients int
	PageSize      int
	SegmentJSON   json.RawMessage
	DryRun        bool
}

// CampaignResult reports what was queued, or would have been for a dry
// run. SampleEmails carries up to ten recipients for operator spot checks.
type CampaignResult struct {
	Queued       int      `json:"queued"`
	DryRun       bool     `json:"dryRun,omitempty"`
	Eligible     int      `json:"eligible,omitempty"`
	SampleEmails []string `json:"sampleEmails,omitempty"`
}

// SendCampaign queues one email per eligible contact for the campaign,
// immediately due. DryRun evaluates the audience without writing rows.
func (e *Enqueuer) SendCampaign(ctx context.Context, req CampaignRequest) (*CampaignResult, error) {
	maxRecipients := clampBatch(req.MaxRecipients, MaxCampaignRecipients)
	pageSize := clampBatch(req.PageSize, MaxCampaignPageSize)

	campaign, err := e.store.GetCampaign(ctx, req.WorkspaceID, req.CampaignID)
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return nil, ErrCampaignNotFound
	}

	def, err := segment.Parse(req.SegmentJSON)
	if err != nil {
		return nil, err
	}

	result := &CampaignResult{DryRun: req.DryRun}
	now := time.Now().UTC()
	offset := 0
	for result.Eligible < maxRecipients {
		page, err := e.store.ListEligibleContacts(ctx, req.WorkspaceID, pageSize, offset)
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
			result.Eligible++
			if len(result.SampleEmails) < 10 {
				result.SampleEmails = append(result.SampleEmails, c.Email)
			}
			if !req.DryRun {
				if err := e.queueCampaignSend(ctx, campaign, c, now); err != nil {
					log.Printf("[Enqueuer] queue %s for campaign %s: %v", c.Email, campaign.ID, err)
					continue
				}
				result.Queued++
			}
			if result.Eligible == maxRecipients {
				break
			}
		}
	}

	if !req.DryRun && result.Queued > 0 {
		if err := e.store.MarkCampaignSent(ctx, req.WorkspaceID, campaign.ID, result.Queued); err != nil {
			log.Printf("[Enqueuer] mark campaign %s sent: %v", campaign.ID, err)
		}
	}
	return result, nil
}

func (e *Enqueuer) queueCampaignSend(ctx context.Context, campaign *store.Campaign, c *store.Contact, now time.Time) error {
	return e.store.InsertSend(ctx, &store.EmailSend{
		WorkspaceID: campaign.WorkspaceID,
		CampaignID:  campaign.ID.String(),
		ContactID:   uuid.NullUUID{UUID: c.ID, Valid: true},
		ToEmail:     c.Email,
		Subject:     campaign.SubjectOrName(),
		Status:      store.SendQueued,
		ExecuteAt:   now,
		Meta:        map[string]any{"source": "send_campaign"},
	})
}

// BulkRequest is one send-bulk-email invocation. Empty ContactIDs means
// every eligible contact in the workspace, capped at MaxCampaignRecipients.
type BulkRequest struct {
	WorkspaceID     string
	Subject         string
	Body            string
	ContactIDs      []uuid.UUID
	SendImmediately bool
}

// BulkResult reports queued rows, or per-recipient outcomes in immediate
// mode.
type BulkResult struct {
	Mode   string `json:"mode"`
	Queued int    `json:"queued,omitempty"`
	Sent   int    `json:"sent,omitempty"`
	Failed int    `json:"failed,omitempty"`
}

// SendBulk runs an ad-hoc blast against the workspace's shared bulk
// campaign. Immediate mode bypasses the delivery worker and sends through
// the transactional API with bounded concurrency, recording each outcome.
func (e *Enqueuer) SendBulk(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	if req.Subject == "" || req.Body == "" {
		return nil, errors.New("subject and body are required")
	}

	campaign, err := e.store.EnsureBulkCampaign(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}

	recipients, err := e.bulkRecipients(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.SendImmediately {
		if e.resend == nil {
			return nil, errors.New("immediate send unavailable: no transactional API key configured")
		}
		if len(recipients) > MaxImmediateRecipients {
			// Also reached without explicit ids: an empty ContactIDs list
			// resolves to every eligible contact.
			return nil, fmt.Errorf("%w: %d recipients, cap %d", ErrTooManyImmediate, len(recipients), MaxImmediateRecipients)
		}
		sent, failed := e.sendImmediate(ctx, campaign, recipients, req)
		return &BulkResult{Mode: "instant", Sent: sent, Failed: failed}, nil
	}

	now := time.Now().UTC()
	queued := 0
	for i := range recipients {
		c := &recipients[i]
		err := e.store.InsertSend(ctx, &store.EmailSend{
			WorkspaceID: req.WorkspaceID,
			CampaignID:  campaign.ID.String(),
			ContactID:   uuid.NullUUID{UUID: c.ID, Valid: true},
			ToEmail:     c.Email,
			Subject:     req.Subject,
			Status:      store.SendQueued,
			ExecuteAt:   now,
			Meta:        map[string]any{"source": "send_bulk", "body": req.Body},
		})
		if err != nil {
			log.Printf("[Enqueuer] queue bulk %s: %v", c.Email, err)
			continue
		}
		queued++
	}
	return &BulkResult{Mode: "queued", Queued: queued}, nil
}

func (e *Enqueuer) bulkRecipients(ctx context.Context, req BulkRequest) ([]store.Contact, error) {
	if len(req.ContactIDs) > 0 {
		contacts, err := e.store.GetContactsByIDs(ctx, req.WorkspaceID, req.ContactIDs)
		if err != nil {
			return nil, err
		}
		// Explicit ids still respect the eligibility predicate.
		out := contacts[:0]
		for _, c := range contacts {
			if c.Eligible() {
				out = append(out, c)
			}
		}
		return out, nil
	}
	return e.store.ListEligibleContacts(ctx, req.WorkspaceID, MaxCampaignRecipients, 0)
}

// sendImmediate issues sends with concurrency 5, recording each outcome
// as a sent or failed email_sends row.
func (e *Enqueuer) sendImmediate(ctx context.Context, campaign *store.Campaign, recipients []store.Contact, req BulkRequest) (sent, failed int) {
	from := mailer.FormatFrom(e.cfg.DefaultFromName, e.cfg.DefaultFromEmail)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, immediateConcurrency)

	for i := range recipients {
		c := recipients[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			send := &store.EmailSend{
				WorkspaceID: req.WorkspaceID,
				CampaignID:  campaign.ID.String(),
				ContactID:   uuid.NullUUID{UUID: c.ID, Valid: true},
				ToEmail:     c.Email,
				Subject:     req.Subject,
				Status:      store.SendProcessing,
				Meta:        map[string]any{"source": "send_bulk_instant", "body": req.Body},
			}
			if err := e.store.InsertSend(ctx, send); err != nil {
				log.Printf("[Enqueuer] record instant %s: %v", c.Email, err)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}

			vars := render.Vars{
				"email":     c.Email,
				"firstName": c.FirstName,
				"lastName":  c.LastName,
			}
			messageID, err := e.resend.Send(ctx, mailer.Message{
				To:      c.Email,
				Subject: render.Substitute(req.Subject, vars),
				HTML:    render.Plain(req.Body, vars),
				From:    from,
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				if mErr := e.store.MarkSendFailed(ctx, send.ID, err.Error()); mErr != nil {
					log.Printf("[Enqueuer] mark instant failed %s: %v", send.ID, mErr)
				}
				return
			}
			sent++
			if mErr := e.store.MarkSendSent(ctx, send.ID, messageID); mErr != nil {
				log.Printf("[Enqueuer] mark instant sent %s: %v", send.ID, mErr)
			}
		}()
	}
	wg.Wait()
	return sent, failed
}

func matchesSegment(def *segment.Definition, c *store.Contact) bool {
	return def.Evaluate(segment.Target{
		LifecycleStage: c.LifecycleStage,
		Temperature:    c.Temperature,
		Status:         c.Status,
		Tags:           c.Tags,
		Lists:          c.Lists,
		LeadScore:      c.LeadScore,
	})
}
