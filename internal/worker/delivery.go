package worker

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/config"
	"github.com/flowmail/flowmail/internal/mailer"
	"github.com/flowmail/flowmail/internal/render"
	"github.com/flowmail/flowmail/internal/store"
)

// DeliveryWorker drains due email_sends rows: claims each, renders the
// HTML with tracking rewrites and the unsubscribe footer, posts to the mail
// gateway and finalizes the row. One bad row never halts the batch, and a
// failed row stays failed until an operator re-queues it.
type DeliveryWorker struct {
	store   *store.Store
	gateway *mailer.Gateway
	cfg     *config.Config

	totalSent   int64
	totalFailed int64

	loop
}

// NewDeliveryWorker wires the delivery worker.
func NewDeliveryWorker(st *store.Store, gw *mailer.Gateway, cfg *config.Config) *DeliveryWorker {
	return &DeliveryWorker{store: st, gateway: gw, cfg: cfg}
}

// Start begins the ticker loop for the default workspace.
func (w *DeliveryWorker) Start(interval time.Duration) {
	w.start("DeliveryWorker", interval, func(ctx context.Context) {
		if _, err := w.RunOnce(ctx, DefaultWorkspace, MaxDeliveryBatch); err != nil {
			log.Printf("[DeliveryWorker] run error: %v", err)
		}
	})
}

// Stop shuts the loop down.
func (w *DeliveryWorker) Stop() {
	w.stop("DeliveryWorker")
	log.Printf("[DeliveryWorker] totals: sent=%d failed=%d",
		atomic.LoadInt64(&w.totalSent), atomic.LoadInt64(&w.totalFailed))
}

// RunOnce processes up to batch due sends for one workspace and returns
// the number of rows it claimed.
func (w *DeliveryWorker) RunOnce(ctx context.Context, workspaceID string, batch int) (int, error) {
	batch = clampBatch(batch, MaxDeliveryBatch)

	sends, err := w.store.ListDueSends(ctx, workspaceID, batch)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range sends {
		send := &sends[i]
		claimed, err := w.store.ClaimSend(ctx, send.ID)
		if err != nil {
			log.Printf("[DeliveryWorker] claim %s: %v", send.ID, err)
			continue
		}
		if !claimed {
			// Another invocation got there first.
			continue
		}
		processed++

		if err := w.deliver(ctx, send); err != nil {
			atomic.AddInt64(&w.totalFailed, 1)
			log.Printf("[DeliveryWorker] send %s failed: %v", send.ID, err)
			if mErr := w.store.MarkSendFailed(ctx, send.ID, err.Error()); mErr != nil {
				log.Printf("[DeliveryWorker] mark failed %s: %v", send.ID, mErr)
			}
			continue
		}
		atomic.AddInt64(&w.totalSent, 1)
	}
	return processed, nil
}

// deliver renders and posts one claimed send, finalizing it as sent on
// success. Returned errors are recorded on the row by the caller.
func (w *DeliveryWorker) deliver(ctx context.Context, send *store.EmailSend) error {
	var campaign *store.Campaign
	if cid, err := uuid.Parse(send.CampaignID); err == nil {
		// Absent for automation and notify sends, which carry the
		// automation id here.
		campaign, _ = w.store.GetCampaign(ctx, send.WorkspaceID, cid)
	}

	settings, err := w.store.GetWorkspaceSettings(ctx, send.WorkspaceID)
	if err != nil {
		return err
	}

	var contact *store.Contact
	if send.ContactID.Valid {
		contact, err = w.store.GetContact(ctx, send.WorkspaceID, send.ContactID.UUID)
		if err != nil {
			return err
		}
	}

	companyName := w.cfg.DefaultFromName
	fromEmail := w.cfg.DefaultFromEmail
	if settings != nil {
		if settings.CompanyName != "" {
			companyName = settings.CompanyName
		}
		if settings.DefaultFromEmail != "" {
			fromEmail = settings.DefaultFromEmail
		}
	}
	if send.FromEmail != "" {
		fromEmail = send.FromEmail
	}

	vars := render.Vars{
		"email":       send.ToEmail,
		"companyName": companyName,
		"senderName":  w.cfg.DefaultFromName,
	}
	if contact != nil {
		vars["firstName"] = contact.FirstName
		vars["lastName"] = contact.LastName
	}

	var html string
	if campaign != nil && len(campaign.EmailBlocks) > 0 {
		html = render.Blocks(campaign.EmailBlocks, vars)
	} else {
		body := send.MetaString("body")
		if body == "" && campaign != nil {
			body = campaign.Body
		}
		html = render.Plain(body, vars)
	}

	if w.cfg.PublicBaseURL != "" {
		sid := send.ID.String()
		html = render.RewriteLinks(html, w.cfg.PublicBaseURL, sid)
		html = render.AppendPixel(html, w.cfg.PublicBaseURL, sid)
		if send.ContactID.Valid && w.cfg.UnsubscribeSigningKey != "" {
			token, err := render.SignUnsubscribeToken(send.WorkspaceID, send.ContactID.UUID.String(),
				w.cfg.UnsubscribeSigningKey, time.Now())
			if err == nil {
				html = render.AppendUnsubscribeFooter(html, w.cfg.PublicBaseURL, token, companyName)
			}
		}
	}

	msg := mailer.Message{
		To:      send.ToEmail,
		Subject: render.Substitute(send.Subject, vars),
		HTML:    html,
		From:    mailer.FormatFrom(w.cfg.DefaultFromName, fromEmail),
	}
	messageID, err := w.gateway.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("gateway send: %w", err)
	}
	return w.store.MarkSendSent(ctx, send.ID, messageID)
}
