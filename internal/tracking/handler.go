// Package tracking serves the public pixel, click-redirect and
// unsubscribe endpoints. Open and click are total: mail-client
// prefetchers must never see an error, so internal failures are logged
// and the pixel or redirect is returned anyway.
package tracking

import (
	"database/sql"
	"fmt"
	"html"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/config"
	"github.com/flowmail/flowmail/internal/render"
	"github.com/flowmail/flowmail/internal/store"
)

// DefaultClickTarget is where a click with no url parameter lands.
const DefaultClickTarget = "https://example.com"

// pixelGIF is a 43-byte transparent 1x1 GIF.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Handler holds the tracking endpoints.
type Handler struct {
	store *store.Store
	cfg   *config.Config
}

// NewHandler wires the tracking handler.
func NewHandler(st *store.Store, cfg *config.Config) *Handler {
	return &Handler{store: st, cfg: cfg}
}

// Mount registers the tracking routes on a router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/track/open", h.Open)
	r.Get("/track/click", h.Click)
	r.Get("/unsubscribe", h.Unsubscribe)
}

// Open serves the tracking pixel. First open sets opened_at, bumps the
// contact's open metric and appends an email_open event; repeats and
// unknown sids still get the pixel.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	defer h.writePixel(w)

	sid, err := uuid.Parse(r.URL.Query().Get("sid"))
	if err != nil {
		return
	}
	ctx := r.Context()

	send, err := h.store.GetSend(ctx, sid)
	if err != nil || send == nil {
		if err != nil {
			log.Printf("[Tracking] open %s: %v", sid, err)
		}
		return
	}

	now := time.Now().UTC()
	first, err := h.store.MarkOpened(ctx, sid, now)
	if err != nil {
		log.Printf("[Tracking] mark opened %s: %v", sid, err)
		return
	}
	if !first || !send.ContactID.Valid {
		return
	}

	if err := h.store.BumpContactMetric(ctx, send.WorkspaceID, send.ContactID.UUID, "open"); err != nil {
		log.Printf("[Tracking] bump open metric %s: %v", send.ContactID.UUID, err)
	}
	if err := h.store.InsertEvent(ctx, &store.ContactEvent{
		WorkspaceID: send.WorkspaceID,
		ContactID:   send.ContactID.UUID,
		EventType:   "email_open",
		OccurredAt:  now,
		CampaignID:  sql.NullString{String: send.CampaignID, Valid: send.CampaignID != ""},
		Meta:        map[string]any{"sid": sid.String()},
	}); err != nil {
		log.Printf("[Tracking] insert open event %s: %v", sid, err)
	}
}

func (h *Handler) writePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", fmt.Sprint(len(pixelGIF)))
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

// Click redirects to the wrapped url. The first click sets clicked_at and
// bumps the click metric; every click on a known contact-bearing send
// appends a link_click event, which downstream heatmap analysis depends on.
func (h *Handler) Click(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("url")
	if target == "" {
		target = DefaultClickTarget
	}
	defer http.Redirect(w, r, target, http.StatusFound)

	sid, err := uuid.Parse(q.Get("sid"))
	if err != nil {
		return
	}
	ctx := r.Context()

	send, err := h.store.GetSend(ctx, sid)
	if err != nil || send == nil {
		if err != nil {
			log.Printf("[Tracking] click %s: %v", sid, err)
		}
		return
	}

	now := time.Now().UTC()
	first, err := h.store.MarkClicked(ctx, sid, now)
	if err != nil {
		log.Printf("[Tracking] mark clicked %s: %v", sid, err)
		first = false
	}
	if first && send.ContactID.Valid {
		if err := h.store.BumpContactMetric(ctx, send.WorkspaceID, send.ContactID.UUID, "click"); err != nil {
			log.Printf("[Tracking] bump click metric %s: %v", send.ContactID.UUID, err)
		}
	}

	// contact_events.contact_id is non-null, so clicks on contactless
	// sends (team notifications) are deliberately not recorded as events.
	if !send.ContactID.Valid {
		return
	}
	if err := h.store.InsertEvent(ctx, &store.ContactEvent{
		WorkspaceID: send.WorkspaceID,
		ContactID:   send.ContactID.UUID,
		EventType:   "link_click",
		OccurredAt:  now,
		CampaignID:  sql.NullString{String: send.CampaignID, Valid: send.CampaignID != ""},
		Meta: map[string]any{
			"sid":   sid.String(),
			"url":   target,
			"bid":   q.Get("bid"),
			"first": first,
		},
	}); err != nil {
		log.Printf("[Tracking] insert click event %s: %v", sid, err)
	}
}

// Unsubscribe verifies the signed token, flips the contact to
// unsubscribed and shows a plain confirmation page.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := render.VerifyUnsubscribeToken(token, h.cfg.UnsubscribeSigningKey, time.Now())
	if err != nil {
		h.writePage(w, http.StatusBadRequest, "Invalid link", "This unsubscribe link is invalid or has expired.")
		return
	}
	contactID, err := uuid.Parse(claims.ContactID)
	if err != nil {
		h.writePage(w, http.StatusBadRequest, "Invalid link", "This unsubscribe link is invalid or has expired.")
		return
	}

	ctx := r.Context()
	if err := h.store.UnsubscribeContact(ctx, claims.WorkspaceID, contactID); err != nil {
		log.Printf("[Tracking] unsubscribe %s: %v", contactID, err)
		h.writePage(w, http.StatusInternalServerError, "Something went wrong", "Please try the link again in a moment.")
		return
	}
	if err := h.store.InsertEvent(ctx, &store.ContactEvent{
		WorkspaceID: claims.WorkspaceID,
		ContactID:   contactID,
		EventType:   "unsubscribed",
		Meta:        map[string]any{"source": "unsubscribe_link"},
	}); err != nil {
		log.Printf("[Tracking] insert unsubscribe event %s: %v", contactID, err)
	}

	h.writePage(w, http.StatusOK, "You're unsubscribed", "You will no longer receive emails from this sender.")
}

func (h *Handler) writePage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>%s</title></head>
<body style="font-family:sans-serif;max-width:480px;margin:80px auto;text-align:center">
<h2>%s</h2><p>%s</p>
</body></html>`, html.EscapeString(title), html.EscapeString(title), html.EscapeString(body))
}
