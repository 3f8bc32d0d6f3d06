package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/worker"
)

// workerRequest is the common body shape: every field is optional and
// clamped by the workers themselves.
type workerRequest struct {
	WorkspaceID     string `json:"workspaceId"`
	Batch           int    `json:"batch"`
	Limit           int    `json:"limit"`
	LimitSchedules  int    `json:"limitSchedules"`
	LimitRecipients int    `json:"limitRecipients"`
}

func (req *workerRequest) workspace() string {
	if req.WorkspaceID == "" {
		return worker.DefaultWorkspace
	}
	return req.WorkspaceID
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	processed, err := s.delivery.RunOnce(r.Context(), req.workspace(), req.Batch)
	if err != nil {
		serverError(w, "email delivery", err)
		return
	}
	writeOK(w, map[string]any{"processed": processed})
}

func (s *Server) handleLeadScore(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	events, contacts, err := s.leadScore.RunOnce(r.Context(), req.workspace(), req.Limit)
	if err != nil {
		serverError(w, "lead score", err)
		return
	}
	writeOK(w, map[string]any{"processedEvents": events, "updatedContacts": contacts})
}

func (s *Server) handleBestTime(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	events, contacts, err := s.bestTime.RunOnce(r.Context(), req.workspace(), req.Limit)
	if err != nil {
		serverError(w, "best time", err)
		return
	}
	writeOK(w, map[string]any{"processedEvents": events, "updatedContacts": contacts})
}

func (s *Server) handleScanner(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	events, runs, err := s.scanner.RunOnce(r.Context(), req.workspace(), req.Limit)
	if err != nil {
		serverError(w, "automation scanner", err)
		return
	}
	writeOK(w, map[string]any{"processedEvents": events, "startedRuns": runs})
}

func (s *Server) handleAutomation(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	processed, err := s.execution.RunOnce(r.Context(), req.workspace(), req.Batch)
	if err != nil {
		serverError(w, "automation worker", err)
		return
	}
	writeOK(w, map[string]any{"processed": processed})
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	processed, err := s.scheduler.RunOnce(r.Context(), req.workspace(), req.LimitSchedules, req.LimitRecipients)
	if err != nil {
		serverError(w, "campaign scheduler", err)
		return
	}
	writeOK(w, map[string]any{"processed": processed})
}

type sendCampaignRequest struct {
	WorkspaceID   string          `json:"workspaceId"`
	CampaignID    string          `json:"campaignId"`
	MaxRecipients int             `json:"maxRecipients"`
	PageSize      int             `json:"pageSize"`
	SegmentJSON   json.RawMessage `json:"segmentJson"`
	DryRun        bool            `json:"dryRun"`
}

func (s *Server) handleSendCampaign(w http.ResponseWriter, r *http.Request) {
	var req sendCampaignRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CampaignID == "" {
		writeError(w, http.StatusBadRequest, "campaignId is required")
		return
	}
	campaignID, err := uuid.Parse(req.CampaignID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "campaignId must be a UUID")
		return
	}
	workspace := req.WorkspaceID
	if workspace == "" {
		workspace = worker.DefaultWorkspace
	}

	result, err := s.enqueuer.SendCampaign(r.Context(), worker.CampaignRequest{
		WorkspaceID:   workspace,
		CampaignID:    campaignID,
		MaxRecipients: req.MaxRecipients,
		PageSize:      req.PageSize,
		SegmentJSON:   req.SegmentJSON,
		DryRun:        req.DryRun,
	})
	if err != nil {
		if errors.Is(err, worker.ErrCampaignNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		serverError(w, "send campaign", err)
		return
	}

	if result.DryRun {
		writeOK(w, map[string]any{
			"dryRun":       true,
			"eligible":     result.Eligible,
			"sampleEmails": result.SampleEmails,
		})
		return
	}
	writeOK(w, map[string]any{"queued": result.Queued})
}

type sendBulkRequest struct {
	WorkspaceID     string   `json:"workspaceId"`
	Subject         string   `json:"subject"`
	Body            string   `json:"body"`
	ContactIDs      []string `json:"contactIds"`
	SendImmediately bool     `json:"sendImmediately"`
}

func (s *Server) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	var req sendBulkRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Subject == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "subject and body are required")
		return
	}
	workspace := req.WorkspaceID
	if workspace == "" {
		workspace = worker.DefaultWorkspace
	}

	var contactIDs []uuid.UUID
	for _, raw := range req.ContactIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "contactIds must be UUIDs")
			return
		}
		contactIDs = append(contactIDs, id)
	}

	if req.SendImmediately && len(contactIDs) > worker.MaxImmediateRecipients {
		writeError(w, http.StatusBadRequest, "immediate send is capped at 50 recipients")
		return
	}

	result, err := s.enqueuer.SendBulk(r.Context(), worker.BulkRequest{
		WorkspaceID:     workspace,
		Subject:         req.Subject,
		Body:            req.Body,
		ContactIDs:      contactIDs,
		SendImmediately: req.SendImmediately,
	})
	if err != nil {
		if errors.Is(err, worker.ErrTooManyImmediate) {
			writeError(w, http.StatusBadRequest, "immediate send is capped at 50 recipients")
			return
		}
		serverError(w, "send bulk", err)
		return
	}

	if result.Mode == "instant" {
		writeOK(w, map[string]any{"mode": "instant", "sent": result.Sent, "failed": result.Failed})
		return
	}
	writeOK(w, map[string]any{"mode": "queued", "queued": result.Queued})
}
