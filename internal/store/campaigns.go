package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/render"
)

// BulkCampaignName is the well-known campaign backing ad-hoc blasts; one
// exists per workspace and is created on first use.
const BulkCampaignName = "bulk_email"

const campaignColumns = `id, workspace_id, name, COALESCE(subject,''), COALESCE(body,''),
	COALESCE(email_blocks,'[]'), status, COALESCE(sent_count,0), created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*Campaign, error) {
	var c Campaign
	var blocks []byte
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Subject, &c.Body,
		&blocks, &c.Status, &c.SentCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(blocks) > 0 {
		json.Unmarshal(blocks, &c.EmailBlocks)
	}
	return &c, nil
}

// GetCampaign fetches one campaign in workspace scope, or nil when absent.
// Automation sends carry the automation id in campaign_id, so callers treat
// nil as "no campaign" rather than an error.
func (s *Store) GetCampaign(ctx context.Context, workspaceID string, id uuid.UUID) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// EnsureBulkCampaign returns the workspace's bulk_email campaign, creating
// it on first use.
func (s *Store) EnsureBulkCampaign(ctx context.Context, workspaceID string) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE workspace_id = $1 AND name = $2`,
		workspaceID, BulkCampaignName)
	c, err := scanCampaign(row)
	if err == nil {
		return c, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("get bulk campaign: %w", err)
	}

	id := uuid.New()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, workspace_id, name, subject, body, email_blocks, status, created_at, updated_at)
		VALUES ($1, $2, $3, '', '', '[]', 'Active', NOW(), NOW())`,
		id, workspaceID, BulkCampaignName)
	if err != nil {
		return nil, fmt.Errorf("create bulk campaign: %w", err)
	}
	return &Campaign{ID: id, WorkspaceID: workspaceID, Name: BulkCampaignName, Status: "Active",
		EmailBlocks: []render.Block{}}, nil
}

// MarkCampaignSent flips a campaign to Sent after a one-shot enqueue and
// adds the queued count to its counter.
func (s *Store) MarkCampaignSent(ctx context.Context, workspaceID string, id uuid.UUID, queued int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = 'Sent', sent_count = COALESCE(sent_count,0) + $3, updated_at = NOW()
		WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id, queued)
	if err != nil {
		return fmt.Errorf("mark campaign sent: %w", err)
	}
	return nil
}

// GetWorkspaceSettings returns sender identity overrides for a workspace,
// or nil when the workspace runs on process-wide defaults.
func (s *Store) GetWorkspaceSettings(ctx context.Context, workspaceID string) (*WorkspaceSettings, error) {
	var ws WorkspaceSettings
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, COALESCE(company_name,''), COALESCE(default_from_email,'')
		FROM workspace_settings WHERE workspace_id = $1`,
		workspaceID).Scan(&ws.WorkspaceID, &ws.CompanyName, &ws.DefaultFromEmail)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace settings: %w", err)
	}
	return &ws, nil
}
