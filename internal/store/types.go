package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/automation"
	"github.com/flowmail/flowmail/internal/render"
)

// Contact statuses
const (
	ContactSubscribed   = "Subscribed"
	ContactUnsubscribed = "Unsubscribed"
)

// Temperature bands derived from lead score
const (
	TempCold = "cold"
	TempWarm = "warm"
	TempHot  = "hot"
)

// Email send statuses (queued -> processing -> sent|failed)
const (
	SendQueued     = "queued"
	SendProcessing = "processing"
	SendSent       = "sent"
	SendFailed     = "failed"
)

// Automation queue item statuses
const (
	QueueQueued     = "queued"
	QueueProcessing = "processing"
	QueueDone       = "done"
	QueueFailed     = "failed"
)

// Automation run statuses
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Cursor consumer names (one row per workspace per consumer)
const (
	CursorLeadScore        = "lead_score"
	CursorBestTime         = "best_time"
	CursorAutomationEvents = "automation_events"
)

// Contact is a row in the contacts table.
type Contact struct {
	ID             uuid.UUID
	WorkspaceID    string
	Email          string
	FirstName      string
	LastName       string
	Status         string
	Unsubscribed   bool
	Bounced        bool
	SpamComplaint  bool
	LifecycleStage string
	Temperature    string
	Tags           []string
	Lists          []string
	LeadScore      int
	BestSendHour   sql.NullInt32
	BestSendMinute sql.NullInt32
	Timezone       string
	LastOpenAt     sql.NullTime
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Eligible reports whether the contact may receive email at all.
func (c *Contact) Eligible() bool {
	return c.Status == ContactSubscribed && !c.Unsubscribed && !c.Bounced && !c.SpamComplaint
}

// TemperatureForScore derives the temperature band from a lead score.
func TemperatureForScore(score int) string {
	switch {
	case score >= 50:
		return TempHot
	case score >= 20:
		return TempWarm
	default:
		return TempCold
	}
}

// ClampScore bounds a lead score to [0,100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ContactEvent is an append-only row in contact_events. Events are the sole
// input to scoring, best-time learning and trigger matching.
type ContactEvent struct {
	ID          uuid.UUID
	WorkspaceID string
	ContactID   uuid.UUID
	EventType   string
	OccurredAt  time.Time
	CampaignID  sql.NullString
	Meta        map[string]any
}

// MetaString returns a string field from the event meta bag.
func (e *ContactEvent) MetaString(key string) string {
	if e.Meta == nil {
		return ""
	}
	s, _ := e.Meta[key].(string)
	return s
}

// Campaign is a row in the campaigns table. The well-known "bulk_email"
// campaign per workspace backs ad-hoc blasts.
type Campaign struct {
	ID          uuid.UUID
	WorkspaceID string
	Name        string
	Subject     string
	Body        string
	EmailBlocks []render.Block
	Status      string
	SentCount   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SubjectOrName returns the campaign subject, falling back to its name.
func (c *Campaign) SubjectOrName() string {
	if strings.TrimSpace(c.Subject) != "" {
		return c.Subject
	}
	return c.Name
}

// EmailSend is a row in the email_sends queue. CampaignID is a plain string:
// it usually references campaigns.id but carries the automation id for
// automation and notify sends (no FK is declared for this reason).
type EmailSend struct {
	ID                uuid.UUID
	WorkspaceID       string
	CampaignID        string
	ContactID         uuid.NullUUID
	ToEmail           string
	FromEmail         string
	Subject           string
	Status            string
	ExecuteAt         time.Time
	SentAt            sql.NullTime
	OpenedAt          sql.NullTime
	ClickedAt         sql.NullTime
	ProviderMessageID sql.NullString
	ScheduleID        uuid.NullUUID
	ABVariant         sql.NullString
	IsTest            bool
	Meta              map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// MetaString returns a string field from the send meta bag.
func (s *EmailSend) MetaString(key string) string {
	if s.Meta == nil {
		return ""
	}
	v, _ := s.Meta[key].(string)
	return v
}

// CampaignSchedule drives recurring/scheduled campaign delivery.
type CampaignSchedule struct {
	ID             uuid.UUID
	WorkspaceID    string
	CampaignID     uuid.UUID
	Status         string // active | completed
	Mode           string // best_time | fixed_time
	WindowStart    string // "HH:MM"
	WindowEnd      string // "HH:MM"
	Timezone       string
	NextRunAt      time.Time
	ABEnabled      bool
	ABSubjectA     string
	ABSubjectB     string
	ABSubjectC     string
	ABTestFraction float64
	ABWaitMinutes  int
	ABMetric       string // opens | clicks
	SegmentJSON    json.RawMessage
}

// ABSubjects returns the non-empty subject variants in A,B,C order.
func (s *CampaignSchedule) ABSubjects() []string {
	var out []string
	for _, subj := range []string{s.ABSubjectA, s.ABSubjectB, s.ABSubjectC} {
		if strings.TrimSpace(subj) != "" {
			out = append(out, subj)
		}
	}
	return out
}

// CampaignABState tracks an in-flight A/B test for one schedule.
type CampaignABState struct {
	WorkspaceID   string
	ScheduleID    uuid.UUID
	Status        string // testing | winner_selected
	TestEndAt     time.Time
	WinnerSubject sql.NullString
}

// Automation is a row in the automations table; Steps is the persisted
// step graph interpreted by the execution worker.
type Automation struct {
	ID          uuid.UUID
	WorkspaceID string
	Name        string
	Status      string // only "Running" automations match triggers
	Steps       []automation.Step
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AutomationRun is one contact's progress through an automation, created by
// the trigger scanner. Terminal when completed or failed.
type AutomationRun struct {
	ID            uuid.UUID
	WorkspaceID   string
	AutomationID  uuid.UUID
	ContactID     uuid.UUID
	Status        string
	CurrentStepID string
	StartedAt     time.Time
	FinishedAt    sql.NullTime
	LastError     sql.NullString
	Meta          map[string]any
}

// AutomationQueueItem is a due-time work item pointing a run at a step.
// At-least-once: claim-then-do-then-done, duplicates tolerated.
type AutomationQueueItem struct {
	ID           uuid.UUID
	WorkspaceID  string
	RunID        uuid.UUID
	AutomationID uuid.UUID
	ContactID    uuid.UUID
	StepID       string
	ExecuteAt    time.Time
	Status       string
	Attempts     int
	LastError    sql.NullString
	Payload      map[string]any
}

// Cursor is a per-workspace, per-consumer high-water mark over contact_events.
type Cursor struct {
	WorkspaceID    string
	ID             string
	LastOccurredAt time.Time
	LastEventID    uuid.NullUUID
	UpdatedAt      time.Time
}

// WorkspaceSettings holds optional per-workspace sender identity.
type WorkspaceSettings struct {
	WorkspaceID      string
	CompanyName      string
	DefaultFromEmail string
}
