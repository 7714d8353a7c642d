package store

import (
	"encoding/json"
	"time"
)

const (
	ReportStatusDraft = "DRAFT"
	ReportStatusFinal = "FINAL"

	ActionCreate   = "CREATE"
	ActionPatch    = "PATCH"
	ActionFinalize = "FINALIZE"

	ExplanationPending = "PENDING"
	ExplanationRunning = "RUNNING"
	ExplanationDone    = "DONE"
	ExplanationFailed  = "FAILED"

	// ExplanationErrorLimit matches the width of explanations.error.
	ExplanationErrorLimit = 512
)

type APIClient struct {
	ID         string
	TenantID   string
	Name       string
	Enabled    bool
	APIKeyHash string
	CreatedAt  time.Time
}

type DecisionEvent struct {
	ID             string
	TenantID       string
	DecisionID     string
	OccurredAt     time.Time
	ModelID        string
	ModelVersion   string
	InputFeatures  json.RawMessage
	ModelOutput    json.RawMessage
	FinalDecision  json.RawMessage
	IdempotencyKey string
	CreatedAt      time.Time
}

type Explanation struct {
	ID              string
	TenantID        string
	DecisionEventID string
	Status          string
	Method          string
	Evidence        json.RawMessage
	Error           *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ExplanationTransition moves an explanation from one status to another.
// It only applies while the stored status still equals From.
type ExplanationTransition struct {
	TenantID string
	ID       string
	From     string
	To       string
	Evidence json.RawMessage
	Error    *string
}

type Report struct {
	ID              string
	TenantID        string
	DecisionEventID string
	ExplanationID   string
	TemplateID      string
	Status          string
	Version         int
	Body            json.RawMessage
	RenderedText    *string
	CreatedAt       time.Time
	CreatedBy       string
	UpdatedAt       time.Time
	UpdatedBy       string
	FinalizedAt     *time.Time
	FinalizedBy     *string
}

// ReportMutation is a versioned change to a DRAFT report. Action is
// ActionPatch (replaces the body) or ActionFinalize (body untouched).
type ReportMutation struct {
	TenantID        string
	ReportID        string
	ExpectedVersion int
	Action          string
	Body            json.RawMessage
	Actor           string
}

type Revision struct {
	ID        string
	TenantID  string
	ReportID  string
	Version   int
	Action    string
	Body      json.RawMessage
	CreatedAt time.Time
	CreatedBy string
}

type ReportSummary struct {
	ReportID        string
	Status          string
	TemplateID      string
	DecisionEventID string
	ExplanationID   string
	Version         int
	CreatedAt       time.Time
	DecisionID      string
	OccurredAt      time.Time
	DecisionLabel   string
	RenderedText    string
}

type ReportFilter struct {
	TenantID        string
	Status          string
	DecisionEventID string
	DecisionID      string
	OccurredAfter   *time.Time
	OccurredBefore  *time.Time
	Offset          int
	Limit           int
}
