package search

import (
	"context"
	"time"

	"github.com/pedro-meseguer/xai-business/internal/store"
)

// ReportRecord is the data we index for a report.
type ReportRecord struct {
	ID              string `json:"id"`
	TenantID        string `json:"tenantId"`
	Status          string `json:"status"`
	TemplateID      string `json:"templateId"`
	DecisionEventID string `json:"decisionEventId"`
	ExplanationID   string `json:"explanationId"`
	Version         int    `json:"version"`
	DecisionID      string `json:"decisionId"`
	DecisionLabel   string `json:"decisionLabel"`
	ReportText      string `json:"reportText"`
	OccurredAt      int64  `json:"occurredAt"`
	CreatedAt       int64  `json:"createdAt"`
}

func RecordFromSummary(tenantID string, s store.ReportSummary) ReportRecord {
	return ReportRecord{
		ID:              s.ReportID,
		TenantID:        tenantID,
		Status:          s.Status,
		TemplateID:      s.TemplateID,
		DecisionEventID: s.DecisionEventID,
		ExplanationID:   s.ExplanationID,
		Version:         s.Version,
		DecisionID:      s.DecisionID,
		DecisionLabel:   s.DecisionLabel,
		ReportText:      s.RenderedText,
		OccurredAt:      s.OccurredAt.Unix(),
		CreatedAt:       s.CreatedAt.Unix(),
	}
}

func (r ReportRecord) Summary() store.ReportSummary {
	return store.ReportSummary{
		ReportID:        r.ID,
		Status:          r.Status,
		TemplateID:      r.TemplateID,
		DecisionEventID: r.DecisionEventID,
		ExplanationID:   r.ExplanationID,
		Version:         r.Version,
		CreatedAt:       time.Unix(r.CreatedAt, 0).UTC(),
		DecisionID:      r.DecisionID,
		OccurredAt:      time.Unix(r.OccurredAt, 0).UTC(),
		DecisionLabel:   r.DecisionLabel,
		RenderedText:    r.ReportText,
	}
}

// Index is a full-text report index.
type Index interface {
	Healthy() bool
	Search(tenantID, text string, limit int) ([]ReportRecord, error)
	IndexReport(ReportRecord) error
}

// Fallback searches the system of record when the index is unavailable.
type Fallback interface {
	SearchReports(ctx context.Context, tenantID, query string, limit int) ([]store.ReportSummary, error)
}
