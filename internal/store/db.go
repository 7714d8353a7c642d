package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// Store is the persistence surface shared by PostgresStore and MemoryStore.
type Store interface {
	Ping(ctx context.Context) error
	InsertAPIClient(ctx context.Context, client APIClient) error
	GetAPIClientByKeyHash(ctx context.Context, keyHash string) (APIClient, error)
	InsertDecisionEvent(ctx context.Context, event DecisionEvent) (DecisionEvent, bool, error)
	GetDecisionEvent(ctx context.Context, tenantID, eventID string) (DecisionEvent, error)
	InsertExplanation(ctx context.Context, item Explanation) (Explanation, error)
	GetExplanation(ctx context.Context, tenantID, explanationID string) (Explanation, error)
	TransitionExplanation(ctx context.Context, tr ExplanationTransition) (bool, error)
	CreateReport(ctx context.Context, report Report) (Report, error)
	GetReport(ctx context.Context, tenantID, reportID string) (Report, error)
	FindReportByIdentity(ctx context.Context, tenantID, decisionEventID, explanationID, templateID string) (Report, error)
	ApplyMutation(ctx context.Context, m ReportMutation) (Report, error)
	SetRenderedText(ctx context.Context, tenantID, reportID, text string) error
	ListRevisions(ctx context.Context, tenantID, reportID string, offset, limit int) ([]Revision, int, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]ReportSummary, int, error)
	SearchReports(ctx context.Context, tenantID, query string, limit int) ([]ReportSummary, error)
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
