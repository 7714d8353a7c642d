package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pedro-meseguer/xai-business/internal/util"
)

const (
	pgUniqueViolation         = "23505"
	reportIdentityConstraint  = "uq_report_identity"
	decisionIdempoConstraint  = "uq_tenant_idempo"
	reportColumns             = `id, tenant_id, decision_event_id, explanation_id, template_id, status, version, report_json, report_text, created_at, created_by_client_id, updated_at, updated_by_client_id, finalized_at, finalized_by_client_id`
	decisionEventColumns      = `id, tenant_id, decision_id, occurred_at, model_id, model_version, input_features, model_output, final_decision, idempotency_key, created_at`
	explanationColumns        = `id, tenant_id, decision_event_id, status, method, evidence, error, created_at, updated_at`
	reportSummarySelectClause = `
		SELECT r.id, r.status, r.template_id, r.decision_event_id, r.explanation_id, r.version, r.created_at,
			de.decision_id, de.occurred_at, COALESCE(de.final_decision->>'label', ''), COALESCE(r.report_text, '')
		FROM reports r
		JOIN decision_events de ON de.id = r.decision_event_id AND de.tenant_id = r.tenant_id
	`
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}

func jsonParam(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// API clients

func (s *PostgresStore) InsertAPIClient(ctx context.Context, client APIClient) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_clients (id, tenant_id, name, enabled, api_key_hash)
		VALUES ($1, $2, $3, $4, $5)
	`, client.ID, client.TenantID, client.Name, client.Enabled, client.APIKeyHash)
	if err != nil {
		return fmt.Errorf("insert api client: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIClientByKeyHash(ctx context.Context, keyHash string) (APIClient, error) {
	var client APIClient
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, enabled, api_key_hash, created_at
		FROM api_clients
		WHERE api_key_hash=$1
	`, keyHash).Scan(&client.ID, &client.TenantID, &client.Name, &client.Enabled, &client.APIKeyHash, &client.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return APIClient{}, ErrNotFound
	}
	if err != nil {
		return APIClient{}, fmt.Errorf("get api client: %w", err)
	}
	return client, nil
}

// Decision events

func scanDecisionEvent(row rowScanner) (DecisionEvent, error) {
	var item DecisionEvent
	var inputFeatures, modelOutput, finalDecision []byte
	err := row.Scan(
		&item.ID,
		&item.TenantID,
		&item.DecisionID,
		&item.OccurredAt,
		&item.ModelID,
		&item.ModelVersion,
		&inputFeatures,
		&modelOutput,
		&finalDecision,
		&item.IdempotencyKey,
		&item.CreatedAt,
	)
	if err != nil {
		return DecisionEvent{}, err
	}
	item.InputFeatures = inputFeatures
	item.ModelOutput = modelOutput
	item.FinalDecision = finalDecision
	return item, nil
}

// InsertDecisionEvent stores the event unless the tenant already sent the
// same idempotency key, in which case the existing event is returned with
// created=false.
func (s *PostgresStore) InsertDecisionEvent(ctx context.Context, event DecisionEvent) (DecisionEvent, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO decision_events (id, tenant_id, decision_id, occurred_at, model_id, model_version, input_features, model_output, final_decision, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, $10)
		ON CONFLICT ON CONSTRAINT `+decisionIdempoConstraint+` DO NOTHING
		RETURNING `+decisionEventColumns,
		event.ID, event.TenantID, event.DecisionID, event.OccurredAt, event.ModelID, event.ModelVersion,
		jsonParam(event.InputFeatures), jsonParam(event.ModelOutput), jsonParam(event.FinalDecision), event.IdempotencyKey,
	)
	stored, err := scanDecisionEvent(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return DecisionEvent{}, false, fmt.Errorf("insert decision event: %w", err)
	}

	existing, err := scanDecisionEvent(s.db.QueryRowContext(ctx, `
		SELECT `+decisionEventColumns+`
		FROM decision_events
		WHERE tenant_id=$1 AND idempotency_key=$2
	`, event.TenantID, event.IdempotencyKey))
	if err != nil {
		return DecisionEvent{}, false, fmt.Errorf("read idempotent decision event: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) GetDecisionEvent(ctx context.Context, tenantID, eventID string) (DecisionEvent, error) {
	item, err := scanDecisionEvent(s.db.QueryRowContext(ctx, `
		SELECT `+decisionEventColumns+`
		FROM decision_events
		WHERE id=$1 AND tenant_id=$2
	`, eventID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return DecisionEvent{}, ErrNotFound
	}
	if err != nil {
		return DecisionEvent{}, fmt.Errorf("get decision event: %w", err)
	}
	return item, nil
}

// Explanations

func scanExplanation(row rowScanner) (Explanation, error) {
	var item Explanation
	var evidence []byte
	var errText sql.NullString
	err := row.Scan(
		&item.ID,
		&item.TenantID,
		&item.DecisionEventID,
		&item.Status,
		&item.Method,
		&evidence,
		&errText,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Explanation{}, err
	}
	item.Evidence = evidence
	if errText.Valid {
		item.Error = &errText.String
	}
	return item, nil
}

func (s *PostgresStore) InsertExplanation(ctx context.Context, item Explanation) (Explanation, error) {
	stored, err := scanExplanation(s.db.QueryRowContext(ctx, `
		INSERT INTO explanations (id, tenant_id, decision_event_id, status, method, evidence)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		RETURNING `+explanationColumns,
		item.ID, item.TenantID, item.DecisionEventID, item.Status, item.Method, jsonParam(item.Evidence),
	))
	if err != nil {
		return Explanation{}, fmt.Errorf("insert explanation: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) GetExplanation(ctx context.Context, tenantID, explanationID string) (Explanation, error) {
	item, err := scanExplanation(s.db.QueryRowContext(ctx, `
		SELECT `+explanationColumns+`
		FROM explanations
		WHERE id=$1 AND tenant_id=$2
	`, explanationID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return Explanation{}, ErrNotFound
	}
	if err != nil {
		return Explanation{}, fmt.Errorf("get explanation: %w", err)
	}
	return item, nil
}

// TransitionExplanation reports false when the explanation was not in the
// expected status (or does not exist).
func (s *PostgresStore) TransitionExplanation(ctx context.Context, tr ExplanationTransition) (bool, error) {
	var errText sql.NullString
	if tr.Error != nil {
		errText = sql.NullString{String: truncate(*tr.Error, ExplanationErrorLimit), Valid: true}
	}
	var evidence sql.NullString
	if len(tr.Evidence) > 0 {
		evidence = sql.NullString{String: string(tr.Evidence), Valid: true}
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE explanations
		SET status=$4, evidence=COALESCE($5::jsonb, evidence), error=$6, updated_at=NOW()
		WHERE id=$1 AND tenant_id=$2 AND status=$3
	`, tr.ID, tr.TenantID, tr.From, tr.To, evidence, errText)
	if err != nil {
		return false, fmt.Errorf("transition explanation %s->%s: %w", tr.From, tr.To, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition explanation rows: %w", err)
	}
	return affected == 1, nil
}

// Reports

func scanReport(row rowScanner) (Report, error) {
	var item Report
	var body []byte
	var renderedText, createdBy, updatedBy, finalizedBy sql.NullString
	var finalizedAt sql.NullTime
	err := row.Scan(
		&item.ID,
		&item.TenantID,
		&item.DecisionEventID,
		&item.ExplanationID,
		&item.TemplateID,
		&item.Status,
		&item.Version,
		&body,
		&renderedText,
		&item.CreatedAt,
		&createdBy,
		&item.UpdatedAt,
		&updatedBy,
		&finalizedAt,
		&finalizedBy,
	)
	if err != nil {
		return Report{}, err
	}
	item.Body = body
	item.CreatedBy = createdBy.String
	item.UpdatedBy = updatedBy.String
	if renderedText.Valid {
		item.RenderedText = &renderedText.String
	}
	if finalizedAt.Valid {
		item.FinalizedAt = &finalizedAt.Time
	}
	if finalizedBy.Valid {
		item.FinalizedBy = &finalizedBy.String
	}
	return item, nil
}

func appendRevision(ctx context.Context, tx *sql.Tx, rev Revision) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO report_revisions (id, tenant_id, report_id, version, action, report_json, created_by_client_id)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, rev.ID, rev.TenantID, rev.ReportID, rev.Version, rev.Action, jsonParam(rev.Body), rev.CreatedBy)
	if err != nil {
		return fmt.Errorf("append revision v%d: %w", rev.Version, err)
	}
	return nil
}

// CreateReport inserts a report at version 1 together with its CREATE
// revision. ErrDuplicateReport means the provenance tuple is already taken.
func (s *PostgresStore) CreateReport(ctx context.Context, report Report) (Report, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Report{}, fmt.Errorf("begin create report tx: %w", err)
	}

	stored, err := scanReport(tx.QueryRowContext(ctx, `
		INSERT INTO reports (id, tenant_id, decision_event_id, explanation_id, template_id, status, version, report_json, created_by_client_id, updated_by_client_id)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7::jsonb, $8, $8)
		RETURNING `+reportColumns,
		report.ID, report.TenantID, report.DecisionEventID, report.ExplanationID, report.TemplateID, ReportStatusDraft, jsonParam(report.Body), report.CreatedBy,
	))
	if err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err, reportIdentityConstraint) {
			return Report{}, ErrDuplicateReport
		}
		return Report{}, fmt.Errorf("insert report: %w", err)
	}

	if err := appendRevision(ctx, tx, Revision{
		ID:        util.NewID("rev"),
		TenantID:  stored.TenantID,
		ReportID:  stored.ID,
		Version:   stored.Version,
		Action:    ActionCreate,
		Body:      stored.Body,
		CreatedBy: report.CreatedBy,
	}); err != nil {
		_ = tx.Rollback()
		return Report{}, err
	}

	if err := tx.Commit(); err != nil {
		return Report{}, fmt.Errorf("commit create report: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) GetReport(ctx context.Context, tenantID, reportID string) (Report, error) {
	item, err := scanReport(s.db.QueryRowContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE id=$1 AND tenant_id=$2
	`, reportID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("get report: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) FindReportByIdentity(ctx context.Context, tenantID, decisionEventID, explanationID, templateID string) (Report, error) {
	item, err := scanReport(s.db.QueryRowContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE tenant_id=$1 AND decision_event_id=$2 AND explanation_id=$3 AND template_id=$4
	`, tenantID, decisionEventID, explanationID, templateID))
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("find report by identity: %w", err)
	}
	return item, nil
}

// ApplyMutation performs the version-gated write and its revision append in
// one transaction. The UPDATE only matches a DRAFT row still at the expected
// version; when it matches nothing the row is re-read to tell apart a
// missing report, a final one and a stale version.
func (s *PostgresStore) ApplyMutation(ctx context.Context, m ReportMutation) (Report, error) {
	var query string
	var args []any
	switch m.Action {
	case ActionPatch:
		query = `
			UPDATE reports
			SET report_json=$4::jsonb, version=version+1, updated_at=NOW(), updated_by_client_id=$5
			WHERE id=$1 AND tenant_id=$2 AND version=$3 AND status='DRAFT'
			RETURNING ` + reportColumns
		args = []any{m.ReportID, m.TenantID, m.ExpectedVersion, jsonParam(m.Body), m.Actor}
	case ActionFinalize:
		query = `
			UPDATE reports
			SET status='FINAL', version=version+1, updated_at=NOW(), updated_by_client_id=$4,
				finalized_at=NOW(), finalized_by_client_id=$4
			WHERE id=$1 AND tenant_id=$2 AND version=$3 AND status='DRAFT'
			RETURNING ` + reportColumns
		args = []any{m.ReportID, m.TenantID, m.ExpectedVersion, m.Actor}
	default:
		return Report{}, fmt.Errorf("unsupported report mutation %q", m.Action)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Report{}, fmt.Errorf("begin %s tx: %w", strings.ToLower(m.Action), err)
	}

	updated, err := scanReport(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		classified := classifyRejectedMutation(ctx, tx, m)
		_ = tx.Rollback()
		return Report{}, classified
	}
	if err != nil {
		_ = tx.Rollback()
		return Report{}, fmt.Errorf("%s report: %w", strings.ToLower(m.Action), err)
	}

	if err := appendRevision(ctx, tx, Revision{
		ID:        util.NewID("rev"),
		TenantID:  updated.TenantID,
		ReportID:  updated.ID,
		Version:   updated.Version,
		Action:    m.Action,
		Body:      updated.Body,
		CreatedBy: m.Actor,
	}); err != nil {
		_ = tx.Rollback()
		return Report{}, err
	}

	if err := tx.Commit(); err != nil {
		return Report{}, fmt.Errorf("commit %s: %w", strings.ToLower(m.Action), err)
	}
	return updated, nil
}

func classifyRejectedMutation(ctx context.Context, tx *sql.Tx, m ReportMutation) error {
	var status string
	var version int
	err := tx.QueryRowContext(ctx, `
		SELECT status, version FROM reports WHERE id=$1 AND tenant_id=$2
	`, m.ReportID, m.TenantID).Scan(&status, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read rejected report state: %w", err)
	}
	return rejectionFor(status, version)
}

func rejectionFor(status string, current int) error {
	if status == ReportStatusFinal {
		return ErrReportFinal
	}
	return &VersionConflictError{Current: current}
}

// SetRenderedText caches derived text. It does not touch version or ledger.
func (s *PostgresStore) SetRenderedText(ctx context.Context, tenantID, reportID, text string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reports SET report_text=$3 WHERE id=$1 AND tenant_id=$2
	`, reportID, tenantID, text)
	if err != nil {
		return fmt.Errorf("set rendered text: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set rendered text rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRevisions returns newest-first revisions and the total for the report.
// An unknown or foreign report is ErrNotFound rather than an empty page.
func (s *PostgresStore) ListRevisions(ctx context.Context, tenantID, reportID string, offset, limit int) ([]Revision, int, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM reports WHERE id=$1 AND tenant_id=$2)
	`, reportID, tenantID).Scan(&exists); err != nil {
		return nil, 0, fmt.Errorf("check report: %w", err)
	}
	if !exists {
		return nil, 0, ErrNotFound
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM report_revisions WHERE report_id=$1 AND tenant_id=$2
	`, reportID, tenantID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count revisions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, report_id, version, action, report_json, created_at, COALESCE(created_by_client_id, '')
		FROM report_revisions
		WHERE report_id=$1 AND tenant_id=$2
		ORDER BY version DESC
		OFFSET $3 LIMIT $4
	`, reportID, tenantID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]Revision, 0)
	for rows.Next() {
		var item Revision
		var body []byte
		if err := rows.Scan(&item.ID, &item.TenantID, &item.ReportID, &item.Version, &item.Action, &body, &item.CreatedAt, &item.CreatedBy); err != nil {
			return nil, 0, fmt.Errorf("scan revision: %w", err)
		}
		item.Body = body
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, total, nil
}

func reportFilterClause(filter ReportFilter) (string, []any) {
	clauses := []string{"r.tenant_id = $1"}
	args := []any{filter.TenantID}
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("r.status = $%d", filter.Status)
	}
	if filter.DecisionEventID != "" {
		add("r.decision_event_id = $%d", filter.DecisionEventID)
	}
	if filter.DecisionID != "" {
		add("de.decision_id = $%d", filter.DecisionID)
	}
	if filter.OccurredAfter != nil {
		add("de.occurred_at >= $%d", *filter.OccurredAfter)
	}
	if filter.OccurredBefore != nil {
		add("de.occurred_at <= $%d", *filter.OccurredBefore)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanSummaries(rows *sql.Rows) ([]ReportSummary, error) {
	items := make([]ReportSummary, 0)
	for rows.Next() {
		var item ReportSummary
		if err := rows.Scan(
			&item.ReportID,
			&item.Status,
			&item.TemplateID,
			&item.DecisionEventID,
			&item.ExplanationID,
			&item.Version,
			&item.CreatedAt,
			&item.DecisionID,
			&item.OccurredAt,
			&item.DecisionLabel,
			&item.RenderedText,
		); err != nil {
			return nil, fmt.Errorf("scan report summary: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate report summaries: %w", err)
	}
	return items, nil
}

// ListReports returns one page of tenant reports, newest first, and the
// total matching the same filter.
func (s *PostgresStore) ListReports(ctx context.Context, filter ReportFilter) ([]ReportSummary, int, error) {
	where, args := reportFilterClause(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM reports r JOIN decision_events de ON de.id = r.decision_event_id AND de.tenant_id = r.tenant_id` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}

	pageArgs := append(append([]any{}, args...), filter.Offset, filter.Limit)
	query := reportSummarySelectClause + where +
		fmt.Sprintf(" ORDER BY r.created_at DESC, r.id DESC OFFSET $%d LIMIT $%d", len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	items, err := scanSummaries(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// SearchReports is the database fallback for report search: a
// case-insensitive match on decision id, decision label and rendered text.
func (s *PostgresStore) SearchReports(ctx context.Context, tenantID, query string, limit int) ([]ReportSummary, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, reportSummarySelectClause+`
		WHERE r.tenant_id = $1
			AND (de.decision_id ILIKE $2 OR de.final_decision->>'label' ILIKE $2 OR r.report_text ILIKE $2)
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT $3
	`, tenantID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search reports: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
