package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pedro-meseguer/xai-business/internal/archive"
	"github.com/pedro-meseguer/xai-business/internal/auth"
	"github.com/pedro-meseguer/xai-business/internal/builder"
	"github.com/pedro-meseguer/xai-business/internal/config"
	"github.com/pedro-meseguer/xai-business/internal/explain"
	"github.com/pedro-meseguer/xai-business/internal/logger"
	"github.com/pedro-meseguer/xai-business/internal/metrics"
	"github.com/pedro-meseguer/xai-business/internal/render"
	"github.com/pedro-meseguer/xai-business/internal/reportdoc"
	"github.com/pedro-meseguer/xai-business/internal/search"
	"github.com/pedro-meseguer/xai-business/internal/store"
	"github.com/pedro-meseguer/xai-business/internal/util"
)

const (
	defaultReportLimit   = 20
	maxReportLimit       = 100
	defaultRevisionLimit = 50
	maxRevisionLimit     = 200
)

type ModelInput struct {
	ModelID      string `json:"model_id"`
	ModelVersion string `json:"model_version"`
}

type DecisionEventInput struct {
	DecisionID     string         `json:"decision_id"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Model          ModelInput     `json:"model"`
	InputFeatures  map[string]any `json:"input_features"`
	ModelOutput    map[string]any `json:"model_output"`
	FinalDecision  map[string]any `json:"final_decision"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type CreateReportInput struct {
	DecisionEventID string `json:"decision_event_id"`
	ExplanationID   string `json:"explanation_id"`
	TemplateID      string `json:"template_id"`
}

// PatchReportInput replaces the sections of a DRAFT report. A missing or
// null sections field leaves the document untouched.
type PatchReportInput struct {
	ExpectedVersion *int            `json:"expected_version"`
	Sections        json.RawMessage `json:"sections"`
}

type FinalizeReportInput struct {
	ExpectedVersion *int `json:"expected_version"`
}

type ListReportsInput struct {
	Status          string
	DecisionEventID string
	DecisionID      string
	OccurredAfter   *time.Time
	OccurredBefore  *time.Time
	Offset          int
	Limit           int
}

type ReportView struct {
	ReportID        string         `json:"report_id"`
	Status          string         `json:"status"`
	TemplateID      string         `json:"template_id"`
	DecisionEventID string         `json:"decision_event_id"`
	ExplanationID   string         `json:"explanation_id"`
	Version         int            `json:"version"`
	ReportJSON      reportdoc.Body `json:"report_json"`
	ReportText      *string        `json:"report_text"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	UpdatedBy       string         `json:"updated_by_client_id"`
	FinalizedAt     *time.Time     `json:"finalized_at"`
	FinalizedBy     *string        `json:"finalized_by_client_id"`
}

type ReportListItem struct {
	ReportID        string    `json:"report_id"`
	Status          string    `json:"status"`
	TemplateID      string    `json:"template_id"`
	DecisionEventID string    `json:"decision_event_id"`
	ExplanationID   string    `json:"explanation_id"`
	CreatedAt       time.Time `json:"created_at"`
	DecisionID      string    `json:"decision_id"`
	OccurredAt      time.Time `json:"occurred_at"`
	DecisionLabel   *string   `json:"decision_label"`
	Version         int       `json:"version"`
}

type ReportList struct {
	Total  int              `json:"total"`
	Items  []ReportListItem `json:"items"`
	Offset int              `json:"offset"`
	Limit  int              `json:"limit"`
}

type RevisionItem struct {
	ID        string    `json:"id"`
	Version   int       `json:"version"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy *string   `json:"created_by_client_id"`
}

type RevisionList struct {
	Total  int            `json:"total"`
	Items  []RevisionItem `json:"items"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
}

type ExplanationView struct {
	ExplanationID string          `json:"explanation_id"`
	Status        string          `json:"status"`
	Method        string          `json:"method"`
	Evidence      json.RawMessage `json:"evidence"`
	Error         *string         `json:"error"`
}

type dataStore interface {
	Ping(context.Context) error
	GetAPIClientByKeyHash(context.Context, string) (store.APIClient, error)
	InsertDecisionEvent(context.Context, store.DecisionEvent) (store.DecisionEvent, bool, error)
	GetDecisionEvent(context.Context, string, string) (store.DecisionEvent, error)
	InsertExplanation(context.Context, store.Explanation) (store.Explanation, error)
	GetExplanation(context.Context, string, string) (store.Explanation, error)
	TransitionExplanation(context.Context, store.ExplanationTransition) (bool, error)
	CreateReport(context.Context, store.Report) (store.Report, error)
	GetReport(context.Context, string, string) (store.Report, error)
	FindReportByIdentity(context.Context, string, string, string, string) (store.Report, error)
	ApplyMutation(context.Context, store.ReportMutation) (store.Report, error)
	SetRenderedText(context.Context, string, string, string) error
	ListRevisions(context.Context, string, string, int, int) ([]store.Revision, int, error)
	ListReports(context.Context, store.ReportFilter) ([]store.ReportSummary, int, error)
	SearchReports(context.Context, string, string, int) ([]store.ReportSummary, error)
}

type principalResolver interface {
	Resolve(context.Context, string) (auth.Principal, error)
}

// Dependencies are the collaborators wired around the store. Zero values
// fall back to in-process defaults.
type Dependencies struct {
	Templates config.Templates
	Resolver  *auth.Resolver
	Queue     explain.Queue
	Search    *search.Service
	Archive   archive.Archive
	Log       *logger.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	templates config.Templates
	builder   *builder.Builder
	renderer  *render.Renderer
	resolver  principalResolver
	queue     explain.Queue
	search    *search.Service
	archive   archive.Archive
	log       *logger.Logger
	creates   singleflight.Group
}

func New(cfg config.Config, dataStore dataStore, deps Dependencies) (*Service, error) {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if len(deps.Templates.ByID) == 0 {
		deps.Templates = config.DefaultTemplates()
	}
	if err := deps.Templates.Validate(); err != nil {
		return nil, err
	}
	renderer, err := render.New(deps.Templates)
	if err != nil {
		return nil, err
	}
	if deps.Queue == nil {
		deps.Queue = explain.NewMemoryQueue(256)
	}
	if deps.Search == nil {
		deps.Search = search.NewService(nil, dataStore, deps.Log)
	}
	if deps.Archive == nil {
		deps.Archive = archive.Nop{}
	}

	svc := &Service{
		cfg:       cfg,
		store:     dataStore,
		templates: deps.Templates,
		builder:   builder.New(deps.Templates),
		renderer:  renderer,
		queue:     deps.Queue,
		search:    deps.Search,
		archive:   deps.Archive,
		log:       deps.Log.Component("ReportService"),
	}
	if deps.Resolver != nil {
		svc.resolver = deps.Resolver
	} else {
		svc.resolver = auth.NewResolver(dataStore, nil, 0)
	}
	return svc, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Authenticate(ctx context.Context, apiKey string) (auth.Principal, error) {
	return s.resolver.Resolve(ctx, apiKey)
}

// IngestDecisionEvent stores a decision event once per idempotency key.
func (s *Service) IngestDecisionEvent(ctx context.Context, p auth.Principal, in DecisionEventInput) (map[string]any, error) {
	in.DecisionID = strings.TrimSpace(in.DecisionID)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	switch {
	case in.DecisionID == "":
		return nil, invalidInput("decision_id is required")
	case in.IdempotencyKey == "":
		return nil, invalidInput("idempotency_key is required")
	case in.OccurredAt.IsZero():
		return nil, invalidInput("occurred_at is required")
	case strings.TrimSpace(in.Model.ModelID) == "" || strings.TrimSpace(in.Model.ModelVersion) == "":
		return nil, invalidInput("model.model_id and model.model_version are required")
	}
	label, _ := in.FinalDecision["label"].(string)
	if strings.TrimSpace(label) == "" {
		return nil, invalidInput("final_decision.label is required")
	}

	inputFeatures, err := marshalObject(in.InputFeatures)
	if err != nil {
		return nil, err
	}
	modelOutput, err := marshalObject(in.ModelOutput)
	if err != nil {
		return nil, err
	}
	finalDecision, err := marshalObject(in.FinalDecision)
	if err != nil {
		return nil, err
	}

	event, created, err := s.store.InsertDecisionEvent(ctx, store.DecisionEvent{
		ID:             util.NewID("de"),
		TenantID:       p.TenantID,
		DecisionID:     in.DecisionID,
		OccurredAt:     in.OccurredAt.UTC(),
		ModelID:        strings.TrimSpace(in.Model.ModelID),
		ModelVersion:   strings.TrimSpace(in.Model.ModelVersion),
		InputFeatures:  inputFeatures,
		ModelOutput:    modelOutput,
		FinalDecision:  finalDecision,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Info("Decision event stored", "tenant_id", p.TenantID, "event_id", event.ID, "decision_id", event.DecisionID)
	}
	return map[string]any{"event_id": event.ID, "created": created}, nil
}

// CreateExplanation records a PENDING explanation and hands it to the
// workers. The response never waits for the computation.
func (s *Service) CreateExplanation(ctx context.Context, p auth.Principal, decisionEventID string) (map[string]any, error) {
	decisionEventID = strings.TrimSpace(decisionEventID)
	if decisionEventID == "" {
		return nil, invalidInput("decision_event_id is required")
	}
	if _, err := s.store.GetDecisionEvent(ctx, p.TenantID, decisionEventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("Decision event")
		}
		return nil, err
	}

	item, err := s.store.InsertExplanation(ctx, store.Explanation{
		ID:              util.NewID("ex"),
		TenantID:        p.TenantID,
		DecisionEventID: decisionEventID,
		Status:          store.ExplanationPending,
		Method:          explain.MethodStub,
	})
	if err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, explain.Job{TenantID: p.TenantID, ExplanationID: item.ID}); err != nil {
		s.log.Error("Enqueue explanation failed", "explanation_id", item.ID, "error", err)
		msg := "enqueue failed: " + err.Error()
		if _, markErr := s.store.TransitionExplanation(ctx, store.ExplanationTransition{
			TenantID: p.TenantID,
			ID:       item.ID,
			From:     store.ExplanationPending,
			To:       store.ExplanationFailed,
			Error:    &msg,
		}); markErr != nil {
			return nil, markErr
		}
		return map[string]any{"explanation_id": item.ID, "status": store.ExplanationFailed}, nil
	}
	return map[string]any{"explanation_id": item.ID, "status": item.Status}, nil
}

func (s *Service) GetExplanation(ctx context.Context, p auth.Principal, explanationID string) (ExplanationView, error) {
	item, err := s.store.GetExplanation(ctx, p.TenantID, explanationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ExplanationView{}, notFound("Explanation")
		}
		return ExplanationView{}, err
	}
	evidence := item.Evidence
	if len(evidence) == 0 {
		evidence = json.RawMessage(`{}`)
	}
	return ExplanationView{
		ExplanationID: item.ID,
		Status:        item.Status,
		Method:        item.Method,
		Evidence:      evidence,
		Error:         item.Error,
	}, nil
}

// CreateReport is find-or-create on the provenance tuple. Concurrent
// creates for the same tuple inside this process share one build; across
// processes the unique constraint picks the winner and the loser re-reads it.
func (s *Service) CreateReport(ctx context.Context, p auth.Principal, in CreateReportInput) (store.Report, error) {
	in.DecisionEventID = strings.TrimSpace(in.DecisionEventID)
	in.ExplanationID = strings.TrimSpace(in.ExplanationID)
	in.TemplateID = strings.TrimSpace(in.TemplateID)
	if in.DecisionEventID == "" {
		return store.Report{}, invalidInput("decision_event_id is required")
	}
	if in.ExplanationID == "" {
		return store.Report{}, invalidInput("explanation_id is required")
	}
	if in.TemplateID == "" {
		in.TemplateID = config.DefaultTemplateID
	}

	event, err := s.store.GetDecisionEvent(ctx, p.TenantID, in.DecisionEventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Report{}, notFound("Decision event")
		}
		return store.Report{}, err
	}
	explanation, err := s.store.GetExplanation(ctx, p.TenantID, in.ExplanationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Report{}, notFound("Explanation")
		}
		return store.Report{}, err
	}
	if explanation.DecisionEventID != event.ID {
		return store.Report{}, invalidInput("explanation does not belong to decision_event_id")
	}
	if explanation.Status != store.ExplanationDone {
		return store.Report{}, conflict("EXPLANATION_NOT_DONE", "Explanation is not DONE")
	}
	if _, ok := s.templates.Get(in.TemplateID); !ok {
		return store.Report{}, invalidInput(fmt.Sprintf("unknown template_id %q", in.TemplateID))
	}

	key := strings.Join([]string{p.TenantID, event.ID, explanation.ID, in.TemplateID}, "\x00")
	// The shared build must outlive whichever caller started it; each caller
	// still stops waiting when its own context ends.
	shared := context.WithoutCancel(ctx)
	result := s.creates.DoChan(key, func() (any, error) {
		return s.findOrCreateReport(shared, p, event, explanation, in.TemplateID)
	})
	select {
	case <-ctx.Done():
		return store.Report{}, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return store.Report{}, res.Err
		}
		return res.Val.(store.Report), nil
	}
}

func (s *Service) findOrCreateReport(ctx context.Context, p auth.Principal, event store.DecisionEvent, explanation store.Explanation, templateID string) (store.Report, error) {
	existing, err := s.store.FindReportByIdentity(ctx, p.TenantID, event.ID, explanation.ID, templateID)
	if err == nil {
		metrics.ReportMutations.WithLabelValues(store.ActionCreate, "existing").Inc()
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Report{}, err
	}

	finalDecision, err := decodeObject(event.FinalDecision)
	if err != nil {
		return store.Report{}, fmt.Errorf("decision event %s final_decision: %w", event.ID, err)
	}
	evidenceObject, err := decodeObject(explanation.Evidence)
	if err != nil {
		return store.Report{}, fmt.Errorf("explanation %s evidence: %w", explanation.ID, err)
	}
	facts := builder.DecisionFacts{
		DecisionEventID: event.ID,
		DecisionID:      event.DecisionID,
		OccurredAt:      event.OccurredAt,
		ModelID:         event.ModelID,
		ModelVersion:    event.ModelVersion,
		FinalDecision:   finalDecision,
	}
	evidence := builder.ExplanationEvidence{
		ExplanationID: explanation.ID,
		Evidence:      evidenceObject,
	}
	body, err := s.builder.Build(templateID, facts, evidence)
	if err != nil {
		if errors.Is(err, builder.ErrUnknownTemplate) {
			return store.Report{}, invalidInput(fmt.Sprintf("unknown template_id %q", templateID))
		}
		if ve, ok := reportdoc.AsValidationError(err); ok {
			s.log.Error("Built report failed validation", "decision_event_id", event.ID, "explanation_id", explanation.ID, "error", err)
			metrics.ReportMutations.WithLabelValues(store.ActionCreate, "invalid").Inc()
			return store.Report{}, buildFailure(ve.Errors)
		}
		return store.Report{}, err
	}
	encoded, err := reportdoc.Encode(body)
	if err != nil {
		return store.Report{}, err
	}

	created, err := s.store.CreateReport(ctx, store.Report{
		ID:              util.NewID("rpt"),
		TenantID:        p.TenantID,
		DecisionEventID: event.ID,
		ExplanationID:   explanation.ID,
		TemplateID:      templateID,
		Body:            encoded,
		CreatedBy:       p.ClientID,
	})
	if errors.Is(err, store.ErrDuplicateReport) {
		s.log.Debug("Lost create race, returning winner", "decision_event_id", event.ID, "explanation_id", explanation.ID)
		metrics.ReportMutations.WithLabelValues(store.ActionCreate, "existing").Inc()
		return s.store.FindReportByIdentity(ctx, p.TenantID, event.ID, explanation.ID, templateID)
	}
	if err != nil {
		metrics.ReportMutations.WithLabelValues(store.ActionCreate, "error").Inc()
		return store.Report{}, err
	}

	metrics.ReportMutations.WithLabelValues(store.ActionCreate, "accepted").Inc()
	s.log.Info("Report created", "tenant_id", p.TenantID, "report_id", created.ID, "version", created.Version, "action", store.ActionCreate)
	s.indexReport(ctx, p.TenantID, created)
	return created, nil
}

func (s *Service) GetReport(ctx context.Context, p auth.Principal, reportID string) (ReportView, error) {
	report, err := s.loadReport(ctx, p, reportID)
	if err != nil {
		return ReportView{}, err
	}
	body, err := s.storedBody(report)
	if err != nil {
		return ReportView{}, err
	}
	return reportView(report, body), nil
}

// PatchReport replaces the sections of a DRAFT report behind the version
// gate. The store re-checks version and status atomically with the ledger
// append, so the checks here only shape the error early.
func (s *Service) PatchReport(ctx context.Context, p auth.Principal, reportID string, in PatchReportInput) (ReportView, error) {
	if in.ExpectedVersion == nil {
		return ReportView{}, invalidInput("expected_version is required")
	}
	expected := *in.ExpectedVersion
	if expected < 1 {
		return ReportView{}, invalidInput("expected_version must be >= 1")
	}

	report, err := s.loadReport(ctx, p, reportID)
	if err != nil {
		return ReportView{}, err
	}
	if err := s.checkGate(report, store.ActionPatch, expected); err != nil {
		return ReportView{}, err
	}
	current, err := s.storedBody(report)
	if err != nil {
		return ReportView{}, err
	}

	if !hasSections(in.Sections) {
		return reportView(report, current), nil
	}

	merged, err := reportdoc.ReplaceSections(current, in.Sections)
	if err != nil {
		return ReportView{}, err
	}
	next, err := reportdoc.Validate(merged)
	if err != nil {
		if ve, ok := reportdoc.AsValidationError(err); ok {
			metrics.ReportMutations.WithLabelValues(store.ActionPatch, "invalid").Inc()
			return ReportView{}, validationFailed(ve.Errors)
		}
		return ReportView{}, err
	}
	if dangling := reportdoc.DanglingReferences(next); len(dangling) > 0 {
		metrics.ReportMutations.WithLabelValues(store.ActionPatch, "invalid").Inc()
		return ReportView{}, validationFailed(dangling)
	}
	encoded, err := reportdoc.Encode(next)
	if err != nil {
		return ReportView{}, err
	}

	updated, err := s.mutate(ctx, store.ReportMutation{
		TenantID:        p.TenantID,
		ReportID:        report.ID,
		ExpectedVersion: expected,
		Action:          store.ActionPatch,
		Body:            encoded,
		Actor:           p.ClientID,
	})
	if err != nil {
		return ReportView{}, err
	}
	return reportView(updated, next), nil
}

// FinalizeReport moves a DRAFT report to FINAL. It is not idempotent: a
// second finalize is a conflict.
func (s *Service) FinalizeReport(ctx context.Context, p auth.Principal, reportID string, in FinalizeReportInput) (ReportView, error) {
	if in.ExpectedVersion == nil {
		return ReportView{}, invalidInput("expected_version is required")
	}
	expected := *in.ExpectedVersion
	if expected < 1 {
		return ReportView{}, invalidInput("expected_version must be >= 1")
	}

	report, err := s.loadReport(ctx, p, reportID)
	if err != nil {
		return ReportView{}, err
	}
	if err := s.checkGate(report, store.ActionFinalize, expected); err != nil {
		return ReportView{}, err
	}
	body, err := s.storedBody(report)
	if err != nil {
		return ReportView{}, err
	}

	updated, err := s.mutate(ctx, store.ReportMutation{
		TenantID:        p.TenantID,
		ReportID:        report.ID,
		ExpectedVersion: expected,
		Action:          store.ActionFinalize,
		Actor:           p.ClientID,
	})
	if err != nil {
		return ReportView{}, err
	}
	return reportView(updated, body), nil
}

func (s *Service) checkGate(report store.Report, action string, expected int) error {
	if report.Status == store.ReportStatusFinal {
		metrics.ReportMutations.WithLabelValues(action, "final").Inc()
		return finalConflict(action)
	}
	if report.Version != expected {
		metrics.ReportMutations.WithLabelValues(action, "version_conflict").Inc()
		s.log.Debug("Rejected stale mutation", "report_id", report.ID, "action", action, "expected_version", expected, "current_version", report.Version)
		return versionConflict(report.Version)
	}
	return nil
}

func (s *Service) mutate(ctx context.Context, m store.ReportMutation) (store.Report, error) {
	updated, err := s.store.ApplyMutation(ctx, m)
	if err != nil {
		var stale *store.VersionConflictError
		switch {
		case errors.As(err, &stale):
			metrics.ReportMutations.WithLabelValues(m.Action, "version_conflict").Inc()
			s.log.Debug("Rejected concurrent mutation", "report_id", m.ReportID, "action", m.Action, "current_version", stale.Current)
			return store.Report{}, versionConflict(stale.Current)
		case errors.Is(err, store.ErrReportFinal):
			metrics.ReportMutations.WithLabelValues(m.Action, "final").Inc()
			return store.Report{}, finalConflict(m.Action)
		case errors.Is(err, store.ErrNotFound):
			return store.Report{}, notFound("Report")
		}
		metrics.ReportMutations.WithLabelValues(m.Action, "error").Inc()
		return store.Report{}, err
	}

	metrics.ReportMutations.WithLabelValues(m.Action, "accepted").Inc()
	s.log.Info("Report mutated", "tenant_id", m.TenantID, "report_id", updated.ID, "version", updated.Version, "action", m.Action)
	s.indexReport(ctx, m.TenantID, updated)
	return updated, nil
}

func finalConflict(action string) *DomainError {
	if action == store.ActionFinalize {
		return conflict("REPORT_FINAL", "Report is already FINAL")
	}
	return conflict("REPORT_FINAL", "Report is FINAL and cannot be edited")
}

func (s *Service) ListReports(ctx context.Context, p auth.Principal, in ListReportsInput) (ReportList, error) {
	if in.Offset < 0 {
		return ReportList{}, invalidInput("offset must be >= 0")
	}
	if in.Limit < 1 || in.Limit > maxReportLimit {
		return ReportList{}, invalidInput(fmt.Sprintf("limit must be between 1 and %d", maxReportLimit))
	}
	if in.Status != "" && in.Status != store.ReportStatusDraft && in.Status != store.ReportStatusFinal {
		return ReportList{}, invalidInput("status must be DRAFT or FINAL")
	}

	summaries, total, err := s.store.ListReports(ctx, store.ReportFilter{
		TenantID:        p.TenantID,
		Status:          in.Status,
		DecisionEventID: in.DecisionEventID,
		DecisionID:      in.DecisionID,
		OccurredAfter:   in.OccurredAfter,
		OccurredBefore:  in.OccurredBefore,
		Offset:          in.Offset,
		Limit:           in.Limit,
	})
	if err != nil {
		return ReportList{}, err
	}
	return ReportList{Total: total, Items: listItems(summaries), Offset: in.Offset, Limit: in.Limit}, nil
}

func (s *Service) ListRevisions(ctx context.Context, p auth.Principal, reportID string, offset, limit int) (RevisionList, error) {
	if offset < 0 {
		return RevisionList{}, invalidInput("offset must be >= 0")
	}
	if limit < 1 || limit > maxRevisionLimit {
		return RevisionList{}, invalidInput(fmt.Sprintf("limit must be between 1 and %d", maxRevisionLimit))
	}

	revisions, total, err := s.store.ListRevisions(ctx, p.TenantID, reportID, offset, limit)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RevisionList{}, notFound("Report")
		}
		return RevisionList{}, err
	}
	items := make([]RevisionItem, 0, len(revisions))
	for _, rev := range revisions {
		item := RevisionItem{ID: rev.ID, Version: rev.Version, Action: rev.Action, CreatedAt: rev.CreatedAt}
		if rev.CreatedBy != "" {
			actor := rev.CreatedBy
			item.CreatedBy = &actor
		}
		items = append(items, item)
	}
	return RevisionList{Total: total, Items: items, Offset: offset, Limit: limit}, nil
}

func (s *Service) SearchReports(ctx context.Context, p auth.Principal, query string, limit int) (map[string]any, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalidInput("q is required")
	}
	if limit < 1 || limit > maxReportLimit {
		return nil, invalidInput(fmt.Sprintf("limit must be between 1 and %d", maxReportLimit))
	}
	summaries, err := s.search.Search(ctx, p.TenantID, query, limit)
	if err != nil {
		return nil, err
	}
	items := listItems(summaries)
	return map[string]any{"query": query, "items": items, "total": len(items)}, nil
}

// RenderReport refreshes the plain-text cache. It does not touch the
// version or the ledger, so FINAL reports can be rendered too.
func (s *Service) RenderReport(ctx context.Context, p auth.Principal, reportID string) (map[string]any, error) {
	report, err := s.loadReport(ctx, p, reportID)
	if err != nil {
		return nil, err
	}
	body, err := s.storedBody(report)
	if err != nil {
		return nil, err
	}
	text, err := s.renderer.Render(report.TemplateID, body)
	if err != nil {
		if errors.Is(err, render.ErrUnknownTemplate) {
			return nil, conflict("TEMPLATE_UNAVAILABLE", fmt.Sprintf("template %q is not configured", report.TemplateID))
		}
		return nil, err
	}
	if err := s.store.SetRenderedText(ctx, p.TenantID, report.ID, text); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("Report")
		}
		return nil, err
	}
	report.RenderedText = &text

	payload := map[string]any{
		"report_id":   report.ID,
		"status":      report.Status,
		"template_id": report.TemplateID,
		"version":     report.Version,
		"report_text": text,
	}
	key, err := s.archive.Put(ctx, p.TenantID, report.ID, report.Version, text)
	if err != nil {
		s.log.Warn("Archive rendered text failed", "report_id", report.ID, "version", report.Version, "error", err)
	} else {
		payload["archive_key"] = key
	}
	s.indexReport(ctx, p.TenantID, report)
	return payload, nil
}

func (s *Service) loadReport(ctx context.Context, p auth.Principal, reportID string) (store.Report, error) {
	report, err := s.store.GetReport(ctx, p.TenantID, strings.TrimSpace(reportID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Report{}, notFound("Report")
		}
		return store.Report{}, err
	}
	return report, nil
}

// storedBody revalidates persisted data. A failure here is an integrity
// error, not a client validation error.
func (s *Service) storedBody(report store.Report) (reportdoc.Body, error) {
	body, err := reportdoc.Validate(report.Body)
	if err != nil {
		metrics.IntegrityFailures.Inc()
		s.log.Error("Stored report failed validation", "report_id", report.ID, "version", report.Version, "error", err)
		if ve, ok := reportdoc.AsValidationError(err); ok {
			return reportdoc.Body{}, integrityFailure(ve.Errors)
		}
		return reportdoc.Body{}, integrityFailure(nil)
	}
	return body, nil
}

func (s *Service) indexReport(ctx context.Context, tenantID string, report store.Report) {
	if !s.search.Indexing() {
		return
	}
	event, err := s.store.GetDecisionEvent(ctx, tenantID, report.DecisionEventID)
	if err != nil {
		s.log.Warn("Index lookup failed", "report_id", report.ID, "error", err)
		return
	}
	summary := store.ReportSummary{
		ReportID:        report.ID,
		Status:          report.Status,
		TemplateID:      report.TemplateID,
		DecisionEventID: report.DecisionEventID,
		ExplanationID:   report.ExplanationID,
		Version:         report.Version,
		CreatedAt:       report.CreatedAt,
		DecisionID:      event.DecisionID,
		OccurredAt:      event.OccurredAt,
		DecisionLabel:   store.DecisionLabel(event.FinalDecision),
	}
	if report.RenderedText != nil {
		summary.RenderedText = *report.RenderedText
	}
	s.search.IndexReport(tenantID, summary)
}

func reportView(report store.Report, body reportdoc.Body) ReportView {
	return ReportView{
		ReportID:        report.ID,
		Status:          report.Status,
		TemplateID:      report.TemplateID,
		DecisionEventID: report.DecisionEventID,
		ExplanationID:   report.ExplanationID,
		Version:         report.Version,
		ReportJSON:      body,
		ReportText:      report.RenderedText,
		CreatedAt:       report.CreatedAt,
		UpdatedAt:       report.UpdatedAt,
		UpdatedBy:       report.UpdatedBy,
		FinalizedAt:     report.FinalizedAt,
		FinalizedBy:     report.FinalizedBy,
	}
}

func listItems(summaries []store.ReportSummary) []ReportListItem {
	items := make([]ReportListItem, 0, len(summaries))
	for _, summary := range summaries {
		item := ReportListItem{
			ReportID:        summary.ReportID,
			Status:          summary.Status,
			TemplateID:      summary.TemplateID,
			DecisionEventID: summary.DecisionEventID,
			ExplanationID:   summary.ExplanationID,
			CreatedAt:       summary.CreatedAt,
			DecisionID:      summary.DecisionID,
			OccurredAt:      summary.OccurredAt,
			Version:         summary.Version,
		}
		if summary.DecisionLabel != "" {
			label := summary.DecisionLabel
			item.DecisionLabel = &label
		}
		items = append(items, item)
	}
	return items
}

func hasSections(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}

func marshalObject(value map[string]any) (json.RawMessage, error) {
	if value == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "payload is not serialisable", nil)
	}
	return raw, nil
}

// decodeObject reads a stored JSON object, keeping numbers exact. Anything
// other than an object is corrupt source data.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode stored object: %w", err)
	}
	if out == nil {
		return nil, errors.New("decode stored object: not a JSON object")
	}
	return out, nil
}
