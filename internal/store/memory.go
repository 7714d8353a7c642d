package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pedro-meseguer/xai-business/internal/util"
)

// MemoryStore keeps everything in process. Each mutation runs under one lock,
// which gives it the same all-or-nothing version gate as the Postgres store.
type MemoryStore struct {
	mu             sync.Mutex
	now            func() time.Time
	apiClients     map[string]APIClient
	decisionEvents map[string]DecisionEvent
	explanations   map[string]Explanation
	reports        map[string]Report
	revisions      map[string][]Revision
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:            func() time.Time { return time.Now().UTC() },
		apiClients:     map[string]APIClient{},
		decisionEvents: map[string]DecisionEvent{},
		explanations:   map[string]Explanation{},
		reports:        map[string]Report{},
		revisions:      map[string][]Revision{},
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func (s *MemoryStore) InsertAPIClient(_ context.Context, client APIClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.apiClients {
		if existing.APIKeyHash == client.APIKeyHash {
			return fmt.Errorf("insert api client: key hash already registered")
		}
	}
	client.CreatedAt = s.now()
	s.apiClients[client.ID] = client
	return nil
}

func (s *MemoryStore) GetAPIClientByKeyHash(_ context.Context, keyHash string) (APIClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, client := range s.apiClients {
		if client.APIKeyHash == keyHash {
			return client, nil
		}
	}
	return APIClient{}, ErrNotFound
}

func (s *MemoryStore) InsertDecisionEvent(_ context.Context, event DecisionEvent) (DecisionEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.decisionEvents {
		if existing.TenantID == event.TenantID && existing.IdempotencyKey == event.IdempotencyKey {
			return existing, false, nil
		}
	}
	event.InputFeatures = cloneRaw(event.InputFeatures)
	event.ModelOutput = cloneRaw(event.ModelOutput)
	event.FinalDecision = cloneRaw(event.FinalDecision)
	event.OccurredAt = event.OccurredAt.UTC()
	event.CreatedAt = s.now()
	s.decisionEvents[event.ID] = event
	return event, true, nil
}

func (s *MemoryStore) GetDecisionEvent(_ context.Context, tenantID, eventID string) (DecisionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.decisionEvents[eventID]
	if !ok || event.TenantID != tenantID {
		return DecisionEvent{}, ErrNotFound
	}
	return event, nil
}

func (s *MemoryStore) InsertExplanation(_ context.Context, item Explanation) (Explanation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.decisionEvents[item.DecisionEventID]
	if !ok || event.TenantID != item.TenantID {
		return Explanation{}, fmt.Errorf("insert explanation: %w", ErrNotFound)
	}
	if len(item.Evidence) == 0 {
		item.Evidence = json.RawMessage(`{}`)
	}
	item.Evidence = cloneRaw(item.Evidence)
	item.CreatedAt = s.now()
	item.UpdatedAt = item.CreatedAt
	s.explanations[item.ID] = item
	return item, nil
}

func (s *MemoryStore) GetExplanation(_ context.Context, tenantID, explanationID string) (Explanation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.explanations[explanationID]
	if !ok || item.TenantID != tenantID {
		return Explanation{}, ErrNotFound
	}
	return item, nil
}

func (s *MemoryStore) TransitionExplanation(_ context.Context, tr ExplanationTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.explanations[tr.ID]
	if !ok || item.TenantID != tr.TenantID || item.Status != tr.From {
		return false, nil
	}
	item.Status = tr.To
	if len(tr.Evidence) > 0 {
		item.Evidence = cloneRaw(tr.Evidence)
	}
	item.Error = nil
	if tr.Error != nil {
		msg := truncate(*tr.Error, ExplanationErrorLimit)
		item.Error = &msg
	}
	item.UpdatedAt = s.now()
	s.explanations[item.ID] = item
	return true, nil
}

func (s *MemoryStore) CreateReport(_ context.Context, report Report) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.reports {
		if existing.TenantID == report.TenantID &&
			existing.DecisionEventID == report.DecisionEventID &&
			existing.ExplanationID == report.ExplanationID &&
			existing.TemplateID == report.TemplateID {
			return Report{}, ErrDuplicateReport
		}
	}

	now := s.now()
	report.Status = ReportStatusDraft
	report.Version = 1
	report.Body = cloneRaw(report.Body)
	report.CreatedAt = now
	report.UpdatedAt = now
	report.UpdatedBy = report.CreatedBy
	report.RenderedText = nil
	report.FinalizedAt = nil
	report.FinalizedBy = nil
	s.reports[report.ID] = report
	s.revisions[report.ID] = []Revision{{
		ID:        util.NewID("rev"),
		TenantID:  report.TenantID,
		ReportID:  report.ID,
		Version:   1,
		Action:    ActionCreate,
		Body:      cloneRaw(report.Body),
		CreatedAt: now,
		CreatedBy: report.CreatedBy,
	}}
	return report, nil
}

func (s *MemoryStore) GetReport(_ context.Context, tenantID, reportID string) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[reportID]
	if !ok || report.TenantID != tenantID {
		return Report{}, ErrNotFound
	}
	return report, nil
}

func (s *MemoryStore) FindReportByIdentity(_ context.Context, tenantID, decisionEventID, explanationID, templateID string) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, report := range s.reports {
		if report.TenantID == tenantID &&
			report.DecisionEventID == decisionEventID &&
			report.ExplanationID == explanationID &&
			report.TemplateID == templateID {
			return report, nil
		}
	}
	return Report{}, ErrNotFound
}

func (s *MemoryStore) ApplyMutation(_ context.Context, m ReportMutation) (Report, error) {
	if m.Action != ActionPatch && m.Action != ActionFinalize {
		return Report{}, fmt.Errorf("unsupported report mutation %q", m.Action)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[m.ReportID]
	if !ok || report.TenantID != m.TenantID {
		return Report{}, ErrNotFound
	}
	if report.Status != ReportStatusDraft || report.Version != m.ExpectedVersion {
		return Report{}, rejectionFor(report.Status, report.Version)
	}

	now := s.now()
	report.Version++
	report.UpdatedAt = now
	report.UpdatedBy = m.Actor
	switch m.Action {
	case ActionPatch:
		report.Body = cloneRaw(m.Body)
	case ActionFinalize:
		report.Status = ReportStatusFinal
		actor := m.Actor
		report.FinalizedAt = &now
		report.FinalizedBy = &actor
	}
	s.reports[report.ID] = report
	s.revisions[report.ID] = append(s.revisions[report.ID], Revision{
		ID:        util.NewID("rev"),
		TenantID:  report.TenantID,
		ReportID:  report.ID,
		Version:   report.Version,
		Action:    m.Action,
		Body:      cloneRaw(report.Body),
		CreatedAt: now,
		CreatedBy: m.Actor,
	})
	return report, nil
}

func (s *MemoryStore) SetRenderedText(_ context.Context, tenantID, reportID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[reportID]
	if !ok || report.TenantID != tenantID {
		return ErrNotFound
	}
	report.RenderedText = &text
	s.reports[reportID] = report
	return nil
}

func (s *MemoryStore) ListRevisions(_ context.Context, tenantID, reportID string, offset, limit int) ([]Revision, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[reportID]
	if !ok || report.TenantID != tenantID {
		return nil, 0, ErrNotFound
	}
	all := s.revisions[reportID]
	items := make([]Revision, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		items = append(items, all[i])
	}
	return page(items, offset, limit), len(all), nil
}

func (s *MemoryStore) summaryLocked(report Report) (ReportSummary, bool) {
	event, ok := s.decisionEvents[report.DecisionEventID]
	if !ok || event.TenantID != report.TenantID {
		return ReportSummary{}, false
	}
	summary := ReportSummary{
		ReportID:        report.ID,
		Status:          report.Status,
		TemplateID:      report.TemplateID,
		DecisionEventID: report.DecisionEventID,
		ExplanationID:   report.ExplanationID,
		Version:         report.Version,
		CreatedAt:       report.CreatedAt,
		DecisionID:      event.DecisionID,
		OccurredAt:      event.OccurredAt,
		DecisionLabel:   DecisionLabel(event.FinalDecision),
	}
	if report.RenderedText != nil {
		summary.RenderedText = *report.RenderedText
	}
	return summary, true
}

func (s *MemoryStore) sortedSummariesLocked(tenantID string, keep func(ReportSummary) bool) []ReportSummary {
	items := make([]ReportSummary, 0)
	for _, report := range s.reports {
		if report.TenantID != tenantID {
			continue
		}
		summary, ok := s.summaryLocked(report)
		if !ok || !keep(summary) {
			continue
		}
		items = append(items, summary)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ReportID > items[j].ReportID
	})
	return items
}

func (s *MemoryStore) ListReports(_ context.Context, filter ReportFilter) ([]ReportSummary, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.sortedSummariesLocked(filter.TenantID, func(summary ReportSummary) bool {
		if filter.Status != "" && summary.Status != filter.Status {
			return false
		}
		if filter.DecisionEventID != "" && summary.DecisionEventID != filter.DecisionEventID {
			return false
		}
		if filter.DecisionID != "" && summary.DecisionID != filter.DecisionID {
			return false
		}
		if filter.OccurredAfter != nil && summary.OccurredAt.Before(*filter.OccurredAfter) {
			return false
		}
		if filter.OccurredBefore != nil && summary.OccurredAt.After(*filter.OccurredBefore) {
			return false
		}
		return true
	})
	return page(items, filter.Offset, filter.Limit), len(items), nil
}

func (s *MemoryStore) SearchReports(_ context.Context, tenantID, query string, limit int) ([]ReportSummary, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.sortedSummariesLocked(tenantID, func(summary ReportSummary) bool {
		return strings.Contains(strings.ToLower(summary.DecisionID), needle) ||
			strings.Contains(strings.ToLower(summary.DecisionLabel), needle) ||
			strings.Contains(strings.ToLower(summary.RenderedText), needle)
	})
	return page(items, 0, limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

// DecisionLabel extracts final_decision.label; empty when absent.
func DecisionLabel(finalDecision json.RawMessage) string {
	var payload struct {
		Label any `json:"label"`
	}
	if err := json.Unmarshal(finalDecision, &payload); err != nil || payload.Label == nil {
		return ""
	}
	if s, ok := payload.Label.(string); ok {
		return s
	}
	return fmt.Sprint(payload.Label)
}
