package search

import (
	"context"

	"github.com/pedro-meseguer/xai-business/internal/logger"
	"github.com/pedro-meseguer/xai-business/internal/metrics"
	"github.com/pedro-meseguer/xai-business/internal/store"
)

const (
	backendMeili    = "meilisearch"
	backendDatabase = "database"
)

// Service is the facade that tries Meilisearch first and falls back to the database.
type Service struct {
	index    Index
	fallback Fallback
	log      *logger.Logger
}

// NewService creates a search service. index may be nil if Meilisearch is not configured.
func NewService(index Index, fallback Fallback, baseLog *logger.Logger) *Service {
	return &Service{index: index, fallback: fallback, log: baseLog.Component("Search")}
}

// Search tries the index if healthy, otherwise falls back to the database.
// Results are always scoped to tenantID.
func (s *Service) Search(ctx context.Context, tenantID, text string, limit int) ([]store.ReportSummary, error) {
	if s.index != nil && s.index.Healthy() {
		records, err := s.index.Search(tenantID, text, limit)
		if err == nil {
			metrics.SearchBackend.WithLabelValues(backendMeili).Inc()
			out := make([]store.ReportSummary, 0, len(records))
			for _, record := range records {
				if record.TenantID != tenantID {
					continue
				}
				out = append(out, record.Summary())
			}
			return out, nil
		}
		s.log.Warn("Meilisearch error, falling back to database", "error", err)
	}

	metrics.SearchBackend.WithLabelValues(backendDatabase).Inc()
	results, err := s.fallback.SearchReports(ctx, tenantID, text, limit)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []store.ReportSummary{}
	}
	return results, nil
}

// Indexing reports whether writes currently reach the index.
func (s *Service) Indexing() bool {
	return s.index != nil && s.index.Healthy()
}

// IndexReport pushes a report summary to the index (fire-and-forget).
func (s *Service) IndexReport(tenantID string, summary store.ReportSummary) {
	if !s.Indexing() {
		return
	}
	record := RecordFromSummary(tenantID, summary)
	go func() {
		if err := s.index.IndexReport(record); err != nil {
			s.log.Warn("Index report failed", "report_id", record.ID, "error", err)
		}
	}()
}
