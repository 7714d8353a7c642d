package search

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"github.com/pedro-meseguer/xai-business/internal/logger"
)

const idxReports = "xai_reports"

// Meili implements Index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     *logger.Logger
}

// NewMeili creates a Meilisearch client and configures the report index.
// An unreachable server is not fatal: the health loop picks it up later.
func NewMeili(url, apiKey string, baseLog *logger.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    baseLog.Component("Meili"),
	}

	if _, err := client.Health(); err != nil {
		m.log.Warn("Meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxReports,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug("Create index (may already exist)", "index", idxReports, "error", err)
	}

	index := m.client.Index(idxReports)
	filterable := []interface{}{"tenantId", "status", "templateId", "decisionId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("Update filterable attributes failed", "index", idxReports, "error", err)
	}
	searchable := []string{"decisionLabel", "decisionId", "reportText"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("Update searchable attributes failed", "index", idxReports, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("Meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(tenantID, text string, limit int) ([]ReportRecord, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID: idxReports,
			Query:    text,
			Limit:    int64(limit),
			Filter:   []string{tenantFilter(tenantID)},
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var records []ReportRecord
	for _, sr := range resp.Results {
		for _, hit := range sr.Hits {
			record, err := hitToRecord(hit)
			if err != nil {
				return nil, err
			}
			records = append(records, record)
		}
	}
	return records, nil
}

func tenantFilter(tenantID string) string {
	return fmt.Sprintf("tenantId = %q", tenantID)
}

// hitToRecord re-assembles a hit from its raw fields.
func hitToRecord(hit meili.Hit) (ReportRecord, error) {
	fields := make(map[string]json.RawMessage, len(hit))
	for key, raw := range hit {
		if key == "_formatted" || key == "_rankingScore" {
			continue
		}
		fields[key] = raw
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return ReportRecord{}, fmt.Errorf("encode hit: %w", err)
	}
	var record ReportRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return ReportRecord{}, fmt.Errorf("decode hit: %w", err)
	}
	return record, nil
}

// IndexReport adds or updates a report in the search index.
func (m *Meili) IndexReport(record ReportRecord) error {
	_, err := m.client.Index(idxReports).AddDocuments([]ReportRecord{record}, nil)
	return err
}
