package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedro-meseguer/xai-business/internal/logger"
	"github.com/pedro-meseguer/xai-business/internal/metrics"
	"github.com/pedro-meseguer/xai-business/internal/store"
)

type fakeIndex struct {
	mu      sync.Mutex
	healthy bool
	err     error
	records []ReportRecord
	indexed chan ReportRecord
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(tenantID, text string, limit int) ([]ReportRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]ReportRecord(nil), f.records...), nil
}

func (f *fakeIndex) IndexReport(record ReportRecord) error {
	f.indexed <- record
	return nil
}

type fakeFallback struct {
	calls   int
	results []store.ReportSummary
}

func (f *fakeFallback) SearchReports(_ context.Context, tenantID, query string, limit int) ([]store.ReportSummary, error) {
	f.calls++
	return f.results, nil
}

func TestSearchUsesHealthyIndexAndDropsForeignTenants(t *testing.T) {
	index := &fakeIndex{healthy: true, records: []ReportRecord{
		{ID: "rpt_1", TenantID: "t1", DecisionLabel: "denied", OccurredAt: 1770926400},
		{ID: "rpt_x", TenantID: "t2", DecisionLabel: "denied"},
	}}
	fallback := &fakeFallback{}
	svc := NewService(index, fallback, logger.Nop())
	before := testutil.ToFloat64(metrics.SearchBackend.WithLabelValues(backendMeili))

	got, err := svc.Search(context.Background(), "t1", "denied", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rpt_1", got[0].ReportID)
	assert.Equal(t, time.Date(2026, 2, 12, 20, 0, 0, 0, time.UTC), got[0].OccurredAt)
	assert.Zero(t, fallback.calls)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SearchBackend.WithLabelValues(backendMeili)))
}

func TestSearchFallsBackOnIndexError(t *testing.T) {
	index := &fakeIndex{healthy: true, err: errors.New("boom")}
	fallback := &fakeFallback{results: []store.ReportSummary{{ReportID: "rpt_1"}}}
	svc := NewService(index, fallback, logger.Nop())

	got, err := svc.Search(context.Background(), "t1", "denied", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, fallback.calls)
	assert.Equal(t, "rpt_1", got[0].ReportID)
}

func TestSearchWithoutIndexReturnsEmptySlice(t *testing.T) {
	svc := NewService(nil, &fakeFallback{}, logger.Nop())
	got, err := svc.Search(context.Background(), "t1", "nothing", 10)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestIndexReportSkipsUnhealthyIndex(t *testing.T) {
	index := &fakeIndex{healthy: false, indexed: make(chan ReportRecord, 1)}
	NewService(index, &fakeFallback{}, logger.Nop()).IndexReport("t1", store.ReportSummary{ReportID: "rpt_1"})
	select {
	case <-index.indexed:
		t.Fatal("unhealthy index must not receive documents")
	case <-time.After(50 * time.Millisecond):
	}

	index.healthy = true
	NewService(index, &fakeFallback{}, logger.Nop()).IndexReport("t1", store.ReportSummary{ReportID: "rpt_1", DecisionLabel: "denied"})
	select {
	case record := <-index.indexed:
		assert.Equal(t, "t1", record.TenantID)
		assert.Equal(t, "denied", record.DecisionLabel)
	case <-time.After(time.Second):
		t.Fatal("expected report to be indexed")
	}
}

func TestTenantFilterQuotesValue(t *testing.T) {
	assert.Equal(t, `tenantId = "t\"1"`, tenantFilter(`t"1`))
}
